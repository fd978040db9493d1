package vlm

import (
	"errors"
	"testing"
)

func TestParseResponseFencedJSONRoundTrips(t *testing.T) {
	raw := "```json\n{\"people_count\": 2, \"summary\": \"two people near the door\"}\n```"
	scene, prelude, mcp, err := parseResponse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scene.PeopleCount != 2 || scene.Summary != "two people near the door" {
		t.Fatalf("got %+v", scene)
	}
	if prelude != "" {
		t.Fatalf("expected no prelude, got %q", prelude)
	}
	if mcp != nil {
		t.Fatalf("expected no mcp skeleton without a tool block, got %+v", mcp)
	}
}

func TestParseResponseBareJSONWithoutFence(t *testing.T) {
	raw := `{"summary": "all quiet"}`
	scene, _, _, err := parseResponse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scene.Summary != "all quiet" || scene.PeopleCount != 0 {
		t.Fatalf("got %+v", scene)
	}
}

func TestParseResponsePreludeRetainedButNoMCPSkeleton(t *testing.T) {
	raw := "Looks like someone is at the door.\n```json\n{\"people_count\": 1}\n```"
	scene, prelude, mcp, err := parseResponse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scene.PeopleCount != 1 {
		t.Fatalf("got %+v", scene)
	}
	if prelude != "Looks like someone is at the door." {
		t.Fatalf("expected prelude retained, got %q", prelude)
	}
	if mcp != nil {
		t.Fatalf("narrative prelude alone must not manufacture an MCPResult, got %+v", mcp)
	}
}

func TestParseResponseMissingOptionalFieldsDefault(t *testing.T) {
	raw := "```json\n{}\n```"
	scene, _, _, err := parseResponse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scene.PeopleCount != 0 || scene.VehicleCount != 0 || scene.Response != "" || scene.People != nil {
		t.Fatalf("expected zero-value defaults, got %+v", scene)
	}
}

func TestParseResponseMalformedJSONIsParseError(t *testing.T) {
	_, _, _, err := parseResponse("```json\n{not valid json\n```")
	if err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestParseResponseExtractsMCPToolIntent(t *testing.T) {
	raw := `{"summary": "gate left open"}
<use_mcp_tool>
<tool_name>close_gate</tool_name>
<arguments>
{"gate_id": "front"}
</arguments>
<reason>left open after 10pm</reason>
</use_mcp_tool>`
	scene, _, mcp, err := parseResponse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scene.Summary != "gate left open" {
		t.Fatalf("got %+v", scene)
	}
	if mcp == nil || mcp.ToolName != "close_gate" || mcp.Reason != "left open after 10pm" {
		t.Fatalf("got %+v", mcp)
	}
	if mcp.Arguments["gate_id"] != "front" {
		t.Fatalf("got arguments %+v", mcp.Arguments)
	}
}

func TestParseResponseWithoutMCPBlockLeavesSkeletonNil(t *testing.T) {
	_, _, mcp, err := parseResponse(`{"summary": "nothing to report"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mcp != nil {
		t.Fatalf("expected nil mcp skeleton, got %+v", mcp)
	}
}

func TestParseResponsePreludeWithMCPBlockKeepsBothSeparate(t *testing.T) {
	raw := `Closing the gate now.
` + "```json\n{\"summary\": \"gate left open\"}\n```" + `
<use_mcp_tool>
<tool_name>close_gate</tool_name>
</use_mcp_tool>`
	_, prelude, mcp, err := parseResponse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prelude != "Closing the gate now." {
		t.Fatalf("expected prelude retained, got %q", prelude)
	}
	if mcp == nil || mcp.ToolName != "close_gate" {
		t.Fatalf("expected mcp skeleton from the tool block, got %+v", mcp)
	}
}
