package vlm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/vlmmonitor/core/internal/types"
)

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")
	mcpBlockRe   = regexp.MustCompile(`(?s)<use_mcp_tool>(.*?)</use_mcp_tool>`)
	toolNameRe   = regexp.MustCompile(`(?s)<tool_name>(.*?)</tool_name>`)
	argumentsRe  = regexp.MustCompile(`(?s)<arguments>(.*?)</arguments>`)
	reasonRe     = regexp.MustCompile(`(?s)<reason>(.*?)</reason>`)
)

// parseResponse implements spec.md §4.E/§9's response-parsing
// contract: strip a fenced JSON block, decode it as a SceneResult
// (only the first JSON value is decoded; text after it, such as a
// trailing tool block, is ignored), keep any non-JSON prelude as the
// record's top-level response prose,
// and separately search the full raw text for an MCP tool-call
// intent. The two are independent — narrative lead-in text alone
// never implies component F ran, only an actual <use_mcp_tool> block
// does. Parsing is total: a malformed JSON payload is the only path
// that returns an error (wrapped in ErrParse so callers can
// distinguish it from a transport failure); everything else degrades
// to zero values.
func parseResponse(raw string) (*types.SceneResult, string, *types.MCPResult, error) {
	jsonPayload := raw
	var prelude string

	if m := fencedJSONRe.FindStringSubmatchIndex(raw); m != nil {
		prelude = strings.TrimSpace(raw[:m[0]])
		jsonPayload = raw[m[2]:m[3]]
	}

	scene := &types.SceneResult{}
	if err := json.NewDecoder(strings.NewReader(strings.TrimSpace(jsonPayload))).Decode(scene); err != nil {
		return nil, "", nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var mcp *types.MCPResult
	if toolName, args, reason, ok := extractMCPIntent(raw); ok {
		mcp = &types.MCPResult{
			ToolName:  toolName,
			Arguments: args,
			Reason:    reason,
		}
	}

	return scene, prelude, mcp, nil
}

// extractMCPIntent looks for a <use_mcp_tool> block anywhere in raw
// and pulls its tool_name/arguments/reason sub-elements. A present but
// malformed arguments payload still yields ok=true with a nil map —
// this extraction never fails the parent parse.
func extractMCPIntent(raw string) (toolName string, arguments map[string]any, reason string, ok bool) {
	block := mcpBlockRe.FindStringSubmatch(raw)
	if block == nil {
		return "", nil, "", false
	}
	body := block[1]

	if m := toolNameRe.FindStringSubmatch(body); m != nil {
		toolName = strings.TrimSpace(m[1])
	}
	if m := reasonRe.FindStringSubmatch(body); m != nil {
		reason = strings.TrimSpace(m[1])
	}
	if m := argumentsRe.FindStringSubmatch(body); m != nil {
		var args map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &args); err == nil {
			arguments = args
		} else {
			log.Warn("mcp tool intent had unparseable arguments block", "error", err)
		}
	}
	return toolName, arguments, reason, true
}
