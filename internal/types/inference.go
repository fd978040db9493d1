package types

import "time"

// InferenceKind classifies a terminal InferenceRecord when it did not
// complete normally. Empty means success.
type InferenceKind string

const (
	InferenceOK              InferenceKind = ""
	InferenceTimeout         InferenceKind = "timeout"
	InferenceTransientError  InferenceKind = "transient_error"
	InferenceParseError      InferenceKind = "parse_error"
)

// InferenceRecord is attached 1:1 to a MediaArtifact.
type InferenceRecord struct {
	Media *MediaArtifact `json:"media"`

	StartedAt time.Time  `json:"inference_start_time"`
	EndedAt   *time.Time `json:"inference_end_time,omitempty"`

	RawResult    string        `json:"raw_result"`
	Parsed       *SceneResult  `json:"parsed_result,omitempty"`
	MCP          *MCPResult    `json:"mcp_result,omitempty"`
	UserQuestion string        `json:"user_question,omitempty"`

	// Response is the free-text prelude the model wrote before its
	// fenced JSON block, if any (spec.md §4.E step 1, §6's
	// inference_result.json `response?` key). It is independent of
	// MCP: narrative lead-in text never by itself implies the MCP
	// bridge ran, only an attached MCPResult does.
	Response string `json:"response,omitempty"`

	Kind InferenceKind `json:"kind,omitempty"`
	Err  string        `json:"error,omitempty"`
}

// InProgress reports whether the remote call has not yet returned.
func (r *InferenceRecord) InProgress() bool {
	return r.EndedAt == nil
}

// Duration returns inference_end - inference_start, or zero while in progress.
func (r *InferenceRecord) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// IsAnalyticallyMeaningful implements the inclusive "latest-with-AI"
// predicate from spec.md §4.G / §9: non-zero counts, a non-empty
// response, OR an attached MCPResult all qualify.
func (r *InferenceRecord) IsAnalyticallyMeaningful() bool {
	if r == nil {
		return false
	}
	if r.Parsed.IsAnalyticallyMeaningful() {
		return true
	}
	return r.MCP != nil
}
