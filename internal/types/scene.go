package types

import "time"

// BBox is [x1,y1,x2,y2] in model-pixel coordinates, stored exactly as
// received from the model. See ImageDimensions for the companion
// width/height needed to remap to display coordinates.
type BBox [4]float64

// Person is one detected person in a SceneResult.
type Person struct {
	ID       string `json:"id"`
	BBox     BBox   `json:"bbox"`
	Activity string `json:"activity"`
}

// Vehicle is one detected vehicle in a SceneResult.
type Vehicle struct {
	ID     string `json:"id"`
	BBox   BBox   `json:"bbox"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// SceneResult is the structured scene description parsed from the
// VLM's response JSON. Unknown fields are ignored on parse; missing
// optional fields default to their zero value.
type SceneResult struct {
	Timestamp    string    `json:"timestamp"`
	PeopleCount  int       `json:"people_count"`
	VehicleCount int       `json:"vehicle_count"`
	People       []Person  `json:"people"`
	Vehicles     []Vehicle `json:"vehicles"`
	Summary      string    `json:"summary"`
	Response     string    `json:"response"`
}

// IsAnalyticallyMeaningful reports whether this result carries
// anything beyond an empty scan: non-zero counts or a non-empty
// response. Used (together with an attached MCPResult) to implement
// the "latest-with-AI" predicate in spec.md §4.G.
func (s *SceneResult) IsAnalyticallyMeaningful() bool {
	if s == nil {
		return false
	}
	return s.PeopleCount > 0 || s.VehicleCount > 0 || s.Response != ""
}

// MCPResult is the outcome of a camera-control bridge invocation.
type MCPResult struct {
	Success    bool           `json:"success"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
	Reason     string         `json:"reason"`
	Result     string         `json:"result"`
	AIResponse string         `json:"ai_response"`
}

// UserQuestion is a short, at-most-one-active text prompt supplied by
// the ASR intake.
type UserQuestion struct {
	Text      string    `json:"question"`
	CreatedAt time.Time `json:"timestamp"`
}
