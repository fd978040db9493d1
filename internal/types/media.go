package types

import "time"

// MediaKind distinguishes the two artifact shapes the packager produces.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// SampledFrame records one frame selected into a video artifact.
type SampledFrame struct {
	OriginalSeq       uint64  `json:"original_seq"`
	RelativeTimestamp float64 `json:"relative_timestamp_s"`
	FileName          string  `json:"file_name"`
}

// ImageDimensions records the pixel dimensions the media was encoded
// at, so bounding boxes returned by the model can be remapped to
// display coordinates without being normalized at record time.
type ImageDimensions struct {
	ModelWidth  int `json:"model_width"`
	ModelHeight int `json:"model_height"`
}

// MediaArtifact is either a single Image or a sampled Video. Kind
// selects which half of the struct is populated.
type MediaArtifact struct {
	ID        string    `json:"id"`
	Kind      MediaKind `json:"kind"`
	Dir       string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`

	// Image mode.
	ImagePath string `json:"image_path,omitempty"`
	FrameSeq  uint64 `json:"frame_seq,omitempty"`

	// Video mode.
	VideoPath       string         `json:"video_path,omitempty"`
	SampledFrames   []SampledFrame `json:"sampled_frames,omitempty"`
	FrameRangeFirst uint64         `json:"frame_range_first,omitempty"`
	FrameRangeLast  uint64         `json:"frame_range_last,omitempty"`
	TargetDuration  time.Duration  `json:"-"`
	SampleRateFPS   float64        `json:"sample_rate_fps,omitempty"`
	BatchStart      time.Time      `json:"batch_start,omitempty"`
	BatchEnd        time.Time      `json:"batch_end,omitempty"`

	Dimensions ImageDimensions `json:"image_dimensions"`
}

// FrameRange returns [first,last] against the upstream sequence. For
// image-mode artifacts both ends equal the single originating frame.
func (m *MediaArtifact) FrameRange() (first, last uint64) {
	if m.Kind == MediaVideo {
		return m.FrameRangeFirst, m.FrameRangeLast
	}
	return m.FrameSeq, m.FrameSeq
}

// Path returns whichever media file this artifact carries, regardless
// of Kind, for callers (the VLM client, the MCP bridge) that only care
// about "the file on disk".
func (m *MediaArtifact) Path() string {
	if m.Kind == MediaVideo {
		return m.VideoPath
	}
	return m.ImagePath
}
