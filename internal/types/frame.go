// Package types holds the data model shared across the ingestion,
// media, scheduling, storage, and delivery subsystems.
package types

import "time"

// Frame is one decoded JPEG image pulled off the upstream stream.
// Frames are immutable once emitted by the reader.
type Frame struct {
	Seq       uint64
	WallClock time.Time
	Relative  time.Duration // relative to session start

	OrigWidth, OrigHeight     int
	ResizedWidth, ResizedHeight int // zero when not resized

	JPEG []byte
}

// Dimensions reports the dimensions a consumer should use to remap
// any coordinates carried alongside this frame.
func (f *Frame) Dimensions() (width, height int) {
	if f.ResizedWidth != 0 && f.ResizedHeight != 0 {
		return f.ResizedWidth, f.ResizedHeight
	}
	return f.OrigWidth, f.OrigHeight
}
