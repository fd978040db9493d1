package media

import (
	"bytes"
	"fmt"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// muxMP4 encodes an ordered sequence of JPEG frames into an MP4 at
// the given output frame rate, writing to outPath. Frames are piped
// to ffmpeg as a concatenated image2pipe stream rather than written
// to individual temp files.
func muxMP4(frames [][]byte, fps float64, outPath string) error {
	if len(frames) == 0 {
		return fmt.Errorf("media: no frames to mux")
	}

	var stdin bytes.Buffer
	for _, f := range frames {
		stdin.Write(f)
	}

	var stderr bytes.Buffer
	err := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"f":        "image2pipe",
		"framerate": fmt.Sprintf("%g", fps),
	}).
		Output(outPath, ffmpeg.KwArgs{
			"r":        fmt.Sprintf("%g", fps),
			"vcodec":   "libx264",
			"pix_fmt":  "yuv420p",
			"movflags": "+faststart",
		}).
		WithInput(&stdin).
		WithErrorOutput(&stderr).
		OverWriteOutput().
		Run()
	if err != nil {
		return fmt.Errorf("media: ffmpeg mux failed: %w: %s", err, stderr.String())
	}
	return nil
}
