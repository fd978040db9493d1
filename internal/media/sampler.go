package media

import (
	"math"

	"github.com/vlmmonitor/core/internal/types"
)

// sampleFrames picks count frames from an ordered batch by nearest-
// timestamp selection over an evenly spaced grid across the batch's
// time span: for i in 0..count-1, pick the frame whose relative
// timestamp is closest to t0 + i*(tn-t0)/(count-1). Ties break toward
// the earlier frame. A single requested frame yields the batch's
// first frame.
func sampleFrames(batch []*types.Frame, count int) []*types.Frame {
	if len(batch) == 0 || count <= 0 {
		return nil
	}
	if count >= len(batch) {
		return batch
	}
	if count == 1 {
		return batch[:1]
	}

	t0 := batch[0].Relative.Seconds()
	tn := batch[len(batch)-1].Relative.Seconds()
	span := tn - t0

	picks := make([]*types.Frame, 0, count)
	for i := 0; i < count; i++ {
		target := t0 + float64(i)*span/float64(count-1)
		picks = append(picks, nearest(batch, target))
	}
	return picks
}

func nearest(batch []*types.Frame, target float64) *types.Frame {
	best := batch[0]
	bestDist := math.Abs(best.Relative.Seconds() - target)
	for _, f := range batch[1:] {
		dist := math.Abs(f.Relative.Seconds() - target)
		if dist < bestDist {
			best, bestDist = f, dist
		}
		// Ties break toward the earlier frame: strictly-less-than above
		// already does this since batch is ordered ascending by time.
	}
	return best
}
