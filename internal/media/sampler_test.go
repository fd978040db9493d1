package media

import (
	"testing"
	"time"

	"github.com/vlmmonitor/core/internal/types"
)

func frameAt(seq uint64, seconds float64) *types.Frame {
	return &types.Frame{Seq: seq, Relative: time.Duration(seconds * float64(time.Second))}
}

func TestSampleFramesEvenlySpacedGrid(t *testing.T) {
	batch := []*types.Frame{
		frameAt(1, 0), frameAt(2, 1), frameAt(3, 2), frameAt(4, 3),
		frameAt(5, 4), frameAt(6, 5), frameAt(7, 6),
	}

	picks := sampleFrames(batch, 3)
	if len(picks) != 3 {
		t.Fatalf("got %d picks, want 3", len(picks))
	}
	// Grid over [0,6] for 3 picks: targets 0, 3, 6 -> frames at seq 1,4,7.
	want := []uint64{1, 4, 7}
	for i, f := range picks {
		if f.Seq != want[i] {
			t.Fatalf("pick %d = seq %d, want %d", i, f.Seq, want[i])
		}
	}
}

func TestSampleFramesSingleRequestReturnsFirst(t *testing.T) {
	batch := []*types.Frame{frameAt(1, 0), frameAt(2, 1), frameAt(3, 2)}
	picks := sampleFrames(batch, 1)
	if len(picks) != 1 || picks[0].Seq != 1 {
		t.Fatalf("expected single pick of seq 1, got %+v", picks)
	}
}

func TestSampleFramesCountExceedingBatchReturnsWholeBatch(t *testing.T) {
	batch := []*types.Frame{frameAt(1, 0), frameAt(2, 1)}
	picks := sampleFrames(batch, 10)
	if len(picks) != 2 {
		t.Fatalf("got %d picks, want 2 (whole batch)", len(picks))
	}
}

func TestSampleFramesBreaksTiesTowardEarlierFrame(t *testing.T) {
	// Two frames equidistant from a target pick the earlier one.
	batch := []*types.Frame{frameAt(1, 0), frameAt(2, 1), frameAt(3, 3), frameAt(4, 4)}
	picks := sampleFrames(batch, 3) // targets: 0, 2, 4; target 2 is 1s from both seq 2 and seq 3
	if picks[0].Seq != 1 || picks[1].Seq != 2 || picks[2].Seq != 4 {
		t.Fatalf("got %v", picks)
	}
}
