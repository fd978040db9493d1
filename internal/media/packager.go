// Package media turns the live frame stream into analyzable
// MediaArtifacts on a fixed cadence: single resized images, or
// sampled MP4 clips (component C).
package media

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vlmmonitor/core/internal/distributor"
	"github.com/vlmmonitor/core/internal/fsutil"
	"github.com/vlmmonitor/core/internal/logging"
	"github.com/vlmmonitor/core/internal/types"
)

var log = logging.L("media")

const (
	intakeQueueCap = 100
	readyQueueCap  = 10
	pollTimeout    = 200 * time.Millisecond
)

type Mode string

const (
	ModeImage Mode = "image"
	ModeVideo Mode = "video"
)

// Config is the cadence/resize policy the packager runs under.
type Config struct {
	Mode Mode

	TargetDurationSeconds float64 // batch window in video mode; tick period in image mode
	SampleRateFPS         float64 // output frames-per-second in video mode

	ResizeMaxWidth  int
	ResizeMaxHeight int
	JPEGQuality     int
}

// Packager collects frames from the Distributor into MediaArtifacts.
// Ready()'s channel is the packager's output: the Inference
// Scheduler (component D) drains it.
type Packager struct {
	cfg     Config
	dist    *distributor.Distributor
	session *types.Session

	ready  chan *types.MediaArtifact
	intake chan *types.Frame

	droppedIntake atomic.Uint64

	done     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, dist *distributor.Distributor, session *types.Session) *Packager {
	return &Packager{
		cfg:     cfg,
		dist:    dist,
		session: session,
		ready:   make(chan *types.MediaArtifact, readyQueueCap),
		intake:  make(chan *types.Frame, intakeQueueCap),
		done:    make(chan struct{}),
	}
}

// Ready returns the channel of completed MediaArtifacts.
func (p *Packager) Ready() <-chan *types.MediaArtifact { return p.ready }

// DroppedIntake returns the number of frames dropped from the intake
// queue because the batch builder could not keep up.
func (p *Packager) DroppedIntake() uint64 { return p.droppedIntake.Load() }

// Run drives the packager until ctx is canceled or Stop is called.
func (p *Packager) Run(ctx context.Context) {
	var wg sync.WaitGroup

	if p.cfg.Mode == ModeVideo {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.pollIntake(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		switch p.cfg.Mode {
		case ModeVideo:
			p.runVideoMode(ctx)
		default:
			p.runImageMode(ctx)
		}
	}()

	wg.Wait()
}

// Stop idempotently tears down the packager's goroutines.
func (p *Packager) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

// pollIntake continuously drains the Distributor's single-slot
// mailbox into the packager's own bounded intake queue, so the batch
// builder can see more than just the instantaneous latest frame.
// Drop-oldest on full: this queue must never backpressure the reader.
func (p *Packager) pollIntake(ctx context.Context) {
	sub := p.dist.Subscribe()
	defer p.dist.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		default:
		}

		frame, ok := sub.Next(pollTimeout)
		if !ok {
			continue
		}

		select {
		case p.intake <- frame:
		default:
			select {
			case <-p.intake:
			default:
			}
			select {
			case p.intake <- frame:
			default:
			}
			p.droppedIntake.Add(1)
		}
	}
}

func (p *Packager) runImageMode(ctx context.Context) {
	period := time.Duration(p.cfg.TargetDurationSeconds * float64(time.Second))
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			frame := p.dist.Latest()
			if frame == nil {
				continue
			}
			artifact, err := p.buildImageArtifact(frame)
			if err != nil {
				log.Warn("image artifact encode failed, dropping tick", "error", err)
				continue
			}
			p.emit(ctx, artifact)
		}
	}
}

func (p *Packager) runVideoMode(ctx context.Context) {
	window := time.Duration(p.cfg.TargetDurationSeconds * float64(time.Second))
	if window <= 0 {
		window = time.Second
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	var batch []*types.Frame
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case frame := <-p.intake:
			batch = append(batch, frame)
		case <-ticker.C:
			if len(batch) == 0 {
				continue
			}
			closed := batch
			batch = nil

			artifact, err := p.buildVideoArtifact(closed)
			if err != nil {
				log.Warn("video batch re-encode failed, batch discarded", "error", err, "frames", len(closed))
				continue
			}
			p.emit(ctx, artifact)
		}
	}
}

// emit pushes to the ready queue, blocking (per spec: the ready queue
// backpressures the packager rather than dropping artifacts).
func (p *Packager) emit(ctx context.Context, artifact *types.MediaArtifact) {
	select {
	case p.ready <- artifact:
	case <-ctx.Done():
	case <-p.done:
	}
}

func (p *Packager) buildImageArtifact(frame *types.Frame) (*types.MediaArtifact, error) {
	encoded, w, h, err := reencodeJPEG(frame.JPEG, p.cfg.ResizeMaxWidth, p.cfg.ResizeMaxHeight, p.cfg.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("media: encode image: %w", err)
	}

	now := time.Now()
	id := uuid.NewString()
	dirName := fmt.Sprintf("frame_%d_%s_%03d_details", frame.Seq, now.Format("150405"), now.Nanosecond()/1e6)
	dir := filepath.Join(p.session.Dir, dirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("media: create artifact dir: %w", err)
	}

	imagePath := filepath.Join(dir, id+".jpg")
	if err := fsutil.WriteFileAtomic(imagePath, encoded, 0644); err != nil {
		return nil, fmt.Errorf("media: write image: %w", err)
	}

	return &types.MediaArtifact{
		ID:         id,
		Kind:       types.MediaImage,
		Dir:        dir,
		CreatedAt:  now,
		ImagePath:  imagePath,
		FrameSeq:   frame.Seq,
		Dimensions: types.ImageDimensions{ModelWidth: w, ModelHeight: h},
	}, nil
}

func (p *Packager) buildVideoArtifact(batch []*types.Frame) (*types.MediaArtifact, error) {
	count := int(math.Round(p.cfg.TargetDurationSeconds * p.cfg.SampleRateFPS))
	if count < 1 {
		count = 1
	}
	picks := sampleFrames(batch, count)

	encodedFrames := make([][]byte, 0, len(picks))
	var w, h int
	for _, f := range picks {
		encoded, fw, fh, err := reencodeJPEG(f.JPEG, p.cfg.ResizeMaxWidth, p.cfg.ResizeMaxHeight, p.cfg.JPEGQuality)
		if err != nil {
			return nil, fmt.Errorf("media: encode sampled frame %d: %w", f.Seq, err)
		}
		encodedFrames = append(encodedFrames, encoded)
		w, h = fw, fh
	}

	now := time.Now()
	id := uuid.NewString()
	dirName := fmt.Sprintf("sampled_video_%s_details", id)
	dir := filepath.Join(p.session.Dir, dirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("media: create artifact dir: %w", err)
	}

	videoPath := filepath.Join(dir, fmt.Sprintf("sampled_video_%s.mp4", id))
	if err := muxMP4(encodedFrames, p.cfg.SampleRateFPS, videoPath); err != nil {
		return nil, err
	}

	sampled := make([]types.SampledFrame, len(picks))
	for i, f := range picks {
		sampled[i] = types.SampledFrame{
			OriginalSeq:       f.Seq,
			RelativeTimestamp: f.Relative.Seconds(),
			FileName:          fmt.Sprintf("sample_%03d.jpg", i),
		}
	}

	artifact := &types.MediaArtifact{
		ID:              id,
		Kind:            types.MediaVideo,
		Dir:             dir,
		CreatedAt:       now,
		VideoPath:       videoPath,
		SampledFrames:   sampled,
		FrameRangeFirst: batch[0].Seq,
		FrameRangeLast:  batch[len(batch)-1].Seq,
		TargetDuration:  time.Duration(p.cfg.TargetDurationSeconds * float64(time.Second)),
		SampleRateFPS:   p.cfg.SampleRateFPS,
		BatchStart:      batch[0].WallClock,
		BatchEnd:        batch[len(batch)-1].WallClock,
		Dimensions:      types.ImageDimensions{ModelWidth: w, ModelHeight: h},
	}

	detailsPath := filepath.Join(dir, "video_details.json")
	if err := fsutil.WriteJSONAtomic(detailsPath, artifact); err != nil {
		log.Warn("failed to write video_details.json", "error", err)
	}

	return artifact, nil
}
