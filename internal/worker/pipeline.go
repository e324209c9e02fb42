package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"log/slog"
	"time"

	"gocv.io/x/gocv"
)

// Pipeline drives one stream end to end: open the source, track motion
// frame to frame, update telemetry, render the overlay, and publish. It
// runs until the context is cancelled; source failures reconnect forever.
type Pipeline struct {
	cfg Config
	log *slog.Logger
	pub *Publisher
	col *Collector

	lastDirection float64
	lastFrameAt   time.Time
}

// NewPipeline wires a pipeline from its collaborators.
func NewPipeline(cfg Config, pub *Publisher, col *Collector, log *slog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, log: log, pub: pub, col: col}
}

// Run processes the stream until ctx is cancelled. The returned error is
// ctx.Err(); every source failure is handled by reconnecting.
func (p *Pipeline) Run(ctx context.Context) error {
	p.col.SetConnected(false)
	p.col.CollectRuntime()

	for {
		capture, ok := p.openCapture(ctx)
		if !ok {
			return ctx.Err()
		}

		p.process(ctx, capture)
		_ = capture.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sleepCtx(ctx, p.cfg.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

// openCapture retries until the source opens or ctx is cancelled. Every
// failed attempt forces a STATUS(error) so dashboards see the stream as
// down immediately.
func (p *Pipeline) openCapture(ctx context.Context) (*gocv.VideoCapture, bool) {
	attempt := 0
	for {
		p.log.Info("opening stream source", slog.String("source", p.cfg.SourceURL))
		capture, err := gocv.OpenVideoCapture(p.cfg.SourceURL)
		if err == nil && capture.IsOpened() {
			p.col.SetConnected(true)
			p.pub.PublishStatus(ctx, "connected", "", true)
			return capture, true
		}
		if capture != nil {
			_ = capture.Close()
		}

		attempt++
		p.col.SetConnected(false)
		p.pub.PublishStatus(ctx, "error",
			fmt.Sprintf("Unable to open stream source (attempt %d).", attempt), true)
		p.log.Warn("unable to open stream, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", p.cfg.ReconnectDelay))

		if !sleepCtx(ctx, p.cfg.ReconnectDelay) {
			return nil, false
		}
	}
}

// process consumes frames until a network read failure or cancellation.
// Tracking state and the trail layer start fresh on every (re)connect.
func (p *Pipeline) process(ctx context.Context, capture *gocv.VideoCapture) {
	frame := gocv.NewMat()
	defer frame.Close()

	prevGray := gocv.NewMat()
	defer func() { prevGray.Close() }()
	hasPrev := false

	rend := newRenderer(p.cfg)
	defer rend.Reset()

	p.lastFrameAt = time.Now()

	for ctx.Err() == nil {
		if ok := capture.Read(&frame); !ok || frame.Empty() {
			if p.cfg.IsNetworkSource() {
				p.col.SetConnected(false)
				p.pub.PublishStatus(ctx, "error", "Stream read failed. Reconnecting to source.", true)
				p.log.Warn("stream read failed, reconnecting")
				return
			}
			// Local files loop instead of exiting.
			capture.Set(gocv.VideoCapturePosFrames, 0)
			continue
		}

		gray := gocv.NewMat()
		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)

		if !hasPrev {
			prevGray.Close()
			prevGray = gray
			hasPrev = true
			continue
		}

		fps := p.frameRate(time.Now())
		vectors := computeVectors(prevGray, gray, p.cfg)
		avg, max := magnitudeStats(vectors)
		direction, coherence := dominantDirection(vectors, p.lastDirection)
		if coherence > 0 {
			p.lastDirection = direction
		}

		p.col.RecordFlow(avg, max, len(vectors), fps, direction, coherence)
		p.col.CollectRuntime()
		p.col.SetConnected(true)
		p.pub.PublishStatus(ctx, "connected", "", false)

		overlay := rend.Render(frame, vectors)
		if p.pub.ShouldPublishFrame(time.Now()) {
			if payload, ok := p.framePayload(overlay, vectors, fps, avg, max, direction, coherence); ok {
				p.pub.PublishFrame(ctx, payload)
			}
		}
		overlay.Close()

		prevGray.Close()
		prevGray = gray
	}
}

// frameRate returns the instantaneous processing rate from the gap to the
// previous frame.
func (p *Pipeline) frameRate(now time.Time) float64 {
	elapsed := now.Sub(p.lastFrameAt).Seconds()
	p.lastFrameAt = now
	if elapsed <= 0 {
		elapsed = 1e-6
	}
	return 1 / elapsed
}

// framePayload encodes the overlay as a bounded JPEG preview and assembles
// the frame message. ok is false when encoding fails; that frame is skipped.
func (p *Pipeline) framePayload(overlay gocv.Mat, vectors []FlowVector, fps, avg, max, direction, coherence float64) (FramePayload, bool) {
	preview := overlay
	resized := false
	if p.cfg.PreviewMaxWidth > 0 && overlay.Cols() > p.cfg.PreviewMaxWidth {
		ratio := float64(p.cfg.PreviewMaxWidth) / float64(overlay.Cols())
		height := int(float64(overlay.Rows())*ratio + 0.5)
		if height < 1 {
			height = 1
		}
		dst := gocv.NewMat()
		gocv.Resize(overlay, &dst, image.Pt(p.cfg.PreviewMaxWidth, height), 0, 0, gocv.InterpolationArea)
		preview = dst
		resized = true
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, preview,
		[]int{gocv.IMWriteJpegQuality, p.cfg.PreviewJPEGQuality})
	width, height := preview.Cols(), preview.Rows()
	if resized {
		preview.Close()
	}
	if err != nil {
		p.log.Warn("preview encode failed", slog.String("error", err.Error()))
		return FramePayload{}, false
	}
	defer buf.Close()

	out := vectors
	if p.cfg.MaxVectorsOut > 0 && len(out) > p.cfg.MaxVectorsOut {
		out = out[:p.cfg.MaxVectorsOut]
	}
	wire := make([]FlowVector, len(out))
	for i, v := range out {
		wire[i] = FlowVector{
			X:   roundTo(v.X, 2),
			Y:   roundTo(v.Y, 2),
			U:   roundTo(v.U, 3),
			V:   roundTo(v.V, 3),
			Mag: roundTo(v.Mag, 3),
		}
	}

	return FramePayload{
		Type:               "frame",
		StreamID:           p.cfg.StreamID,
		StreamName:         p.cfg.StreamName,
		Timestamp:          time.Now().UnixMilli(),
		Width:              width,
		Height:             height,
		FPS:                roundTo(fps, 2),
		AvgMagnitude:       roundTo(avg, 4),
		MaxMagnitude:       roundTo(max, 4),
		DirectionDegrees:   roundTo(direction, 2),
		DirectionCoherence: roundTo(coherence, 4),
		VectorCount:        len(vectors),
		Vectors:            wire,
		Config: TunablesPayload{
			GridSize:          p.cfg.GridSize,
			WinRadius:         p.cfg.WinRadius,
			Threshold:         p.cfg.Threshold,
			ArrowScale:        p.cfg.ArrowScale,
			ArrowOpacity:      p.cfg.ArrowOpacity,
			GradientIntensity: p.cfg.GradientIntensity,
			ShowFeed:          p.cfg.ShowFeed,
			ShowArrows:        p.cfg.ShowArrows,
			ShowMagnitude:     p.cfg.ShowMagnitude,
			ShowTrails:        p.cfg.ShowTrails,
		},
		FrameB64: base64.StdEncoding.EncodeToString(buf.GetBytes()),
	}, true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
