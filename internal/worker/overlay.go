package worker

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
)

// magnitudeColorRange is the magnitude at which the heat ramp saturates.
const magnitudeColorRange = 15.0

// intensityColor maps a vector magnitude onto the blue, magenta, red ramp
// used for heat markers, arrows, and trails. Low motion is blue, saturated
// motion is red.
func intensityColor(magnitude float64) color.RGBA {
	n := math.Min(1, math.Max(0, magnitude/magnitudeColorRange))

	var r, g, b float64
	switch {
	case n < 0.33:
		r, g, b = 0, 255*(1-n*3), 255
	case n < 0.66:
		r, g, b = 255*(n-0.33)*3, 0, 255
	default:
		r, g, b = 255, 0, 255*(1-(n-0.66)*3)
	}

	return color.RGBA{R: clampByte(r), G: clampByte(g), B: clampByte(b), A: 255}
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// renderer draws the visualization layers over (or instead of) the source
// frame. It owns the persistent trail layer, which survives across frames
// and decays each step.
type renderer struct {
	cfg      Config
	trail    gocv.Mat
	hasTrail bool
}

func newRenderer(cfg Config) *renderer {
	return &renderer{cfg: cfg}
}

// Reset discards the trail layer. Called when the capture reconnects so
// trails from the previous session do not bleed into the new one.
func (r *renderer) Reset() {
	if r.hasTrail {
		r.trail.Close()
		r.hasTrail = false
	}
}

// Render composes the overlay for one frame. The caller owns the returned
// Mat and must close it. The input frame is not modified.
func (r *renderer) Render(frame gocv.Mat, vectors []FlowVector) gocv.Mat {
	var base gocv.Mat
	if r.cfg.ShowFeed {
		base = frame.Clone()
	} else {
		base = gocv.Zeros(frame.Rows(), frame.Cols(), frame.Type())
	}

	capped := vectors
	if r.cfg.MaxVectorsOut > 0 && len(capped) > r.cfg.MaxVectorsOut {
		capped = capped[:r.cfg.MaxVectorsOut]
	}

	if r.cfg.ShowMagnitude && len(capped) > 0 {
		r.drawHeat(&base, capped)
	}
	if r.cfg.ShowArrows && len(capped) > 0 {
		r.drawArrows(&base, capped)
	}
	// A vector-less frame leaves the trail layer untouched; only a
	// reconnect (Reset) discards accumulated trails.
	if r.cfg.ShowTrails && len(capped) > 0 {
		r.drawTrails(&base, capped)
	}

	return base
}

func (r *renderer) drawHeat(base *gocv.Mat, vectors []FlowVector) {
	heat := gocv.Zeros(base.Rows(), base.Cols(), base.Type())
	defer heat.Close()

	radius := int(float64(r.cfg.GridSize) * 0.9)
	if radius < 4 {
		radius = 4
	}
	for _, v := range vectors {
		c := intensityColor(v.Mag * r.cfg.GradientIntensity)
		gocv.Circle(&heat, image.Pt(int(v.X), int(v.Y)), radius, c, -1)
	}

	alpha := math.Min(0.9, math.Max(0.1, 0.22*r.cfg.GradientIntensity))
	gocv.AddWeighted(*base, 1.0, heat, alpha, 0, base)
}

func (r *renderer) drawArrows(base *gocv.Mat, vectors []FlowVector) {
	layer := gocv.Zeros(base.Rows(), base.Cols(), base.Type())
	defer layer.Close()

	for _, v := range vectors {
		start := image.Pt(int(v.X), int(v.Y))
		end := image.Pt(int(v.X+v.U*r.cfg.ArrowScale), int(v.Y+v.V*r.cfg.ArrowScale))
		thickness := int(v.Mag/4) + 1
		if thickness > 3 {
			thickness = 3
		}
		gocv.ArrowedLine(&layer, start, end, intensityColor(v.Mag), thickness)
	}

	gocv.AddWeighted(*base, 1.0, layer, r.cfg.ArrowOpacity/100.0, 0, base)
}

func (r *renderer) drawTrails(base *gocv.Mat, vectors []FlowVector) {
	if !r.hasTrail || r.trail.Rows() != base.Rows() || r.trail.Cols() != base.Cols() {
		r.Reset()
		r.trail = gocv.Zeros(base.Rows(), base.Cols(), base.Type())
		r.hasTrail = true
	}

	// Fade the previous strokes before stamping this frame's.
	gocv.ConvertScaleAbs(r.trail, &r.trail, r.cfg.TrailDecay, 0)

	step := gocv.Zeros(base.Rows(), base.Cols(), base.Type())
	defer step.Close()
	for _, v := range vectors {
		start := image.Pt(int(v.X), int(v.Y))
		end := image.Pt(int(v.X+v.U*r.cfg.ArrowScale*0.8), int(v.Y+v.V*r.cfg.ArrowScale*0.8))
		gocv.Line(&step, start, end, intensityColor(v.Mag), 1)
	}
	gocv.Add(r.trail, step, &r.trail)

	alpha := math.Max(0.15, r.cfg.ArrowOpacity/100.0*0.55)
	gocv.AddWeighted(*base, 1.0, r.trail, alpha, 0, base)
}
