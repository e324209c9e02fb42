package worker

import (
	"testing"

	"gocv.io/x/gocv"
)

func TestIntensityColor_Ramp(t *testing.T) {
	// Low magnitude sits at the blue end.
	low := intensityColor(0)
	if low.B != 255 || low.R != 0 {
		t.Errorf("zero magnitude should be pure blue, got %+v", low)
	}

	// Mid magnitude blends toward magenta.
	mid := intensityColor(7.5)
	if mid.B != 255 || mid.R == 0 {
		t.Errorf("mid magnitude should carry red over blue, got %+v", mid)
	}

	// Saturated magnitude is red with almost no blue.
	high := intensityColor(15)
	if high.R != 255 || high.B > 10 {
		t.Errorf("saturated magnitude should be red, got %+v", high)
	}

	// Values past the range clamp instead of wrapping.
	over := intensityColor(1000)
	if over.R != 255 || over.B > 10 {
		t.Errorf("over-range magnitude should clamp to the red end, got %+v", over)
	}
}

func TestRenderer_TrailSurvivesVectorlessFrame(t *testing.T) {
	cfg := Config{
		ShowFeed:      true,
		ShowTrails:    true,
		GridSize:      16,
		ArrowScale:    4,
		ArrowOpacity:  90,
		TrailDecay:    0.88,
		MaxVectorsOut: 120,
	}
	r := newRenderer(cfg)
	defer r.Reset()

	frame := gocv.Zeros(64, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()

	out := r.Render(frame, []FlowVector{{X: 10, Y: 10, U: 3, V: 0, Mag: 3}})
	out.Close()
	if !r.hasTrail {
		t.Fatal("rendering with vectors should allocate the trail layer")
	}

	// Live cameras regularly produce frames with no motion above threshold;
	// trails accumulated so far must persist across them.
	out = r.Render(frame, nil)
	out.Close()
	if !r.hasTrail {
		t.Error("a vector-less frame must not discard the trail layer")
	}

	out = r.Render(frame, []FlowVector{{X: 40, Y: 40, U: 0, V: 3, Mag: 3}})
	out.Close()
	if !r.hasTrail {
		t.Error("trail layer should still be live after motion resumes")
	}

	// Reconnect is the only event that clears trails.
	r.Reset()
	if r.hasTrail {
		t.Error("Reset should discard the trail layer")
	}
}

func TestIntensityColor_GreenNeverLeads(t *testing.T) {
	for _, mag := range []float64{0, 1, 4, 7.5, 11, 15, 30} {
		c := intensityColor(mag)
		if c.G > c.R && c.G > c.B {
			t.Errorf("magnitude %v: green should never dominate the ramp, got %+v", mag, c)
		}
	}
}
