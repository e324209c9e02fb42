package worker

import (
	"image"

	"gocv.io/x/gocv"
)

// Feature detection and pyramidal tracking parameters. These are fixed; the
// per-stream tunables (window size, minimum feature distance) are derived
// from Config.
const (
	maxFeatures    = 800
	featureQuality = 0.01

	lkMaxPyramidLevel = 2
	lkMaxIterations   = 20
	lkEpsilon         = 0.03
	lkMinEigThreshold = 1e-4
)

// computeVectors detects features in the previous frame, tracks them into
// the current frame, and returns the thresholded per-cell selection. Frames
// must be single-channel grayscale. An empty result is normal for static
// scenes.
func computeVectors(prevGray, gray gocv.Mat, cfg Config) []FlowVector {
	corners := gocv.NewMat()
	defer corners.Close()

	gocv.GoodFeaturesToTrack(prevGray, &corners, maxFeatures, featureQuality, float64(cfg.FeatureMinDistance()))
	if corners.Empty() || corners.Rows() == 0 {
		return nil
	}

	next := gocv.NewMat()
	defer next.Close()
	status := gocv.NewMat()
	defer status.Close()
	trackErr := gocv.NewMat()
	defer trackErr.Close()

	win := cfg.TrackingWindow()
	criteria := gocv.NewTermCriteria(gocv.Count+gocv.EPS, lkMaxIterations, lkEpsilon)
	gocv.CalcOpticalFlowPyrLKWithParams(
		prevGray, gray, corners, next, &status, &trackErr,
		image.Pt(win, win), lkMaxPyramidLevel, criteria, 0, lkMinEigThreshold,
	)
	if next.Empty() || status.Empty() {
		return nil
	}

	points := make([]trackedPoint, 0, corners.Rows())
	for i := 0; i < corners.Rows() && i < next.Rows() && i < status.Rows(); i++ {
		if status.GetUCharAt(i, 0) != 1 {
			continue
		}
		old := corners.GetVecfAt(i, 0)
		cur := next.GetVecfAt(i, 0)
		if len(old) < 2 || len(cur) < 2 {
			continue
		}
		points = append(points, trackedPoint{
			x: float64(old[0]),
			y: float64(old[1]),
			u: float64(cur[0] - old[0]),
			v: float64(cur[1] - old[1]),
		})
	}

	return selectVectors(points, cfg.Threshold, cfg.GridSize)
}
