package worker

import (
	"math"
	"sort"
)

// FlowVector is one selected motion vector: origin in pixel coordinates,
// displacement in pixels per frame, and magnitude.
type FlowVector struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	U   float64 `json:"u"`
	V   float64 `json:"v"`
	Mag float64 `json:"mag"`
}

// trackedPoint is a successfully tracked feature before thresholding and
// grid selection.
type trackedPoint struct {
	x, y float64
	u, v float64
}

// selectVectors filters tracked points below the magnitude threshold and
// keeps at most one vector per grid cell, the one with the largest
// magnitude. Output is ordered by cell (row-major) so results are stable for
// a given input.
func selectVectors(points []trackedPoint, threshold float64, gridSize int) []FlowVector {
	type cell struct{ cx, cy int }
	best := make(map[cell]FlowVector)

	for _, p := range points {
		mag := math.Hypot(p.u, p.v)
		if mag < threshold {
			continue
		}
		c := cell{int(p.x) / gridSize, int(p.y) / gridSize}
		if cur, ok := best[c]; !ok || mag > cur.Mag {
			best[c] = FlowVector{X: p.x, Y: p.y, U: p.u, V: p.v, Mag: mag}
		}
	}

	cells := make([]cell, 0, len(best))
	for c := range best {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].cy != cells[j].cy {
			return cells[i].cy < cells[j].cy
		}
		return cells[i].cx < cells[j].cx
	})

	vectors := make([]FlowVector, 0, len(cells))
	for _, c := range cells {
		vectors = append(vectors, best[c])
	}
	return vectors
}

// magnitudeStats returns the mean and maximum magnitude over the selected
// vectors, both zero for an empty set.
func magnitudeStats(vectors []FlowVector) (avg, max float64) {
	if len(vectors) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vectors {
		sum += v.Mag
		if v.Mag > max {
			max = v.Mag
		}
	}
	return sum / float64(len(vectors)), max
}
