package worker

import "math"

// dominantDirection computes the magnitude-weighted circular mean direction
// of the selected vectors and how coherently they agree on it.
//
// The angle is a screen-space compass reading in degrees, 0 = rightward,
// 90 = upward, normalized to [0, 360). Image coordinates grow downward, so
// the vertical component is negated before the atan2. Coherence is the
// length of the weighted resultant divided by the total weight: 1.0 when
// every vector points the same way, near 0 when they cancel out.
//
// With no vectors, or a resultant too small to carry direction, the fallback
// angle is returned with zero coherence so the reported direction does not
// jump around during lulls.
func dominantDirection(vectors []FlowVector, fallback float64) (angleDeg, coherence float64) {
	if len(vectors) == 0 {
		return fallback, 0
	}

	var sumU, sumV, totalWeight float64
	for _, v := range vectors {
		w := math.Max(v.Mag, 1e-6)
		sumU += v.U * w
		sumV += v.V * w
		totalWeight += w
	}

	resultant := math.Hypot(sumU, sumV)
	if resultant <= 1e-9 || totalWeight <= 1e-9 {
		return fallback, 0
	}

	angleDeg = math.Mod(math.Atan2(-sumV, sumU)*180/math.Pi+360, 360)
	coherence = math.Min(1, math.Max(0, resultant/totalWeight))
	return angleDeg, coherence
}
