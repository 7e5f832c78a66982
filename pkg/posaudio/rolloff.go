package posaudio

import "math"

// Volume maps a distance to a volume multiplier in [0, 1].
//
// Inside the safe zone (distance < offset) the volume is 1. Beyond it the
// volume is 1 - ((distance-offset)/(cutoff-offset))^attenuation, clamped at
// 0. attenuation is the already inverted coefficient.
//
// Non-finite inputs return 0. The safe zone is checked before the curve
// parameters, so a distance below offset is 1 even when cutoff <= offset or
// attenuation <= 0; past the safe zone those parameters return 0.
func Volume(distance, offset, cutoff, attenuation float64) float64 {
	if !finite(distance) || !finite(offset) || !finite(cutoff) || !finite(attenuation) {
		return 0
	}
	if distance < offset {
		return 1
	}
	if cutoff <= offset || attenuation <= 0 {
		return 0
	}
	v := 1 - math.Pow((distance-offset)/(cutoff-offset), attenuation)
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

// Volume evaluates the rolloff model with these tunables.
func (t Tunables) Volume(distance float64) float64 {
	return Volume(distance, t.Offset, t.Cutoff, t.Attenuation)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
