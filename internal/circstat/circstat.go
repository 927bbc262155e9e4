// Package circstat provides circular statistics over angles in degrees.
//
// Stimulus directions live on a circle: 359 degrees is adjacent to 0. These
// helpers keep the wrap-around arithmetic in one place so the tuning
// estimator never treats angle as a linear coordinate.
package circstat

import "math"

// WrapDeg maps an angle to [0, 360).
func WrapDeg(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	return a
}

// WrapOrt maps an angle to [0, 180), the orientation (axis) domain.
func WrapOrt(a float64) float64 {
	a = math.Mod(a, 180)
	if a < 0 {
		a += 180
	}
	return a
}

// DiffDeg returns the signed minimal difference a-b in (-180, 180].
func DiffDeg(a, b float64) float64 {
	d := math.Mod(a-b, 360)
	switch {
	case d > 180:
		d -= 360
	case d <= -180:
		d += 360
	}
	return d
}

// Radians converts degrees to radians.
func Radians(deg float64) float64 { return deg * math.Pi / 180 }

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 { return rad * 180 / math.Pi }

// WeightedMeanDeg computes the weighted circular mean of angles (degrees) and
// the resultant vector length r in [0, 1]. Negative weights are clamped to
// zero so a noisy below-baseline response cannot flip the mean by 180
// degrees. Returns r == 0 when all weights vanish; the mean is then
// meaningless and reported as 0.
func WeightedMeanDeg(angles, weights []float64) (mean, r float64) {
	var sx, sy, sw float64
	for i, a := range angles {
		w := weights[i]
		if w < 0 {
			w = 0
		}
		rad := Radians(a)
		sx += w * math.Cos(rad)
		sy += w * math.Sin(rad)
		sw += w
	}
	if sw == 0 {
		return 0, 0
	}
	sx /= sw
	sy /= sw
	r = math.Hypot(sx, sy)
	if r == 0 {
		return 0, 0
	}
	return WrapDeg(Degrees(math.Atan2(sy, sx))), r
}
