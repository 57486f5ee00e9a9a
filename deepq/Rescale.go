package deepq

import "math"

// rescaleEps controls the linear tail of the value rescale transform.
// The tail keeps the transform invertible for large magnitudes.
const rescaleEps = 1e-3

// RescaleValue compresses a return to the space the action-value head
// learns in:
//
//	h(x) = sign(x) * (sqrt(|x| + 1) - 1) + eps * x
//
// Compressing targets keeps the learning dynamics stable across
// environments with very different reward scales.
func RescaleValue(x float64) float64 {
	return sign(x)*(math.Sqrt(math.Abs(x)+1)-1) + rescaleEps*x
}

// InvRescaleValue maps a learned value back to the return space. It is
// the exact inverse of RescaleValue for all finite inputs.
func InvRescaleValue(x float64) float64 {
	inner := math.Sqrt(1+4*rescaleEps*(math.Abs(x)+1+rescaleEps)) - 1
	inner /= 2 * rescaleEps
	return sign(x) * (inner*inner - 1)
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	if x > 0 {
		return 1
	}
	return 0
}
