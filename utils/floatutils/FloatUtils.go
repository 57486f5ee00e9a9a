// Package floatutils provides utilities for working with floats
package floatutils

import "math"

// Clip clips a floating point to within a minimum and maximum value.
// If the floating point exceeds max, then the function returns the max
// If min exceeds the floating point, then the function returns the min
func Clip(value, min, max float64) float64 {
	clipped := math.Min(value, max)
	return math.Max(clipped, min)
}

// MaxSlice gets the maximum value and indices of the maximum values in
// a slice of float64.
func MaxSlice(values []float64) (max float64, indices []int) {
	max, indices = values[0], []int{0}

	for i, value := range values {
		if value > max {
			max = value
			indices = []int{i}
		} else if value == max && i != 0 {
			indices = append(indices, i)
		}
	}
	return
}

// ArgMax returns the index of the first maximum value in a slice of
// float64
func ArgMax(values []float64) int {
	argmax := 0
	for i, value := range values {
		if value > values[argmax] {
			argmax = i
		}
	}
	return argmax
}

// Min calculates and returns the minimum float64 in a list
func Min(floats ...float64) float64 {
	min := floats[0]
	for _, val := range floats {
		if val < min {
			min = val
		}
	}
	return min
}

// Max calculates and returns the maximum float64 in a list
func Max(floats ...float64) float64 {
	max := floats[0]
	for _, val := range floats {
		if val > max {
			max = val
		}
	}
	return max
}
