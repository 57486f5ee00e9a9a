package environment

import "fmt"

// Spec describes the observation and action spaces of an Environment.
// The raster observation has the fixed shape
// (Channels, Height, Width); the auxiliary feature vector has length
// VectorDim, which may be zero. Actions are discrete and enumerated
// from 0.
type Spec struct {
	Channels   int
	Height     int
	Width      int
	VectorDim  int
	NumActions int
}

// RasterSize returns the number of elements in a flattened raster
// observation
func (s Spec) RasterSize() int {
	return s.Channels * s.Height * s.Width
}

// ObsSize returns the total number of scalars in a single observation
func (s Spec) ObsSize() int {
	return s.RasterSize() + s.VectorDim
}

// Validate ensures the Spec describes a legal observation and action
// space
func (s Spec) Validate() error {
	if s.Channels < 1 || s.Height < 1 || s.Width < 1 {
		return fmt.Errorf("spec: raster shape must be positive "+
			"\n\thave(%v, %v, %v)", s.Channels, s.Height, s.Width)
	}
	if s.VectorDim < 0 {
		return fmt.Errorf("spec: vector dimension must be non-negative "+
			"\n\thave(%v)", s.VectorDim)
	}
	if s.NumActions < 2 {
		return fmt.Errorf("spec: environment must have at least 2 actions "+
			"\n\thave(%v)", s.NumActions)
	}
	return nil
}

func (s Spec) String() string {
	return fmt.Sprintf("Spec | Raster: (%v, %v, %v)  |  Vector: %v  |  "+
		"Actions: %v", s.Channels, s.Height, s.Width, s.VectorDim,
		s.NumActions)
}
