package deepq

import (
	"errors"
	"fmt"
)

// NumericalError reports that a training step produced a NaN or Inf
// quantity. Training cannot continue past such a step: the weights of
// the online network can no longer be trusted.
type NumericalError struct {
	Op       string
	Quantity string
	Value    float64
}

// Error satisfies the error interface
func (e *NumericalError) Error() string {
	return fmt.Sprintf("%v: %v is not finite \n\thave(%v)", e.Op,
		e.Quantity, e.Value)
}

// IsNumerical returns whether or not an error reports a NaN or Inf
// quantity during training
func IsNumerical(err error) bool {
	var numErr *NumericalError
	return errors.As(err, &numErr)
}
