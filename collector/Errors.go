package collector

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned by Next once the collector has delivered
// its total frame budget
var ErrExhausted = errors.New("frame budget exhausted")

// RolloutError reports a failure inside a rollout worker. Transient
// errors are retried by restarting the worker's environment; an error
// surfacing from Next is fatal and the collector must be shut down.
type RolloutError struct {
	Worker    int
	Transient bool
	Err       error
}

// Error satisfies the error interface
func (e *RolloutError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("worker %v: %v rollout failure: %v", e.Worker, kind,
		e.Err)
}

// Unwrap returns the underlying error
func (e *RolloutError) Unwrap() error {
	return e.Err
}

// IsExhausted returns whether or not an error reports that the
// collector has delivered its full frame budget
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}
