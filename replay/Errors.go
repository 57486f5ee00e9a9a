package replay

import "errors"

// BufferError implements errors unique to a prioritized replay buffer
type BufferError struct {
	Op  string
	Err error
}

// Error satisfies the error interface
func (e *BufferError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error
func (e *BufferError) Unwrap() error {
	return e.Err
}

var errEmptyBuffer = errors.New("buffer empty")

var errInsufficientSamples = errors.New("minimum capacity not yet reached")

var errClosedBuffer = errors.New("buffer closed")

// IsInsufficientSamples returns whether or not an error reports that
// there are insufficient samples in the buffer to sample from the
// buffer.
//
// A buffer has too few samples to sample if its current size is less
// than its minimum capacity.
func IsInsufficientSamples(err error) bool {
	return errors.Is(err, errInsufficientSamples)
}

// IsEmptyBuffer returns whether or not an error reports that a replay
// buffer is empty
func IsEmptyBuffer(err error) bool {
	return errors.Is(err, errEmptyBuffer)
}

// IsClosedBuffer returns whether or not an error reports that a replay
// buffer has been closed
func IsClosedBuffer(err error) bool {
	return errors.Is(err, errClosedBuffer)
}
