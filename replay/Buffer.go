// Package replay implements prioritized experience replay with
// disk-backed storage
package replay

import (
	"fmt"
	"math"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"

	"sfneuman.com/dqn/environment"
	ts "sfneuman.com/dqn/timestep"
)

// Priorities are computed from TD-errors as (|error| + minPriority)^alpha
// so that zero-error transitions keep a nonzero sampling probability
const minPriority = 1e-6

// Config describes a prioritized replay buffer
type Config struct {
	// MaxCapacity is the number of transitions the buffer retains.
	// Once full, new insertions evict the oldest transitions.
	MaxCapacity int

	// MinCapacity is the number of stored transitions below which
	// sampling returns an insufficient samples error
	MinCapacity int

	// BatchSize is the number of transitions per sampled batch
	BatchSize int

	// Alpha is the priority exponent and Beta the importance sampling
	// exponent
	Alpha float64
	Beta  float64

	// NStep is the return horizon transitions are folded over before
	// insertion, with discount Gamma. NStep 1 stores transitions as
	// received.
	NStep int
	Gamma float64

	// Prefetch is the number of batches sampled ahead of consumption.
	// 0 disables prefetching.
	Prefetch int

	// ScratchDir is the directory holding the buffer's memory-mapped
	// storage. If empty, transitions are stored in process memory.
	ScratchDir string
}

// Validate returns an error describing the first invalid field of the
// configuration
func (c Config) Validate() error {
	if c.MaxCapacity < 1 {
		return fmt.Errorf("replay config: max capacity must be positive "+
			"\n\thave(%v)", c.MaxCapacity)
	}
	if c.MinCapacity < 1 || c.MinCapacity > c.MaxCapacity {
		return fmt.Errorf("replay config: min capacity must be in "+
			"\n\twant(1 - %v)\n\thave(%v)", c.MaxCapacity, c.MinCapacity)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("replay config: batch size must be positive "+
			"\n\thave(%v)", c.BatchSize)
	}
	if c.Alpha < 0 || c.Beta < 0 {
		return fmt.Errorf("replay config: priority exponents must be "+
			"non-negative \n\thave(alpha %v, beta %v)", c.Alpha, c.Beta)
	}
	if c.NStep < 1 {
		return fmt.Errorf("replay config: n-step horizon must be positive "+
			"\n\thave(%v)", c.NStep)
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("replay config: discount must be in [0, 1] "+
			"\n\thave(%v)", c.Gamma)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("replay config: prefetch must be non-negative "+
			"\n\thave(%v)", c.Prefetch)
	}
	return nil
}

// Batch is a prioritized sample of transitions. Keys identify the
// sampled items for a later UpdatePriority call and Weights are the
// importance sampling corrections, normalized so the largest weight in
// the batch is 1.
type Batch struct {
	Keys        []int
	Weights     []float64
	Transitions []ts.Transition
}

// Buffer is a prioritized replay buffer. Transitions are folded into
// n-step returns, stored in a fixed-capacity ring evicting oldest
// first, and sampled with probability proportional to priority^alpha.
//
// A Buffer is safe for concurrent use. When prefetching is enabled,
// batches are sampled ahead of consumption by a background goroutine;
// a prefetched batch reflects the priorities current at the time it
// was sampled, never transitions not yet fully written.
type Buffer struct {
	config    Config
	storage   Storage
	tree      *sumTree
	transform *nStepTransform
	rng       *rand.Rand

	mu     sync.Mutex
	cond   *sync.Cond
	next   int // Next ring slot to write
	size   int
	closed bool

	prefetched chan Batch
	done       chan struct{}
	wait       sync.WaitGroup
}

// New returns a new prioritized replay Buffer for transitions with the
// given observation spec
func New(config Config, spec environment.Spec, seed uint64) (*Buffer,
	error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	var storage Storage
	var err error
	if config.ScratchDir == "" {
		storage, err = NewMemoryStorage(spec, config.MaxCapacity)
	} else {
		storage, err = NewMemmapStorage(spec, config.MaxCapacity,
			config.ScratchDir)
	}
	if err != nil {
		return nil, fmt.Errorf("new: could not create storage: %v", err)
	}

	b := &Buffer{
		config:    config,
		storage:   storage,
		tree:      newSumTree(config.MaxCapacity),
		transform: newNStepTransform(config.NStep, config.Gamma),
		rng:       rand.New(rand.NewSource(seed)),
		done:      make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)

	if config.Prefetch > 0 {
		b.prefetched = make(chan Batch, config.Prefetch)
		b.wait.Add(1)
		go b.prefetch()
	}

	return b, nil
}

// Extend folds the transitions of a collected batch into n-step
// returns and appends them to the buffer, evicting oldest transitions
// once at capacity. New items receive the maximum priority currently
// in the buffer so they are sampled soon after insertion.
func (b *Buffer) Extend(batch []ts.Transition) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &BufferError{Op: "extend", Err: errClosedBuffer}
	}

	for _, t := range batch {
		for _, folded := range b.transform.Add(t) {
			if err := b.storage.Write(b.next, folded); err != nil {
				return &BufferError{
					Op:  "extend",
					Err: fmt.Errorf("could not store transition: %v", err),
				}
			}

			priority := b.tree.max()
			if priority == 0 {
				priority = 1
			}
			b.tree.update(b.next, priority)

			b.next = (b.next + 1) % b.config.MaxCapacity
			if b.size < b.config.MaxCapacity {
				b.size++
			}
		}
	}

	b.cond.Broadcast()
	return nil
}

// Sample returns a batch of BatchSize transitions drawn with
// replacement, with probability proportional to priority^alpha. If the
// buffer holds fewer than MinCapacity transitions, an error
// satisfying IsInsufficientSamples is returned.
func (b *Buffer) Sample() (Batch, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Batch{}, &BufferError{Op: "sample", Err: errClosedBuffer}
	}
	if b.size == 0 {
		b.mu.Unlock()
		return Batch{}, &BufferError{Op: "sample", Err: errEmptyBuffer}
	}
	if b.size < b.config.MinCapacity {
		b.mu.Unlock()
		return Batch{}, &BufferError{
			Op:  "sample",
			Err: errInsufficientSamples,
		}
	}

	if b.prefetched == nil {
		defer b.mu.Unlock()
		return b.sample()
	}
	b.mu.Unlock()

	select {
	case batch := <-b.prefetched:
		return batch, nil
	case <-b.done:
		return Batch{}, &BufferError{Op: "sample", Err: errClosedBuffer}
	}
}

// sample draws one batch. The caller must hold b.mu with at least
// MinCapacity transitions stored.
func (b *Buffer) sample() (Batch, error) {
	n := b.config.BatchSize
	batch := Batch{
		Keys:        make([]int, n),
		Weights:     make([]float64, n),
		Transitions: make([]ts.Transition, n),
	}

	total := b.tree.total()
	for i := 0; i < n; i++ {
		slot := b.tree.find(b.rng.Float64() * total)
		if slot >= b.size {
			// Floating point roundoff in the prefix sum descent can
			// land on an unwritten slot of priority 0
			slot = b.size - 1
		}

		t, err := b.storage.Read(slot)
		if err != nil {
			return Batch{}, &BufferError{
				Op:  "sample",
				Err: fmt.Errorf("could not read transition: %v", err),
			}
		}

		prob := b.tree.priority(slot) / total
		weight := math.Pow(float64(b.size)*prob, -b.config.Beta)

		batch.Keys[i] = slot
		batch.Weights[i] = weight
		batch.Transitions[i] = t
	}

	floats.Scale(1/floats.Max(batch.Weights), batch.Weights)

	return batch, nil
}

// prefetch samples batches ahead of consumption until the buffer is
// closed
func (b *Buffer) prefetch() {
	defer b.wait.Done()

	for {
		b.mu.Lock()
		for !b.closed && b.size < b.config.MinCapacity {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}

		batch, err := b.sample()
		b.mu.Unlock()
		if err != nil {
			// A storage read failure is unrecoverable, so stop
			// prefetching and let the consumer observe the closed
			// buffer
			return
		}

		select {
		case b.prefetched <- batch:
		case <-b.done:
			return
		}
	}
}

// UpdatePriority overwrites the priorities of the keys of a previously
// sampled batch with (|tdError| + c)^alpha for a small constant c
func (b *Buffer) UpdatePriority(keys []int, tdErrors []float64) error {
	if len(keys) != len(tdErrors) {
		return &BufferError{
			Op: "updatepriority",
			Err: fmt.Errorf("number of errors must match number of keys "+
				"\n\twant(%v)\n\thave(%v)", len(keys), len(tdErrors)),
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &BufferError{Op: "updatepriority", Err: errClosedBuffer}
	}

	for i, key := range keys {
		if key < 0 || key >= b.config.MaxCapacity {
			return &BufferError{
				Op: "updatepriority",
				Err: fmt.Errorf("key out of range \n\twant(0 - %v)"+
					"\n\thave(%v)", b.config.MaxCapacity-1, key),
			}
		}
		priority := math.Pow(math.Abs(tdErrors[i])+minPriority,
			b.config.Alpha)
		b.tree.update(key, priority)
	}

	return nil
}

// Size returns the number of transitions currently stored
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the maximum number of transitions the buffer can
// store
func (b *Buffer) Capacity() int {
	return b.config.MaxCapacity
}

// BatchSize returns the number of transitions per sampled batch
func (b *Buffer) BatchSize() int {
	return b.config.BatchSize
}

// Close stops the prefetcher and releases the buffer's storage. Any
// blocked or subsequent call returns an error satisfying
// IsClosedBuffer.
func (b *Buffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &BufferError{Op: "close", Err: errClosedBuffer}
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()

	close(b.done)
	b.wait.Wait()

	if err := b.storage.Close(); err != nil {
		return &BufferError{
			Op:  "close",
			Err: fmt.Errorf("could not close storage: %v", err),
		}
	}
	return nil
}
