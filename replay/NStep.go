package replay

import (
	"github.com/gammazero/deque"

	ts "sfneuman.com/dqn/timestep"
)

// nStepTransform folds consecutive single-step transitions into n-step
// transitions before they are inserted into a buffer. A sliding window
// of n transitions is kept per rollout worker, since transitions from
// different workers interleave in a collected batch but only
// same-worker transitions are consecutive in time.
//
// The folded transition starts at the first window entry's observation
// and action, accumulates the geometrically discounted rewards of the
// window, and bootstraps from the last entry's next observation. When a
// terminal transition arrives, the shrinking suffixes of the window are
// flushed so that every step of the episode starts exactly one folded
// transition.
type nStepTransform struct {
	n       int
	gamma   float64
	windows map[int]*deque.Deque[ts.Transition]
}

// newNStepTransform returns a transform folding windows of n
// transitions with discount gamma
func newNStepTransform(n int, gamma float64) *nStepTransform {
	return &nStepTransform{
		n:       n,
		gamma:   gamma,
		windows: make(map[int]*deque.Deque[ts.Transition]),
	}
}

// fold collapses the first length entries of window into a single
// transition
func (tr *nStepTransform) fold(window *deque.Deque[ts.Transition],
	length int) ts.Transition {
	folded := window.Front()

	discount := 1.0
	reward := 0.0
	for i := 0; i < length; i++ {
		step := window.At(i)
		reward += discount * step.Reward
		discount *= tr.gamma
		folded.NextObservation = step.NextObservation
		folded.Done = folded.Done || step.Done
		folded.StepCount = step.StepCount
		folded.EpisodeReward = step.EpisodeReward
		folded.Aux = step.Aux
	}
	folded.Reward = reward

	return folded
}

// Add pushes a transition into its worker's window and returns the
// n-step transitions that became complete, in insertion order
func (tr *nStepTransform) Add(t ts.Transition) []ts.Transition {
	window, ok := tr.windows[t.Worker]
	if !ok {
		window = new(deque.Deque[ts.Transition])
		tr.windows[t.Worker] = window
	}
	window.PushBack(t)

	var out []ts.Transition
	if window.Len() == tr.n {
		out = append(out, tr.fold(window, tr.n))
		window.PopFront()
	}

	// A terminal step ends the trajectory, so the partial windows
	// remaining behind it can never grow to n steps and are folded as
	// is
	if t.Done {
		for window.Len() > 0 {
			out = append(out, tr.fold(window, window.Len()))
			window.PopFront()
		}
	}

	return out
}
