package policy

import (
	"fmt"
	"sync/atomic"

	"sfneuman.com/dqn/utils/floatutils"
)

// Schedule linearly anneals an exploration epsilon from epsStart to
// epsEnd over annealingSteps cumulative environment steps. The
// schedule is read concurrently by rollout workers and stepped by the
// training loop, so all accesses are atomic.
type Schedule struct {
	epsStart       float64
	epsEnd         float64
	annealingSteps int64
	steps          int64 // Cumulative environment steps, accessed atomically
}

// NewSchedule returns a new annealing Schedule. The epsilon is
// epsStart before any step and exactly epsEnd at and after
// annealingSteps steps.
func NewSchedule(epsStart, epsEnd float64, annealingSteps int) (*Schedule,
	error) {
	if epsStart < 0 || epsStart > 1 || epsEnd < 0 || epsEnd > 1 {
		return nil, fmt.Errorf("newschedule: epsilon bounds must be in "+
			"[0, 1] \n\thave(%v, %v)", epsStart, epsEnd)
	}
	if epsEnd > epsStart {
		return nil, fmt.Errorf("newschedule: epsilon must anneal downward"+
			"\n\twant(epsStart >= epsEnd)\n\thave(%v < %v)", epsStart,
			epsEnd)
	}
	if annealingSteps < 1 {
		return nil, fmt.Errorf("newschedule: annealing steps must be "+
			"positive \n\thave(%v)", annealingSteps)
	}

	return &Schedule{
		epsStart:       epsStart,
		epsEnd:         epsEnd,
		annealingSteps: int64(annealingSteps),
	}, nil
}

// Step advances the schedule by n environment steps
func (s *Schedule) Step(n int) {
	atomic.AddInt64(&s.steps, int64(n))
}

// Steps returns the cumulative environment steps seen by the schedule
func (s *Schedule) Steps() int {
	return int(atomic.LoadInt64(&s.steps))
}

// Epsilon returns the current exploration epsilon
func (s *Schedule) Epsilon() float64 {
	steps := atomic.LoadInt64(&s.steps)
	frac := float64(steps) / float64(s.annealingSteps)
	eps := s.epsStart + (s.epsEnd-s.epsStart)*frac
	return floatutils.Clip(eps, s.epsEnd, s.epsStart)
}
