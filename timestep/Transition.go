package timestep

// Transition is the unit of experience stored in a replay buffer. Once
// stored, a Transition is immutable except for the priority weight
// associated with it by the buffer.
type Transition struct {
	Observation     Observation
	Action          int
	Reward          float64
	NextObservation Observation
	Done            bool

	// StepCount is the step number of NextObservation within its
	// episode and EpisodeReward the reward accumulated up to it. Both
	// are auxiliary fields used for episode-level metrics and are
	// stripped of meaning once folded into n-step returns.
	StepCount     int
	EpisodeReward float64

	// Aux carries the environment's per-episode auxiliary scalar at
	// NextObservation
	Aux float64

	// Worker identifies the rollout worker that produced the
	// transition. Transitions from the same worker form contiguous
	// trajectories, which n-step folding relies on.
	Worker int
}

// NewTransition returns the Transition for taking action in the state
// observed at prev and arriving at the state observed at next.
func NewTransition(prev TimeStep, action int, next TimeStep,
	worker int) Transition {
	return Transition{
		Observation:     prev.Observation,
		Action:          action,
		Reward:          next.Reward,
		NextObservation: next.Observation,
		Done:            next.Last(),
		StepCount:       next.Number,
		EpisodeReward:   next.EpisodeReward,
		Aux:             next.Aux,
		Worker:          worker,
	}
}
