// Package timestep implements timesteps of the agent-environment
// interaction
package timestep

import "fmt"

// StepType denotes the type of step that a TimeStep can be, either the
// first environmental step, a middle step, or a last step
type StepType int

const (
	First StepType = iota
	Mid
	Last
)

func (s StepType) String() string {
	switch s {
	case First:
		return "First"
	case Last:
		return "Last"
	default:
		return "Mid"
	}
}

// Observation packages the two parts of an environmental observation:
// a raster of shape (channels, height, width) flattened in row-major
// order and a vector of auxiliary scalar features. The vector may be
// empty.
type Observation struct {
	Raster []float64
	Vector []float64
}

// NewObservation returns a new Observation holding copies of the given
// raster and vector data
func NewObservation(raster, vector []float64) Observation {
	o := Observation{
		Raster: make([]float64, len(raster)),
		Vector: make([]float64, len(vector)),
	}
	copy(o.Raster, raster)
	copy(o.Vector, vector)
	return o
}

// Copy returns a deep copy of the Observation
func (o Observation) Copy() Observation {
	return NewObservation(o.Raster, o.Vector)
}

// TimeStep packages together a single timestep in an environment
type TimeStep struct {
	stepType    StepType
	Reward      float64
	Observation Observation
	Number      int // Step number within the episode

	// EpisodeReward is the reward accumulated over the episode up to
	// and including this step
	EpisodeReward float64

	// Aux is an auxiliary per-episode scalar emitted by the
	// environment, e.g. a task completion ratio
	Aux float64
}

// New returns a new TimeStep
func New(t StepType, reward float64, obs Observation, number int,
	episodeReward, aux float64) TimeStep {
	return TimeStep{t, reward, obs, number, episodeReward, aux}
}

// First returns whether a TimeStep is the first in an environment
func (t *TimeStep) First() bool {
	return t.stepType == First
}

// Mid returns whether a TimeStep is a middle step in an environment
func (t *TimeStep) Mid() bool {
	return t.stepType == Mid
}

// Last returns whether a TimeStep is the last step in an environment
func (t *TimeStep) Last() bool {
	return t.stepType == Last
}

func (t TimeStep) String() string {
	str := "TimeStep | Type: %v  |  Reward:  %.2f  |  Step Number:  %v"
	return fmt.Sprintf(str, t.stepType, t.Reward, t.Number)
}
