// Package environment describes the contract between the training
// loop and environment simulators. Concrete simulators are external
// collaborators; this package only fixes their interface and
// observation/action specifications.
package environment

import (
	ts "sfneuman.com/dqn/timestep"
)

// Environment is a step/reset-capable simulator instance. Observations
// consist of a raster part and an auxiliary feature vector as
// described by the environment's Spec.
type Environment interface {
	// Reset resets the environment to the start of a new episode and
	// returns the first timestep
	Reset() ts.TimeStep

	// Step takes an action in the environment, returning the resulting
	// timestep. Actions are enumerated from 0 to Spec().NumActions-1.
	Step(action int) (ts.TimeStep, error)

	// Spec returns the observation and action specification of the
	// environment
	Spec() Spec

	// Close releases any resources held by the environment
	Close() error
}

// Factory constructs a new, independent Environment instance. Each
// rollout worker calls the factory once (and again after a transient
// failure), so factories must be safe for concurrent use.
type Factory func(seed uint64) (Environment, error)
