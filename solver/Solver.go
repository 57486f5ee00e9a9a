// Package solver implements functionality to construct Gorgonia
// Solvers from configuration files.
package solver

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// Type describes different types of solvers that are available
type Type string

// Available solver types
const (
	Adam    Type = "Adam"
	RMSProp Type = "RMSProp"
	Vanilla Type = "Vanilla"
)

// Config describes a Gorgonia Solver and can create the solver it
// describes
type Config interface {
	Create() G.Solver

	// Type returns the type of solver the Config creates
	Type() Type
}

// New returns a Gorgonia Solver of the given type with default
// hyperparameters at the given step size, averaging gradients over
// batch samples
func New(t Type, stepSize float64, batch int) (G.Solver, error) {
	var config Config
	switch t {
	case Adam:
		config = AdamConfig{
			StepSize: stepSize,
			Epsilon:  1e-8,
			Beta1:    0.9,
			Beta2:    0.999,
			Batch:    batch,
		}
	case RMSProp:
		config = RMSPropConfig{
			StepSize: stepSize,
			Epsilon:  1e-8,
			Rho:      0.999,
			Batch:    batch,
		}
	case Vanilla:
		config = VanillaConfig{
			StepSize: stepSize,
			Batch:    batch,
		}
	default:
		return nil, fmt.Errorf("new: no such solver type: %v", t)
	}
	return config.Create(), nil
}

// AdamConfig describes a configuration of the Adam solver
type AdamConfig struct {
	StepSize float64
	Epsilon  float64 // Smoothing factor
	Beta1    float64
	Beta2    float64
	Batch    int
}

// Type returns the type of solver the AdamConfig creates
func (a AdamConfig) Type() Type {
	return Adam
}

// Create returns a new Gorgonia Adam Solver as described by the
// AdamConfig
func (a AdamConfig) Create() G.Solver {
	return G.NewAdamSolver(
		G.WithLearnRate(a.StepSize),
		G.WithEps(a.Epsilon),
		G.WithBeta1(a.Beta1),
		G.WithBeta2(a.Beta2),
		G.WithBatchSize(float64(a.Batch)),
	)
}

// RMSPropConfig describes a configuration of the RMSProp solver
type RMSPropConfig struct {
	StepSize float64
	Epsilon  float64
	Rho      float64
	Batch    int
}

// Type returns the type of solver the RMSPropConfig creates
func (r RMSPropConfig) Type() Type {
	return RMSProp
}

// Create returns a new Gorgonia RMSProp Solver as described by the
// RMSPropConfig
func (r RMSPropConfig) Create() G.Solver {
	return G.NewRMSPropSolver(
		G.WithLearnRate(r.StepSize),
		G.WithEps(r.Epsilon),
		G.WithRho(r.Rho),
		G.WithBatchSize(float64(r.Batch)),
	)
}

// VanillaConfig describes a configuration of stochastic gradient
// descent
type VanillaConfig struct {
	StepSize float64
	Batch    int
}

// Type returns the type of solver the VanillaConfig creates
func (v VanillaConfig) Type() Type {
	return Vanilla
}

// Create returns a new Gorgonia Vanilla Solver as described by the
// VanillaConfig
func (v VanillaConfig) Create() G.Solver {
	return G.NewVanillaSolver(
		G.WithLearnRate(v.StepSize),
		G.WithBatchSize(float64(v.Batch)),
	)
}
