// Package gridveg implements a small synthetic mowing environment
// with a raster + vector observation, used for testing the training
// loop end to end. An agent moves over a grid on which vegetation
// grows and earns reward for cutting it.
package gridveg

import (
	"fmt"

	"golang.org/x/exp/rand"

	"sfneuman.com/dqn/environment"
	ts "sfneuman.com/dqn/timestep"
)

// Actions available in the environment
const (
	MoveUp int = iota
	MoveDown
	MoveLeft
	MoveRight
	Cut
	numActions
)

// Observation raster channels
const (
	vegChannel int = iota
	agentChannel
	cutChannel
	numChannels
)

const stepPenalty = -0.01

// GridVeg implements environment.Environment on a Height x Width grid.
// Vegetation is scattered over the grid at reset; cutting a vegetated
// cell yields +1 reward. An episode ends when all vegetation is cut or
// after MaxSteps steps.
type GridVeg struct {
	height, width int
	maxSteps      int
	vegDensity    float64
	rng           *rand.Rand

	veg    []bool
	cut    []bool
	x, y   int
	step   int
	reward float64 // Accumulated episode reward
	total  int     // Vegetated cells at reset
	mown   int
	closed bool
}

// New returns a new GridVeg environment. The vegDensity parameter is
// the probability that each cell starts vegetated.
func New(height, width, maxSteps int, vegDensity float64,
	seed uint64) (*GridVeg, error) {
	if height < 2 || width < 2 {
		return nil, fmt.Errorf("gridveg: grid must be at least 2x2 "+
			"\n\thave(%v x %v)", height, width)
	}
	if maxSteps < 1 {
		return nil, fmt.Errorf("gridveg: maxSteps must be positive "+
			"\n\thave(%v)", maxSteps)
	}
	if vegDensity <= 0 || vegDensity > 1 {
		return nil, fmt.Errorf("gridveg: vegetation density must be in "+
			"(0, 1] \n\thave(%v)", vegDensity)
	}

	return &GridVeg{
		height:     height,
		width:      width,
		maxSteps:   maxSteps,
		vegDensity: vegDensity,
		rng:        rand.New(rand.NewSource(seed)),
	}, nil
}

// Factory returns an environment.Factory producing independent GridVeg
// instances with the given geometry.
func Factory(height, width, maxSteps int,
	vegDensity float64) environment.Factory {
	return func(seed uint64) (environment.Environment, error) {
		return New(height, width, maxSteps, vegDensity, seed)
	}
}

// Spec implements environment.Environment
func (g *GridVeg) Spec() environment.Spec {
	return environment.Spec{
		Channels:   numChannels,
		Height:     g.height,
		Width:      g.width,
		VectorDim:  4,
		NumActions: numActions,
	}
}

// Reset implements environment.Environment
func (g *GridVeg) Reset() ts.TimeStep {
	cells := g.height * g.width
	g.veg = make([]bool, cells)
	g.cut = make([]bool, cells)
	g.total = 0
	for i := range g.veg {
		if g.rng.Float64() < g.vegDensity {
			g.veg[i] = true
			g.total++
		}
	}

	// At least one vegetated cell so every episode has a goal
	if g.total == 0 {
		g.veg[g.rng.Intn(cells)] = true
		g.total = 1
	}

	g.x = g.rng.Intn(g.width)
	g.y = g.rng.Intn(g.height)
	g.step = 0
	g.reward = 0
	g.mown = 0

	return ts.New(ts.First, 0, g.observe(), 0, 0, 0)
}

// Step implements environment.Environment
func (g *GridVeg) Step(action int) (ts.TimeStep, error) {
	if g.closed {
		return ts.TimeStep{}, fmt.Errorf("step: environment closed")
	}
	if action < 0 || action >= numActions {
		return ts.TimeStep{}, fmt.Errorf("step: invalid action "+
			"\n\twant(0 - %v)\n\thave(%v)", numActions-1, action)
	}

	reward := stepPenalty
	switch action {
	case MoveUp:
		if g.y > 0 {
			g.y--
		}
	case MoveDown:
		if g.y < g.height-1 {
			g.y++
		}
	case MoveLeft:
		if g.x > 0 {
			g.x--
		}
	case MoveRight:
		if g.x < g.width-1 {
			g.x++
		}
	case Cut:
		at := g.y*g.width + g.x
		if g.veg[at] && !g.cut[at] {
			g.cut[at] = true
			g.mown++
			reward += 1.0
		}
	}

	g.step++
	g.reward += reward

	stepType := ts.Mid
	if g.step >= g.maxSteps || g.mown == g.total {
		stepType = ts.Last
	}

	return ts.New(stepType, reward, g.observe(), g.step, g.reward,
		g.mownRatio()), nil
}

// Close implements environment.Environment
func (g *GridVeg) Close() error {
	g.closed = true
	return nil
}

// mownRatio returns the fraction of vegetated cells cut so far, the
// environment's auxiliary per-episode scalar
func (g *GridVeg) mownRatio() float64 {
	return float64(g.mown) / float64(g.total)
}

// observe renders the current state as a raster + vector observation
func (g *GridVeg) observe() ts.Observation {
	cells := g.height * g.width
	raster := make([]float64, numChannels*cells)
	for i := range g.veg {
		if g.veg[i] && !g.cut[i] {
			raster[vegChannel*cells+i] = 1
		}
		if g.cut[i] {
			raster[cutChannel*cells+i] = 1
		}
	}
	raster[agentChannel*cells+g.y*g.width+g.x] = 1

	vector := []float64{
		float64(g.x) / float64(g.width-1),
		float64(g.y) / float64(g.height-1),
		float64(g.step) / float64(g.maxSteps),
		g.mownRatio(),
	}

	return ts.Observation{Raster: raster, Vector: vector}
}
