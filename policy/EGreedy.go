// Package policy implements action selection for value-based agents
package policy

import (
	"fmt"

	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"

	"sfneuman.com/dqn/network"
	ts "sfneuman.com/dqn/timestep"
	"sfneuman.com/dqn/utils/floatutils"
)

// EGreedy implements an epsilon-greedy policy over the action values
// predicted by a NeuralNet. With probability epsilon a uniformly
// random action is selected, otherwise an action of maximal predicted
// value. The epsilon is read from an annealing Schedule shared between
// all policies of a training run.
//
// An EGreedy owns the VM of its network's graph, so it must not share
// the network with another concurrent user.
type EGreedy struct {
	net      network.NeuralNet
	vm       G.VM
	schedule *Schedule
	rng      *rand.Rand
}

// NewEGreedy returns a new EGreedy policy selecting actions with the
// given network, which must have batch size 1
func NewEGreedy(net network.NeuralNet, schedule *Schedule,
	seed uint64) (*EGreedy, error) {
	if net.BatchSize() != 1 {
		return nil, fmt.Errorf("newegreedy: action selection requires a "+
			"network with batch size 1 \n\thave(%v)", net.BatchSize())
	}
	if schedule == nil {
		return nil, fmt.Errorf("newegreedy: no annealing schedule given")
	}

	return &EGreedy{
		net:      net,
		vm:       G.NewTapeMachine(net.Graph()),
		schedule: schedule,
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

// Network returns the neural network function approximator that the
// policy uses
func (e *EGreedy) Network() network.NeuralNet {
	return e.net
}

// Epsilon returns the current exploration epsilon of the policy
func (e *EGreedy) Epsilon() float64 {
	return e.schedule.Epsilon()
}

// SelectAction runs the policy's network on the observation and
// selects an action epsilon-greedily. The action and its predicted
// value are returned.
func (e *EGreedy) SelectAction(obs ts.Observation) (int, float64, error) {
	if err := e.net.SetInput(obs.Raster, obs.Vector); err != nil {
		return 0, 0, fmt.Errorf("selectaction: %v", err)
	}
	if err := e.vm.RunAll(); err != nil {
		return 0, 0, fmt.Errorf("selectaction: could not run policy "+
			"network: %v", err)
	}
	actionValues := e.net.Output().Data().([]float64)
	e.vm.Reset()

	// With probability epsilon select a random action
	if e.rng.Float64() < e.schedule.Epsilon() {
		action := e.rng.Intn(len(actionValues))
		return action, actionValues[action], nil
	}

	// If multiple actions have max value, select a random max-valued
	// action
	_, maxIndices := floatutils.MaxSlice(actionValues)
	action := maxIndices[e.rng.Intn(len(maxIndices))]
	return action, actionValues[action], nil
}

// Close releases the policy's VM resources
func (e *EGreedy) Close() error {
	return e.vm.Close()
}
