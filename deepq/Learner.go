// Package deepq implements double deep Q-learning updates from
// prioritized replay batches
package deepq

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"sfneuman.com/dqn/environment"
	"sfneuman.com/dqn/network"
	"sfneuman.com/dqn/replay"
	"sfneuman.com/dqn/solver"
	"sfneuman.com/dqn/utils/floatutils"
)

// Loss selects the per-sample loss applied to TD-errors
type Loss string

// Available losses
const (
	Huber Loss = "Huber"
	MSE   Loss = "MSE"
)

// Config describes a Learner
type Config struct {
	// BatchSize is the number of transitions per update
	BatchSize int

	// Gamma is the per-step discount and NStep the return horizon the
	// replayed transitions were folded over, so bootstrapped values
	// are discounted by Gamma^NStep
	Gamma float64
	NStep int

	// TargetUpdateInterval is the number of updates between hard
	// copies of the online network into the target network
	TargetUpdateInterval int

	// Loss applied to TD-errors
	Loss Loss

	// MaxGradNorm rescales gradients whose global norm exceeds it.
	// Values <= 0 disable clipping.
	MaxGradNorm float64

	// ValueRescale trains the action-value head in a compressed value
	// space, see RescaleValue
	ValueRescale bool

	// StepSize and Solver describe the gradient descent procedure
	StepSize float64
	Solver   solver.Type
}

// Validate returns an error describing the first invalid field of the
// configuration
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("learner config: batch size must be positive "+
			"\n\thave(%v)", c.BatchSize)
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("learner config: discount must be in [0, 1] "+
			"\n\thave(%v)", c.Gamma)
	}
	if c.NStep < 1 {
		return fmt.Errorf("learner config: n-step horizon must be positive "+
			"\n\thave(%v)", c.NStep)
	}
	if c.TargetUpdateInterval < 1 {
		return fmt.Errorf("learner config: target update interval must be "+
			"positive \n\thave(%v)", c.TargetUpdateInterval)
	}
	if c.Loss != Huber && c.Loss != MSE {
		return fmt.Errorf("learner config: no such loss: %v", c.Loss)
	}
	if c.StepSize <= 0 {
		return fmt.Errorf("learner config: step size must be positive "+
			"\n\thave(%v)", c.StepSize)
	}
	return nil
}

// StepResult reports the scalar outcomes of one update
type StepResult struct {
	// Loss is the importance-weighted mean loss of the update
	Loss float64

	// TDErrors holds the per-sample TD-errors, ordered as the sampled
	// batch, for updating replay priorities
	TDErrors []float64

	// QValues is the mean selected action value in return space.
	// QLogits is the same quantity in the learned space, which differs
	// from QValues only under value rescaling.
	QValues float64
	QLogits float64
}

// Learner updates an online action-value network from prioritized
// replay batches using the double deep Q-learning target. Actions are
// selected for bootstrapping with a copy of the online network and
// evaluated with a periodically hard-updated target network.
//
// A Learner is not safe for concurrent use.
type Learner struct {
	config Config
	spec   environment.Spec

	online  network.NeuralNet
	nextSel network.NeuralNet // Selects bootstrap actions, tracks online
	target  network.NeuralNet // Evaluates bootstrap actions

	trainVM   G.VM
	nextSelVM G.VM
	targetVM  G.VM
	solver    G.Solver

	actions   *G.Node // One-hot selected actions
	targets   *G.Node // Update targets, computed outside the graph
	isWeights *G.Node // Importance sampling weights

	lossVal G.Value
	qsaVal  G.Value

	bootstrapDiscount float64
	steps             int
}

// NewLearner returns a Learner for the given observation and action
// spec, with all three networks initialized to the same weights
func NewLearner(spec environment.Spec, arch network.Arch, config Config,
	init G.InitWFn) (*Learner, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newlearner: %v", err)
	}

	g := G.NewGraph()
	online, err := network.NewQNetwork(spec, config.BatchSize, arch, g, init)
	if err != nil {
		return nil, fmt.Errorf("newlearner: could not create online "+
			"network: %v", err)
	}
	nextSel, err := online.Clone()
	if err != nil {
		return nil, fmt.Errorf("newlearner: could not create action "+
			"selection network: %v", err)
	}
	target, err := online.Clone()
	if err != nil {
		return nil, fmt.Errorf("newlearner: could not create target "+
			"network: %v", err)
	}

	l := &Learner{
		config:            config,
		spec:              spec,
		online:            online,
		nextSel:           nextSel,
		target:            target,
		nextSelVM:         G.NewTapeMachine(nextSel.Graph()),
		targetVM:          G.NewTapeMachine(target.Graph()),
		bootstrapDiscount: math.Pow(config.Gamma, float64(config.NStep)),
	}

	if err := l.buildLoss(g); err != nil {
		return nil, fmt.Errorf("newlearner: %v", err)
	}

	l.trainVM = G.NewTapeMachine(g, G.BindDualValues(online.Learnables()...))
	l.solver, err = solver.New(config.Solver, config.StepSize,
		config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("newlearner: %v", err)
	}

	return l, nil
}

// buildLoss adds the importance-weighted loss and its gradient to the
// online network's graph
func (l *Learner) buildLoss(g *G.ExprGraph) error {
	batch, numActions := l.config.BatchSize, l.spec.NumActions

	l.actions = G.NewMatrix(g, tensor.Float64,
		G.WithShape(batch, numActions), G.WithName("actionSelected"))
	l.targets = G.NewVector(g, tensor.Float64, G.WithShape(batch),
		G.WithName("updateTarget"))
	l.isWeights = G.NewVector(g, tensor.Float64, G.WithShape(batch),
		G.WithName("isWeight"))

	qsa := G.Must(G.HadamardProd(l.online.Prediction(), l.actions))
	qsa = G.Must(G.Sum(qsa, 1))
	G.Read(qsa, &l.qsaVal)

	diff := G.Must(G.Sub(qsa, l.targets))

	var losses *G.Node
	switch l.config.Loss {
	case MSE:
		losses = G.Must(G.Square(diff))

	case Huber:
		// Smooth Huber with unit delta: sqrt(1 + diff^2) - 1.
		// Quadratic near zero, asymptotically linear, and smooth
		// everywhere.
		one := G.NewConstant(1.0)
		losses = G.Must(G.Square(diff))
		losses = G.Must(G.Add(losses, one))
		losses = G.Must(G.Sqrt(losses))
		losses = G.Must(G.Sub(losses, one))

	default:
		return fmt.Errorf("buildloss: no such loss: %v", l.config.Loss)
	}

	cost := G.Must(G.Mean(G.Must(G.HadamardProd(losses, l.isWeights))))
	G.Read(cost, &l.lossVal)

	if _, err := G.Grad(cost, l.online.Learnables()...); err != nil {
		return fmt.Errorf("buildloss: could not compute gradient: %v", err)
	}
	return nil
}

// Online returns the online network. Its weights change on every Step,
// so readers must copy them out with Set rather than hold references.
func (l *Learner) Online() network.NeuralNet {
	return l.online
}

// Steps returns the number of updates performed
func (l *Learner) Steps() int {
	return l.steps
}

// Rescaled returns whether the Learner trains in the compressed value
// space
func (l *Learner) Rescaled() bool {
	return l.config.ValueRescale
}

// computeTargets runs the action selection and target networks on the
// next observations of the batch and returns the update target per
// sample
func (l *Learner) computeTargets(nextRaster, nextVector, rewards,
	dones []float64) ([]float64, error) {
	if err := l.nextSel.SetInput(nextRaster, nextVector); err != nil {
		return nil, fmt.Errorf("computetargets: %v", err)
	}
	if err := l.nextSelVM.RunAll(); err != nil {
		return nil, fmt.Errorf("computetargets: could not run action "+
			"selection network: %v", err)
	}
	selValues := l.nextSel.Output().Data().([]float64)

	if err := l.target.SetInput(nextRaster, nextVector); err != nil {
		return nil, fmt.Errorf("computetargets: %v", err)
	}
	if err := l.targetVM.RunAll(); err != nil {
		return nil, fmt.Errorf("computetargets: could not run target "+
			"network: %v", err)
	}
	targetValues := l.target.Output().Data().([]float64)

	numActions := l.spec.NumActions
	targets := make([]float64, l.config.BatchSize)
	for i := range targets {
		row := selValues[i*numActions : (i+1)*numActions]
		bootstrap := targetValues[i*numActions+floatutils.ArgMax(row)]
		if l.config.ValueRescale {
			bootstrap = InvRescaleValue(bootstrap)
		}

		target := rewards[i]
		if dones[i] == 0 {
			target += l.bootstrapDiscount * bootstrap
		}
		if l.config.ValueRescale {
			target = RescaleValue(target)
		}
		targets[i] = target
	}

	l.nextSelVM.Reset()
	l.targetVM.Reset()
	return targets, nil
}

// Step performs one double deep Q-learning update on a sampled batch.
// An error satisfying IsNumerical is returned if the update produced a
// non-finite loss or TD-error, in which case the online network must
// be considered corrupted.
func (l *Learner) Step(batch replay.Batch) (StepResult, error) {
	if len(batch.Transitions) != l.config.BatchSize {
		return StepResult{}, fmt.Errorf("step: invalid batch size"+
			"\n\twant(%v)\n\thave(%v)", l.config.BatchSize,
			len(batch.Transitions))
	}

	rasterSize, vectorDim := l.spec.RasterSize(), l.spec.VectorDim
	numActions := l.spec.NumActions
	n := l.config.BatchSize

	obsRaster := make([]float64, n*rasterSize)
	obsVector := make([]float64, n*vectorDim)
	nextRaster := make([]float64, n*rasterSize)
	nextVector := make([]float64, n*vectorDim)
	actions := make([]float64, n*numActions)
	rewards := make([]float64, n)
	dones := make([]float64, n)
	for i, t := range batch.Transitions {
		copy(obsRaster[i*rasterSize:], t.Observation.Raster)
		copy(obsVector[i*vectorDim:], t.Observation.Vector)
		copy(nextRaster[i*rasterSize:], t.NextObservation.Raster)
		copy(nextVector[i*vectorDim:], t.NextObservation.Vector)
		actions[i*numActions+t.Action] = 1.0
		rewards[i] = t.Reward
		if t.Done {
			dones[i] = 1.0
		}
	}

	targets, err := l.computeTargets(nextRaster, nextVector, rewards, dones)
	if err != nil {
		return StepResult{}, fmt.Errorf("step: %v", err)
	}

	if err := l.online.SetInput(obsRaster, obsVector); err != nil {
		return StepResult{}, fmt.Errorf("step: %v", err)
	}
	err = G.Let(l.actions, tensor.New(tensor.WithBacking(actions),
		tensor.WithShape(n, numActions)))
	if err != nil {
		return StepResult{}, fmt.Errorf("step: could not set selected "+
			"actions: %v", err)
	}
	err = G.Let(l.targets, tensor.New(tensor.WithBacking(targets),
		tensor.WithShape(n)))
	if err != nil {
		return StepResult{}, fmt.Errorf("step: could not set update "+
			"targets: %v", err)
	}
	err = G.Let(l.isWeights, tensor.New(tensor.WithBacking(batch.Weights),
		tensor.WithShape(n)))
	if err != nil {
		return StepResult{}, fmt.Errorf("step: could not set importance "+
			"sampling weights: %v", err)
	}

	if err := l.trainVM.RunAll(); err != nil {
		return StepResult{}, fmt.Errorf("step: could not run training "+
			"network: %v", err)
	}

	loss := l.lossVal.Data().(float64)
	qsa := make([]float64, n)
	copy(qsa, l.qsaVal.Data().([]float64))

	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return StepResult{}, &NumericalError{
			Op:       "step",
			Quantity: "loss",
			Value:    loss,
		}
	}

	result := StepResult{Loss: loss, TDErrors: make([]float64, n)}
	for i := range qsa {
		tdError := qsa[i] - targets[i]
		if math.IsNaN(tdError) || math.IsInf(tdError, 0) {
			return StepResult{}, &NumericalError{
				Op:       "step",
				Quantity: "td-error",
				Value:    tdError,
			}
		}
		result.TDErrors[i] = tdError

		result.QLogits += qsa[i] / float64(n)
		if l.config.ValueRescale {
			result.QValues += InvRescaleValue(qsa[i]) / float64(n)
		} else {
			result.QValues += qsa[i] / float64(n)
		}
	}

	if err := l.clipGradients(); err != nil {
		return StepResult{}, fmt.Errorf("step: %v", err)
	}
	if err := l.solver.Step(l.online.Model()); err != nil {
		return StepResult{}, fmt.Errorf("step: could not perform gradient "+
			"descent: %v", err)
	}
	l.trainVM.Reset()

	l.steps++
	if err := l.nextSel.Set(l.online); err != nil {
		return StepResult{}, fmt.Errorf("step: could not update action "+
			"selection network: %v", err)
	}
	if l.steps%l.config.TargetUpdateInterval == 0 {
		if err := l.target.Set(l.online); err != nil {
			return StepResult{}, fmt.Errorf("step: could not update target "+
				"network: %v", err)
		}
	}

	return result, nil
}

// clipGradients rescales the gradients of the online network in place
// when their global norm exceeds MaxGradNorm
func (l *Learner) clipGradients() error {
	if l.config.MaxGradNorm <= 0 {
		return nil
	}

	model := l.online.Model()
	grads := make([][]float64, len(model))
	total := 0.0
	for i, valueGrad := range model {
		grad, err := valueGrad.Grad()
		if err != nil {
			return fmt.Errorf("clipgradients: could not get gradient of "+
				"learnable %v: %v", i, err)
		}
		grads[i] = grad.Data().([]float64)
		for _, v := range grads[i] {
			total += v * v
		}
	}

	norm := math.Sqrt(total)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return &NumericalError{
			Op:       "clipgradients",
			Quantity: "gradient norm",
			Value:    norm,
		}
	}
	if norm <= l.config.MaxGradNorm {
		return nil
	}

	scale := l.config.MaxGradNorm / norm
	for _, grad := range grads {
		for i := range grad {
			grad[i] *= scale
		}
	}
	return nil
}

// Close releases the Learner's VM resources
func (l *Learner) Close() error {
	if err := l.trainVM.Close(); err != nil {
		return fmt.Errorf("close: could not close training VM: %v", err)
	}
	if err := l.nextSelVM.Close(); err != nil {
		return fmt.Errorf("close: could not close action selection VM: %v",
			err)
	}
	if err := l.targetVM.Close(); err != nil {
		return fmt.Errorf("close: could not close target VM: %v", err)
	}
	return nil
}
