package network

import (
	G "gorgonia.org/gorgonia"

	"sfneuman.com/dqn/environment"
)

// NeuralNet is a function approximator mapping raster + vector
// observations to one value per environmental action. A NeuralNet only
// populates a computational graph; an external VM must be run to
// produce predictions. The usual sequence is:
//
//	Set up VM with the net's graph:  vm = NewTapeMachine(net.Graph())
//	Set the input observation:       net.SetInput(raster, vector)
//	Predict the action values:       vm.RunAll()
//	Read the predictions:            net.Output()
type NeuralNet interface {
	Graph() *G.ExprGraph
	Clone() (NeuralNet, error)
	CloneWithBatch(int) (NeuralNet, error)
	BatchSize() int
	Spec() environment.Spec

	// SetInput sets the raster and vector inputs for the next run of
	// the graph. Both slices hold BatchSize() observations
	// back-to-back.
	SetInput(raster, vector []float64) error

	// Set copies the weights of another NeuralNet into the receiver
	Set(NeuralNet) error

	// Polyak blends the weights of another NeuralNet into the
	// receiver with interpolation constant tau
	Polyak(NeuralNet, float64) error

	Learnables() G.Nodes
	Model() []G.ValueGrad

	// Output returns the action values predicted by the last run of
	// the computational graph
	Output() G.Value

	// Prediction returns the node of the computational graph that
	// stores the predicted action values
	Prediction() *G.Node
}
