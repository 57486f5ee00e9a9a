package network

import (
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// fcLayer implements a fully connected layer of a feed forward neural
// network
type fcLayer struct {
	weights *G.Node
	bias    *G.Node
	act     *Activation
}

// newFCLayer returns a new fully connected layer of out units taking
// in inputs, registered on graph g
func newFCLayer(g *G.ExprGraph, in, out int, act *Activation,
	init G.InitWFn, name string) *fcLayer {
	weights := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(in, out),
		G.WithName(name+"W"),
		G.WithInit(init),
	)
	bias := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(1, out),
		G.WithName(name+"B"),
		G.WithInit(G.Zeroes()),
	)
	return &fcLayer{weights: weights, bias: bias, act: act}
}

// fwd adds the forward pass of the fcLayer to the computational graph
func (f *fcLayer) fwd(x *G.Node) (*G.Node, error) {
	x = G.Must(G.Mul(x, f.weights))

	// Broadcast the bias weights to all samples along the batch
	// dimension
	x = G.Must(G.BroadcastAdd(x, f.bias, nil, []byte{0}))

	if f.act.IsIdentity() {
		return x, nil
	}
	return f.act.fwd(x)
}

// cloneTo clones an fcLayer, including its weight values, to a new
// computational graph
func (f *fcLayer) cloneTo(g *G.ExprGraph) *fcLayer {
	return &fcLayer{
		weights: f.weights.CloneTo(g),
		bias:    f.bias.CloneTo(g),
		act:     f.act,
	}
}

// learnables returns the learnable nodes of the fcLayer
func (f *fcLayer) learnables() G.Nodes {
	return G.Nodes{f.weights, f.bias}
}

// convLayer implements a 2D convolutional layer operating on NCHW
// inputs with no padding
type convLayer struct {
	weights *G.Node // Shape (out, in, kernel, kernel)
	bias    *G.Node // Shape (1, out, 1, 1)
	kernel  int
	stride  int
	act     *Activation
}

// newConvLayer returns a new convolutional layer with out filters of
// size kernel x kernel applied at the given stride to an input of in
// channels
func newConvLayer(g *G.ExprGraph, in, out, kernel, stride int,
	act *Activation, init G.InitWFn, name string) *convLayer {
	weights := G.NewTensor(
		g,
		tensor.Float64,
		4,
		G.WithShape(out, in, kernel, kernel),
		G.WithName(name+"W"),
		G.WithInit(init),
	)
	bias := G.NewTensor(
		g,
		tensor.Float64,
		4,
		G.WithShape(1, out, 1, 1),
		G.WithName(name+"B"),
		G.WithInit(G.Zeroes()),
	)
	return &convLayer{
		weights: weights,
		bias:    bias,
		kernel:  kernel,
		stride:  stride,
		act:     act,
	}
}

// fwd adds the forward pass of the convLayer to the computational
// graph
func (c *convLayer) fwd(x *G.Node) (*G.Node, error) {
	x, err := G.Conv2d(
		x,
		c.weights,
		tensor.Shape{c.kernel, c.kernel},
		[]int{0, 0},
		[]int{c.stride, c.stride},
		[]int{1, 1},
	)
	if err != nil {
		return nil, err
	}

	// Broadcast the bias along the batch and spatial dimensions
	x = G.Must(G.BroadcastAdd(x, c.bias, nil, []byte{0, 2, 3}))

	return c.act.fwd(x)
}

// cloneTo clones a convLayer, including its weight values, to a new
// computational graph
func (c *convLayer) cloneTo(g *G.ExprGraph) *convLayer {
	return &convLayer{
		weights: c.weights.CloneTo(g),
		bias:    c.bias.CloneTo(g),
		kernel:  c.kernel,
		stride:  c.stride,
		act:     c.act,
	}
}

// learnables returns the learnable nodes of the convLayer
func (c *convLayer) learnables() G.Nodes {
	return G.Nodes{c.weights, c.bias}
}
