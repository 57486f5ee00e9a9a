package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"sfneuman.com/dqn/environment"
)

// Arch describes the convolutional encoder + projection architecture
// of a QNetwork. Layer i of the encoder applies CNNChannels[i] filters
// of size KernelSizes[i] at stride Strides[i] with no padding. The
// flattened encoder output is concatenated with the observation's
// feature vector and projected to EmbedDim units before the
// action-value head.
type Arch struct {
	CNNChannels []int
	KernelSizes []int
	Strides     []int
	EmbedDim    int
}

// DefaultArch returns the default QNetwork architecture
func DefaultArch() Arch {
	return Arch{
		CNNChannels: []int{16, 32, 64},
		KernelSizes: []int{8, 4, 3},
		Strides:     []int{1, 1, 1},
		EmbedDim:    256,
	}
}

// Validate ensures the Arch is a legal architecture description
func (a Arch) Validate() error {
	if len(a.CNNChannels) == 0 {
		return fmt.Errorf("arch: encoder must have at least one " +
			"convolutional layer")
	}
	if len(a.CNNChannels) != len(a.KernelSizes) {
		return fmt.Errorf("arch: invalid number of kernel sizes"+
			"\n\twant(%v)\n\thave(%v)", len(a.CNNChannels),
			len(a.KernelSizes))
	}
	if len(a.CNNChannels) != len(a.Strides) {
		return fmt.Errorf("arch: invalid number of strides"+
			"\n\twant(%v)\n\thave(%v)", len(a.CNNChannels), len(a.Strides))
	}
	if a.EmbedDim < 1 {
		return fmt.Errorf("arch: embedding dimension must be positive"+
			"\n\thave(%v)", a.EmbedDim)
	}
	return nil
}

// probe computes the flattened output size of the convolutional stack
// for a raster observation of the given spec. The size is fully
// determined by the declared raster shape, so a dummy forward pass is
// unnecessary: each valid (unpadded) convolution maps a spatial
// dimension of size n to (n - kernel)/stride + 1.
func (a Arch) probe(spec environment.Spec) (int, error) {
	h, w := spec.Height, spec.Width
	for i := range a.CNNChannels {
		k, s := a.KernelSizes[i], a.Strides[i]
		if k < 1 || s < 1 {
			return 0, fmt.Errorf("probe: kernel size and stride of layer "+
				"%v must be positive \n\thave(%v, %v)", i, k, s)
		}
		h = (h-k)/s + 1
		w = (w-k)/s + 1
		if h < 1 || w < 1 {
			return 0, fmt.Errorf("probe: convolutional layer %v collapses "+
				"the raster to (%v, %v)", i, h, w)
		}
	}
	return a.CNNChannels[len(a.CNNChannels)-1] * h * w, nil
}

// QNetwork implements a NeuralNet predicting one action value per
// environmental action. Raster observations pass through the
// convolutional encoder, are flattened, concatenated with the vector
// features, projected to the embedding dimension, and mapped to action
// values by a final linear head.
type QNetwork struct {
	g    *G.ExprGraph
	spec environment.Spec
	arch Arch

	conv []*convLayer
	proj *fcLayer
	head *fcLayer

	rasterInput *G.Node // Shape (batch, channels, height, width)
	vectorInput *G.Node // Shape (batch, vectorDim); nil if vectorDim == 0

	convFlat  int // Flattened encoder output size, fixed by probing
	batchSize int

	learnables G.Nodes
	model      []G.ValueGrad

	prediction *G.Node
	predVal    G.Value
}

// NewQNetwork returns a new QNetwork for the given observation and
// action spec, populating graph g. The batch parameter fixes the
// number of observations per forward pass.
func NewQNetwork(spec environment.Spec, batch int, arch Arch,
	g *G.ExprGraph, init G.InitWFn) (NeuralNet, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("newqnetwork: %v", err)
	}
	if err := arch.Validate(); err != nil {
		return nil, fmt.Errorf("newqnetwork: %v", err)
	}
	if batch < 1 {
		return nil, fmt.Errorf("newqnetwork: batch size must be positive"+
			"\n\thave(%v)", batch)
	}

	convFlat, err := arch.probe(spec)
	if err != nil {
		return nil, fmt.Errorf("newqnetwork: %v", err)
	}

	rasterInput := G.NewTensor(
		g,
		tensor.Float64,
		4,
		G.WithShape(batch, spec.Channels, spec.Height, spec.Width),
		G.WithName("raster"),
		G.WithInit(G.Zeroes()),
	)

	var vectorInput *G.Node
	if spec.VectorDim > 0 {
		vectorInput = G.NewMatrix(
			g,
			tensor.Float64,
			G.WithShape(batch, spec.VectorDim),
			G.WithName("vector"),
			G.WithInit(G.Zeroes()),
		)
	}

	conv := make([]*convLayer, len(arch.CNNChannels))
	in := spec.Channels
	for i, out := range arch.CNNChannels {
		conv[i] = newConvLayer(g, in, out, arch.KernelSizes[i],
			arch.Strides[i], ReLU(), init, fmt.Sprintf("Conv%d", i))
		in = out
	}

	proj := newFCLayer(g, convFlat+spec.VectorDim, arch.EmbedDim, ReLU(),
		init, "Proj")
	head := newFCLayer(g, arch.EmbedDim, spec.NumActions, Identity(),
		init, "Head")

	net := &QNetwork{
		g:           g,
		spec:        spec,
		arch:        arch,
		conv:        conv,
		proj:        proj,
		head:        head,
		rasterInput: rasterInput,
		vectorInput: vectorInput,
		convFlat:    convFlat,
		batchSize:   batch,
	}

	if err := net.fwd(); err != nil {
		return nil, fmt.Errorf("newqnetwork: could not compute forward "+
			"pass: %v", err)
	}

	return net, nil
}

// fwd adds the forward pass of the QNetwork to its computational graph
func (q *QNetwork) fwd() error {
	x := q.rasterInput
	var err error
	for i, layer := range q.conv {
		if x, err = layer.fwd(x); err != nil {
			return fmt.Errorf("fwd: could not compute forward pass of "+
				"convolutional layer %v: %v", i, err)
		}
	}

	x, err = G.Reshape(x, tensor.Shape{q.batchSize, q.convFlat})
	if err != nil {
		return fmt.Errorf("fwd: could not flatten encoder output: %v", err)
	}

	if q.vectorInput != nil {
		x, err = G.Concat(1, x, q.vectorInput)
		if err != nil {
			return fmt.Errorf("fwd: could not concatenate vector "+
				"features: %v", err)
		}
	}

	if x, err = q.proj.fwd(x); err != nil {
		return fmt.Errorf("fwd: could not compute projection: %v", err)
	}
	if x, err = q.head.fwd(x); err != nil {
		return fmt.Errorf("fwd: could not compute action-value head: %v",
			err)
	}

	q.prediction = x
	G.Read(q.prediction, &q.predVal)
	return nil
}

// Graph returns the computational graph of the QNetwork
func (q *QNetwork) Graph() *G.ExprGraph {
	return q.g
}

// Spec returns the observation and action spec the QNetwork was built
// for
func (q *QNetwork) Spec() environment.Spec {
	return q.spec
}

// BatchSize returns the batch size of inputs to the QNetwork
func (q *QNetwork) BatchSize() int {
	return q.batchSize
}

// Outputs returns the number of action values the QNetwork predicts
func (q *QNetwork) Outputs() int {
	return q.spec.NumActions
}

// Clone clones the QNetwork, including its weight values
func (q *QNetwork) Clone() (NeuralNet, error) {
	return q.CloneWithBatch(q.batchSize)
}

// CloneWithBatch clones the QNetwork, including its weight values,
// with a new input batch size
func (q *QNetwork) CloneWithBatch(batch int) (NeuralNet, error) {
	if batch < 1 {
		return nil, fmt.Errorf("clonewithbatch: batch size must be "+
			"positive \n\thave(%v)", batch)
	}

	g := G.NewGraph()
	rasterInput := G.NewTensor(
		g,
		tensor.Float64,
		4,
		G.WithShape(batch, q.spec.Channels, q.spec.Height, q.spec.Width),
		G.WithName("raster"),
		G.WithInit(G.Zeroes()),
	)
	var vectorInput *G.Node
	if q.spec.VectorDim > 0 {
		vectorInput = G.NewMatrix(
			g,
			tensor.Float64,
			G.WithShape(batch, q.spec.VectorDim),
			G.WithName("vector"),
			G.WithInit(G.Zeroes()),
		)
	}

	conv := make([]*convLayer, len(q.conv))
	for i := range q.conv {
		conv[i] = q.conv[i].cloneTo(g)
	}

	net := &QNetwork{
		g:           g,
		spec:        q.spec,
		arch:        q.arch,
		conv:        conv,
		proj:        q.proj.cloneTo(g),
		head:        q.head.cloneTo(g),
		rasterInput: rasterInput,
		vectorInput: vectorInput,
		convFlat:    q.convFlat,
		batchSize:   batch,
	}

	if err := net.fwd(); err != nil {
		return nil, fmt.Errorf("clonewithbatch: could not compute "+
			"forward pass: %v", err)
	}
	return net, nil
}

// SetInput sets the raster and vector inputs for the next run of the
// computational graph
func (q *QNetwork) SetInput(raster, vector []float64) error {
	if len(raster) != q.batchSize*q.spec.RasterSize() {
		return fmt.Errorf("setinput: invalid raster size\n\twant(%v)"+
			"\n\thave(%v)", q.batchSize*q.spec.RasterSize(), len(raster))
	}
	rasterTensor := tensor.New(
		tensor.WithBacking(raster),
		tensor.WithShape(q.rasterInput.Shape()...),
	)
	if err := G.Let(q.rasterInput, rasterTensor); err != nil {
		return fmt.Errorf("setinput: could not set raster input: %v", err)
	}

	if q.vectorInput == nil {
		return nil
	}
	if len(vector) != q.batchSize*q.spec.VectorDim {
		return fmt.Errorf("setinput: invalid vector size\n\twant(%v)"+
			"\n\thave(%v)", q.batchSize*q.spec.VectorDim, len(vector))
	}
	vectorTensor := tensor.New(
		tensor.WithBacking(vector),
		tensor.WithShape(q.vectorInput.Shape()...),
	)
	if err := G.Let(q.vectorInput, vectorTensor); err != nil {
		return fmt.Errorf("setinput: could not set vector input: %v", err)
	}
	return nil
}

// Set copies the weights of another NeuralNet into the QNetwork
func (q *QNetwork) Set(source NeuralNet) error {
	sourceNodes := source.Learnables()
	nodes := q.Learnables()
	if len(sourceNodes) != len(nodes) {
		return fmt.Errorf("set: source network has incompatible "+
			"architecture\n\twant(%v learnables)\n\thave(%v)", len(nodes),
			len(sourceNodes))
	}
	for i, dest := range nodes {
		sourceLearnable := sourceNodes[i].Clone()
		err := G.Let(dest, sourceLearnable.(*G.Node).Value())
		if err != nil {
			return fmt.Errorf("set: could not copy learnable %v: %v", i,
				err)
		}
	}
	return nil
}

// Polyak sets the weights of the QNetwork to a Polyak average between
// its existing weights and the weights of another NeuralNet
func (q *QNetwork) Polyak(source NeuralNet, tau float64) error {
	sourceNodes := source.Learnables()
	nodes := q.Learnables()
	for i := range nodes {
		weights := nodes[i].Value().(*tensor.Dense)
		sourceWeights := sourceNodes[i].Value().(*tensor.Dense)

		weights, err := weights.MulScalar(1-tau, true)
		if err != nil {
			return err
		}
		sourceWeights, err = sourceWeights.MulScalar(tau, true)
		if err != nil {
			return err
		}

		newWeights, err := weights.Add(sourceWeights)
		if err != nil {
			return err
		}
		if err := G.Let(nodes[i], newWeights); err != nil {
			return err
		}
	}
	return nil
}

// Learnables returns the learnable nodes of the QNetwork
func (q *QNetwork) Learnables() G.Nodes {
	// Lazy instantiation
	if q.learnables == nil {
		q.learnables = q.computeLearnables()
	}
	return q.learnables
}

// computeLearnables computes all the learnables for the network
func (q *QNetwork) computeLearnables() G.Nodes {
	learnables := make(G.Nodes, 0, 2*(len(q.conv)+2))
	for _, layer := range q.conv {
		learnables = append(learnables, layer.learnables()...)
	}
	learnables = append(learnables, q.proj.learnables()...)
	learnables = append(learnables, q.head.learnables()...)
	return learnables
}

// Model returns the learnable nodes with their gradients
func (q *QNetwork) Model() []G.ValueGrad {
	// Lazy instantiation
	if q.model == nil {
		model := make([]G.ValueGrad, 0, len(q.Learnables()))
		for _, node := range q.Learnables() {
			model = append(model, node)
		}
		q.model = model
	}
	return q.model
}

// Output returns the action values predicted by the last run of the
// computational graph
func (q *QNetwork) Output() G.Value {
	return q.predVal
}

// Prediction returns the node of the computational graph that stores
// the predicted action values
func (q *QNetwork) Prediction() *G.Node {
	return q.prediction
}

// GobEncode implements the gob.GobEncoder interface. The encoding
// captures the architecture and all weight values, so a decoded
// QNetwork is a faithful snapshot of the encoded one.
func (q *QNetwork) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(q.spec); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode spec: %v", err)
	}
	if err := enc.Encode(q.arch); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode arch: %v", err)
	}
	if err := enc.Encode(q.batchSize); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode batch size: %v",
			err)
	}

	for i, learnable := range q.Learnables() {
		data := learnable.Value().Data().([]float64)
		if err := enc.Encode(data); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode learnable "+
				"%v: %v", i, err)
		}
	}

	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface
func (q *QNetwork) GobDecode(in []byte) error {
	buf := bytes.NewReader(in)
	dec := gob.NewDecoder(buf)

	var spec environment.Spec
	if err := dec.Decode(&spec); err != nil {
		return fmt.Errorf("gobdecode: could not decode spec: %v", err)
	}
	var arch Arch
	if err := dec.Decode(&arch); err != nil {
		return fmt.Errorf("gobdecode: could not decode arch: %v", err)
	}
	var batchSize int
	if err := dec.Decode(&batchSize); err != nil {
		return fmt.Errorf("gobdecode: could not decode batch size: %v", err)
	}

	g := G.NewGraph()
	newNet, err := NewQNetwork(spec, batchSize, arch, g, G.Zeroes())
	if err != nil {
		return fmt.Errorf("gobdecode: could not construct network: %v", err)
	}
	net := newNet.(*QNetwork)

	for i, learnable := range net.Learnables() {
		var data []float64
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("gobdecode: could not decode learnable "+
				"%v: %v", i, err)
		}
		weights := tensor.New(
			tensor.WithBacking(data),
			tensor.WithShape(learnable.Shape()...),
		)
		if err := G.Let(learnable, weights); err != nil {
			return fmt.Errorf("gobdecode: could not set learnable %v: %v",
				i, err)
		}
	}

	*q = *net
	return nil
}
