package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"

	"sfneuman.com/dqn/environment"
	"sfneuman.com/dqn/network"
	ts "sfneuman.com/dqn/timestep"
)

func testNetwork(t *testing.T, batch int) network.NeuralNet {
	spec := environment.Spec{
		Channels:   1,
		Height:     4,
		Width:      4,
		VectorDim:  2,
		NumActions: 5,
	}
	arch := network.Arch{
		CNNChannels: []int{4},
		KernelSizes: []int{2},
		Strides:     []int{1},
		EmbedDim:    8,
	}
	net, err := network.NewQNetwork(spec, batch, arch, G.NewGraph(),
		G.GlorotN(1.0))
	require.NoError(t, err)
	return net
}

func testObservation(net network.NeuralNet) ts.Observation {
	spec := net.Spec()
	raster := make([]float64, spec.RasterSize())
	for i := range raster {
		raster[i] = float64(i) / float64(len(raster))
	}
	return ts.NewObservation(raster, []float64{0.5, -0.5})
}

func TestEGreedyGreedyIsDeterministic(t *testing.T) {
	schedule, err := NewSchedule(0, 0, 1)
	require.NoError(t, err)

	egreedy, err := NewEGreedy(testNetwork(t, 1), schedule, 1)
	require.NoError(t, err)
	defer egreedy.Close()

	obs := testObservation(egreedy.Network())
	first, firstValue, err := egreedy.SelectAction(obs)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 5)

	for i := 0; i < 10; i++ {
		action, value, err := egreedy.SelectAction(obs)
		require.NoError(t, err)
		assert.Equal(t, first, action)
		assert.Equal(t, firstValue, value)
	}
}

func TestEGreedyExplores(t *testing.T) {
	schedule, err := NewSchedule(1.0, 1.0, 1)
	require.NoError(t, err)

	egreedy, err := NewEGreedy(testNetwork(t, 1), schedule, 1)
	require.NoError(t, err)
	defer egreedy.Close()

	obs := testObservation(egreedy.Network())
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		action, _, err := egreedy.SelectAction(obs)
		require.NoError(t, err)
		seen[action] = true
	}

	// A fully random policy over 5 actions visits more than one action
	// across 200 selections
	assert.Greater(t, len(seen), 1)
}

func TestNewEGreedyRequiresBatchOne(t *testing.T) {
	schedule, err := NewSchedule(1.0, 0.05, 100)
	require.NoError(t, err)

	_, err = NewEGreedy(testNetwork(t, 4), schedule, 1)
	assert.Error(t, err)
}
