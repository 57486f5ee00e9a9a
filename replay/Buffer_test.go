package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sfneuman.com/dqn/environment"
	ts "sfneuman.com/dqn/timestep"
)

func testSpec() environment.Spec {
	return environment.Spec{
		Channels:   1,
		Height:     2,
		Width:      2,
		VectorDim:  1,
		NumActions: 2,
	}
}

func testTransition(id float64, done bool) ts.Transition {
	raster := []float64{id, id, id, id}
	return ts.Transition{
		Observation:     ts.NewObservation(raster, []float64{id}),
		Action:          1,
		Reward:          id,
		NextObservation: ts.NewObservation(raster, []float64{id}),
		Done:            done,
		StepCount:       int(id),
		EpisodeReward:   id,
	}
}

func testConfig() Config {
	return Config{
		MaxCapacity: 8,
		MinCapacity: 4,
		BatchSize:   4,
		Alpha:       0.7,
		Beta:        0.5,
		NStep:       1,
		Gamma:       0.99,
	}
}

func TestBufferSampleBeforeMinCapacity(t *testing.T) {
	buffer, err := New(testConfig(), testSpec(), 1)
	require.NoError(t, err)
	defer buffer.Close()

	_, err = buffer.Sample()
	assert.True(t, IsEmptyBuffer(err))

	require.NoError(t, buffer.Extend([]ts.Transition{
		testTransition(1, false),
		testTransition(2, false),
	}))

	_, err = buffer.Sample()
	assert.True(t, IsInsufficientSamples(err))
	assert.False(t, IsEmptyBuffer(err))
}

func TestBufferSampleBatch(t *testing.T) {
	buffer, err := New(testConfig(), testSpec(), 1)
	require.NoError(t, err)
	defer buffer.Close()

	var batch []ts.Transition
	for i := 1; i <= 5; i++ {
		batch = append(batch, testTransition(float64(i), false))
	}
	require.NoError(t, buffer.Extend(batch))
	require.Equal(t, 5, buffer.Size())

	sampled, err := buffer.Sample()
	require.NoError(t, err)

	require.Len(t, sampled.Keys, 4)
	require.Len(t, sampled.Weights, 4)
	require.Len(t, sampled.Transitions, 4)

	maxWeight := 0.0
	for i, key := range sampled.Keys {
		assert.GreaterOrEqual(t, key, 0)
		assert.Less(t, key, 5)

		// Stored transitions come back intact
		transition := sampled.Transitions[i]
		assert.Equal(t, transition.Reward, transition.Observation.Vector[0])
		assert.Equal(t, 1, transition.Action)

		assert.Greater(t, sampled.Weights[i], 0.0)
		assert.LessOrEqual(t, sampled.Weights[i], 1.0)
		if sampled.Weights[i] > maxWeight {
			maxWeight = sampled.Weights[i]
		}
	}
	assert.InDelta(t, 1.0, maxWeight, 1e-12)
}

func TestBufferRingEviction(t *testing.T) {
	config := testConfig()
	config.MinCapacity = 1
	config.BatchSize = 64
	buffer, err := New(config, testSpec(), 1)
	require.NoError(t, err)
	defer buffer.Close()

	// Insert capacity + 3 transitions one at a time so only the last
	// capacity remain
	for i := 1; i <= config.MaxCapacity+3; i++ {
		err := buffer.Extend([]ts.Transition{
			testTransition(float64(i), false),
		})
		require.NoError(t, err)
	}
	require.Equal(t, config.MaxCapacity, buffer.Size())

	sampled, err := buffer.Sample()
	require.NoError(t, err)
	for _, transition := range sampled.Transitions {
		assert.Greater(t, transition.Reward, 3.0,
			"evicted transition was sampled")
	}
}

func TestBufferUpdatePriorityFocusesSampling(t *testing.T) {
	config := testConfig()
	config.MinCapacity = 1
	config.BatchSize = 256
	config.Alpha = 1.0
	buffer, err := New(config, testSpec(), 1)
	require.NoError(t, err)
	defer buffer.Close()

	var batch []ts.Transition
	for i := 0; i < 8; i++ {
		batch = append(batch, testTransition(float64(i), false))
	}
	require.NoError(t, buffer.Extend(batch))

	// Give slot 5 practically all of the priority mass
	keys := []int{0, 1, 2, 3, 4, 5, 6, 7}
	tdErrors := []float64{0, 0, 0, 0, 0, 1e6, 0, 0}
	require.NoError(t, buffer.UpdatePriority(keys, tdErrors))

	sampled, err := buffer.Sample()
	require.NoError(t, err)

	hits := 0
	for _, key := range sampled.Keys {
		if key == 5 {
			hits++
		}
	}
	assert.Greater(t, hits, len(sampled.Keys)*9/10)
}

func TestBufferUpdatePriorityValidation(t *testing.T) {
	buffer, err := New(testConfig(), testSpec(), 1)
	require.NoError(t, err)
	defer buffer.Close()

	assert.Error(t, buffer.UpdatePriority([]int{0, 1}, []float64{1.0}))
	assert.Error(t, buffer.UpdatePriority([]int{-1}, []float64{1.0}))
	assert.Error(t, buffer.UpdatePriority([]int{100}, []float64{1.0}))
}

func TestBufferPrefetchDeliversBatches(t *testing.T) {
	config := testConfig()
	config.Prefetch = 2
	buffer, err := New(config, testSpec(), 1)
	require.NoError(t, err)
	defer buffer.Close()

	var batch []ts.Transition
	for i := 1; i <= 6; i++ {
		batch = append(batch, testTransition(float64(i), false))
	}
	require.NoError(t, buffer.Extend(batch))

	for i := 0; i < 5; i++ {
		sampled, err := buffer.Sample()
		require.NoError(t, err)
		require.Len(t, sampled.Transitions, config.BatchSize)
	}
}

func TestBufferClose(t *testing.T) {
	buffer, err := New(testConfig(), testSpec(), 1)
	require.NoError(t, err)

	require.NoError(t, buffer.Close())

	_, err = buffer.Sample()
	assert.True(t, IsClosedBuffer(err))
	assert.True(t, IsClosedBuffer(
		buffer.Extend([]ts.Transition{testTransition(1, false)})))
	assert.True(t, IsClosedBuffer(buffer.Close()))
}

func TestBufferMemmapStorage(t *testing.T) {
	config := testConfig()
	config.ScratchDir = t.TempDir()
	buffer, err := New(config, testSpec(), 1)
	require.NoError(t, err)
	defer buffer.Close()

	var batch []ts.Transition
	for i := 1; i <= 4; i++ {
		batch = append(batch, testTransition(float64(i), i == 4))
	}
	require.NoError(t, buffer.Extend(batch))

	sampled, err := buffer.Sample()
	require.NoError(t, err)
	for _, transition := range sampled.Transitions {
		id := transition.Reward
		assert.Equal(t, []float64{id, id, id, id},
			transition.Observation.Raster)
		assert.Equal(t, []float64{id}, transition.Observation.Vector)
		assert.Equal(t, id == 4, transition.Done)
		assert.Equal(t, int(id), transition.StepCount)
		assert.Equal(t, id, transition.EpisodeReward)
	}
}
