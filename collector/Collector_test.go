package collector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"

	"sfneuman.com/dqn/environment"
	"sfneuman.com/dqn/network"
	"sfneuman.com/dqn/policy"
	ts "sfneuman.com/dqn/timestep"
)

func testSpec() environment.Spec {
	return environment.Spec{
		Channels:   1,
		Height:     4,
		Width:      4,
		VectorDim:  2,
		NumActions: 3,
	}
}

// countingEnv is a deterministic environment with 5-step episodes. It
// fails failAfter steps after creation if failAfter > 0.
type countingEnv struct {
	spec      environment.Spec
	steps     int
	episode   int
	failAfter int
	total     int
}

func (c *countingEnv) Reset() ts.TimeStep {
	c.steps = 0
	obs := ts.NewObservation(make([]float64, c.spec.RasterSize()),
		make([]float64, c.spec.VectorDim))
	return ts.New(ts.First, 0, obs, 0, 0, 0)
}

func (c *countingEnv) Step(action int) (ts.TimeStep, error) {
	c.total++
	if c.failAfter != 0 && c.total > c.failAfter {
		return ts.TimeStep{}, errors.New("simulator crashed")
	}

	c.steps++
	stepType := ts.Mid
	if c.steps == 5 {
		stepType = ts.Last
		c.episode++
	}
	obs := ts.NewObservation(make([]float64, c.spec.RasterSize()),
		make([]float64, c.spec.VectorDim))
	return ts.New(stepType, 1.0, obs, c.steps, float64(c.steps), 0), nil
}

func (c *countingEnv) Spec() environment.Spec { return c.spec }
func (c *countingEnv) Close() error           { return nil }

func testFactory(failAfter int) environment.Factory {
	return func(seed uint64) (environment.Environment, error) {
		return &countingEnv{spec: testSpec(), failAfter: failAfter}, nil
	}
}

func testNetwork(t *testing.T) network.NeuralNet {
	arch := network.Arch{
		CNNChannels: []int{4},
		KernelSizes: []int{2},
		Strides:     []int{1},
		EmbedDim:    8,
	}
	net, err := network.NewQNetwork(testSpec(), 1, arch, G.NewGraph(),
		G.GlorotN(1.0))
	require.NoError(t, err)
	return net
}

func testCollector(t *testing.T, config Config,
	factory environment.Factory) *Collector {
	schedule, err := policy.NewSchedule(1.0, 0.05, 1000)
	require.NoError(t, err)

	c, err := New(config, factory, testNetwork(t), schedule, 1,
		zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Start())
	return c
}

func TestCollectorNextBatchSize(t *testing.T) {
	config := Config{
		Workers:          2,
		FramesPerBatch:   16,
		TotalFrames:      40,
		InitRandomFrames: 1 << 30, // Act randomly for the whole test
	}
	c := testCollector(t, config, testFactory(0))
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 16)
	assert.Equal(t, 16, c.Frames())

	// Worker identities and episode bookkeeping survive batching
	for _, transition := range batch {
		assert.Contains(t, []int{0, 1}, transition.Worker)
		assert.Equal(t, 1.0, transition.Reward)
	}

	_, err = c.Next(ctx)
	require.NoError(t, err)

	// The final batch is truncated to the remaining budget
	batch, err = c.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 8)
	assert.Equal(t, 40, c.Frames())

	_, err = c.Next(ctx)
	assert.True(t, IsExhausted(err))
}

func TestCollectorUpdateWeights(t *testing.T) {
	config := Config{
		Workers:          1,
		FramesPerBatch:   8,
		TotalFrames:      32,
		InitRandomFrames: 1 << 30,
	}
	c := testCollector(t, config, testFactory(0))
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := c.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, c.UpdateWeights(testNetwork(t)))

	// Collection continues against the refreshed snapshot
	batch, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 8)
}

func TestCollectorTransientRestart(t *testing.T) {
	var created int64
	factory := func(seed uint64) (environment.Environment, error) {
		n := atomic.AddInt64(&created, 1)
		failAfter := 0
		if n == 1 {
			// Only the first environment instance crashes
			failAfter = 3
		}
		return &countingEnv{spec: testSpec(), failAfter: failAfter}, nil
	}

	config := Config{
		Workers:          1,
		FramesPerBatch:   8,
		TotalFrames:      16,
		InitRandomFrames: 1 << 30,
	}
	c := testCollector(t, config, factory)
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 8)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&created), int64(2))
}

func TestCollectorFatalAfterRepeatedFailures(t *testing.T) {
	config := Config{
		Workers:          1,
		FramesPerBatch:   8,
		TotalFrames:      16,
		InitRandomFrames: 1 << 30,
		MaxEnvRestarts:   2,
	}

	// Every environment instance crashes immediately
	c := testCollector(t, config, testFactory(-1))
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := c.Next(ctx)
	require.Error(t, err)

	var rolloutErr *RolloutError
	require.ErrorAs(t, err, &rolloutErr)
	assert.Equal(t, 0, rolloutErr.Worker)
}

func TestCollectorShutdownUnblocksWorkers(t *testing.T) {
	config := Config{
		Workers:          4,
		FramesPerBatch:   4,
		TotalFrames:      8,
		InitRandomFrames: 1 << 30,
	}
	c := testCollector(t, config, testFactory(0))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := c.Next(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.Shutdown()
		c.Shutdown() // Idempotent
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}
