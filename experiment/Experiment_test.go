package experiment

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sfneuman.com/dqn/collector"
	"sfneuman.com/dqn/deepq"
	"sfneuman.com/dqn/environment/gridveg"
	"sfneuman.com/dqn/experiment/checkpointer"
	"sfneuman.com/dqn/experiment/tracker"
	"sfneuman.com/dqn/initwfn"
	"sfneuman.com/dqn/network"
	"sfneuman.com/dqn/policy"
	"sfneuman.com/dqn/replay"
	"sfneuman.com/dqn/solver"
)

const testBatchSize = 8

func testExperiment(t *testing.T, config Config, track tracker.Tracker,
	ckptDir string) *Experiment {
	factory := gridveg.Factory(4, 4, 10, 0.5)
	env, err := factory(1)
	require.NoError(t, err)
	spec := env.Spec()
	require.NoError(t, env.Close())

	arch := network.Arch{
		CNNChannels: []int{4},
		KernelSizes: []int{2},
		Strides:     []int{1},
		EmbedDim:    8,
	}
	init, err := initwfn.New(initwfn.GlorotN, 1.0)
	require.NoError(t, err)

	learner, err := deepq.NewLearner(spec, arch, deepq.Config{
		BatchSize:            testBatchSize,
		Gamma:                0.99,
		NStep:                3,
		TargetUpdateInterval: 10,
		Loss:                 deepq.MSE,
		MaxGradNorm:          10,
		ValueRescale:         true,
		StepSize:             0.001,
		Solver:               solver.Vanilla,
	}, init)
	require.NoError(t, err)

	buffer, err := replay.New(replay.Config{
		MaxCapacity: 2000,
		MinCapacity: testBatchSize,
		BatchSize:   testBatchSize,
		Alpha:       0.7,
		Beta:        0.5,
		NStep:       3,
		Gamma:       0.99,
	}, spec, 1)
	require.NoError(t, err)

	schedule, err := policy.NewSchedule(1.0, 0.05, config.TotalFrames)
	require.NoError(t, err)

	c, err := collector.New(collector.Config{
		Workers:          2,
		FramesPerBatch:   config.FramesPerBatch,
		TotalFrames:      config.TotalFrames,
		InitRandomFrames: 1 << 30, // Keep rollout actions cheap
	}, factory, learner.Online(), schedule, 1, zerolog.Nop())
	require.NoError(t, err)

	ckpt, err := checkpointer.New(ckptDir, "test-run")
	require.NoError(t, err)

	exp, err := New(config, c, buffer, learner, schedule, ckpt, track,
		zerolog.Nop())
	require.NoError(t, err)
	return exp
}

func TestExperimentCheckpointBoundaries(t *testing.T) {
	dir := t.TempDir()
	config := Config{
		TotalFrames:    10000,
		FramesPerBatch: 1000,
		TestInterval:   2000,
		UTDRatio:       1.0,

		// Skip optimization entirely so the test isolates the
		// collection and checkpoint logic
		InitRandomFrames: 1 << 30,
	}
	exp := testExperiment(t, config, tracker.NewNop(), dir)

	ctx, cancel := context.WithTimeout(context.Background(),
		120*time.Second)
	defer cancel()
	require.NoError(t, exp.Run(ctx))

	counters := exp.Counters()
	assert.Equal(t, 10000, counters.Frames)
	assert.Zero(t, counters.Updates)
	assert.Equal(t, 5, counters.Checkpoints)

	for _, frames := range []int{2000, 4000, 6000, 8000, 10000} {
		_, err := os.Stat(exp.ckpt.Path(frames))
		assert.NoError(t, err, "missing checkpoint at %v frames", frames)
	}
}

func TestExperimentTrainsAndTracks(t *testing.T) {
	dir := t.TempDir()
	metrics := filepath.Join(dir, "metrics.jsonl")
	track, err := tracker.NewFile(metrics, "test-run")
	require.NoError(t, err)

	config := Config{
		TotalFrames:      120,
		FramesPerBatch:   30,
		TestInterval:     60,
		UTDRatio:         0.25,
		InitRandomFrames: 30,
	}
	exp := testExperiment(t, config, track, dir)

	ctx, cancel := context.WithTimeout(context.Background(),
		120*time.Second)
	defer cancel()
	require.NoError(t, exp.Run(ctx))
	require.NoError(t, track.Close())

	counters := exp.Counters()
	assert.Equal(t, 120, counters.Frames)
	assert.Greater(t, counters.Updates, 0)
	assert.Greater(t, counters.Episodes, 0)
	assert.Equal(t, 2, counters.Checkpoints)

	// The metric stream must include the training scalars
	seen := map[string]bool{}
	file, err := os.Open(metrics)
	require.NoError(t, err)
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var metric struct {
			Run   string  `json:"run"`
			Name  string  `json:"name"`
			Frame int     `json:"frame"`
			Value float64 `json:"value"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &metric))
		assert.Equal(t, "test-run", metric.Run)
		seen[metric.Name] = true
	}
	require.NoError(t, scanner.Err())

	for _, name := range []string{
		"q_loss", "q_values", "q_logits", "epsilon", "sampling_time",
		"training_time", "episode_reward", "episode_length", "episode_aux",
	} {
		assert.True(t, seen[name], "metric %v was never emitted", name)
	}
}

func TestExperimentConfigValidation(t *testing.T) {
	config := Config{
		TotalFrames:    100,
		FramesPerBatch: 200,
		TestInterval:   50,
		UTDRatio:       1,
	}
	assert.Error(t, config.Validate())

	config.FramesPerBatch = 50
	require.NoError(t, config.Validate())

	config.UTDRatio = 0
	assert.Error(t, config.Validate())
}
