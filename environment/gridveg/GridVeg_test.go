package gridveg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridVegEpisode(t *testing.T) {
	env, err := New(4, 4, 20, 0.5, 1)
	require.NoError(t, err)

	first := env.Reset()
	assert.True(t, first.First())
	assert.Zero(t, first.Reward)

	spec := env.Spec()
	require.NoError(t, spec.Validate())
	assert.Len(t, first.Observation.Raster, spec.RasterSize())
	assert.Len(t, first.Observation.Vector, spec.VectorDim)

	steps := 0
	episodeReward := 0.0
	for {
		step, err := env.Step(steps % numActions)
		require.NoError(t, err)
		steps++
		episodeReward += step.Reward

		assert.Equal(t, steps, step.Number)
		assert.InDelta(t, episodeReward, step.EpisodeReward, 1e-12)
		assert.GreaterOrEqual(t, step.Aux, 0.0)
		assert.LessOrEqual(t, step.Aux, 1.0)

		if step.Last() {
			assert.LessOrEqual(t, steps, 20)
			break
		}
	}
}

func TestGridVegCutRewards(t *testing.T) {
	env, err := New(2, 2, 100, 1.0, 1)
	require.NoError(t, err)
	env.Reset()

	// With density 1 every cell is vegetated, so the first cut yields
	// +1 on top of the step penalty
	step, err := env.Step(Cut)
	require.NoError(t, err)
	assert.InDelta(t, 1.0+stepPenalty, step.Reward, 1e-12)
	assert.InDelta(t, 0.25, step.Aux, 1e-12)

	// Cutting the same cell twice yields only the penalty
	step, err = env.Step(Cut)
	require.NoError(t, err)
	assert.InDelta(t, stepPenalty, step.Reward, 1e-12)
}

func TestGridVegTerminatesWhenAllCut(t *testing.T) {
	env, err := New(2, 2, 1000, 1.0, 1)
	require.NoError(t, err)
	env.Reset()

	// Sweep the grid: cut, right, cut, down, cut, left, cut
	actions := []int{Cut, MoveRight, Cut, MoveDown, Cut, MoveLeft, Cut}

	// The agent may start anywhere, so walk it to the top-left corner
	// first
	for i := 0; i < 2; i++ {
		_, err = env.Step(MoveUp)
		require.NoError(t, err)
		_, err = env.Step(MoveLeft)
		require.NoError(t, err)
	}

	var last bool
	for _, action := range actions {
		step, err := env.Step(action)
		require.NoError(t, err)
		last = step.Last()
	}
	assert.True(t, last)
}

func TestGridVegStepValidation(t *testing.T) {
	env, err := New(4, 4, 10, 0.5, 1)
	require.NoError(t, err)
	env.Reset()

	_, err = env.Step(-1)
	assert.Error(t, err)
	_, err = env.Step(numActions)
	assert.Error(t, err)

	require.NoError(t, env.Close())
	_, err = env.Step(Cut)
	assert.Error(t, err)
}

func TestNewGridVegValidation(t *testing.T) {
	_, err := New(1, 4, 10, 0.5, 1)
	assert.Error(t, err)
	_, err = New(4, 4, 0, 0.5, 1)
	assert.Error(t, err)
	_, err = New(4, 4, 10, 0, 1)
	assert.Error(t, err)
}
