package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleAnnealsMonotonically(t *testing.T) {
	schedule, err := NewSchedule(1.0, 0.05, 100)
	require.NoError(t, err)

	assert.Equal(t, 1.0, schedule.Epsilon())

	last := schedule.Epsilon()
	for i := 0; i < 20; i++ {
		schedule.Step(7)
		eps := schedule.Epsilon()
		assert.LessOrEqual(t, eps, last)
		last = eps
	}

	// 140 steps is past the annealing horizon, so epsilon has clamped
	// to its final value exactly
	assert.Equal(t, 0.05, schedule.Epsilon())
	assert.Equal(t, 140, schedule.Steps())
}

func TestScheduleReachesEndExactly(t *testing.T) {
	schedule, err := NewSchedule(0.5, 0.1, 10)
	require.NoError(t, err)

	schedule.Step(10)
	assert.Equal(t, 0.1, schedule.Epsilon())

	schedule.Step(1000)
	assert.Equal(t, 0.1, schedule.Epsilon())
}

func TestScheduleMidpoint(t *testing.T) {
	schedule, err := NewSchedule(1.0, 0.0, 100)
	require.NoError(t, err)

	schedule.Step(50)
	assert.InDelta(t, 0.5, schedule.Epsilon(), 1e-12)
}

func TestNewScheduleValidation(t *testing.T) {
	_, err := NewSchedule(0.05, 1.0, 100)
	assert.Error(t, err)

	_, err = NewSchedule(1.5, 0.05, 100)
	assert.Error(t, err)

	_, err = NewSchedule(1.0, 0.05, 0)
	assert.Error(t, err)
}
