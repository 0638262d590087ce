package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaEnforcer(t *testing.T) {
	q := NewQuotaEnforcer(2)
	require.NoError(t, q.Check("run-1"))
	require.NoError(t, q.Check("run-1"))

	err := q.Check("run-1")
	require.Error(t, err)
	assert.True(t, IsActivitiesExceededError(err))
	assert.True(t, IsQuotaError(err))
	assert.Equal(t, "run run-1 exceeded activity quota: 3 activities > 2 limit", err.Error())
	assert.Equal(t, int64(3), q.Current())
	assert.Equal(t, int64(2), q.Max())
}

func TestQuotaEnforcer_Unlimited(t *testing.T) {
	q := NewQuotaEnforcer(0)
	for i := 0; i < 10_000; i++ {
		require.NoError(t, q.Check("run-1"))
	}
}

func TestIsActivitiesExceededError_Wrapped(t *testing.T) {
	err := fmt.Errorf("perform: %w", &ActivitiesExceededError{RunID: "r", Activities: 5, Limit: 4})
	assert.True(t, IsActivitiesExceededError(err))
	assert.False(t, IsActivitiesExceededError(fmt.Errorf("plain")))
}
