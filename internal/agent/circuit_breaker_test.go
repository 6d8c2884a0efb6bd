package agent

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeClock(cb *CircuitBreaker) *time.Time {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	return &now
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	fakeClock(cb)

	cb.RecordFailure("openai")
	cb.RecordFailure("openai")
	require.NoError(t, cb.Check("openai"))
	assert.Equal(t, CircuitClosed, cb.State("openai"))

	cb.RecordFailure("openai")
	err := cb.Check("openai")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, CircuitOpen, cb.State("openai"))
	assert.NoError(t, cb.Check("ollama"), "other backends unaffected")
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.RecordFailure("openai")
	cb.RecordSuccess("openai")
	cb.RecordFailure("openai")
	assert.NoError(t, cb.Check("openai"), "failures must be consecutive")
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	now := fakeClock(cb)

	cb.RecordFailure("openai")
	require.Error(t, cb.Check("openai"))

	*now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Check("openai"), "probe allowed after cool-down")
	assert.Equal(t, CircuitHalfOpen, cb.State("openai"))
	assert.ErrorIs(t, cb.Check("openai"), ErrCircuitOpen, "only one probe at a time")

	cb.RecordSuccess("openai")
	assert.Equal(t, CircuitClosed, cb.State("openai"))
	assert.NoError(t, cb.Check("openai"))
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	now := fakeClock(cb)
	for i := 0; i < 3; i++ {
		cb.RecordFailure("openai")
	}
	*now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Check("openai"))

	cb.RecordFailure("openai")
	assert.Equal(t, CircuitOpen, cb.State("openai"))
	assert.ErrorIs(t, cb.Check("openai"), ErrCircuitOpen)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	cb.RecordFailure("openai")
	cb.Reset("openai")
	assert.Equal(t, "closed", cb.State("openai").String())
}
