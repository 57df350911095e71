package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	// 3 failures, 100ms timeout
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow(), "closed breaker admits requests")

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "2 failures stay below the threshold")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(150 * time.Millisecond)
	assert.True(t, cb.Allow(), "probe after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())

	// Failed probe reopens.
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(150 * time.Millisecond)
	cb.Allow()

	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.failures)
}

func TestCircuitBreaker_Do(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)

	err := cb.Do(func() error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err = cb.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, "open", cb.State().String())
}
