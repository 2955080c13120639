package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/cygnus-wealth/evm-resilience/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var boom = errors.New("boom")

func TestBreaker_StaysClosedBelowVolumeThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 2, VolumeThreshold: 10})
	for i := 0; i < 5; i++ {
		_ = b.Execute(func() error { return boom })
	}
	assert.Equal(t, Closed, b.GetState(), "failures below volume_threshold must not trip the breaker")
}

func TestBreaker_TripsOpenAfterVolumeAndFailureThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, VolumeThreshold: 3})
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return boom })
	}
	assert.Equal(t, Open, b.GetState())
}

func TestBreaker_OpenFailsFastWithoutInvokingFn(t *testing.T) {
	b := New(Config{FailureThreshold: 1, VolumeThreshold: 1, Timeout: time.Hour, Name: "rpc"})
	_ = b.Execute(func() error { return boom })
	require.Equal(t, Open, b.GetState())

	called := false
	err := b.Execute(func() error { called = true; return nil })

	assert.False(t, called)
	require.Error(t, err)
	var e *errs.Error
	require.True(t, errs.As(err, &e))
	assert.Equal(t, errs.CodeCircuitOpen, e.Code)
}

func TestBreaker_HalfOpenOnTimeoutElapsed_SuccessClosesAfterThreshold(t *testing.T) {
	fc := clock.NewFake()
	b := New(Config{FailureThreshold: 1, VolumeThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Second, Clock: fc})

	_ = b.Execute(func() error { return boom })
	require.Equal(t, Open, b.GetState())

	fc.Advance(11 * time.Second)

	err := b.Execute(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, HalfOpen, b.GetState(), "one success short of success_threshold stays half-open")

	err = b.Execute(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, Closed, b.GetState())
	assert.Equal(t, 0, b.GetStats().FailureCount)
}

func TestBreaker_HalfOpenFailureReturnsToOpenImmediately(t *testing.T) {
	fc := clock.NewFake()
	b := New(Config{FailureThreshold: 1, VolumeThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Second, Clock: fc})

	_ = b.Execute(func() error { return boom })
	fc.Advance(11 * time.Second)

	err := b.Execute(func() error { return boom })
	require.Error(t, err)
	assert.Equal(t, Open, b.GetState())
}

func TestBreaker_Reset(t *testing.T) {
	b := New(Config{FailureThreshold: 1, VolumeThreshold: 1})
	_ = b.Execute(func() error { return boom })
	require.Equal(t, Open, b.GetState())

	b.Reset()
	assert.Equal(t, Closed, b.GetState())
	assert.Equal(t, 0, b.GetStats().FailureCount)
}
