package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/cygnus-wealth/evm-resilience/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(Config{MaxAttempts: -1})
	assert.Error(t, err)

	_, err = New(Config{BaseDelay: -time.Second})
	assert.Error(t, err)

	_, err = New(Config{BaseDelay: time.Minute, MaxDelay: time.Second})
	assert.Error(t, err)
}

func TestExecute_SucceedsWithoutRetryOnFirstTry(t *testing.T) {
	fc := clock.NewFake()
	p, err := New(Config{Clock: fc})
	require.NoError(t, err)

	calls := 0
	err = p.Execute(func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_RetriesRetriableErrorUntilSuccess(t *testing.T) {
	fc := clock.NewFake()
	p, err := New(Config{MaxAttempts: 3, BaseDelay: time.Millisecond, Clock: fc})
	require.NoError(t, err)

	calls := 0
	err = p.Execute(func() error {
		calls++
		if calls < 3 {
			return errs.NewConnection(errs.ConnTimeout, nil)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecute_NonRetriableFailsImmediately(t *testing.T) {
	p, err := New(Config{MaxAttempts: 5})
	require.NoError(t, err)

	calls := 0
	execErr := p.Execute(func() error {
		calls++
		return errs.NewValidation("address", "0x...", "bad")
	})
	require.Error(t, execErr)
	assert.Equal(t, 1, calls)
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	fc := clock.NewFake()
	p, err := New(Config{MaxAttempts: 2, BaseDelay: time.Millisecond, Clock: fc})
	require.NoError(t, err)

	calls := 0
	connErr := errs.NewConnection(errs.ConnReset, nil)
	execErr := p.Execute(func() error {
		calls++
		return connErr
	})
	require.Error(t, execErr)
	assert.Equal(t, 2, calls)
}

func TestExecuteWithStats_AccumulatesDelayAndErrors(t *testing.T) {
	fc := clock.NewFake()
	p, err := New(Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0, Clock: fc})
	require.NoError(t, err)

	calls := 0
	stats, execErr := p.ExecuteWithStats(func() error {
		calls++
		return errs.NewConnection(errs.ConnTimeout, nil)
	})
	require.Error(t, execErr)
	assert.Equal(t, 3, stats.Attempts)
	assert.Len(t, stats.Errors, 3)
	assert.Equal(t, 10*time.Millisecond+20*time.Millisecond, stats.TotalDelay)
}

func TestOnRetry_CalledBeforeWait(t *testing.T) {
	fc := clock.NewFake()
	var retryAttempts []int
	p, err := New(Config{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		Clock:       fc,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			retryAttempts = append(retryAttempts, attempt)
		},
	})
	require.NoError(t, err)

	_ = p.Execute(func() error { return errs.NewConnection(errs.ConnTimeout, nil) })
	assert.Equal(t, []int{1}, retryAttempts)
}

func TestDelay_ExponentialAndCapped(t *testing.T) {
	d0 := Delay(0, 100*time.Millisecond, time.Second, 2, 0)
	d1 := Delay(1, 100*time.Millisecond, time.Second, 2, 0)
	d5 := Delay(5, 100*time.Millisecond, time.Second, 2, 0)

	assert.Equal(t, 100*time.Millisecond, d0)
	assert.Equal(t, 200*time.Millisecond, d1)
	assert.Equal(t, time.Second, d5, "must clamp at max_delay")
}

func TestDelay_JitterStaysNonNegativeAndBounded(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := Delay(2, base, time.Second, 2, 0.3)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Duration(float64(400*time.Millisecond)*1.3))
	}
}

var errBoom = errors.New("boom")

func TestClassifyRetriable_GenericErrorNotRetriableByDefault(t *testing.T) {
	p, err := New(Config{MaxAttempts: 3})
	require.NoError(t, err)

	calls := 0
	execErr := p.Execute(func() error {
		calls++
		return errBoom
	})
	require.Error(t, execErr)
	assert.Equal(t, 1, calls)
}
