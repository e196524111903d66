package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
)

func TestDo_Success(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_NonRetryableError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return merrors.ErrNotRunning
	})
	assert.ErrorIs(t, err, merrors.ErrNotRunning)
	assert.Equal(t, 1, calls)
}

func TestDoIf_StopsOnErrorsTheCallerRejects(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := DoIf(context.Background(), cfg, merrors.IsDialError, func(ctx context.Context) error {
		calls++
		return merrors.ErrUnavailable
	})
	assert.ErrorIs(t, err, merrors.ErrUnavailable)
	assert.Equal(t, 1, calls)
}

func TestDo_ConnectionRefused_EventualSuccess(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_RetryableError_AllFail(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return merrors.ErrUnavailable
	})
	assert.ErrorIs(t, err, merrors.ErrUnavailable)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
	err := Do(ctx, cfg, func(ctx context.Context) error {
		return merrors.ErrTimeout
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_GenericNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return errors.New("generic error")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPoll_SucceedsAfterSomeChecks(t *testing.T) {
	var calls atomic.Int32
	err := Poll(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) bool {
		return calls.Add(1) >= 3
	})
	assert.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPoll_Timeout(t *testing.T) {
	start := time.Now()
	err := Poll(context.Background(), 5*time.Millisecond, 40*time.Millisecond, func(ctx context.Context) bool {
		return false
	})
	assert.ErrorIs(t, err, merrors.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoll_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Poll(ctx, time.Millisecond, time.Second, func(ctx context.Context) bool { return false })
	assert.ErrorIs(t, err, context.Canceled)
}
