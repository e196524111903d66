package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
)

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("registry", func(ctx context.Context) Status { return StatusOK })
	c.Register("store", func(ctx context.Context) Status { return StatusOK })

	assert.True(t, c.IsReady(context.Background()))
	assert.Len(t, c.Last(), 2)
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("registry", func(ctx context.Context) Status { return StatusOK })
	c.Register("store", func(ctx context.Context) Status { return StatusDown })

	assert.False(t, c.IsReady(context.Background()))
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Status { return StatusDegraded })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestProbe_WaitHealthy_EventuallyOK(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProbe(5*time.Millisecond, 2*time.Second)
	require.NoError(t, p.WaitHealthy(context.Background(), serverPort(t, srv), nil))
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
}

func TestProbe_WaitHealthy_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProbe(5*time.Millisecond, 50*time.Millisecond)
	err := p.WaitHealthy(context.Background(), serverPort(t, srv), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, merrors.ErrHealthCheckTimeout)
	assert.Contains(t, err.Error(), "did not become healthy within")
}

func TestProbe_WaitHealthy_ProcessExited(t *testing.T) {
	exited := make(chan struct{})
	close(exited)

	p := NewProbe(5*time.Millisecond, time.Second)
	err := p.WaitHealthy(context.Background(), 1, exited)
	assert.ErrorIs(t, err, merrors.ErrStartFailed)
}

func TestProbe_WaitHealthy_AnswerAfterExitIsRejected(t *testing.T) {
	exited := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the spawned child dies while a stranger on its port answers
		select {
		case <-exited:
		default:
			close(exited)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProbe(5*time.Millisecond, time.Second)
	err := p.WaitHealthy(context.Background(), serverPort(t, srv), exited)
	assert.ErrorIs(t, err, merrors.ErrStartFailed)
}
