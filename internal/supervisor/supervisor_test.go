package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
	"github.com/p-blackswan/mindkeeper/internal/event"
	"github.com/p-blackswan/mindkeeper/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestHelperProcess is not a real test. It is re-executed by the supervisor
// as a fake mind whose behaviour is selected by HELPER_MODE.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	dir := os.Getenv("MIND_DIR")
	_ = os.WriteFile(filepath.Join(dir, "pid"), []byte(strconv.Itoa(os.Getpid())), 0o644)

	mode := os.Getenv("HELPER_MODE")
	if mode == "unhealthy" {
		time.Sleep(time.Hour)
		os.Exit(0)
	}
	if mode == "stubborn" {
		signal.Ignore(syscall.SIGTERM)
	}

	if data, err := os.ReadFile(filepath.Join(dir, ".mind", PendingContextFile)); err == nil {
		_ = os.WriteFile(filepath.Join(dir, "seen-context.json"), data, 0o644)
		_ = os.Remove(filepath.Join(dir, ".mind", PendingContextFile))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ln, err := net.Listen("tcp", "127.0.0.1:"+os.Getenv("PORT"))
	if err != nil {
		os.Exit(3)
	}
	if mode == "crash" {
		go func() {
			time.Sleep(300 * time.Millisecond)
			os.Exit(1)
		}()
	}
	_ = http.Serve(ln, mux)
	os.Exit(0)
}

type fakeRegistry struct {
	mu      sync.Mutex
	dirs    map[string]string
	ports   map[string]int
	running map[string]bool
	pids    map[string]int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		dirs:    map[string]string{},
		ports:   map[string]int{},
		running: map[string]bool{},
		pids:    map[string]int{},
	}
}

func (f *fakeRegistry) add(t *testing.T, key string) string {
	t.Helper()
	dir := t.TempDir()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[key] = dir
	f.ports[key] = freePort(t)
	return dir
}

func (f *fakeRegistry) Resolve(key string) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dir, ok := f.dirs[key]
	if !ok {
		return "", 0, merrors.NotFound("resolve", key)
	}
	return dir, f.ports[key], nil
}

func (f *fakeRegistry) SetRunning(name string, running bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = running
	return nil
}

func (f *fakeRegistry) UpdateVariant(mind, name string, fn func(*registry.Variant)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := registry.Variant{Name: name, PID: f.pids[registry.Key(mind, name)]}
	fn(&v)
	f.pids[registry.Key(mind, name)] = v.PID
	return nil
}

func (f *fakeRegistry) isRunning(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name]
}

type recorder struct {
	mu     sync.Mutex
	events []event.Activity
}

func (r *recorder) Publish(topic string, payload any) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := payload.(event.Activity); ok {
		r.events = append(r.events, a)
	}
	return uint64(len(r.events))
}

func (r *recorder) count(kind event.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestSupervisor(t *testing.T, mode string, reg Registry, pub Publisher) *Supervisor {
	t.Helper()
	s := New(Options{
		Command:        []string{os.Args[0], "-test.run=TestHelperProcess", "--"},
		Env:            []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		HealthTimeout:  3 * time.Second,
		HealthInterval: 25 * time.Millisecond,
		StopGrace:      300 * time.Millisecond,
		RestartDelay:   50 * time.Millisecond,
	}, reg, pub, nil, zerolog.Nop())
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func readPID(t *testing.T, dir string) int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "pid"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	return pid
}

func processGone(pid int) bool {
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

func TestStartStop(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(t, "alice")
	rec := &recorder{}
	s := newTestSupervisor(t, "healthy", reg, rec)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, "alice"))
	assert.True(t, s.IsRunning("alice"))
	assert.NotZero(t, s.PID("alice"))
	assert.True(t, reg.isRunning("alice"))
	assert.Equal(t, []string{"alice"}, s.Running())

	err := s.Start(ctx, "alice")
	assert.ErrorIs(t, err, merrors.ErrAlreadyRunning)

	require.NoError(t, s.Stop(ctx, "alice"))
	assert.False(t, s.IsRunning("alice"))
	assert.False(t, reg.isRunning("alice"))
	assert.Equal(t, 1, rec.count(event.KindMindStarted))
	assert.Equal(t, 1, rec.count(event.KindMindStopped))
}

func TestStop_AlreadyStoppedLeavesStateUnchanged(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(t, "alice")
	rec := &recorder{}
	s := newTestSupervisor(t, "healthy", reg, rec)

	err := s.Stop(context.Background(), "alice")
	assert.ErrorIs(t, err, merrors.ErrNotRunning)
	err = s.Stop(context.Background(), "alice")
	assert.ErrorIs(t, err, merrors.ErrNotRunning)

	assert.False(t, s.IsRunning("alice"))
	assert.Zero(t, rec.count(event.KindMindStopped))
}

func TestStart_UnknownKey(t *testing.T) {
	s := newTestSupervisor(t, "healthy", newFakeRegistry(), nil)
	err := s.Start(context.Background(), "ghost")
	assert.ErrorIs(t, err, merrors.ErrNotFound)
}

func TestStart_UnhealthyIsKilled(t *testing.T) {
	reg := newFakeRegistry()
	dir := reg.add(t, "sleepy")
	s := New(Options{
		Command:        []string{os.Args[0], "-test.run=TestHelperProcess", "--"},
		Env:            []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=unhealthy"},
		HealthTimeout:  400 * time.Millisecond,
		HealthInterval: 25 * time.Millisecond,
		StopGrace:      200 * time.Millisecond,
	}, reg, nil, nil, zerolog.Nop())
	defer s.Close(context.Background())

	err := s.Start(context.Background(), "sleepy")
	require.Error(t, err)
	assert.ErrorIs(t, err, merrors.ErrStartFailed)
	assert.ErrorIs(t, err, merrors.ErrHealthCheckTimeout)
	assert.Contains(t, err.Error(), "did not become healthy within")
	assert.False(t, s.IsRunning("sleepy"))

	pid := readPID(t, dir)
	assert.True(t, processGone(pid), "unhealthy process must not linger")
}

func TestStart_PortHeldByStrayProcess(t *testing.T) {
	reg := newFakeRegistry()
	dir := reg.add(t, "alice")
	_, port, err := reg.Resolve("alice")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	s := newTestSupervisor(t, "healthy", reg, nil)
	err = s.Start(context.Background(), "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, merrors.ErrStartFailed)
	assert.Contains(t, err.Error(), "held by another process")
	assert.False(t, s.IsRunning("alice"))
	assert.NoFileExists(t, filepath.Join(dir, "pid"), "no child is spawned")
}

func TestStop_EscalatesToKill(t *testing.T) {
	reg := newFakeRegistry()
	dir := reg.add(t, "stubborn")
	s := newTestSupervisor(t, "stubborn", reg, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, "stubborn"))
	pid := readPID(t, dir)

	began := time.Now()
	require.NoError(t, s.Stop(ctx, "stubborn"))
	assert.GreaterOrEqual(t, time.Since(began), 300*time.Millisecond)
	assert.True(t, processGone(pid))
}

func TestCrashIsRestarted(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(t, "flaky")
	rec := &recorder{}
	s := newTestSupervisor(t, "crash", reg, rec)

	require.NoError(t, s.Start(context.Background(), "flaky"))

	assert.Eventually(t, func() bool {
		return rec.count(event.KindMindCrashed) >= 1 && rec.count(event.KindMindStarted) >= 2
	}, 10*time.Second, 20*time.Millisecond)
}

func TestStopCancelsPendingCrashRestart(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(t, "flaky")
	rec := &recorder{}
	s := New(Options{
		Command:        []string{os.Args[0], "-test.run=TestHelperProcess", "--"},
		Env:            []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=crash"},
		HealthTimeout:  3 * time.Second,
		HealthInterval: 25 * time.Millisecond,
		StopGrace:      200 * time.Millisecond,
		RestartDelay:   time.Hour,
	}, reg, rec, nil, zerolog.Nop())
	defer s.Close(context.Background())

	require.NoError(t, s.Start(context.Background(), "flaky"))
	require.Eventually(t, func() bool { return rec.count(event.KindMindCrashed) == 1 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop(context.Background(), "flaky"), "stop cancels the scheduled restart")
	assert.ErrorIs(t, s.Stop(context.Background(), "flaky"), merrors.ErrNotRunning)
}

func TestRestart(t *testing.T) {
	reg := newFakeRegistry()
	dir := reg.add(t, "alice")
	s := newTestSupervisor(t, "healthy", reg, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, "alice"))
	first := readPID(t, dir)

	require.NoError(t, s.Restart(ctx, "alice"))
	second := readPID(t, dir)
	assert.NotEqual(t, first, second)
	assert.True(t, s.IsRunning("alice"))
	assert.True(t, processGone(first))
}

func TestPendingContextDeliveredOnce(t *testing.T) {
	reg := newFakeRegistry()
	dir := reg.add(t, "alice")
	s := newTestSupervisor(t, "healthy", reg, nil)
	ctx := context.Background()

	payload := map[string]any{"type": "merged", "name": "exp", "summary": "tuned prompts"}
	s.SetPendingContext("alice", payload)
	assert.True(t, s.HasPendingContext("alice"))

	require.NoError(t, s.Start(ctx, "alice"))
	assert.False(t, s.HasPendingContext("alice"))

	data, err := os.ReadFile(filepath.Join(dir, "seen-context.json"))
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "merged", got["type"])

	require.NoError(t, os.Remove(filepath.Join(dir, "seen-context.json")))
	require.NoError(t, s.Restart(ctx, "alice"))
	_, err = os.Stat(filepath.Join(dir, "seen-context.json"))
	assert.True(t, os.IsNotExist(err), "context is not re-delivered")
}

func TestVariantKeyTracksPID(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(t, "alice@exp")
	s := newTestSupervisor(t, "healthy", reg, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, "alice@exp"))
	reg.mu.Lock()
	pid := reg.pids["alice@exp"]
	reg.mu.Unlock()
	assert.Equal(t, s.PID("alice@exp"), pid)

	require.NoError(t, s.Stop(ctx, "alice@exp"))
	reg.mu.Lock()
	assert.Zero(t, reg.pids["alice@exp"])
	reg.mu.Unlock()
}

func TestVerify(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestSupervisor(t, "healthy", reg, nil)
	dir := t.TempDir()
	ctx := context.Background()

	require.NoError(t, s.Verify(ctx, "alice@exp", dir, freePort(t), nil))
	assert.True(t, processGone(readPID(t, dir)), "verification instance is always killed")

	err := s.Verify(ctx, "alice@exp", dir, freePort(t), func(ctx context.Context, port int) error {
		return fmt.Errorf("probe on %d said no", port)
	})
	assert.ErrorIs(t, err, merrors.ErrVerificationFailed)
	assert.True(t, processGone(readPID(t, dir)))
	assert.Empty(t, s.Running(), "verification instances are never tracked")
}

func TestConcurrentStartsSameKey(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(t, "alice")
	s := newTestSupervisor(t, "healthy", reg, nil)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Start(context.Background(), "alice")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, merrors.ErrAlreadyRunning)
		}
	}
	assert.Equal(t, 1, ok, "at most one handle per key")
}
