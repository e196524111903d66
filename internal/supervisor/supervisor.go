// Package supervisor owns the lifecycle of mind and variant processes: it
// spawns them on their assigned port, waits for them to report healthy,
// restarts them after a crash and stops them gracefully.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
	"github.com/p-blackswan/mindkeeper/internal/event"
	"github.com/p-blackswan/mindkeeper/internal/health"
	"github.com/p-blackswan/mindkeeper/internal/metrics"
	"github.com/p-blackswan/mindkeeper/internal/registry"
	"github.com/p-blackswan/mindkeeper/internal/sequencer"
)

// PendingContextFile is written into a mind's .mind directory before start;
// the mind reads and deletes it on boot.
const PendingContextFile = "pending-context.json"

// Registry is the subset of the registry the supervisor needs.
type Registry interface {
	Resolve(key string) (dir string, port int, err error)
	SetRunning(name string, running bool) error
	UpdateVariant(mind, name string, fn func(*registry.Variant)) error
}

// Publisher receives activity events.
type Publisher interface {
	Publish(topic string, payload any) uint64
}

// Options configures how processes are launched and supervised.
type Options struct {
	// Command is the argv used to launch a mind; it runs in the mind's
	// directory with PORT, MIND_NAME and MIND_DIR set.
	Command []string
	// Env is appended to the daemon's own environment.
	Env            []string
	HealthTimeout  time.Duration
	HealthInterval time.Duration
	StopGrace      time.Duration
	RestartDelay   time.Duration
}

func (o *Options) setDefaults() {
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 30 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 500 * time.Millisecond
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = 3 * time.Second
	}
}

type handle struct {
	key      string
	dir      string
	port     int
	cmd      *exec.Cmd
	started  time.Time
	exited   chan struct{}
	exitErr  error
	stopping bool // guarded by Supervisor.mu
}

type pendingRestart struct {
	cancel context.CancelFunc
}

func (h *handle) pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Supervisor tracks at most one process per key. Calls for the same key are
// serialized; calls for different keys run independently.
type Supervisor struct {
	opts    Options
	reg     Registry
	probe   *health.Probe
	pub     Publisher
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu         sync.Mutex
	handles    map[string]*handle
	keyLocks   map[string]*sync.Mutex
	pending    map[string]any
	restarting map[string]*pendingRestart
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Supervisor. pub and m may be nil.
func New(opts Options, reg Registry, pub Publisher, m *metrics.Metrics, logger zerolog.Logger) *Supervisor {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:       opts,
		reg:        reg,
		probe:      health.NewProbe(opts.HealthInterval, opts.HealthTimeout),
		pub:        pub,
		metrics:    m,
		logger:     logger.With().Str("component", "supervisor").Logger(),
		handles:    make(map[string]*handle),
		keyLocks:   make(map[string]*sync.Mutex),
		pending:    make(map[string]any),
		restarting: make(map[string]*pendingRestart),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Supervisor) lockKey(key string) func() {
	s.mu.Lock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// IsRunning reports whether a process is tracked for key.
func (s *Supervisor) IsRunning(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[key]
	return ok
}

// PID returns the pid tracked for key, or 0.
func (s *Supervisor) PID(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[key]; ok {
		return h.pid()
	}
	return 0
}

// Running returns the sorted keys of all tracked processes.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.handles))
	for k := range s.handles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Start launches the process for key and waits until it is healthy.
func (s *Supervisor) Start(ctx context.Context, key string) error {
	unlock := s.lockKey(key)
	defer unlock()

	if s.isClosed() {
		return merrors.New(merrors.ErrUnavailable, "start", key, "supervisor is shutting down")
	}
	if s.IsRunning(key) {
		return merrors.New(merrors.ErrAlreadyRunning, "start", key, "already running")
	}
	return s.start(ctx, key)
}

// start requires the key lock.
func (s *Supervisor) start(ctx context.Context, key string) error {
	dir, port, err := s.reg.Resolve(key)
	if err != nil {
		return err
	}
	if err := s.writePendingContext(key, dir); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("writing pending context")
	}

	began := time.Now()
	h, err := s.spawn(key, dir, port)
	if err != nil {
		s.metrics.RecordProcess("start", "error")
		return merrors.Wrap(merrors.ErrStartFailed, "start", key, err)
	}

	if err := s.probe.WaitHealthy(ctx, port, h.exited); err != nil {
		s.kill(h)
		s.metrics.RecordProcess("start", "unhealthy")
		s.logger.Error().Err(err).Str("key", key).Int("port", port).Msg("process failed health check")
		return merrors.Wrap(merrors.ErrStartFailed, "start", key, err)
	}

	s.mu.Lock()
	s.handles[key] = h
	running := len(s.handles)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.monitor(h)

	s.metrics.RecordProcess("start", "ok")
	s.metrics.ObserveStart(time.Since(began).Seconds())
	s.metrics.SetRunning(running)
	s.persistRunning(key, true, h.pid())
	s.publish(event.KindMindStarted, key, fmt.Sprintf("port %d", port))

	s.logger.Info().Str("key", key).Int("port", port).Int("pid", h.pid()).Dur("took", time.Since(began)).Msg("process started")
	return nil
}

func (s *Supervisor) spawn(key, dir string, port int) (*handle, error) {
	if len(s.opts.Command) == 0 {
		return nil, fmt.Errorf("no mind command configured")
	}
	if err := portAvailable(port); err != nil {
		return nil, err
	}
	mind, variant := registry.ParseKey(key)

	cmd := exec.Command(s.opts.Command[0], s.opts.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.Env = append(cmd.Env,
		"PORT="+strconv.Itoa(port),
		"MIND_NAME="+mind,
		"MIND_DIR="+dir,
	)
	if variant != "" {
		cmd.Env = append(cmd.Env, "MIND_VARIANT="+variant)
	}
	procLog := s.logger.With().Str("mind", key).Logger()
	cmd.Stdout = &lineLogger{logger: procLog, stream: "stdout"}
	cmd.Stderr = &lineLogger{logger: procLog, stream: "stderr"}
	cmd.WaitDelay = s.opts.StopGrace
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &handle{key: key, dir: dir, port: port, cmd: cmd, started: time.Now(), exited: make(chan struct{})}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.exitErr = cmd.Wait()
		close(h.exited)
	}()
	return h, nil
}

// kill force-kills h and waits for it to be reaped.
func (s *Supervisor) kill(h *handle) {
	s.mu.Lock()
	h.stopping = true
	s.mu.Unlock()
	if err := forceKill(h.cmd); err != nil {
		s.logger.Warn().Err(err).Str("key", h.key).Msg("kill")
	}
	<-h.exited
}

// monitor waits for h to exit and schedules a restart unless the exit was
// requested.
func (s *Supervisor) monitor(h *handle) {
	defer s.wg.Done()
	<-h.exited

	s.mu.Lock()
	intentional := h.stopping || s.closed
	if s.handles[h.key] == h {
		delete(s.handles, h.key)
	}
	running := len(s.handles)
	s.mu.Unlock()
	s.metrics.SetRunning(running)

	if intentional {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	ticket := &pendingRestart{cancel: cancel}
	s.mu.Lock()
	if prev, ok := s.restarting[h.key]; ok {
		prev.cancel()
	}
	s.restarting[h.key] = ticket
	s.mu.Unlock()

	s.metrics.RecordProcess("crash", "detected")
	s.logger.Warn().Err(h.exitErr).Str("key", h.key).Dur("uptime", time.Since(h.started)).
		Dur("restart_in", s.opts.RestartDelay).Msg("process exited unexpectedly")
	s.publish(event.KindMindCrashed, h.key, exitDetail(h.exitErr))

	s.wg.Add(1)
	go s.restartLoop(ctx, h.key, ticket)
}

// restartLoop retries Start every RestartDelay until it succeeds, the key
// disappears, or ctx is cancelled by Stop or Close.
func (s *Supervisor) restartLoop(ctx context.Context, key string, ticket *pendingRestart) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.restarting[key] == ticket {
			delete(s.restarting, key)
		}
		s.mu.Unlock()
		ticket.cancel()
	}()

	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(s.opts.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := s.restartAfterCrash(ctx, key)
		switch {
		case err == nil:
			s.metrics.RecordProcess("crash_restart", "ok")
			return
		case merrors.Is(err, merrors.ErrAlreadyRunning), merrors.Is(err, merrors.ErrNotFound), ctx.Err() != nil:
			return
		}
		s.metrics.RecordProcess("crash_restart", "error")
		s.logger.Error().Err(err).Str("key", key).Int("attempt", attempt).Msg("crash restart failed")
	}
}

func (s *Supervisor) restartAfterCrash(ctx context.Context, key string) error {
	unlock := s.lockKey(key)
	defer unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.IsRunning(key) {
		return merrors.New(merrors.ErrAlreadyRunning, "restart", key, "already running")
	}
	return s.start(ctx, key)
}

// Stop gracefully stops the process for key. It returns ErrNotRunning when
// nothing is tracked and no crash restart is pending.
func (s *Supervisor) Stop(ctx context.Context, key string) error {
	unlock := s.lockKey(key)
	defer unlock()

	cancelled := s.cancelRestart(key)

	s.mu.Lock()
	h, ok := s.handles[key]
	s.mu.Unlock()
	if !ok {
		if cancelled {
			s.persistRunning(key, false, 0)
			return nil
		}
		return merrors.New(merrors.ErrNotRunning, "stop", key, "not running")
	}

	if err := s.stop(ctx, h); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("stop cut short, process killed")
	}
	s.persistRunning(key, false, 0)
	s.publish(event.KindMindStopped, key, "")
	return nil
}

func (s *Supervisor) cancelRestart(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.restarting[key]
	if ok {
		ticket.cancel()
		delete(s.restarting, key)
	}
	return ok
}

// stop sends SIGTERM to the process group, escalating to SIGKILL after the
// grace period, and removes the handle once the process is reaped.
func (s *Supervisor) stop(ctx context.Context, h *handle) error {
	s.mu.Lock()
	h.stopping = true
	s.mu.Unlock()

	if err := terminate(h.cmd); err != nil {
		s.logger.Warn().Err(err).Str("key", h.key).Msg("sigterm")
	}

	var err error
	grace := time.NewTimer(s.opts.StopGrace)
	defer grace.Stop()
	select {
	case <-h.exited:
	case <-grace.C:
		s.logger.Warn().Str("key", h.key).Dur("grace", s.opts.StopGrace).Msg("process ignored SIGTERM, killing")
		s.metrics.RecordProcess("stop", "killed")
		_ = forceKill(h.cmd)
		<-h.exited
	case <-ctx.Done():
		err = ctx.Err()
		_ = forceKill(h.cmd)
		<-h.exited
	}

	s.mu.Lock()
	if s.handles[h.key] == h {
		delete(s.handles, h.key)
	}
	running := len(s.handles)
	s.mu.Unlock()

	s.metrics.RecordProcess("stop", "ok")
	s.metrics.SetRunning(running)
	s.logger.Info().Str("key", h.key).Msg("process stopped")
	return err
}

// Restart stops key if it is running and starts it again. Failures of both
// halves are combined into one error.
func (s *Supervisor) Restart(ctx context.Context, key string) error {
	unlock := s.lockKey(key)
	defer unlock()

	s.cancelRestart(key)

	var stopErr error
	s.mu.Lock()
	h, ok := s.handles[key]
	s.mu.Unlock()
	if ok {
		if err := s.stop(ctx, h); err != nil {
			stopErr = merrors.Wrap(merrors.ErrUnavailable, "restart", key, err)
		}
	}

	startErr := s.start(ctx, key)
	if startErr != nil {
		s.persistRunning(key, false, 0)
	}
	if stopErr != nil || startErr != nil {
		s.metrics.RecordProcess("restart", "error")
		return merrors.Join(stopErr, startErr)
	}
	s.metrics.RecordProcess("restart", "ok")
	return nil
}

// SetPendingContext stores a payload for the next start of key only.
func (s *Supervisor) SetPendingContext(key string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[key] = payload
}

// HasPendingContext reports whether a payload is waiting for key.
func (s *Supervisor) HasPendingContext(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

func (s *Supervisor) writePendingContext(key, dir string) error {
	s.mu.Lock()
	payload, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	mindDir := filepath.Join(dir, ".mind")
	if err := os.MkdirAll(mindDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(mindDir, PendingContextFile), data, 0o600)
}

// Verify starts an untracked instance of the tree at dir on port, runs check
// against it once it is healthy and kills it afterwards regardless of the
// outcome. A nil check only requires the instance to become healthy.
func (s *Supervisor) Verify(ctx context.Context, key, dir string, port int, check func(ctx context.Context, port int) error) error {
	h, err := s.spawn(key+"#verify", dir, port)
	if err != nil {
		return merrors.Wrap(merrors.ErrVerificationFailed, "verify", key, err)
	}
	defer s.kill(h)

	if err := s.probe.WaitHealthy(ctx, port, h.exited); err != nil {
		return merrors.Wrap(merrors.ErrVerificationFailed, "verify", key, err)
	}
	if check != nil {
		if err := check(ctx, port); err != nil {
			return merrors.Wrap(merrors.ErrVerificationFailed, "verify", key, err)
		}
	}
	s.logger.Info().Str("key", key).Int("port", port).Msg("verification passed")
	return nil
}

// Close stops every process and cancels pending crash restarts. The
// persisted running flags are left untouched so the next daemon can restore
// them.
func (s *Supervisor) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	s.cancel()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			_ = s.stop(ctx, h)
		}(h)
	}
	wg.Wait()
	s.wg.Wait()
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Supervisor) persistRunning(key string, running bool, pid int) {
	mind, variant := registry.ParseKey(key)
	var err error
	if variant == "" {
		err = s.reg.SetRunning(mind, running)
	} else {
		err = s.reg.UpdateVariant(mind, variant, func(v *registry.Variant) { v.PID = pid })
	}
	if err != nil && !merrors.Is(err, merrors.ErrNotFound) {
		s.logger.Error().Err(err).Str("key", key).Bool("running", running).Msg("persisting running state")
	}
}

func (s *Supervisor) publish(kind event.Kind, key, detail string) {
	if s.pub == nil {
		return
	}
	mind, variant := registry.ParseKey(key)
	a := event.NewActivity(kind, mind)
	a.Variant = variant
	a.Detail = detail
	s.pub.Publish(sequencer.TopicActivity, a)
}

func exitDetail(err error) string {
	if err == nil {
		return "exited with status 0"
	}
	return err.Error()
}

// lineLogger forwards a process's output to the daemon log one line at a
// time.
type lineLogger struct {
	logger zerolog.Logger
	stream string
	buf    []byte
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf[:i], "\r")
		if len(line) > 0 {
			w.logger.Info().Str("stream", w.stream).Msg(string(line))
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > 64*1024 {
		w.logger.Info().Str("stream", w.stream).Msg(string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

// portAvailable fails while anything, such as an orphan left by a killed
// daemon, still listens on port; its health answers would pass for the child.
func portAvailable(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("port %d is held by another process: %w", port, err)
	}
	return ln.Close()
}
