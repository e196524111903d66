package delivery

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
	"github.com/p-blackswan/mindkeeper/internal/event"
	"github.com/p-blackswan/mindkeeper/internal/retry"
	"github.com/p-blackswan/mindkeeper/internal/routing"
	"github.com/p-blackswan/mindkeeper/internal/sequencer"
	"github.com/p-blackswan/mindkeeper/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAgent struct {
	mu     sync.Mutex
	reqs   []AgentRequest
	events []event.AgentEvent
	err    error
	block  bool
}

func (f *fakeAgent) Stream(ctx context.Context, port int, req AgentRequest, emit func(event.AgentEvent) error) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	evs, err, block := f.events, f.err, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, ev := range evs {
		ev.MessageID = req.MessageID
		if err := emit(ev); err != nil {
			return err
		}
	}
	return err
}

func (f *fakeAgent) requests() []AgentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AgentRequest(nil), f.reqs...)
}

type fakeMinds struct {
	mu      sync.Mutex
	dirs    map[string]string
	running map[string]bool
}

func (f *fakeMinds) Resolve(key string) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dir, ok := f.dirs[key]
	if !ok {
		return "", 0, merrors.NotFound("resolve", key)
	}
	return dir, 4100, nil
}

func (f *fakeMinds) IsRunning(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[key]
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *topicRecorder) Publish(topic string, payload any) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return uint64(len(r.topics))
}

func (r *topicRecorder) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type fixture struct {
	engine *Engine
	agent  *fakeAgent
	minds  *fakeMinds
	store  *store.Store
	pub    *topicRecorder
	dir    string
}

func newFixture(t *testing.T, routes string) *fixture {
	t.Helper()
	dir := t.TempDir()
	if routes != "" {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, routing.ConfigDir), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, routing.ConfigDir, "routes.json"), []byte(routes), 0o644))
	}
	st, err := store.New(filepath.Join(t.TempDir(), "mindd.db"), zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{
		agent: &fakeAgent{events: []event.AgentEvent{
			{Kind: event.KindText, Text: "hello"},
			{Kind: event.KindDone},
		}},
		minds: &fakeMinds{dirs: map[string]string{"alice": dir}, running: map[string]bool{"alice": true}},
		store: st,
		pub:   &topicRecorder{},
		dir:   dir,
	}
	f.engine = New(Options{}, f.minds, f.minds, routing.NewLoader(8, zerolog.Nop()), f.agent, st, f.pub, nil, zerolog.Nop())
	t.Cleanup(func() {
		f.engine.Close()
		st.Close()
	})
	return f
}

func drain(t *testing.T, d *Delivery) []event.AgentEvent {
	t.Helper()
	var out []event.AgentEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-d.Events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func text(s string, channel, sender string) Message {
	return Message{Content: TextContent(s), Meta: routing.Meta{Channel: channel, Sender: sender}}
}

func TestDeliver_ImmediateStreamsUntilDone(t *testing.T) {
	f := newFixture(t, "")

	d, err := f.engine.Deliver(context.Background(), "alice", text("hi", "web", "bob"))
	require.NoError(t, err)
	assert.Equal(t, routing.ModeImmediate, d.Mode)
	assert.Equal(t, routing.DefaultSession, d.Session)

	evs := drain(t, d)
	require.Len(t, evs, 2)
	assert.Equal(t, event.KindText, evs[0].Kind)
	assert.Equal(t, event.KindDone, evs[1].Kind)
	assert.Equal(t, d.MessageID, evs[1].MessageID)

	reqs := f.agent.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "hi", reqs[0].Content.Text())
	assert.Equal(t, "web", reqs[0].Channel)
	assert.True(t, reqs[0].Interrupt)

	assert.Equal(t, 2, f.pub.count(sequencer.MindTopic("alice")))
	assert.Equal(t, 1, f.pub.count(sequencer.TopicActivity))

	require.Eventually(t, func() bool {
		rec, err := f.store.GetDelivery(context.Background(), d.MessageID)
		return err == nil && rec != nil && rec.Status == store.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeliver_NotRunning(t *testing.T) {
	f := newFixture(t, "")
	f.minds.running["alice"] = false

	_, err := f.engine.Deliver(context.Background(), "alice", text("hi", "web", "bob"))
	assert.True(t, merrors.Is(err, merrors.ErrNotRunning))
	assert.Empty(t, f.agent.requests())

	failed, err := f.store.ListDeliveries(context.Background(), store.DeliveryFilter{Status: store.StatusFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestDeliver_UnknownMindAndEmptyContent(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.engine.Deliver(context.Background(), "ghost", text("hi", "", ""))
	assert.True(t, merrors.Is(err, merrors.ErrNotFound))

	_, err = f.engine.Deliver(context.Background(), "alice", Message{})
	assert.True(t, merrors.Is(err, merrors.ErrValidation))
}

func TestDeliver_AgentFailureEndsWithErrorThenDone(t *testing.T) {
	f := newFixture(t, "")
	f.agent.events = nil
	f.agent.err = fmt.Errorf("boom")

	d, err := f.engine.Deliver(context.Background(), "alice", text("hi", "web", "bob"))
	require.NoError(t, err)

	evs := drain(t, d)
	require.Len(t, evs, 2)
	assert.Equal(t, event.KindError, evs[0].Kind)
	assert.Contains(t, evs[0].Error, "boom")
	assert.Equal(t, event.KindDone, evs[1].Kind)

	require.Eventually(t, func() bool {
		rec, err := f.store.GetDelivery(context.Background(), d.MessageID)
		return err == nil && rec != nil && rec.Status == store.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeliver_UnsubscribeAbortsTurn(t *testing.T) {
	f := newFixture(t, "")
	f.agent.block = true

	d, err := f.engine.Deliver(context.Background(), "alice", text("hi", "web", "bob"))
	require.NoError(t, err)
	d.Unsubscribe()
	drain(t, d)
}

func TestDeliver_NewSessionSentinel(t *testing.T) {
	f := newFixture(t, `{"rules":[{"channel":"fresh","session":"$new"}]}`)

	d1, err := f.engine.Deliver(context.Background(), "alice", text("a", "fresh", ""))
	require.NoError(t, err)
	drain(t, d1)
	d2, err := f.engine.Deliver(context.Background(), "alice", text("b", "fresh", ""))
	require.NoError(t, err)
	drain(t, d2)

	assert.NotEqual(t, routing.NewSessionSentinel, d1.Session)
	assert.NotEqual(t, d1.Session, d2.Session)
}

func TestDeliver_FileDestination(t *testing.T) {
	f := newFixture(t, `{"rules":[{"channel":"log","destination":"file","path":"inbox/log.txt"}]}`)

	for _, s := range []string{"first", "second\n"} {
		d, err := f.engine.Deliver(context.Background(), "alice", text(s, "log", "bot"))
		require.NoError(t, err)
		assert.Equal(t, routing.DestinationFile, d.Destination)
		evs := drain(t, d)
		require.Len(t, evs, 1)
		assert.Equal(t, event.KindDone, evs[0].Kind)
	}

	data, err := os.ReadFile(filepath.Join(f.dir, "inbox", "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
	assert.Empty(t, f.agent.requests())
}

func TestDeliver_FileDestinationCannotEscape(t *testing.T) {
	f := newFixture(t, `{"rules":[{"channel":"log","destination":"file","path":"../outside.txt"}]}`)

	_, err := f.engine.Deliver(context.Background(), "alice", text("x", "log", ""))
	assert.True(t, merrors.Is(err, merrors.ErrValidation))
	_, statErr := os.Stat(filepath.Join(filepath.Dir(f.dir), "outside.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

const batchRoutes = `{
  "rules": [{"channel": "feed:*", "session": "feed"}],
  "sessions": {"feed": {"delivery": {"mode": "batch", "maxWait": 1, "triggers": ["urgent"]}}}
}`

func TestBatch_FlushesOnTimer(t *testing.T) {
	f := newFixture(t, batchRoutes)
	f.engine.waitUnit = 300 * time.Millisecond

	for _, m := range []Message{text("one", "feed:a", "x"), text("two", "feed:b", "y"), text("three", "feed:a", "z")} {
		d, err := f.engine.Deliver(context.Background(), "alice", m)
		require.NoError(t, err)
		assert.Equal(t, routing.ModeBatch, d.Mode)
		evs := drain(t, d)
		require.Len(t, evs, 1)
		assert.Equal(t, event.KindDone, evs[0].Kind)
	}

	require.Eventually(t, func() bool { return len(f.agent.requests()) == 1 }, 3*time.Second, 10*time.Millisecond)
	req := f.agent.requests()[0]
	assert.Equal(t, "feed", req.Session)
	body := req.Content.Text()
	assert.True(t, strings.HasPrefix(body, "[batched 3 messages: feed:a (2), feed:b (1)]"), body)
	assert.Contains(t, body, "[feed:b] y: two")
	assert.Equal(t, 0, f.engine.Pending("alice", "feed"))

	require.Eventually(t, func() bool {
		delivered, err := f.store.ListDeliveries(context.Background(), store.DeliveryFilter{Status: store.StatusDelivered})
		return err == nil && len(delivered) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBatch_TriggerFlushesImmediately(t *testing.T) {
	f := newFixture(t, batchRoutes)
	f.engine.waitUnit = time.Hour

	_, err := f.engine.Deliver(context.Background(), "alice", text("quiet", "feed:a", "x"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.engine.Pending("alice", "feed"))
	assert.Empty(t, f.agent.requests())

	_, err = f.engine.Deliver(context.Background(), "alice", text("this is URGENT", "feed:a", "x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.agent.requests()) == 1 }, 3*time.Second, 10*time.Millisecond)
	body := f.agent.requests()[0].Content.Text()
	assert.Contains(t, body, "quiet")
	assert.Contains(t, body, "this is URGENT")
}

func TestBatch_LateTimerLeavesNextBatchBuffered(t *testing.T) {
	f := newFixture(t, batchRoutes)
	f.engine.waitUnit = time.Hour
	key := batchKey("alice", "feed")

	_, err := f.engine.Deliver(context.Background(), "alice", text("first", "feed:a", "x"))
	require.NoError(t, err)
	f.engine.mu.Lock()
	first := f.engine.batches[key]
	f.engine.mu.Unlock()
	require.NotNil(t, first)

	f.engine.flushBatch(key, first, FlushTrigger)
	require.Len(t, f.agent.requests(), 1)

	_, err = f.engine.Deliver(context.Background(), "alice", text("second", "feed:a", "x"))
	require.NoError(t, err)

	// the first batch's timer fires after its batch was already sent
	f.engine.flush(key, first, FlushTimer)
	assert.Equal(t, 1, f.engine.Pending("alice", "feed"))
	assert.Len(t, f.agent.requests(), 1)
}

func TestBatch_FailedFlushIsDeadLettered(t *testing.T) {
	f := newFixture(t, batchRoutes)
	f.engine.waitUnit = 20 * time.Millisecond
	f.minds.mu.Lock()
	f.minds.running["alice"] = false
	f.minds.mu.Unlock()

	_, err := f.engine.Deliver(context.Background(), "alice", text("lost?", "feed:a", "x"))
	require.NoError(t, err, "batched messages are accepted even while the mind is down")

	var dls []*store.DeadLetter
	require.Eventually(t, func() bool {
		dls, err = f.store.ListDeadLetters(context.Background(), false, 0)
		return err == nil && len(dls) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "batch", dls[0].Source)
	assert.Equal(t, "feed", dls[0].Session)
	assert.Contains(t, dls[0].Message, "lost?")
	assert.Empty(t, f.agent.requests())
}

func TestClose_DropsBufferedBatches(t *testing.T) {
	f := newFixture(t, batchRoutes)
	f.engine.waitUnit = time.Hour

	_, err := f.engine.Deliver(context.Background(), "alice", text("pending", "feed:a", "x"))
	require.NoError(t, err)
	f.engine.Close()

	assert.Equal(t, 0, f.engine.Pending("alice", "feed"))
	assert.Empty(t, f.agent.requests())

	_, err = f.engine.Deliver(context.Background(), "alice", text("late", "feed:a", "x"))
	assert.True(t, merrors.Is(err, merrors.ErrUnavailable))
}

func TestRedeliver(t *testing.T) {
	f := newFixture(t, "")

	err := f.engine.Redeliver(context.Background(), &store.DeadLetter{Mind: "alice", Session: "feed", Message: "again"})
	require.NoError(t, err)
	reqs := f.agent.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "feed", reqs[0].Session)
	assert.Equal(t, "again", reqs[0].Content.Text())
}

func TestCombineBatch_SingleMessage(t *testing.T) {
	got := combineBatch([]batchItem{{text: "solo"}})
	assert.Equal(t, "[batched 1 message: unknown (1)]\n\nsolo", got)
}

func agentPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestHTTPAgent_StreamsNDJSONRetryingRefusedConnects(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/message", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"text","text":"hel"}`)
		fmt.Fprintln(w, `not json`)
		fmt.Fprintln(w, `{"type":"tool_use","tool":"read","input":{"path":"a"}}`)
		fmt.Fprintln(w, `{"type":"done"}`)
		fmt.Fprintln(w, `{"type":"text","text":"after done"}`)
	}))
	defer srv.Close()

	// the mind is still binding its port on the first connect
	var dials atomic.Int32
	a := NewHTTPAgent(zerolog.Nop())
	a.Client = &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if dials.Add(1) == 1 {
				return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
			}
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}}
	a.Retry = retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	defer a.Client.CloseIdleConnections()

	var got []event.AgentEvent
	err := a.Stream(context.Background(), agentPort(t, srv), AgentRequest{MessageID: "m1", Session: "main", Content: TextContent("hi")},
		func(ev event.AgentEvent) error {
			got = append(got, ev)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, int32(2), dials.Load())
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, got, 3)
	assert.Equal(t, event.KindText, got[0].Kind)
	assert.Equal(t, "m1", got[0].MessageID)
	assert.Equal(t, "main", got[0].Session)
	assert.Equal(t, event.KindToolUse, got[1].Kind)
	assert.Equal(t, event.KindDone, got[2].Kind)
}

func TestHTTPAgent_ServerErrorIsSentOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "turn crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewHTTPAgent(zerolog.Nop())
	a.Retry = retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	defer a.Client.CloseIdleConnections()

	err := a.Stream(context.Background(), agentPort(t, srv), AgentRequest{MessageID: "m1"}, func(event.AgentEvent) error { return nil })
	require.Error(t, err)
	assert.True(t, merrors.Is(err, merrors.ErrUnavailable))
	assert.Contains(t, err.Error(), "turn crashed")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPAgent_SlowHeadersAreNotResent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(300 * time.Millisecond)
		fmt.Fprintln(w, `{"type":"done"}`)
	}))
	defer srv.Close()

	a := NewHTTPAgent(zerolog.Nop())
	a.Client = &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 100 * time.Millisecond}}
	a.Retry = retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	defer a.Client.CloseIdleConnections()

	err := a.Stream(context.Background(), agentPort(t, srv), AgentRequest{MessageID: "m1"}, func(event.AgentEvent) error { return nil })
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPAgent_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad session", http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewHTTPAgent(zerolog.Nop())
	defer a.Client.CloseIdleConnections()

	err := a.Stream(context.Background(), agentPort(t, srv), AgentRequest{MessageID: "m1"}, func(event.AgentEvent) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}
