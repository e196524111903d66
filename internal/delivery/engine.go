package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
	"github.com/p-blackswan/mindkeeper/internal/event"
	"github.com/p-blackswan/mindkeeper/internal/metrics"
	"github.com/p-blackswan/mindkeeper/internal/routing"
	"github.com/p-blackswan/mindkeeper/internal/sequencer"
	"github.com/p-blackswan/mindkeeper/internal/store"
)

// Resolver maps a mind key to its directory and port.
type Resolver interface {
	Resolve(key string) (dir string, port int, err error)
}

// ProcessChecker reports whether a mind process is up.
type ProcessChecker interface {
	IsRunning(key string) bool
}

// Journal records deliveries and dead letters. Implemented by store.Store.
type Journal interface {
	SaveDelivery(ctx context.Context, d *store.Delivery) error
	UpdateDeliveryStatus(ctx context.Context, id, status, errMsg string) error
	SaveDeadLetter(ctx context.Context, dl *store.DeadLetter) error
}

// Publisher receives conversation and activity events.
type Publisher interface {
	Publish(topic string, payload any) uint64
}

// Options tunes the engine.
type Options struct {
	// EventBuffer bounds the per-delivery event channel.
	EventBuffer int
	// FlushTimeout bounds one batch flush.
	FlushTimeout time.Duration
}

// Delivery is the caller's handle on one dispatched message. Events is
// closed after the terminal done event or after Unsubscribe.
type Delivery struct {
	MessageID   string                  `json:"messageId"`
	Destination string                  `json:"destination"`
	Session     string                  `json:"session,omitempty"`
	Mode        string                  `json:"mode"`
	Path        string                  `json:"path,omitempty"`
	Events      <-chan event.AgentEvent `json:"-"`
	cancel      context.CancelFunc
}

// Unsubscribe stops streaming events to the caller and aborts the turn if
// it is still in flight.
func (d *Delivery) Unsubscribe() {
	if d.cancel != nil {
		d.cancel()
	}
}

func acknowledged(id string) <-chan event.AgentEvent {
	ch := make(chan event.AgentEvent, 1)
	ch <- event.Done(id)
	close(ch)
	return ch
}

// Engine routes and dispatches messages. It owns the batch buffers.
type Engine struct {
	opts     Options
	reg      Resolver
	procs    ProcessChecker
	loader   *routing.Loader
	agent    Agent
	journal  Journal
	pub      Publisher
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	// waitUnit scales batch windows, which are configured in seconds.
	waitUnit time.Duration

	mu      sync.Mutex
	batches map[string]*batch
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine. journal, pub and m may be nil.
func New(opts Options, reg Resolver, procs ProcessChecker, loader *routing.Loader, agent Agent,
	journal Journal, pub Publisher, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:     opts,
		reg:      reg,
		procs:    procs,
		loader:   loader,
		agent:    agent,
		journal:  journal,
		pub:      pub,
		metrics:  m,
		logger:   logger.With().Str("component", "delivery").Logger(),
		batches:  make(map[string]*batch),
		waitUnit: time.Second,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Deliver routes msg for mind and dispatches it. File and batch deliveries
// are acknowledged with an immediate done; immediate deliveries stream the
// mind's events until done.
func (e *Engine) Deliver(ctx context.Context, mind string, msg Message) (*Delivery, error) {
	if msg.Content.Empty() {
		return nil, merrors.Validation("deliver", mind, "message has no content")
	}
	dir, port, err := e.reg.Resolve(mind)
	if err != nil {
		return nil, err
	}

	cfg := e.loader.LoadOrDefault(dir)
	route := routing.ResolveRoute(cfg, msg.Meta)
	for _, w := range route.Warnings {
		e.logger.Warn().Str("mind", mind).Msg(w)
	}

	id := uuid.NewString()
	log := e.logger.With().Str("mind", mind).Str("message_id", id).Logger()

	if route.Destination == routing.DestinationFile {
		path, err := appendToFile(dir, route.Path, msg.Content.Text())
		status, errMsg := store.StatusDelivered, ""
		if err != nil {
			status, errMsg = store.StatusFailed, err.Error()
		}
		e.record(&store.Delivery{ID: id, Mind: mind, Destination: routing.DestinationFile, Mode: routing.ModeImmediate,
			Channel: msg.Meta.Channel, Sender: msg.Meta.Sender, Status: status, Error: errMsg})
		e.metrics.RecordDelivery("file", status)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("path", path).Msg("appended to file")
		e.publishMessage(mind, "", id, msg)
		return &Delivery{MessageID: id, Destination: routing.DestinationFile, Mode: routing.ModeImmediate,
			Path: route.Path, Events: acknowledged(id)}, nil
	}

	session := route.Session
	if session == routing.NewSessionSentinel {
		session = uuid.NewString()
	}
	route.Session = session
	sc := routing.ResolveSessionConfig(cfg, session)
	mode := routing.EffectiveDelivery(cfg, route)
	e.publishMessage(mind, session, id, msg)

	if mode.IsBatch() {
		e.record(&store.Delivery{ID: id, Mind: mind, Session: session, Destination: routing.DestinationMind,
			Mode: routing.ModeBatch, Channel: msg.Meta.Channel, Sender: msg.Meta.Sender, Status: store.StatusQueued})
		if err := e.enqueue(mind, session, mode, sc, id, msg); err != nil {
			e.updateStatus(id, store.StatusFailed, err.Error())
			return nil, err
		}
		e.metrics.RecordDelivery(routing.ModeBatch, store.StatusQueued)
		return &Delivery{MessageID: id, Destination: routing.DestinationMind, Session: session,
			Mode: routing.ModeBatch, Events: acknowledged(id)}, nil
	}

	req := AgentRequest{
		MessageID:    id,
		Session:      session,
		Content:      msg.Content,
		Channel:      msg.Meta.Channel,
		Sender:       msg.Meta.Sender,
		Instructions: sc.Instructions,
		Interrupt:    sc.Interrupt,
	}
	return e.dispatch(ctx, mind, port, req)
}

// dispatch streams req into a running mind and returns the caller's handle.
func (e *Engine) dispatch(ctx context.Context, mind string, port int, req AgentRequest) (*Delivery, error) {
	rec := &store.Delivery{ID: req.MessageID, Mind: mind, Session: req.Session, Destination: routing.DestinationMind,
		Mode: routing.ModeImmediate, Channel: req.Channel, Sender: req.Sender, Status: store.StatusQueued}

	if !e.procs.IsRunning(mind) {
		err := merrors.New(merrors.ErrNotRunning, "deliver", mind, "mind is not running")
		rec.Status, rec.Error = store.StatusFailed, err.Error()
		e.record(rec)
		e.metrics.RecordDelivery(routing.ModeImmediate, store.StatusFailed)
		return nil, err
	}
	if !e.track() {
		return nil, merrors.New(merrors.ErrUnavailable, "deliver", mind, "delivery engine is shutting down")
	}
	e.record(rec)

	ctx, cancel := context.WithCancel(ctx)
	stopOnClose := context.AfterFunc(e.ctx, cancel)
	out := make(chan event.AgentEvent, e.opts.EventBuffer)

	go func() {
		defer e.wg.Done()
		defer stopOnClose()
		defer cancel()
		defer close(out)

		err := e.stream(ctx, mind, port, req, func(ev event.AgentEvent) error {
			select {
			case out <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		e.finish(req.MessageID, routing.ModeImmediate, err)
	}()

	return &Delivery{MessageID: req.MessageID, Destination: routing.DestinationMind, Session: req.Session,
		Mode: routing.ModeImmediate, Events: out, cancel: cancel}, nil
}

// stream runs one turn, publishing every event on the mind's topic and
// handing it to sink. A turn that ends without done gets an error event (if
// it failed) and a synthetic done so consumers always see a terminal event.
func (e *Engine) stream(ctx context.Context, mind string, port int, req AgentRequest, sink func(event.AgentEvent) error) error {
	sawDone := false
	emit := func(ev event.AgentEvent) error {
		if ev.Terminal() {
			sawDone = true
		}
		e.publish(sequencer.MindTopic(mind), ev)
		return sink(ev)
	}

	err := e.agent.Stream(ctx, port, req, emit)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("mind", mind).Str("message_id", req.MessageID).Msg("turn failed")
		_ = emit(event.Failed(req.MessageID, err))
	}
	if !sawDone {
		_ = emit(event.Done(req.MessageID))
	}
	return err
}

func (e *Engine) finish(id, mode string, err error) {
	status, errMsg := store.StatusDelivered, ""
	if err != nil {
		status, errMsg = store.StatusFailed, err.Error()
	}
	e.metrics.RecordDelivery(mode, status)
	e.updateStatus(id, status, errMsg)
}

// track registers a background goroutine unless the engine is closed.
func (e *Engine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

// Redeliver sends a dead-lettered message straight to its session.
func (e *Engine) Redeliver(ctx context.Context, dl *store.DeadLetter) error {
	_, port, err := e.reg.Resolve(dl.Mind)
	if err != nil {
		return err
	}
	if !e.procs.IsRunning(dl.Mind) {
		return merrors.New(merrors.ErrNotRunning, "redeliver", dl.Mind, "mind is not running")
	}
	session := dl.Session
	if session == "" {
		session = routing.DefaultSession
	}
	req := AgentRequest{MessageID: uuid.NewString(), Session: session, Content: TextContent(dl.Message), Interrupt: true}
	return e.stream(ctx, dl.Mind, port, req, func(event.AgentEvent) error { return nil })
}

// Close cancels pending batch timers, drops their buffers and waits for
// in-flight turns to end. Buffered messages that were never flushed are
// lost.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	dropped := 0
	for _, b := range e.batches {
		if b.timer != nil {
			b.timer.Stop()
		}
		dropped += len(b.items)
	}
	e.batches = make(map[string]*batch)
	e.mu.Unlock()

	if dropped > 0 {
		e.logger.Warn().Int("messages", dropped).Msg("dropping unflushed batched messages")
	}
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) publish(topic string, payload any) {
	if e.pub != nil {
		e.pub.Publish(topic, payload)
	}
}

func (e *Engine) publishMessage(mind, session, id string, msg Message) {
	a := event.NewActivity(event.KindMessage, mind)
	a.Session = session
	a.MessageID = id
	a.Detail = msg.Meta.Channel
	e.publish(sequencer.TopicActivity, a)
}

func (e *Engine) record(d *store.Delivery) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.journal.SaveDelivery(ctx, d); err != nil {
		e.logger.Error().Err(err).Str("message_id", d.ID).Msg("journal write failed")
	}
}

func (e *Engine) updateStatus(id, status, errMsg string) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.journal.UpdateDeliveryStatus(ctx, id, status, errMsg); err != nil {
		e.logger.Error().Err(err).Str("message_id", id).Msg("journal update failed")
	}
}
