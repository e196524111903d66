package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
	"github.com/p-blackswan/mindkeeper/internal/event"
	"github.com/p-blackswan/mindkeeper/internal/routing"
	"github.com/p-blackswan/mindkeeper/internal/store"
)

// Flush reasons.
const (
	FlushTimer   = "timer"
	FlushTrigger = "trigger"
)

type batchItem struct {
	id      string
	channel string
	sender  string
	text    string
}

// batch buffers messages for one mind session until its window closes.
type batch struct {
	mind         string
	session      string
	instructions string
	interrupt    bool
	items        []batchItem
	timer        *time.Timer
}

func batchKey(mind, session string) string { return mind + "\x00" + session }

// enqueue buffers one message. The first message of a batch arms the maxWait
// timer; later messages never reset it. A trigger match flushes right away.
func (e *Engine) enqueue(mind, session string, mode routing.DeliveryMode, sc routing.ResolvedSession, id string, msg Message) error {
	text := msg.Content.Text()
	key := batchKey(mind, session)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return merrors.New(merrors.ErrUnavailable, "deliver", mind, "delivery engine is shutting down")
	}
	b, ok := e.batches[key]
	if !ok {
		b = &batch{mind: mind, session: session}
		e.batches[key] = b
	}
	b.instructions = sc.Instructions
	b.interrupt = sc.Interrupt
	b.items = append(b.items, batchItem{id: id, channel: msg.Meta.Channel, sender: msg.Meta.Sender, text: text})
	if b.timer == nil {
		wait := time.Duration(mode.MaxWait) * e.waitUnit
		b.timer = time.AfterFunc(wait, func() { e.flush(key, b, FlushTimer) })
	}
	size := len(b.items)
	e.mu.Unlock()

	e.logger.Debug().Str("mind", mind).Str("session", session).Int("buffered", size).Msg("message batched")
	if matchesTrigger(mode.Triggers, text) && e.track() {
		go func() {
			defer e.wg.Done()
			e.flushBatch(key, b, FlushTrigger)
		}()
	}
	return nil
}

func matchesTrigger(triggers []string, text string) bool {
	lower := strings.ToLower(text)
	for _, t := range triggers {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// Pending returns how many messages are buffered for a mind session.
func (e *Engine) Pending(mind, session string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.batches[batchKey(mind, session)]; ok {
		return len(b.items)
	}
	return 0
}

// flush runs a timer flush unless the engine is closing.
func (e *Engine) flush(key string, want *batch, reason string) {
	if !e.track() {
		return
	}
	defer e.wg.Done()
	e.flushBatch(key, want, reason)
}

// flushBatch takes want out of the buffer and sends it as one message. It
// does nothing once want has been flushed and a newer batch holds key.
// A failed flush lands in the dead-letter journal.
func (e *Engine) flushBatch(key string, want *batch, reason string) {
	e.mu.Lock()
	b, ok := e.batches[key]
	ok = ok && b == want
	if ok {
		delete(e.batches, key)
		if b.timer != nil {
			b.timer.Stop()
		}
	}
	e.mu.Unlock()
	if !ok || len(b.items) == 0 {
		return
	}

	text := combineBatch(b.items)
	id := uuid.NewString()
	log := e.logger.With().Str("mind", b.mind).Str("session", b.session).Str("reason", reason).Logger()

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.FlushTimeout)
	defer cancel()
	err := e.send(ctx, b, id, text)

	status, errMsg := store.StatusDelivered, ""
	if err != nil {
		status, errMsg = store.StatusFailed, err.Error()
		log.Error().Err(err).Int("messages", len(b.items)).Msg("batch flush failed")
		e.metrics.RecordFlush(reason, "error")
		e.metrics.RecordDeadLetter("batch")
		e.deadLetter(&store.DeadLetter{
			ID:        uuid.NewString(),
			MessageID: id,
			Mind:      b.mind,
			Session:   b.session,
			Source:    "batch",
			Message:   text,
			Error:     errMsg,
		})
	} else {
		log.Info().Int("messages", len(b.items)).Msg("batch flushed")
		e.metrics.RecordFlush(reason, "ok")
	}
	for _, it := range b.items {
		e.updateStatus(it.id, status, errMsg)
	}
	e.metrics.RecordDelivery(routing.ModeBatch, status)
}

func (e *Engine) send(ctx context.Context, b *batch, id, text string) error {
	_, port, err := e.reg.Resolve(b.mind)
	if err != nil {
		return err
	}
	if !e.procs.IsRunning(b.mind) {
		return merrors.New(merrors.ErrNotRunning, "flush", b.mind, "mind is not running")
	}
	req := AgentRequest{
		MessageID:    id,
		Session:      b.session,
		Content:      TextContent(text),
		Channel:      "batch",
		Instructions: b.instructions,
		Interrupt:    b.interrupt,
	}
	var failed error
	err = e.stream(ctx, b.mind, port, req, func(ev event.AgentEvent) error {
		if ev.Kind == event.KindError && failed == nil {
			failed = fmt.Errorf("mind reported error: %s", ev.Error)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return failed
}

// combineBatch renders buffered messages as one text with a header that
// counts messages per channel in first-seen order.
func combineBatch(items []batchItem) string {
	var order []string
	counts := make(map[string]int)
	for _, it := range items {
		ch := it.channel
		if ch == "" {
			ch = "unknown"
		}
		if counts[ch] == 0 {
			order = append(order, ch)
		}
		counts[ch]++
	}
	parts := make([]string, 0, len(order))
	for _, ch := range order {
		parts = append(parts, fmt.Sprintf("%s (%d)", ch, counts[ch]))
	}

	var sb strings.Builder
	noun := "messages"
	if len(items) == 1 {
		noun = "message"
	}
	fmt.Fprintf(&sb, "[batched %d %s: %s]\n", len(items), noun, strings.Join(parts, ", "))
	for _, it := range items {
		sb.WriteString("\n")
		if it.channel != "" || it.sender != "" {
			fmt.Fprintf(&sb, "[%s] %s: ", orDash(it.channel), orDash(it.sender))
		}
		sb.WriteString(it.text)
	}
	return sb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (e *Engine) deadLetter(dl *store.DeadLetter) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.journal.SaveDeadLetter(ctx, dl); err != nil {
		e.logger.Error().Err(err).Str("mind", dl.Mind).Msg("dead letter write failed")
	}
}
