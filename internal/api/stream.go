package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/mindkeeper/internal/delivery"
	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
	"github.com/p-blackswan/mindkeeper/internal/event"
	"github.com/p-blackswan/mindkeeper/internal/requestid"
	"github.com/p-blackswan/mindkeeper/internal/sequencer"
)

// subscriberBuffer bounds how far an SSE client may fall behind before it
// is dropped.
const subscriberBuffer = 256

// SendMessage handles POST /api/v1/minds/:name/message. The mind's events
// are streamed back as newline-delimited JSON until done; a client that
// disconnects aborts the turn.
func (h *Handlers) SendMessage(c *fiber.Ctx) error {
	var msg delivery.Message
	if err := c.BodyParser(&msg); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	mind := c.Params("name")
	reqID := requestid.FromContext(c.UserContext())

	// The stream outlives the handler, so it cannot hang off the request.
	ctx := requestid.WithRequestID(context.Background(), reqID)
	d, err := h.deps.Messenger.Deliver(ctx, mind, msg)
	if err != nil {
		return errorResponse(c, err)
	}

	log := h.logger.With().Str("mind", mind).Str("message_id", d.MessageID).Str("request_id", reqID).Logger()
	c.Set(fiber.HeaderContentType, "application/x-ndjson")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Message-ID", d.MessageID)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer d.Unsubscribe()
		enc := json.NewEncoder(w)
		for ev := range d.Events {
			if err := enc.Encode(ev); err != nil {
				log.Warn().Err(err).Msg("encode event")
				return
			}
			if err := w.Flush(); err != nil {
				log.Debug().Err(err).Msg("client went away")
				return
			}
		}
	})
	return nil
}

// Events handles GET /api/v1/events, the activity feed as server-sent
// events. A client resuming with ?since= (or Last-Event-ID) gets every
// retained event after that id; a new client, or one whose id fell out of
// the retained window, gets a snapshot first. ?mind= adds that mind's
// conversation events.
func (h *Handlers) Events(c *fiber.Ctx) error {
	seq := h.deps.Events
	if seq == nil {
		return errorResponse(c, merrors.New(merrors.ErrUnavailable, "events", "", "event feed disabled"))
	}

	topics := []string{sequencer.TopicActivity}
	if mind := c.Query("mind"); mind != "" {
		if _, err := h.deps.Registry.Get(mind); err != nil {
			return errorResponse(c, err)
		}
		topics = append(topics, sequencer.MindTopic(mind))
	}

	since, resume, err := resumePoint(c)
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_since", "Bad Request", err.Error())
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	log := requestid.Logger(c.UserContext(), h.logger)

	// Subscribe before reading history so nothing published in between is
	// lost; duplicates are skipped by id below.
	ch := make(chan sequencer.Buffered, subscriberBuffer)
	dropped := make(chan struct{})
	var dropOnce sync.Once
	unsubs := make([]func(), 0, len(topics))
	for _, topic := range topics {
		unsubs = append(unsubs, seq.Subscribe(topic, func(ev sequencer.Buffered) error {
			select {
			case ch <- ev:
				return nil
			default:
				dropOnce.Do(func() { close(dropped) })
				return fmt.Errorf("subscriber fell %d events behind", subscriberBuffer)
			}
		}))
	}

	var backlog []sequencer.Buffered
	if resume && since <= seq.Latest() && !seq.HasGap(since) {
		for _, ev := range seq.Since(since) {
			if containsTopic(topics, ev.Topic) {
				backlog = append(backlog, ev)
			}
		}
	} else {
		backlog = append(backlog, seq.Snapshot(sequencer.TopicActivity, func() any { return h.snapshot() }))
	}

	done := h.done
	keepAlive := h.keepAlive
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			for _, u := range unsubs {
				u()
			}
		}()

		var last uint64
		send := func(ev sequencer.Buffered) error {
			if ev.ID <= last {
				return nil
			}
			last = ev.ID
			if err := writeSSE(w, ev); err != nil {
				return err
			}
			return w.Flush()
		}

		for _, ev := range backlog {
			if err := send(ev); err != nil {
				return
			}
		}

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-dropped:
				log.Warn().Msg("event subscriber dropped, client must resubscribe")
				return
			case ev := <-ch:
				if err := send(ev); err != nil {
					log.Debug().Err(err).Msg("event stream closed")
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					log.Debug().Err(err).Msg("event stream closed")
					return
				}
			}
		}
	})
	return nil
}

func resumePoint(c *fiber.Ctx) (uint64, bool, error) {
	raw := c.Query("since")
	if raw == "" {
		raw = c.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("since must be an event id: %q", raw)
	}
	return id, true, nil
}

func writeSSE(w *bufio.Writer, ev sequencer.Buffered) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Topic, data)
	return err
}

func containsTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

// snapshot describes every mind as it stands now.
func (h *Handlers) snapshot() event.Activity {
	a := event.NewActivity(event.KindSnapshot, "")
	entries, err := h.deps.Registry.List()
	if err != nil {
		h.logger.Warn().Err(err).Msg("snapshot: list minds")
	}
	minds := make([]SnapshotMind, 0, len(entries))
	for _, e := range entries {
		sm := SnapshotMind{Name: e.Name, Running: h.deps.Supervisor.IsRunning(e.Name), Stage: string(e.Stage)}
		if vs, err := h.deps.Registry.Variants(e.Name); err == nil {
			for _, v := range vs {
				sm.Variants = append(sm.Variants, v.Name)
			}
		}
		minds = append(minds, sm)
	}
	a.Data = minds
	return a
}
