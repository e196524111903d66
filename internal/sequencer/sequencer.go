// Package sequencer assigns monotonically increasing ids to published events,
// keeps the most recent ones in a fixed-capacity ring buffer for replay, and
// fans them out to topic subscribers.
package sequencer

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/mindkeeper/internal/metrics"
)

// DefaultCapacity is the number of events retained for replay.
const DefaultCapacity = 1000

// Well-known topics.
const (
	TopicActivity = "activity"
)

// MindTopic is the per-mind conversation topic.
func MindTopic(mind string) string {
	return "mind:" + mind
}

// Buffered is one sequenced event.
type Buffered struct {
	ID        uint64    `json:"id"`
	Topic     string    `json:"topic,omitempty"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber receives events for a topic. Returning an error or panicking
// permanently removes the subscriber.
type Subscriber func(Buffered) error

// Sequencer is safe for concurrent use.
type Sequencer struct {
	// pubMu serializes Publish so subscribers see events in id order.
	pubMu sync.Mutex

	mu       sync.Mutex
	capacity int
	lastID   uint64
	ring     []Buffered
	head     int
	size     int

	subMu  sync.Mutex
	subs   map[string]map[uint64]Subscriber
	subSeq uint64

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Sequencer retaining up to capacity events.
func New(capacity int, m *metrics.Metrics, logger zerolog.Logger) *Sequencer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sequencer{
		capacity: capacity,
		ring:     make([]Buffered, capacity),
		subs:     make(map[string]map[uint64]Subscriber),
		metrics:  m,
		logger:   logger.With().Str("component", "sequencer").Logger(),
	}
}

// Buffer appends payload to the ring and returns its id. Once the ring is
// full the oldest entry is overwritten.
func (s *Sequencer) Buffer(payload any) uint64 {
	return s.buffer("", payload).ID
}

// Snapshot buffers the payload returned by build under topic without
// notifying subscribers. Publishing waits while build runs, so the payload
// reflects every event with a lower id and every later event has a higher one.
func (s *Sequencer) Snapshot(topic string, build func() any) Buffered {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	return s.buffer(topic, build())
}

func (s *Sequencer) buffer(topic string, payload any) Buffered {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	ev := Buffered{ID: s.lastID, Topic: topic, Payload: payload, Timestamp: time.Now().UTC()}
	if s.size < s.capacity {
		s.ring[(s.head+s.size)%s.capacity] = ev
		s.size++
	} else {
		s.ring[s.head] = ev
		s.head = (s.head + 1) % s.capacity
	}
	s.metrics.RecordEventBuffered()
	return ev
}

// Since returns every retained event with an id greater than id, oldest
// first. If id predates the retained window only what remains is returned;
// callers detect the gap by comparing id against Oldest.
func (s *Sequencer) Since(id uint64) []Buffered {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Buffered, 0)
	for i := 0; i < s.size; i++ {
		ev := s.ring[(s.head+i)%s.capacity]
		if ev.ID > id {
			out = append(out, ev)
		}
	}
	return out
}

// Oldest returns the id of the oldest retained event, or 0 if none.
func (s *Sequencer) Oldest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return 0
	}
	return s.ring[s.head].ID
}

// Latest returns the most recently assigned id, or 0 if none.
func (s *Sequencer) Latest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// HasGap reports whether a subscriber resuming after id has missed events
// that are no longer retained and should request a fresh snapshot instead.
func (s *Sequencer) HasGap(id uint64) bool {
	oldest := s.Oldest()
	return oldest != 0 && id+1 < oldest
}

// Publish buffers payload under topic and delivers it to that topic's
// subscribers in id order. It returns the assigned id.
func (s *Sequencer) Publish(topic string, payload any) uint64 {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	ev := s.buffer(topic, payload)

	s.subMu.Lock()
	targets := make(map[uint64]Subscriber, len(s.subs[topic]))
	for id, fn := range s.subs[topic] {
		targets[id] = fn
	}
	s.subMu.Unlock()

	for id, fn := range targets {
		if err := s.deliver(fn, ev); err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Uint64("subscriber", id).Msg("removing failing subscriber")
			s.remove(topic, id)
			s.metrics.RecordSubscriberDropped()
		}
	}
	return ev.ID
}

func (s *Sequencer) deliver(fn Subscriber, ev Buffered) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return fn(ev)
}

// Subscribe registers fn for topic and returns a function that removes it.
func (s *Sequencer) Subscribe(topic string, fn Subscriber) func() {
	s.subMu.Lock()
	s.subSeq++
	id := s.subSeq
	if s.subs[topic] == nil {
		s.subs[topic] = make(map[uint64]Subscriber)
	}
	s.subs[topic][id] = fn
	s.subMu.Unlock()

	return func() { s.remove(topic, id) }
}

// Subscribers returns the number of subscribers on topic.
func (s *Sequencer) Subscribers(topic string) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs[topic])
}

func (s *Sequencer) remove(topic string, id uint64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs[topic], id)
	if len(s.subs[topic]) == 0 {
		delete(s.subs, topic)
	}
}
