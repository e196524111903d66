// Package event defines the closed set of event kinds that cross into the
// daemon: agent stream events read from a mind process, and daemon activity
// events published to observers.
package event

import (
	"encoding/json"
	"time"
)

// Kind identifies an event variant.
type Kind string

// Agent stream kinds, emitted by a mind while it handles a message.
const (
	KindText       Kind = "text"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindDone       Kind = "done"
	KindError      Kind = "error"
	KindUnknown    Kind = "unknown"
)

// Activity kinds, emitted by the daemon itself.
const (
	KindSnapshot       Kind = "snapshot"
	KindMindStarted    Kind = "mind_started"
	KindMindStopped    Kind = "mind_stopped"
	KindMindCrashed    Kind = "mind_crashed"
	KindVariantForked  Kind = "variant_forked"
	KindVariantMerged  Kind = "variant_merged"
	KindVariantDeleted Kind = "variant_deleted"
	KindMessage        Kind = "message"
	KindDelivery       Kind = "delivery"
)

var agentKinds = map[Kind]bool{
	KindText: true, KindToolUse: true, KindToolResult: true, KindDone: true, KindError: true,
}

// AgentEvent is one event streamed back by a mind process. Fields not used by
// a kind are left empty; Raw keeps the original line for unknown kinds.
type AgentEvent struct {
	Kind      Kind            `json:"type"`
	Text      string          `json:"text,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Session   string          `json:"session,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Done returns the terminal event for a message.
func Done(messageID string) AgentEvent {
	return AgentEvent{Kind: KindDone, MessageID: messageID}
}

// Failed returns an error event for a message.
func Failed(messageID string, err error) AgentEvent {
	return AgentEvent{Kind: KindError, MessageID: messageID, Error: err.Error()}
}

// Terminal reports whether no further events follow this one.
func (e AgentEvent) Terminal() bool {
	return e.Kind == KindDone
}

// ParseAgentEvent decodes one line of a mind's event stream. Lines with an
// unrecognized type become KindUnknown instead of failing the stream.
func ParseAgentEvent(line []byte) (AgentEvent, error) {
	var wire struct {
		Type    string          `json:"type"`
		Text    string          `json:"text"`
		Content string          `json:"content"`
		Tool    string          `json:"tool"`
		Name    string          `json:"name"`
		Input   json.RawMessage `json:"input"`
		Output  string          `json:"output"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
		Session string          `json:"session"`
	}
	if err := json.Unmarshal(line, &wire); err != nil {
		return AgentEvent{}, err
	}

	ev := AgentEvent{Kind: Kind(wire.Type), Session: wire.Session}
	if !agentKinds[ev.Kind] {
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		return AgentEvent{Kind: KindUnknown, Session: wire.Session, Raw: raw}, nil
	}

	switch ev.Kind {
	case KindText:
		ev.Text = wire.Text
		if ev.Text == "" {
			ev.Text = wire.Content
		}
	case KindToolUse:
		ev.Tool = wire.Tool
		if ev.Tool == "" {
			ev.Tool = wire.Name
		}
		ev.Input = wire.Input
	case KindToolResult:
		ev.Tool = wire.Tool
		ev.Output = wire.Output
		if ev.Output == "" {
			ev.Output = wire.Content
		}
	case KindError:
		ev.Error = wire.Error
		if ev.Error == "" {
			ev.Error = wire.Message
		}
	}
	return ev, nil
}

// Activity is a daemon activity event published to observers.
type Activity struct {
	Kind      Kind      `json:"type"`
	Mind      string    `json:"mind,omitempty"`
	Variant   string    `json:"variant,omitempty"`
	Session   string    `json:"session,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewActivity constructs an Activity stamped with the current time.
func NewActivity(kind Kind, mind string) Activity {
	return Activity{Kind: kind, Mind: mind, Timestamp: time.Now().UTC()}
}
