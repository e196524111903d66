// Package routing decides where an inbound message goes: which session of a
// mind (or which file) receives it, and whether it is delivered immediately
// or batched. Resolution is pure; loading and caching of the per-mind config
// file live alongside it.
package routing

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Destinations.
const (
	DestinationMind = "mind"
	DestinationFile = "file"
)

// Delivery modes.
const (
	ModeImmediate = "immediate"
	ModeBatch     = "batch"
)

// Defaults applied to batch delivery, in seconds.
const (
	DefaultDebounce = 5
	DefaultMaxWait  = 120
	DefaultSession  = "main"
)

// NewSessionSentinel asks the delivery engine for a fresh ephemeral session.
const NewSessionSentinel = "$new"

// outcomeKeys are rule keys that describe the result, not a predicate.
var outcomeKeys = map[string]bool{
	"session":     true,
	"destination": true,
	"path":        true,
	"batch":       true,
}

// Predicate is one condition of a rule, kept in file order.
type Predicate struct {
	Key   string
	Value any
}

// Rule is an ordered predicate set plus its outcome.
type Rule struct {
	Predicates  []Predicate
	Destination string
	Session     string
	Path        string
	// Batch, when set, forces batch delivery with this window in minutes.
	Batch *float64
}

// DeliveryMode is the canonical delivery representation.
type DeliveryMode struct {
	Mode     string   `json:"mode"`
	Debounce int      `json:"debounce,omitempty"`
	MaxWait  int      `json:"maxWait,omitempty"`
	Triggers []string `json:"triggers,omitempty"`
}

// Immediate is the immediate delivery mode.
func Immediate() DeliveryMode { return DeliveryMode{Mode: ModeImmediate} }

// IsBatch reports whether messages are accumulated before delivery.
func (d DeliveryMode) IsBatch() bool { return d.Mode == ModeBatch }

// SessionConfig is the per-session block as written in the file. Pointer
// fields distinguish "absent" from zero values for legacy normalization.
type SessionConfig struct {
	AutoReply    *bool
	Interrupt    *bool
	Instructions string
	Delivery     *DeliveryMode
	// LegacyBatch is the old bare minute-count form of batching.
	LegacyBatch *float64
}

// SessionEntry pairs a session-name glob with its config.
type SessionEntry struct {
	Pattern string
	Config  SessionConfig
}

// Config is a mind's routing file.
type Config struct {
	Rules    []Rule
	Default  string
	Sessions []SessionEntry
}

// DefaultSessionName returns the configured fallback session.
func (c *Config) DefaultSessionName() string {
	if c == nil || c.Default == "" {
		return DefaultSession
	}
	return c.Default
}

// Parse decodes a routing file. JSON is accepted as a subset of YAML; a bare
// array is treated as the rule list. Key order is preserved so rules and
// session patterns are evaluated in file order.
func Parse(data []byte) (*Config, error) {
	if strings.TrimSpace(string(data)) == "" {
		return &Config{}, nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("routing: parse: %w", err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}

	cfg := &Config{}
	switch root.Kind {
	case yaml.SequenceNode:
		rules, err := parseRules(root)
		if err != nil {
			return nil, err
		}
		cfg.Rules = rules
	case yaml.MappingNode:
		for i := 0; i+1 < len(root.Content); i += 2 {
			key, val := root.Content[i].Value, root.Content[i+1]
			switch key {
			case "rules":
				rules, err := parseRules(val)
				if err != nil {
					return nil, err
				}
				cfg.Rules = rules
			case "default":
				if err := val.Decode(&cfg.Default); err != nil {
					return nil, fmt.Errorf("routing: default: %w", err)
				}
			case "sessions":
				sessions, err := parseSessions(val)
				if err != nil {
					return nil, err
				}
				cfg.Sessions = sessions
			}
		}
	default:
		return nil, fmt.Errorf("routing: expected object or array at top level")
	}
	return cfg, nil
}

func parseRules(node *yaml.Node) ([]Rule, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("routing: rules must be an array")
	}
	rules := make([]Rule, 0, len(node.Content))
	for idx, item := range node.Content {
		if item.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("routing: rule %d must be an object", idx)
		}
		rule := Rule{Destination: DestinationMind}
		for i := 0; i+1 < len(item.Content); i += 2 {
			key, val := item.Content[i].Value, item.Content[i+1]
			var v any
			if err := val.Decode(&v); err != nil {
				return nil, fmt.Errorf("routing: rule %d key %q: %w", idx, key, err)
			}
			if !outcomeKeys[key] {
				rule.Predicates = append(rule.Predicates, Predicate{Key: key, Value: v})
				continue
			}
			switch key {
			case "session":
				rule.Session, _ = v.(string)
			case "destination":
				if s, ok := v.(string); ok && s != "" {
					rule.Destination = s
				}
			case "path":
				rule.Path, _ = v.(string)
			case "batch":
				if f, ok := toFloat(v); ok {
					rule.Batch = &f
				}
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

type sessionWire struct {
	AutoReply    *bool     `yaml:"autoReply"`
	Interrupt    *bool     `yaml:"interrupt"`
	Instructions string    `yaml:"instructions"`
	Delivery     yaml.Node `yaml:"delivery"`
	Batch        *float64  `yaml:"batch"`
}

type deliveryWire struct {
	Mode     string   `yaml:"mode"`
	Debounce *int     `yaml:"debounce"`
	MaxWait  *int     `yaml:"maxWait"`
	Triggers []string `yaml:"triggers"`
}

func parseSessions(node *yaml.Node) ([]SessionEntry, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("routing: sessions must be an object")
	}
	out := make([]SessionEntry, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		pattern := node.Content[i].Value
		var w sessionWire
		if err := node.Content[i+1].Decode(&w); err != nil {
			return nil, fmt.Errorf("routing: session %q: %w", pattern, err)
		}
		sc := SessionConfig{
			AutoReply:    w.AutoReply,
			Interrupt:    w.Interrupt,
			Instructions: w.Instructions,
			LegacyBatch:  w.Batch,
		}
		if w.Delivery.Kind != 0 {
			dm, err := parseDelivery(&w.Delivery)
			if err != nil {
				return nil, fmt.Errorf("routing: session %q: %w", pattern, err)
			}
			sc.Delivery = dm
		}
		out = append(out, SessionEntry{Pattern: pattern, Config: sc})
	}
	return out, nil
}

func parseDelivery(node *yaml.Node) (*DeliveryMode, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Value {
		case ModeImmediate:
			dm := Immediate()
			return &dm, nil
		case ModeBatch:
			return &DeliveryMode{Mode: ModeBatch, Debounce: DefaultDebounce, MaxWait: DefaultMaxWait}, nil
		}
		return nil, fmt.Errorf("unknown delivery %q", node.Value)
	case yaml.MappingNode:
		var w deliveryWire
		if err := node.Decode(&w); err != nil {
			return nil, err
		}
		switch w.Mode {
		case ModeImmediate:
			dm := Immediate()
			return &dm, nil
		case ModeBatch:
			dm := DeliveryMode{Mode: ModeBatch, Debounce: DefaultDebounce, MaxWait: DefaultMaxWait, Triggers: w.Triggers}
			if w.Debounce != nil {
				dm.Debounce = *w.Debounce
			}
			if w.MaxWait != nil && *w.MaxWait > 0 {
				dm.MaxWait = *w.MaxWait
			}
			return &dm, nil
		}
		return nil, fmt.Errorf("unknown delivery mode %q", w.Mode)
	}
	return nil, fmt.Errorf("delivery must be a string or object")
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
