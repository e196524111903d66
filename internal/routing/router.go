package routing

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// maxSessionLen bounds a resolved session name.
const maxSessionLen = 100

// Meta is the metadata of an inbound message that rules match against.
// Pointer fields are nil when the sender did not supply them.
type Meta struct {
	Channel          string `json:"channel,omitempty"`
	Sender           string `json:"sender,omitempty"`
	IsDM             *bool  `json:"isDM,omitempty"`
	ParticipantCount *int   `json:"participantCount,omitempty"`
}

// Route is the outcome of rule resolution.
type Route struct {
	Destination string   `json:"destination"`
	Session     string   `json:"session,omitempty"`
	Path        string   `json:"path,omitempty"`
	Batch       *float64 `json:"batch,omitempty"`
	Matched     bool     `json:"matched"`
	Warnings    []string `json:"warnings,omitempty"`
}

// ResolveRoute evaluates cfg's rules against meta in file order and returns
// the first match, or the default session. It never fails; a rule that
// cannot be evaluated is treated as not matching.
func ResolveRoute(cfg *Config, meta Meta) Route {
	var warnings []string
	if cfg != nil {
		for i, rule := range cfg.Rules {
			if !ruleMatches(rule, meta) {
				continue
			}
			if rule.Destination == DestinationFile {
				if rule.Path == "" {
					warnings = append(warnings, fmt.Sprintf("rule %d: file destination without path, skipped", i))
					continue
				}
				return Route{Destination: DestinationFile, Path: rule.Path, Matched: true, Warnings: warnings}
			}
			if rule.Destination != DestinationMind {
				warnings = append(warnings, fmt.Sprintf("rule %d: unknown destination %q, skipped", i, rule.Destination))
				continue
			}
			session := rule.Session
			if session == "" {
				session = cfg.DefaultSessionName()
			}
			return Route{
				Destination: DestinationMind,
				Session:     ExpandSession(session, meta),
				Batch:       rule.Batch,
				Matched:     true,
				Warnings:    warnings,
			}
		}
	}
	return Route{
		Destination: DestinationMind,
		Session:     ExpandSession(cfg.DefaultSessionName(), meta),
		Warnings:    warnings,
	}
}

func ruleMatches(rule Rule, meta Meta) bool {
	for _, p := range rule.Predicates {
		if !predicateMatches(p, meta) {
			return false
		}
	}
	return true
}

func predicateMatches(p Predicate, meta Meta) bool {
	switch p.Key {
	case "channel":
		pattern, ok := p.Value.(string)
		return ok && Glob(pattern, meta.Channel)
	case "sender":
		pattern, ok := p.Value.(string)
		return ok && Glob(pattern, meta.Sender)
	case "isDM":
		want, ok := p.Value.(bool)
		return ok && meta.IsDM != nil && *meta.IsDM == want
	case "participantCount":
		want, ok := toFloat(p.Value)
		return ok && meta.ParticipantCount != nil && float64(*meta.ParticipantCount) == want
	}
	return false
}

var globCache sync.Map // pattern -> *regexp.Regexp

// Glob reports whether s matches pattern, where '*' matches any sequence and
// every other character is literal.
func Glob(pattern, s string) bool {
	if cached, ok := globCache.Load(pattern); ok {
		return cached.(*regexp.Regexp).MatchString(s)
	}
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re := regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
	globCache.Store(pattern, re)
	return re.MatchString(s)
}

// ExpandSession substitutes ${sender} and ${channel} from meta and sanitizes
// the result so it is safe to use as a single path segment.
func ExpandSession(template string, meta Meta) string {
	if template == NewSessionSentinel {
		return template
	}
	out := strings.NewReplacer(
		"${sender}", orUnknown(meta.Sender),
		"${channel}", orUnknown(meta.Channel),
	).Replace(template)
	return SanitizeSession(out)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// SanitizeSession strips NUL bytes, replaces path separators with '-',
// collapses ".." runs and truncates to 100 characters.
func SanitizeSession(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.NewReplacer("/", "-", `\`, "-").Replace(s)
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	if r := []rune(s); len(r) > maxSessionLen {
		s = string(r[:maxSessionLen])
	}
	if s == "" || s == "." {
		return "unknown"
	}
	return s
}

// ResolvedSession is a session's effective settings after defaults and
// legacy normalization.
type ResolvedSession struct {
	AutoReply    bool         `json:"autoReply"`
	Interrupt    bool         `json:"interrupt"`
	Instructions string       `json:"instructions,omitempty"`
	Delivery     DeliveryMode `json:"delivery"`
}

// ResolveSessionConfig returns the settings of the first sessions entry whose
// glob matches session, or {autoReply:false, interrupt:true} with immediate
// delivery.
func ResolveSessionConfig(cfg *Config, session string) ResolvedSession {
	out := ResolvedSession{Interrupt: true, Delivery: Immediate()}
	if cfg == nil {
		return out
	}
	for _, entry := range cfg.Sessions {
		if !Glob(entry.Pattern, session) {
			continue
		}
		sc := entry.Config
		if sc.AutoReply != nil {
			out.AutoReply = *sc.AutoReply
		}
		if sc.Interrupt != nil {
			out.Interrupt = *sc.Interrupt
		}
		out.Instructions = sc.Instructions
		out.Delivery = normalizeDelivery(sc)
		return out
	}
	return out
}

// normalizeDelivery folds the legacy batch and interrupt fields into a
// DeliveryMode. An explicit delivery field always wins.
func normalizeDelivery(sc SessionConfig) DeliveryMode {
	if sc.Delivery != nil {
		return *sc.Delivery
	}
	if sc.LegacyBatch != nil && *sc.LegacyBatch > 0 {
		return DeliveryMode{Mode: ModeBatch, Debounce: DefaultDebounce, MaxWait: minutesToSeconds(*sc.LegacyBatch)}
	}
	return Immediate()
}

// ResolveDeliveryMode returns the delivery mode for session.
func ResolveDeliveryMode(cfg *Config, session string) DeliveryMode {
	return ResolveSessionConfig(cfg, session).Delivery
}

// EffectiveDelivery combines a route's rule-level batch window with the
// session's configured mode. A rule batch overrides the session.
func EffectiveDelivery(cfg *Config, route Route) DeliveryMode {
	if route.Batch != nil && *route.Batch > 0 {
		return DeliveryMode{Mode: ModeBatch, Debounce: DefaultDebounce, MaxWait: minutesToSeconds(*route.Batch)}
	}
	return ResolveDeliveryMode(cfg, route.Session)
}

func minutesToSeconds(m float64) int {
	s := int(m * 60)
	if s < 1 {
		s = 1
	}
	return s
}
