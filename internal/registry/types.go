// Package registry is the durable store of mind and variant metadata. Each
// list lives in a JSON file rewritten atomically (temp file then rename).
package registry

import (
	"regexp"
	"strings"
	"time"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
)

// Stage is a mind's maturity.
type Stage string

const (
	StageSeed     Stage = "seed"
	StageSprouted Stage = "sprouted"
)

// MindEntry is one persisted mind.
type MindEntry struct {
	Name         string    `json:"name"`
	Port         int       `json:"port"`
	Stage        Stage     `json:"stage,omitempty"`
	Template     string    `json:"template,omitempty"`
	TemplateHash string    `json:"templateHash,omitempty"`
	Running      bool      `json:"running"`
	Created      time.Time `json:"created"`
}

// Variant is a disposable fork of a mind living in its own worktree.
type Variant struct {
	Name    string    `json:"name"`
	Branch  string    `json:"branch"`
	Path    string    `json:"path"`
	Port    int       `json:"port"`
	PID     int       `json:"pid,omitempty"`
	Created time.Time `json:"created"`
}

const (
	maxMindNameLen    = 64
	maxVariantNameLen = 64
	maxPort           = 65535
)

var (
	mindNamePattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	variantNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// ValidateMindName rejects names that could not safely be used as a
// directory name or a subprocess argument.
func ValidateMindName(name string) error {
	if name == "" {
		return merrors.Validation("validate mind name", name, "name is required")
	}
	if len(name) > maxMindNameLen {
		return merrors.Validation("validate mind name", name, "name exceeds 64 characters")
	}
	if !mindNamePattern.MatchString(name) {
		return merrors.Validation("validate mind name", name,
			"name must start with a letter or digit and contain only letters, digits, '.', '_' or '-'")
	}
	return nil
}

// ValidateVariantName applies the stricter rules for variant names, which
// double as git branch names and worktree directory names.
func ValidateVariantName(name string) error {
	if name == "" {
		return merrors.Validation("validate variant name", name, "name is required")
	}
	if len(name) > maxVariantNameLen {
		return merrors.Validation("validate variant name", name, "name exceeds 64 characters")
	}
	if strings.Contains(name, "..") {
		return merrors.Validation("validate variant name", name, "name must not contain '..'")
	}
	if strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, ".") {
		return merrors.Validation("validate variant name", name, "name must not end with '.lock' or '.'")
	}
	if !variantNamePattern.MatchString(name) {
		return merrors.Validation("validate variant name", name,
			"name must start with a letter or digit and contain only letters, digits, '.', '_' or '-'")
	}
	return nil
}

// VariantSeparator joins a mind and variant name into a process key.
const VariantSeparator = "@"

// Key returns the supervisor key for a mind or one of its variants.
func Key(mind, variant string) string {
	if variant == "" {
		return mind
	}
	return mind + VariantSeparator + variant
}

// ParseKey splits a supervisor key into mind and variant names.
func ParseKey(key string) (mind, variant string) {
	mind, variant, _ = strings.Cut(key, VariantSeparator)
	return mind, variant
}

// IsVariantKey reports whether key addresses a variant. Callers use this to
// keep schedules, connectors and budgets wired to base minds only.
func IsVariantKey(key string) bool {
	return strings.Contains(key, VariantSeparator)
}
