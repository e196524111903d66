package api

import (
	"github.com/p-blackswan/mindkeeper/internal/registry"
	"github.com/p-blackswan/mindkeeper/internal/store"
	"github.com/p-blackswan/mindkeeper/internal/variant"
)

// CreateMindRequest is the body of POST /api/v1/minds.
type CreateMindRequest struct {
	Name     string `json:"name"`
	Template string `json:"template,omitempty"`
	Start    bool   `json:"start,omitempty"`
}

// MindResponse is a mind with its live process state.
type MindResponse struct {
	registry.MindEntry
	PID              int               `json:"pid,omitempty"`
	UpgradeAvailable bool              `json:"upgradeAvailable"`
	Variants         []VariantResponse `json:"variants,omitempty"`
}

// MindListResponse is the response for GET /api/v1/minds.
type MindListResponse struct {
	Minds []MindResponse `json:"minds"`
	Total int            `json:"total"`
}

// ForkRequest is the body of POST /api/v1/minds/:name/variants.
type ForkRequest struct {
	Name string `json:"name"`
	variant.ForkOptions
}

// VariantResponse is a variant with its live process state.
type VariantResponse struct {
	registry.Variant
	Running bool `json:"running"`
}

// VariantListResponse is the response for GET /api/v1/minds/:name/variants.
type VariantListResponse struct {
	Variants []VariantResponse `json:"variants"`
	Total    int               `json:"total"`
}

// StatusResponse reports a process state change.
type StatusResponse struct {
	Key     string `json:"key"`
	Running bool   `json:"running"`
}

// DeadLetterListResponse is the response for GET /api/v1/dead-letters.
type DeadLetterListResponse struct {
	DeadLetters []*store.DeadLetter `json:"deadLetters"`
	Total       int                 `json:"total"`
}

// RetryResponse reports the outcome of a dead letter retry.
type RetryResponse struct {
	ID       string `json:"id"`
	Resolved bool   `json:"resolved"`
	Error    string `json:"error,omitempty"`
}

// SnapshotMind is one entry of the snapshot sent to new event subscribers.
type SnapshotMind struct {
	Name     string   `json:"name"`
	Running  bool     `json:"running"`
	Stage    string   `json:"stage,omitempty"`
	Variants []string `json:"variants,omitempty"`
}
