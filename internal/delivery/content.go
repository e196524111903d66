// Package delivery hands routed messages to their destination: a running
// mind session (immediately or in timed batches) or a file inside the mind.
package delivery

import (
	"strings"

	"github.com/p-blackswan/mindkeeper/internal/routing"
)

// Part types.
const (
	PartText  = "text"
	PartImage = "image"
)

// Part is one piece of message content.
type Part struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	// Data is base64-encoded image bytes.
	Data string `json:"data,omitempty"`
}

// Content is the structured payload of a message.
type Content struct {
	Parts []Part `json:"parts"`
}

// TextContent builds a single-part text payload.
func TextContent(s string) Content {
	return Content{Parts: []Part{{Type: PartText, Text: s}}}
}

// Text joins every text part with newlines.
func (c Content) Text() string {
	var texts []string
	for _, p := range c.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Empty reports whether there is nothing to deliver.
func (c Content) Empty() bool {
	for _, p := range c.Parts {
		if p.Text != "" || p.Data != "" {
			return false
		}
	}
	return true
}

// Message is an inbound message addressed to a mind.
type Message struct {
	Content Content      `json:"content"`
	Meta    routing.Meta `json:"meta"`
}
