// Package requestid propagates request IDs through contexts and loggers so a
// single API call can be followed across supervisor, delivery and git logs.
package requestid

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Header is the HTTP header carrying the request ID.
const Header = "X-Request-ID"

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or "" if none is set.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Ensure returns the caller-supplied ID when it is a well-formed UUID and a
// fresh one otherwise, so untrusted header values never reach the logs.
func Ensure(incoming string) string {
	if incoming != "" {
		if _, err := uuid.Parse(incoming); err == nil {
			return incoming
		}
	}
	return uuid.NewString()
}

// Logger returns logger annotated with the request ID in ctx, if any.
func Logger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if id := FromContext(ctx); id != "" {
		return logger.With().Str("request_id", id).Logger()
	}
	return logger
}
