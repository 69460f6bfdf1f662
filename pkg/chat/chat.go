// Package chat defines the one-shot completion contract used by the
// stateless transport strategy. Each backend takes a complete user message
// and returns a complete assistant reply; no connection or conversation state
// is held between calls.
package chat

import (
	"context"
	"errors"
)

// Sentinel errors shared by all chat backends.
var (
	// ErrModelUnavailable means the requested model does not exist or is not
	// supported. Backends with a fallback list return it only after every
	// candidate has been tried.
	ErrModelUnavailable = errors.New("chat: model unavailable")

	// ErrAuthInvalid means the backend rejected the configured credentials.
	ErrAuthInvalid = errors.New("chat: invalid credentials")
)

// Request is one stateless completion call.
type Request struct {
	// Instructions is the system instruction (persona, target language).
	// Backends without a native system role prepend it to the user text.
	Instructions string

	// Text is the complete user message.
	Text string
}

// Provider produces one assistant reply per request. Implementations must be
// safe for concurrent use.
type Provider interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Complete returns the assistant's full reply text.
	Complete(ctx context.Context, req Request) (string, error)
}
