// Package transport defines the backend contract the Parlavo session engine
// speaks. Two strategies implement it: a streaming duplex connection
// (transport/live) and a stateless request/response adapter
// (transport/stateless). The engine consumes both through the same [Handle]
// event stream, so turn reconstruction and persistence never care which one
// is active.
package transport

import (
	"context"
	"errors"
)

// Sentinel errors for the connection taxonomy. Strategies wrap these so the
// session engine can classify failures without knowing backend specifics.
var (
	// ErrAuthInvalid means the backend rejected the configured credentials.
	ErrAuthInvalid = errors.New("transport: invalid credentials")

	// ErrModelUnavailable means the requested model does not exist or is not
	// supported by the backend (and every configured fallback was exhausted).
	ErrModelUnavailable = errors.New("transport: model unavailable")

	// ErrSessionClosed is returned by sends on a closed handle.
	ErrSessionClosed = errors.New("transport: session closed")
)

// EventType discriminates the variants of [Event].
type EventType int

const (
	// EventOpen signals that the backend is ready for input. Streaming
	// strategies emit it once the protocol handshake completes; the
	// stateless strategy emits it immediately.
	EventOpen EventType = iota

	// EventUserTranscript carries a partial transcript fragment of the
	// user's speech.
	EventUserTranscript

	// EventModelTurnStarted signals that the model has begun responding.
	// This is the backend's own indication that it considered the user's
	// utterance complete.
	EventModelTurnStarted

	// EventAssistantTranscript carries a partial transcript fragment of the
	// assistant's response.
	EventAssistantTranscript

	// EventAudio carries a chunk of synthesised assistant audio for
	// playback.
	EventAudio

	// EventTurnComplete signals that the assistant finished its response.
	// Best-effort: streaming backends may omit it, in which case the session
	// engine's debounce heuristics decide the boundary.
	EventTurnComplete

	// EventInterrupted signals that the assistant's response was cut off by
	// new user input.
	EventInterrupted

	// EventError carries a fatal backend error. No further events follow
	// except EventClosed.
	EventError

	// EventClosed is the final event on a handle's stream; the channel is
	// closed right after it.
	EventClosed
)

// String returns the event type name for logs.
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventUserTranscript:
		return "user_transcript"
	case EventModelTurnStarted:
		return "model_turn_started"
	case EventAssistantTranscript:
		return "assistant_transcript"
	case EventAudio:
		return "audio"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a tagged union of everything a backend can tell the session
// engine. Only the fields relevant to Type are set.
type Event struct {
	Type  EventType
	Text  string
	Audio []byte
	Err   error
}

// ConnectOptions configures a new backend session.
type ConnectOptions struct {
	// Instructions is the system instruction sent to the model (persona,
	// target language, correction style).
	Instructions string

	// Model overrides the strategy's default model. Stateless strategies
	// treat it as the first entry of their fallback list.
	Model string
}

// Handle is one open backend session. Events delivers backend output in
// arrival order on a single channel; the channel is closed after EventClosed.
// Close is idempotent.
type Handle interface {
	// SendAudio delivers a raw PCM chunk (16 kHz, s16le, mono) to the model.
	SendAudio(chunk []byte) error

	// SendText delivers a complete user text message to the model.
	SendText(text string) error

	// Events returns the backend event stream.
	Events() <-chan Event

	// Close terminates the session and releases resources.
	Close() error
}

// Strategy opens backend sessions. Implementations must be safe for
// concurrent use; each Connect call yields an independent handle.
type Strategy interface {
	Connect(ctx context.Context, opts ConnectOptions) (Handle, error)
}
