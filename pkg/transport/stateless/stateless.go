// Package stateless implements the request/response transport strategy.
//
// It adapts a one-shot chat backend to the same event contract the streaming
// strategy provides: each SendText call produces a synthetic
// model-turn-started, a single assistant transcript fragment carrying the
// whole reply, and a turn-complete. The session engine's turn reconstruction
// then behaves identically on both strategies — the stateless reply is just
// a degenerate stream of one fragment.
package stateless

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/parlavo/parlavo/pkg/chat"
	"github.com/parlavo/parlavo/pkg/transport"
)

// Compile-time assertions.
var _ transport.Strategy = (*Strategy)(nil)
var _ transport.Handle = (*session)(nil)

const (
	eventBuffer   = 16
	requestBuffer = 16
)

// Strategy implements transport.Strategy over a chat.Provider.
type Strategy struct {
	provider chat.Provider
}

// New creates a stateless Strategy backed by the given chat provider.
func New(provider chat.Provider) *Strategy {
	return &Strategy{provider: provider}
}

// Connect implements transport.Strategy. No network round-trip happens here;
// the handle is ready immediately and EventOpen is already queued.
func (st *Strategy) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Handle, error) {
	if st.provider == nil {
		return nil, fmt.Errorf("stateless: no chat provider configured")
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		provider:     st.provider,
		instructions: opts.Instructions,
		events:       make(chan transport.Event, eventBuffer),
		requests:     make(chan string, requestBuffer),
		workerDone:   make(chan struct{}),
		ctx:          sessCtx,
		cancel:       cancel,
	}
	s.events <- transport.Event{Type: transport.EventOpen}
	go s.worker()
	return s, nil
}

// session is one open stateless conversation. A single worker goroutine
// drains the request queue, so replies always arrive in send order.
type session struct {
	provider     chat.Provider
	instructions string
	events       chan transport.Event
	requests     chan string
	workerDone   chan struct{}

	mu     sync.Mutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// worker completes queued user messages one at a time.
func (s *session) worker() {
	defer close(s.workerDone)

	for {
		select {
		case <-s.ctx.Done():
			return
		case text := <-s.requests:
			s.complete(text)
		}
	}
}

// complete runs one completion and emits the synthetic event triple.
func (s *session) complete(text string) {
	reply, err := s.provider.Complete(s.ctx, chat.Request{
		Instructions: s.instructions,
		Text:         text,
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return // session closed mid-request
		}
		s.emit(transport.Event{Type: transport.EventError, Err: mapChatError(err)})
		return
	}

	// Synthesise the streaming shape from the single reply.
	s.emit(transport.Event{Type: transport.EventModelTurnStarted})
	s.emit(transport.Event{Type: transport.EventAssistantTranscript, Text: reply})
	s.emit(transport.Event{Type: transport.EventTurnComplete})
}

// emit delivers an event unless the session is shutting down.
func (s *session) emit(ev transport.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// SendAudio is not supported: the stateless path expects recognised text from
// the capture side, not raw PCM.
func (s *session) SendAudio(_ []byte) error {
	return fmt.Errorf("stateless: raw audio input not supported; send recognised text")
}

// SendText queues a completion for the user message. The call returns
// immediately; the reply (or error) arrives on the event stream.
func (s *session) SendText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrSessionClosed
	}
	s.mu.Unlock()

	select {
	case s.requests <- text:
		return nil
	case <-s.ctx.Done():
		return transport.ErrSessionClosed
	}
}

// Events implements transport.Handle.
func (s *session) Events() <-chan transport.Event { return s.events }

// Close implements transport.Handle. Idempotent. Queued and in-flight
// completions are abandoned via context cancellation.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.closeOnce.Do(func() {
		go func() {
			<-s.workerDone
			select {
			case s.events <- transport.Event{Type: transport.EventClosed}:
			default:
			}
			close(s.events)
		}()
	})
	return nil
}

// mapChatError translates chat sentinels into the transport taxonomy.
func mapChatError(err error) error {
	switch {
	case errors.Is(err, chat.ErrModelUnavailable):
		return fmt.Errorf("%w: %v", transport.ErrModelUnavailable, err)
	case errors.Is(err, chat.ErrAuthInvalid):
		return fmt.Errorf("%w: %v", transport.ErrAuthInvalid, err)
	}
	return err
}
