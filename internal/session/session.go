// Package session is the Parlavo conversation engine: it owns the session
// lifecycle, wires microphone capture into the backend transport, folds the
// backend's event stream through the turn accumulator, and hands sealed turns
// to the discussion store without blocking the live conversation.
//
// One Engine runs at most one session at a time. The microphone and the
// transport handle are exclusive resources; Stop always releases both before
// a new Start can acquire them. Every asynchronous completion is guarded by a
// session generation counter, so results that arrive after Stop are dropped
// rather than applied to a session that no longer exists.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parlavo/parlavo/internal/observe"
	"github.com/parlavo/parlavo/internal/turn"
	"github.com/parlavo/parlavo/pkg/capture"
	"github.com/parlavo/parlavo/pkg/discussion"
	"github.com/parlavo/parlavo/pkg/transport"
)

// Sentinel errors for the engine surface.
var (
	// ErrSessionActive is returned by Start while a session is running.
	ErrSessionActive = errors.New("session: already active")

	// ErrNotActive is returned by operations that need a running session.
	ErrNotActive = errors.New("session: no active session")
)

const (
	eventBuffer   = 256
	persistBuffer = 64
)

// reviewPrompt asks the assistant to act as a language coach on the
// conversation so far.
const reviewPrompt = "Please review what I have said so far in this conversation: " +
	"point out grammar and vocabulary mistakes, and suggest more natural phrasing."

// Option configures an Engine.
type Option func(*Engine)

// WithLiveStrategy sets the streaming backend used for voice sessions (and
// for text sessions when no stateless strategy is configured).
func WithLiveStrategy(s transport.Strategy) Option {
	return func(e *Engine) { e.liveStrategy = s }
}

// WithTextStrategy sets the stateless backend preferred for text sessions.
func WithTextStrategy(s transport.Strategy) Option {
	return func(e *Engine) { e.textStrategy = s }
}

// WithCapture sets the microphone adapter required for voice mode.
func WithCapture(a capture.Adapter) Option {
	return func(e *Engine) { e.capture = a }
}

// WithInstructions sets the system instruction sent to the backend.
func WithInstructions(instructions string) Option {
	return func(e *Engine) { e.instructions = instructions }
}

// WithPolicy overrides the turn-completion heuristics.
func WithPolicy(cfg turn.PolicyConfig) Option {
	return func(e *Engine) { e.policyCfg = cfg }
}

// WithClock injects the timer source for the completion policy. Tests use a
// fake clock to drive debounce expiry deterministically.
func WithClock(c turn.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNow injects the wall clock used for discussion and seal timestamps.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine coordinates one conversation session at a time. Safe for concurrent
// use.
type Engine struct {
	store        discussion.Store
	liveStrategy transport.Strategy
	textStrategy transport.Strategy
	capture      capture.Adapter
	instructions string
	policyCfg    turn.PolicyConfig
	clock        turn.Clock
	logger       *slog.Logger
	metrics      *observe.Metrics
	now          func() time.Time

	events chan Event

	// generation invalidates in-flight async completions. It is bumped only
	// while holding mu, but may be read lock-free on hot emit paths.
	generation atomic.Int64

	mu               sync.Mutex
	status           Status
	cur              *activeSession
	lastDiscussionID string
}

// activeSession is the state of one running session. Created by Start and
// torn down exactly once, by Stop or by a fatal backend error.
type activeSession struct {
	gen          int64
	mode         Mode
	discussionID string
	handle       transport.Handle
	acc          *turn.Accumulator
	policy       *turn.CompletionPolicy
	persistCh    chan discussion.Turn
	persistDone  chan struct{}
	captureOn    bool
}

// New creates an Engine persisting to store.
func New(store discussion.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		status: StatusIdle,
		events: make(chan Event, eventBuffer),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Events returns the engine's event stream. The buffer is generous but the
// consumer must keep draining it; when it falls behind, high-rate partial and
// audio events are dropped first.
func (e *Engine) Events() <-chan Event { return e.events }

// Status returns the current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Start opens a new session: creates the discussion record, connects the
// backend, and in voice mode acquires the microphone. Any failure releases
// everything acquired so far and reports error then idle on the event stream.
func (e *Engine) Start(ctx context.Context, name string, mode Mode) error {
	if !mode.IsValid() {
		return fmt.Errorf("session: invalid mode %q", mode)
	}

	e.mu.Lock()
	if e.cur != nil {
		e.mu.Unlock()
		return ErrSessionActive
	}
	gen := e.generation.Add(1)
	e.setStatusLocked(StatusConnecting, nil)
	e.mu.Unlock()

	if err := e.open(ctx, gen, name, mode); err != nil {
		e.mu.Lock()
		if gen == e.generation.Load() {
			e.setStatusLocked(StatusError, err)
			e.setStatusLocked(StatusIdle, nil)
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

// open performs the Start sequence for generation gen.
func (e *Engine) open(ctx context.Context, gen int64, name string, mode Mode) error {
	strategy, err := e.strategyFor(mode)
	if err != nil {
		return err
	}

	discussionID, err := e.store.Create(ctx, name, e.now())
	if err != nil {
		return fmt.Errorf("session: create discussion: %w", err)
	}

	connectStart := time.Now()
	handle, err := strategy.Connect(ctx, transport.ConnectOptions{Instructions: e.instructions})
	e.metrics.RecordConnect(ctx, string(mode), time.Since(connectStart).Seconds())
	if err != nil {
		e.endDiscussionQuietly(discussionID)
		return fmt.Errorf("session: connect: %w", err)
	}

	captureOn := false
	if mode == ModeVoice {
		if err := e.capture.Start(ctx); err != nil {
			_ = handle.Close()
			e.endDiscussionQuietly(discussionID)
			return fmt.Errorf("session: start capture: %w", err)
		}
		captureOn = true
	}

	s := &activeSession{
		gen:          gen,
		mode:         mode,
		discussionID: discussionID,
		handle:       handle,
		acc:          turn.NewAccumulator(e.now),
		policy:       turn.NewCompletionPolicy(e.policyCfg, e.clock),
		persistCh:    make(chan discussion.Turn, persistBuffer),
		persistDone:  make(chan struct{}),
		captureOn:    captureOn,
	}

	e.mu.Lock()
	if gen != e.generation.Load() {
		// Stopped while we were connecting: release everything acquired.
		e.mu.Unlock()
		_ = handle.Close()
		if captureOn {
			_ = e.capture.Stop()
		}
		e.endDiscussionQuietly(discussionID)
		return ErrNotActive
	}
	e.cur = s
	e.lastDiscussionID = discussionID
	e.mu.Unlock()

	e.metrics.ActiveSessions.Add(context.Background(), 1)
	e.logger.Info("session started",
		"discussion", discussionID, "mode", string(mode))

	go e.persistLoop(s)
	go e.dispatch(s)
	if captureOn {
		go e.pumpAudio(s)
		if rec, ok := e.capture.(capture.Recognizer); ok {
			go e.pumpRecognitions(s, rec)
		}
	}
	return nil
}

// strategyFor selects the backend strategy for a mode.
func (e *Engine) strategyFor(mode Mode) (transport.Strategy, error) {
	switch mode {
	case ModeVoice:
		if e.capture == nil {
			return nil, fmt.Errorf("session: voice mode requires a capture adapter")
		}
		if e.liveStrategy == nil {
			return nil, fmt.Errorf("session: voice mode requires the streaming backend")
		}
		return e.liveStrategy, nil
	case ModeText:
		if e.textStrategy != nil {
			return e.textStrategy, nil
		}
		if e.liveStrategy != nil {
			return e.liveStrategy, nil
		}
		return nil, fmt.Errorf("session: no backend configured")
	}
	return nil, fmt.Errorf("session: invalid mode %q", mode)
}

// Stop tears the session down: it synchronously invalidates in-flight
// completions, discards any still-forming turn, releases the microphone and
// backend handle, waits for queued persistence writes, and marks the
// discussion ended. After Stop returns, no further events for the stopped
// session are delivered.
func (e *Engine) Stop(ctx context.Context) (discussion.Summary, error) {
	e.mu.Lock()
	e.generation.Add(1)
	s := e.cur
	e.cur = nil
	if s == nil {
		// Also covers a Stop racing a still-connecting Start: the bumped
		// generation makes the Start release its resources on completion.
		if e.status != StatusIdle {
			e.setStatusLocked(StatusIdle, nil)
		}
		e.mu.Unlock()
		return discussion.Summary{}, ErrNotActive
	}
	e.setStatusLocked(StatusEnding, nil)
	e.mu.Unlock()

	e.teardown(s)

	sum, err := e.store.End(ctx, s.discussionID, e.now())

	e.mu.Lock()
	e.setStatusLocked(StatusIdle, nil)
	e.mu.Unlock()

	if err != nil {
		return discussion.Summary{}, fmt.Errorf("session: end discussion: %w", err)
	}
	e.logger.Info("session stopped",
		"discussion", s.discussionID, "turns", sum.TurnCount)
	return sum, nil
}

// teardown releases a deregistered session's resources. A still-forming turn
// is discarded, never sealed: a stale partial must not leak past the session
// that produced it. Queued persistence writes are flushed before returning.
func (e *Engine) teardown(s *activeSession) {
	s.policy.CancelAll()
	s.acc.DiscardAll()
	if s.captureOn {
		if err := e.capture.Stop(); err != nil {
			e.logger.Warn("failed to stop capture", "error", err)
		}
	}
	_ = s.handle.Close()
	close(s.persistCh)
	<-s.persistDone
	e.metrics.ActiveSessions.Add(context.Background(), -1)
}

// SendText delivers a typed user message. Called from idle it auto-starts a
// text session first. A still-forming assistant reply is discarded before the
// new message goes out — the newest explicit user action supersedes a stale
// reply.
func (e *Engine) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("session: empty message")
	}

	e.mu.Lock()
	s := e.cur
	e.mu.Unlock()

	if s == nil {
		err := e.Start(ctx, autoName(e.now), ModeText)
		if err != nil && !errors.Is(err, ErrSessionActive) {
			return err
		}
		e.mu.Lock()
		s = e.cur
		e.mu.Unlock()
		if s == nil {
			return ErrNotActive
		}
	}
	return e.sendUserText(s, text)
}

// RequestReview asks the assistant to critique the learner's utterances so
// far. It is an ordinary user message as far as the backend is concerned.
func (e *Engine) RequestReview(ctx context.Context) error {
	return e.SendText(ctx, reviewPrompt)
}

// AttachFeedback records the learner's rating of the most recent discussion,
// current or already ended.
func (e *Engine) AttachFeedback(ctx context.Context, rating int, notes string) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("session: rating %d out of range [1, 5]", rating)
	}

	e.mu.Lock()
	id := e.lastDiscussionID
	e.mu.Unlock()
	if id == "" {
		return fmt.Errorf("session: no discussion to rate")
	}

	fb := discussion.Feedback{Rating: rating, Notes: notes, SubmittedAt: e.now()}
	if err := e.store.AttachFeedback(ctx, id, fb); err != nil {
		return fmt.Errorf("session: attach feedback: %w", err)
	}
	return nil
}

// sendUserText seals the typed message as a user turn and forwards it to the
// backend. Pending user speech, if any, is sealed first as its own turn.
func (e *Engine) sendUserText(s *activeSession, text string) error {
	e.mu.Lock()
	if s.gen != e.generation.Load() {
		e.mu.Unlock()
		return ErrNotActive
	}

	// Supersede: drop the assistant's still-forming reply.
	s.policy.Cancel(discussion.SpeakerAssistant)
	s.acc.Discard(discussion.SpeakerAssistant)

	if s.acc.Active(discussion.SpeakerUser) {
		e.sealLocked(s, discussion.SpeakerUser)
	}
	s.acc.Append(discussion.SpeakerUser, text)
	e.sealLocked(s, discussion.SpeakerUser)
	handle := s.handle
	e.mu.Unlock()

	if err := handle.SendText(text); err != nil {
		return fmt.Errorf("session: send text: %w", err)
	}
	return nil
}

// autoName labels sessions started implicitly by SendText.
func autoName(now func() time.Time) string {
	return "Conversation " + now().Format("2006-01-02 15:04")
}
