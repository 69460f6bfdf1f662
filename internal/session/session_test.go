package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parlavo/parlavo/internal/session"
	"github.com/parlavo/parlavo/internal/turn"
	"github.com/parlavo/parlavo/pkg/capture"
	capturemock "github.com/parlavo/parlavo/pkg/capture/mock"
	"github.com/parlavo/parlavo/pkg/discussion"
	"github.com/parlavo/parlavo/pkg/discussion/memstore"
	"github.com/parlavo/parlavo/pkg/transport"
)

// ── test doubles ────────────────────────────────────────────────────────────

// mockHandle is a scriptable transport.Handle. Tests push backend events via
// push and end the stream via finish; Close does not close the event channel
// so tests can deliver events that were "in flight" when the session ended.
type mockHandle struct {
	events chan transport.Event

	mu        sync.Mutex
	sentText  []string
	sentAudio [][]byte
	closed    bool
	finished  bool
}

func newMockHandle() *mockHandle {
	return &mockHandle{events: make(chan transport.Event, 64)}
}

func (h *mockHandle) SendAudio(chunk []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrSessionClosed
	}
	h.sentAudio = append(h.sentAudio, append([]byte(nil), chunk...))
	return nil
}

func (h *mockHandle) SendText(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrSessionClosed
	}
	h.sentText = append(h.sentText, text)
	return nil
}

func (h *mockHandle) Events() <-chan transport.Event { return h.events }

func (h *mockHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *mockHandle) push(ev transport.Event) { h.events <- ev }

func (h *mockHandle) finish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.finished {
		h.finished = true
		close(h.events)
	}
}

func (h *mockHandle) texts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.sentText))
	copy(out, h.sentText)
	return out
}

func (h *mockHandle) audioFrames() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sentAudio)
}

// mockStrategy hands out a prepared handle.
type mockStrategy struct {
	mu         sync.Mutex
	handle     *mockHandle
	connectErr error
	connects   int
	opts       []transport.ConnectOptions
}

func (st *mockStrategy) Connect(_ context.Context, opts transport.ConnectOptions) (transport.Handle, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.connects++
	st.opts = append(st.opts, opts)
	if st.connectErr != nil {
		return nil, st.connectErr
	}
	if st.handle == nil {
		st.handle = newMockHandle()
	}
	return st.handle, nil
}

// fakeClock records armed timers; tests fire them by hand.
type fakeTimer struct {
	d  time.Duration
	fn func()

	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	t.fn()
}

type fakeClock struct {
	mu    sync.Mutex
	armed []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) turn.Timer {
	t := &fakeTimer{d: d, fn: fn}
	c.mu.Lock()
	c.armed = append(c.armed, t)
	c.mu.Unlock()
	return t
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.armed) == 0 {
		return nil
	}
	return c.armed[len(c.armed)-1]
}

// failingStore wraps a store and fails AppendTurn on demand.
type failingStore struct {
	discussion.Store
	mu      sync.Mutex
	failing bool
}

func (s *failingStore) AppendTurn(ctx context.Context, id string, t discussion.Turn) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return s.Store.AppendTurn(ctx, id, t)
}

// ── helpers ─────────────────────────────────────────────────────────────────

type fixture struct {
	engine   *session.Engine
	store    *memstore.Store
	strategy *mockStrategy
	handle   *mockHandle
	clock    *fakeClock
}

func newFixture(t *testing.T, opts ...session.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    memstore.New(),
		strategy: &mockStrategy{handle: newMockHandle()},
		clock:    &fakeClock{},
	}
	f.handle = f.strategy.handle
	base := []session.Option{
		session.WithLiveStrategy(f.strategy),
		session.WithTextStrategy(f.strategy),
		session.WithClock(f.clock),
		session.WithInstructions("You are a friendly French tutor."),
	}
	f.engine = session.New(f.store, append(base, opts...)...)
	return f
}

// nextEvent reads one engine event with a timeout.
func nextEvent(t *testing.T, e *session.Engine) session.Event {
	t.Helper()
	select {
	case ev := <-e.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for engine event")
		return session.Event{}
	}
}

// waitFor reads events until pred matches, returning everything read.
func waitFor(t *testing.T, e *session.Engine, pred func(session.Event) bool) []session.Event {
	t.Helper()
	var seen []session.Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			seen = append(seen, ev)
			if pred(ev) {
				return seen
			}
		case <-deadline:
			t.Fatalf("timeout; saw %d events", len(seen))
		}
	}
}

func waitForStatus(t *testing.T, e *session.Engine, want session.Status) []session.Event {
	t.Helper()
	return waitFor(t, e, func(ev session.Event) bool {
		return ev.Kind == session.KindStatus && ev.Status == want
	})
}

func waitForTurn(t *testing.T, e *session.Engine, speaker discussion.Speaker) discussion.Turn {
	t.Helper()
	seen := waitFor(t, e, func(ev session.Event) bool {
		return ev.Kind == session.KindTurn && ev.Turn.Speaker == speaker
	})
	return seen[len(seen)-1].Turn
}

// startText starts a text session and waits until it is listening.
func startText(t *testing.T, f *fixture) {
	t.Helper()
	if err := f.engine.Start(context.Background(), "test", session.ModeText); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.handle.push(transport.Event{Type: transport.EventOpen})
	waitForStatus(t, f.engine, session.StatusListening)
}

// ── lifecycle ───────────────────────────────────────────────────────────────

func TestStart_TransitionsToListeningOnOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.engine.Start(context.Background(), "morning practice", session.ModeText); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.engine.Status(); got != session.StatusConnecting {
		t.Errorf("status after Start = %v; want connecting", got)
	}

	f.handle.push(transport.Event{Type: transport.EventOpen})
	waitForStatus(t, f.engine, session.StatusListening)

	// Instructions are forwarded to the backend.
	f.strategy.mu.Lock()
	opts := f.strategy.opts[0]
	f.strategy.mu.Unlock()
	if opts.Instructions != "You are a friendly French tutor." {
		t.Errorf("instructions = %q", opts.Instructions)
	}

	// The discussion record exists.
	list, err := f.store.List(context.Background())
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v; want one discussion", list, err)
	}
	if list[0].Name != "morning practice" {
		t.Errorf("discussion name = %q", list[0].Name)
	}
}

func TestStart_SecondSessionRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	startText(t, f)

	if err := f.engine.Start(context.Background(), "again", session.ModeText); !errors.Is(err, session.ErrSessionActive) {
		t.Errorf("second Start = %v; want ErrSessionActive", err)
	}
}

func TestStart_VoiceWithoutCaptureFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.engine.Start(context.Background(), "test", session.ModeVoice)
	if err == nil {
		t.Fatal("voice Start without capture adapter should fail")
	}
	if got := f.engine.Status(); got != session.StatusIdle {
		t.Errorf("status after failed Start = %v; want idle", got)
	}
}

func TestStart_ConnectFailureReleasesAndReportsError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.strategy.mu.Lock()
	f.strategy.connectErr = transport.ErrAuthInvalid
	f.strategy.mu.Unlock()

	err := f.engine.Start(context.Background(), "test", session.ModeText)
	if !errors.Is(err, transport.ErrAuthInvalid) {
		t.Fatalf("Start = %v; want ErrAuthInvalid", err)
	}

	waitForStatus(t, f.engine, session.StatusError)
	waitForStatus(t, f.engine, session.StatusIdle)

	// The pre-created discussion is closed rather than left dangling.
	list, _ := f.store.List(context.Background())
	if len(list) != 1 || list[0].EndedAt.IsZero() {
		t.Errorf("discussion after failed connect = %+v", list)
	}
}

func TestStop_ReturnsSummaryAndReleasesSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	startText(t, f)

	if err := f.engine.SendText(context.Background(), "Bonjour !"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitForTurn(t, f.engine, discussion.SpeakerUser)

	sum, err := f.engine.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sum.TurnCount != 1 {
		t.Errorf("TurnCount = %d; want 1", sum.TurnCount)
	}
	if got := f.engine.Status(); got != session.StatusIdle {
		t.Errorf("status after Stop = %v; want idle", got)
	}

	// A fresh session can start now.
	f.strategy.mu.Lock()
	f.strategy.handle = newMockHandle()
	f.strategy.mu.Unlock()
	if err := f.engine.Start(context.Background(), "second", session.ModeText); err != nil {
		t.Errorf("Start after Stop: %v", err)
	}
}

func TestStop_WhenIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.engine.Stop(context.Background()); !errors.Is(err, session.ErrNotActive) {
		t.Errorf("Stop when idle = %v; want ErrNotActive", err)
	}
}

// ── turn reconstruction ─────────────────────────────────────────────────────

func TestUserTurn_SealedWhenModelStartsResponding(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	startText(t, f)

	for _, frag := range []string{"I ", "went ", "to ", "the ", "store"} {
		f.handle.push(transport.Event{Type: transport.EventUserTranscript, Text: frag})
	}
	f.handle.push(transport.Event{Type: transport.EventModelTurnStarted})
	f.handle.push(transport.Event{Type: transport.EventAssistantTranscript, Text: "Great sentence!"})

	// The user turn must be sealed before the assistant fragment shows up.
	var sawAssistantPartial bool
	seen := waitFor(t, f.engine, func(ev session.Event) bool {
		if ev.Kind == session.KindPartial && ev.Speaker == discussion.SpeakerAssistant {
			sawAssistantPartial = true
		}
		return ev.Kind == session.KindTurn
	})
	if sawAssistantPartial {
		t.Error("assistant partial observed before the user turn sealed")
	}
	got := seen[len(seen)-1].Turn
	if got.Speaker != discussion.SpeakerUser || got.Text != "I went to the store" {
		t.Errorf("turn = %+v", got)
	}
}

func TestAssistantTurn_SealedOnExplicitComplete(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	startText(t, f)

	f.handle.push(transport.Event{Type: transport.EventAssistantTranscript, Text: "Bonjour, "})
	f.handle.push(transport.Event{Type: transport.EventAssistantTranscript, Text: "comment ça va ?"})
	f.handle.push(transport.Event{Type: transport.EventTurnComplete})

	got := waitForTurn(t, f.engine, discussion.SpeakerAssistant)
	if got.Text != "Bonjour, comment ça va ?" {
		t.Errorf("turn text = %q", got.Text)
	}

	// A duplicate completion signal must not seal a second turn.
	f.handle.push(transport.Event{Type: transport.EventTurnComplete})
	f.handle.push(transport.Event{Type: transport.EventUserTranscript, Text: "sync"})
	waitFor(t, f.engine, func(ev session.Event) bool {
		return ev.Kind == session.KindPartial && ev.Speaker == discussion.SpeakerUser
	})

	count := persistedTurns(t, f)
	waitUntil(t, func() bool { return count() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := count(); got != 1 {
		t.Errorf("persisted turns = %d; want 1", got)
	}
}

func TestAssistantTurn_SealedByDebounceTimer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	startText(t, f)

	f.handle.push(transport.Event{Type: transport.EventAssistantTranscript, Text: "Hello"})
	f.handle.push(transport.Event{Type: transport.EventAssistantTranscript, Text: "!"})
	waitFor(t, f.engine, func(ev session.Event) bool {
		return ev.Kind == session.KindPartial && ev.Partial == "Hello!"
	})

	// Terminal punctuation selects the short window.
	timer := f.clock.last()
	if timer == nil {
		t.Fatal("no debounce timer armed")
	}
	if timer.d != turn.DefaultPunctuationDebounce {
		t.Errorf("debounce window = %v; want %v", timer.d, turn.DefaultPunctuationDebounce)
	}

	timer.fire()
	got := waitForTurn(t, f.engine, discussion.SpeakerAssistant)
	if got.Text != "Hello!" {
		t.Errorf("turn text = %q", got.Text)
	}
}

func TestAssistantTurn_ExplicitSignalCancelsTimer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	startText(t, f)

	f.handle.push(transport.Event{Type: transport.EventAssistantTranscript, Text: "Bien."})
	f.handle.push(transport.Event{Type: transport.EventTurnComplete})
	waitForTurn(t, f.engine, discussion.SpeakerAssistant)

	// Firing the stale timer afterwards must not produce a second turn.
	if timer := f.clock.last(); timer != nil {
		timer.fire()
	}

	count := persistedTurns(t, f)
	waitUntil(t, func() bool { return count() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := count(); got != 1 {
		t.Errorf("persisted turns = %d; want 1", got)
	}
}

func TestTurns_PersistedInSealOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	startText(t, f)

	f.handle.push(transport.Event{Type: transport.EventUserTranscript, Text: "Où est la gare ?"})
	f.handle.push(transport.Event{Type: transport.EventModelTurnStarted})
	f.handle.push(transport.Event{Type: transport.EventAssistantTranscript, Text: "Tout droit, puis à gauche."})
	f.handle.push(transport.Event{Type: transport.EventTurnComplete})
	waitForTurn(t, f.engine, discussion.SpeakerAssistant)

	sum, err := f.engine.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	d, err := f.store.Get(context.Background(), sum.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(d.Turns) != 2 {
		t.Fatalf("persisted turns = %d; want 2", len(d.Turns))
	}
	if d.Turns[0].Speaker != discussion.SpeakerUser || d.Turns[1].Speaker != discussion.SpeakerAssistant {
		t.Errorf("turn order = [%s %s]; want [user assistant]",
			d.Turns[0].Speaker, d.Turns[1].Speaker)
	}
}

// ── stop semantics ──────────────────────────────────────────────────────────

func TestStop_DiscardsPendingBufferAndEndsDiscussion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	startText(t, f)

	f.handle.push(transport.Event{Type: transport.EventAssistantTranscript, Text: "Bonjo"})
	waitFor(t, f.engine, func(ev session.Event) bool {
		return ev.Kind == session.KindPartial && ev.Partial == "Bonjo"
	})

	sum, err := f.engine.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sum.TurnCount != 0 {
		t.Errorf("TurnCount = %d; want 0 (partial discarded, not sealed)", sum.TurnCount)
	}
	d, _ := f.store.Get(context.Background(), sum.ID)
	if d.EndedAt.IsZero() {
		t.Error("discussion not marked ended")
	}
}

func TestStop_IsTerminalForInFlightEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	startText(t, f)

	if _, err := f.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Drain everything emitted up to and including the idle transition.
	waitForStatus(t, f.engine, session.StatusIdle)

	// Deliver events that were in flight when the session ended.
	f.handle.push(transport.Event{Type: transport.EventAssistantTranscript, Text: "stale"})
	f.handle.push(transport.Event{Type: transport.EventTurnComplete})
	f.handle.push(transport.Event{Type: transport.EventAudio, Audio: []byte{1}})
	f.handle.finish()

	select {
	case ev, ok := <-f.engine.Events():
		if ok {
			t.Errorf("event after Stop: kind=%v", ev.Kind)
		}
	case <-time.After(300 * time.Millisecond):
		// Nothing delivered: stop is terminal.
	}
}

// ── text sessions ───────────────────────────────────────────────────────────

func TestSendText_AutoStartsFromIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.engine.SendText(context.Background(), "Je voudrais un café."); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	got := waitForTurn(t, f.engine, discussion.SpeakerUser)
	if got.Text != "Je voudrais un café." {
		t.Errorf("turn text = %q", got.Text)
	}
	if texts := f.handle.texts(); len(texts) != 1 || texts[0] != "Je voudrais un café." {
		t.Errorf("backend received %v", f.handle.texts())
	}
	if got := f.engine.Status(); got == session.StatusIdle {
		t.Error("engine still idle after auto-start")
	}
}

func TestSendText_SupersedesFormingAssistantReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	startText(t, f)

	f.handle.push(transport.Event{Type: transport.EventAssistantTranscript, Text: "Let me think about"})
	waitFor(t, f.engine, func(ev session.Event) bool {
		return ev.Kind == session.KindPartial && ev.Speaker == discussion.SpeakerAssistant
	})

	if err := f.engine.SendText(context.Background(), "Actually, never mind."); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitForTurn(t, f.engine, discussion.SpeakerUser)

	// The half-formed reply is gone: firing its stale timer seals nothing.
	if timer := f.clock.last(); timer != nil {
		timer.fire()
	}
	count := persistedTurns(t, f)
	waitUntil(t, func() bool { return count() >= 1 })
	time.Sleep(50 * time.Millisecond)
	d := currentDiscussion(t, f)
	for _, sealed := range d.Turns {
		if sealed.Speaker == discussion.SpeakerAssistant {
			t.Errorf("stale assistant turn persisted: %q", sealed.Text)
		}
	}
}

func TestSendText_EmptyRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.engine.SendText(context.Background(), "   "); err == nil {
		t.Error("empty message should be rejected")
	}
	if got := f.engine.Status(); got != session.StatusIdle {
		t.Errorf("status = %v; want idle (no auto-start on empty)", got)
	}
}

func TestRequestReview_SendsCoachPrompt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	startText(t, f)

	if err := f.engine.RequestReview(context.Background()); err != nil {
		t.Fatalf("RequestReview: %v", err)
	}
	texts := f.handle.texts()
	if len(texts) != 1 {
		t.Fatalf("backend received %d messages; want 1", len(texts))
	}
	if texts[0] == "" {
		t.Error("review prompt is empty")
	}
}

// ── voice sessions ──────────────────────────────────────────────────────────

func TestVoice_PumpsFramesAndStopsCapture(t *testing.T) {
	t.Parallel()

	mic := capturemock.New()
	f := newFixture(t, session.WithCapture(mic))

	if err := f.engine.Start(context.Background(), "speaking", session.ModeVoice); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.handle.push(transport.Event{Type: transport.EventOpen})
	waitForStatus(t, f.engine, session.StatusListening)
	if !mic.Started() {
		t.Fatal("capture adapter not started")
	}

	mic.PushFrame(capturePCM(320))
	mic.PushFrame(capturePCM(320))
	waitUntil(t, func() bool { return f.handle.audioFrames() == 2 })

	if _, err := f.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if mic.StopCalls() == 0 {
		t.Error("capture adapter not stopped")
	}
}

func TestVoice_RecognizerFinalsBecomeUserTurns(t *testing.T) {
	t.Parallel()

	mic := capturemock.New()
	f := newFixture(t, session.WithCapture(mic))

	if err := f.engine.Start(context.Background(), "speaking", session.ModeVoice); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.handle.push(transport.Event{Type: transport.EventOpen})
	waitForStatus(t, f.engine, session.StatusListening)

	mic.PushResult(capturePartial("je vais"))
	mic.PushResult(captureFinal("je vais au marché"))

	got := waitForTurn(t, f.engine, discussion.SpeakerUser)
	if got.Text != "je vais au marché" {
		t.Errorf("turn text = %q", got.Text)
	}
	waitUntil(t, func() bool {
		texts := f.handle.texts()
		return len(texts) == 1 && texts[0] == "je vais au marché"
	})
}

func TestVoice_CaptureFailureAbortsStart(t *testing.T) {
	t.Parallel()

	mic := capturemock.New()
	mic.StartErr = errors.New("mic busy")
	f := newFixture(t, session.WithCapture(mic))

	if err := f.engine.Start(context.Background(), "speaking", session.ModeVoice); err == nil {
		t.Fatal("Start should fail when capture cannot start")
	}
	if got := f.engine.Status(); got != session.StatusIdle {
		t.Errorf("status = %v; want idle", got)
	}
	// The dialled handle must not leak.
	if err := f.handle.SendText("probe"); !errors.Is(err, transport.ErrSessionClosed) {
		t.Error("transport handle left open after capture failure")
	}
}

// ── failure semantics ───────────────────────────────────────────────────────

func TestPersistFailure_WarnsButKeepsSessionAlive(t *testing.T) {
	t.Parallel()

	store := &failingStore{Store: memstore.New()}
	f := newFixture(t)
	f.engine = session.New(store,
		session.WithTextStrategy(f.strategy),
		session.WithClock(f.clock),
	)
	startText(t, f)

	store.mu.Lock()
	store.failing = true
	store.mu.Unlock()

	if err := f.engine.SendText(context.Background(), "Bonjour !"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, f.engine, func(ev session.Event) bool {
		return ev.Kind == session.KindWarning
	})

	if got := f.engine.Status(); got != session.StatusListening {
		t.Errorf("status after persist failure = %v; want listening", got)
	}
}

func TestTransportError_FailsSessionButPreservesSealedTurns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	startText(t, f)

	if err := f.engine.SendText(context.Background(), "Salut !"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitForTurn(t, f.engine, discussion.SpeakerUser)

	backendErr := errors.New("stream reset")
	f.handle.push(transport.Event{Type: transport.EventError, Err: backendErr})

	seen := waitForStatus(t, f.engine, session.StatusError)
	last := seen[len(seen)-1]
	if !errors.Is(last.Err, backendErr) {
		t.Errorf("error event Err = %v", last.Err)
	}
	waitForStatus(t, f.engine, session.StatusIdle)

	// The sealed turn survived and the discussion is closed.
	list, _ := f.store.List(context.Background())
	if len(list) != 1 || list[0].TurnCount != 1 || list[0].EndedAt.IsZero() {
		t.Errorf("discussion after failure = %+v", list)
	}
}

// ── feedback ────────────────────────────────────────────────────────────────

func TestAttachFeedback_AfterStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	startText(t, f)
	sum, err := f.engine.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := f.engine.AttachFeedback(context.Background(), 4, "fun session"); err != nil {
		t.Fatalf("AttachFeedback: %v", err)
	}
	d, _ := f.store.Get(context.Background(), sum.ID)
	if d.Feedback == nil || d.Feedback.Rating != 4 {
		t.Errorf("Feedback = %+v", d.Feedback)
	}

	if err := f.engine.AttachFeedback(context.Background(), 9, ""); err == nil {
		t.Error("out-of-range rating should be rejected")
	}
}

// ── small helpers ───────────────────────────────────────────────────────────

func currentDiscussion(t *testing.T, f *fixture) discussion.Discussion {
	t.Helper()
	list, err := f.store.List(context.Background())
	if err != nil || len(list) == 0 {
		t.Fatalf("List = %v, %v", list, err)
	}
	d, err := f.store.Get(context.Background(), list[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return d
}

func capturePCM(n int) capture.Frame {
	return capture.Frame{Data: make([]byte, n), SampleRate: 16000, Channels: 1}
}

func capturePartial(text string) capture.Recognition {
	return capture.Recognition{Transcript: text}
}

func captureFinal(text string) capture.Recognition {
	return capture.Recognition{Transcript: text, Final: true}
}

// persistedTurns polls the store for the latest discussion's turn count.
func persistedTurns(t *testing.T, f *fixture) func() int {
	t.Helper()
	return func() int {
		list, err := f.store.List(context.Background())
		if err != nil || len(list) == 0 {
			return -1
		}
		return list[0].TurnCount
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
