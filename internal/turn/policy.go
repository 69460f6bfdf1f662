package turn

import (
	"strings"
	"sync"
	"time"

	"github.com/parlavo/parlavo/pkg/discussion"
)

// Default completion heuristics. The live protocol's turn-complete signal is
// best-effort, so the policy arms a silence timer after every assistant
// fragment and treats its expiry as the boundary. Terminal punctuation at the
// end of the buffered text shortens the wait — a sentence that already ends in
// "?" is very likely finished.
const (
	DefaultDebounce            = 300 * time.Millisecond
	DefaultPunctuationDebounce = 100 * time.Millisecond
	DefaultTerminalPunctuation = ".!?:;"
)

// Timer is the subset of *time.Timer the policy needs. Stop reports whether
// the timer was stopped before firing.
type Timer interface {
	Stop() bool
}

// Clock creates timers. The production implementation wraps the time package;
// tests substitute a fake to drive debounce expiry deterministically.
type Clock interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// realClock is the production Clock backed by time.AfterFunc.
type realClock struct{}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// RealClock returns the production Clock.
func RealClock() Clock { return realClock{} }

// PolicyConfig holds the tuning knobs for [CompletionPolicy]. Zero-value
// fields are replaced with the package defaults.
type PolicyConfig struct {
	// Debounce is the silence window after the last fragment before the turn
	// is considered complete.
	Debounce time.Duration

	// PunctuationDebounce replaces Debounce when the buffered text ends in
	// one of TerminalPunctuation.
	PunctuationDebounce time.Duration

	// TerminalPunctuation is the set of runes that mark a likely sentence
	// end.
	TerminalPunctuation string

	// UserIdleTimeout, when positive, arms a seal-on-silence timer for the
	// user side as well. Off by default: the user turn normally seals only
	// when the model starts responding, which is the backend's own signal
	// that it considered the user done.
	UserIdleTimeout time.Duration
}

// withDefaults fills zero-value fields.
func (c PolicyConfig) withDefaults() PolicyConfig {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.PunctuationDebounce <= 0 {
		c.PunctuationDebounce = DefaultPunctuationDebounce
	}
	if c.TerminalPunctuation == "" {
		c.TerminalPunctuation = DefaultTerminalPunctuation
	}
	return c
}

// CompletionPolicy decides when an in-progress turn should be sealed on
// silence. Each fragment cancels and re-arms the speaker's timer, so the
// timer only fires after a genuine gap in the stream. Safe for concurrent
// use.
type CompletionPolicy struct {
	cfg   PolicyConfig
	clock Clock

	mu     sync.Mutex
	timers map[discussion.Speaker]Timer
}

// NewCompletionPolicy creates a policy with the given config. clock may be
// nil, in which case the production clock is used.
func NewCompletionPolicy(cfg PolicyConfig, clock Clock) *CompletionPolicy {
	if clock == nil {
		clock = RealClock()
	}
	return &CompletionPolicy{
		cfg:    cfg.withDefaults(),
		clock:  clock,
		timers: make(map[discussion.Speaker]Timer),
	}
}

// FragmentReceived re-arms the speaker's silence timer. buffered is the full
// accumulated text so far, used to pick the debounce window. fire runs on the
// timer goroutine when the window elapses without another fragment; callers
// must re-serialise inside fire.
//
// For the user speaker the timer is only armed when UserIdleTimeout is set.
func (p *CompletionPolicy) FragmentReceived(speaker discussion.Speaker, buffered string, fire func()) {
	d, ok := p.window(speaker, buffered)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.timers[speaker]; ok {
		t.Stop()
	}
	p.timers[speaker] = p.clock.AfterFunc(d, fire)
}

// window returns the debounce duration for the speaker, or false when no
// timer should be armed.
func (p *CompletionPolicy) window(speaker discussion.Speaker, buffered string) (time.Duration, bool) {
	if speaker == discussion.SpeakerUser {
		if p.cfg.UserIdleTimeout <= 0 {
			return 0, false
		}
		return p.cfg.UserIdleTimeout, true
	}

	trimmed := strings.TrimRight(buffered, " \t\n")
	if trimmed != "" && strings.ContainsRune(p.cfg.TerminalPunctuation, rune(trimmed[len(trimmed)-1])) {
		return p.cfg.PunctuationDebounce, true
	}
	return p.cfg.Debounce, true
}

// Cancel stops the speaker's pending timer, if any. Used when an explicit
// boundary signal arrives before the silence window elapses.
func (p *CompletionPolicy) Cancel(speaker discussion.Speaker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.timers[speaker]; ok {
		t.Stop()
		delete(p.timers, speaker)
	}
}

// CancelAll stops every pending timer. Called on session teardown so no
// debounce fires after stop.
func (p *CompletionPolicy) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for speaker, t := range p.timers {
		t.Stop()
		delete(p.timers, speaker)
	}
}
