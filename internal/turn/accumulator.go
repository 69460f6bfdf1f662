// Package turn reconstructs discrete conversational turns from the continuous
// partial transcript fragments a live speech backend emits.
//
// The backend delivers transcription word by word ("Hel", "lo ", "there") with
// no explicit utterance boundaries on the user side and only a best-effort
// turn-complete signal on the assistant side. [Accumulator] buffers fragments
// per speaker and seals them into [discussion.Turn] values when the session
// engine decides a boundary has been reached; [CompletionPolicy] supplies the
// debounce heuristics for the assistant side.
package turn

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/parlavo/parlavo/pkg/discussion"
)

// pendingBuffer holds the in-progress transcript for one speaker.
type pendingBuffer struct {
	text      strings.Builder
	startedAt time.Time
}

// Accumulator buffers partial transcript fragments per speaker and seals them
// into turns. It is safe for concurrent use.
//
// Sealing is idempotent by construction: Seal drains the buffer, so a second
// boundary signal without intervening fragments finds nothing to seal and
// reports no turn. A new fragment after a seal starts a fresh buffer, which is
// exactly the "reset the sealed flag on new input" behaviour the word-by-word
// protocol requires.
type Accumulator struct {
	mu      sync.Mutex
	now     func() time.Time
	buffers map[discussion.Speaker]*pendingBuffer

	// Turn ID generation state. IDs embed the seal timestamp in milliseconds;
	// seq disambiguates turns sealed within the same millisecond.
	lastMilli int64
	seq       int
}

// NewAccumulator creates an empty Accumulator. now may be nil, in which case
// time.Now is used; tests inject a deterministic clock.
func NewAccumulator(now func() time.Time) *Accumulator {
	if now == nil {
		now = time.Now
	}
	return &Accumulator{
		now:     now,
		buffers: make(map[discussion.Speaker]*pendingBuffer),
	}
}

// Append adds a transcript fragment to the speaker's pending buffer, starting
// a new buffer if none is active. Fragments are concatenated verbatim — the
// backend includes its own whitespace.
func (a *Accumulator) Append(speaker discussion.Speaker, fragment string) {
	if fragment == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[speaker]
	if !ok {
		buf = &pendingBuffer{startedAt: a.now()}
		a.buffers[speaker] = buf
	}
	buf.text.WriteString(fragment)
}

// Partial returns the speaker's accumulated in-progress text, or "" when no
// buffer is active.
func (a *Accumulator) Partial(speaker discussion.Speaker) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[speaker]
	if !ok {
		return ""
	}
	return buf.text.String()
}

// Active reports whether the speaker has an in-progress buffer.
func (a *Accumulator) Active(speaker discussion.Speaker) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.buffers[speaker]
	return ok
}

// Seal closes the speaker's pending buffer and returns it as a turn. The
// buffer is dropped either way. Seal reports false when there is no buffer or
// its text trims to empty — boundary signals for silence must not produce
// empty turns.
func (a *Accumulator) Seal(speaker discussion.Speaker) (discussion.Turn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[speaker]
	if !ok {
		return discussion.Turn{}, false
	}
	delete(a.buffers, speaker)

	text := strings.TrimSpace(buf.text.String())
	if text == "" {
		return discussion.Turn{}, false
	}

	sealedAt := a.now()
	return discussion.Turn{
		ID:       a.nextID(sealedAt),
		Speaker:  speaker,
		Text:     text,
		SealedAt: sealedAt,
	}, true
}

// Discard drops the speaker's pending buffer without producing a turn. Used
// when a session is torn down or superseded mid-utterance.
func (a *Accumulator) Discard(speaker discussion.Speaker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, speaker)
}

// DiscardAll drops every pending buffer.
func (a *Accumulator) DiscardAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.buffers)
}

// nextID generates a turn ID from the seal time. Must be called with a.mu
// held.
func (a *Accumulator) nextID(at time.Time) string {
	milli := at.UnixMilli()
	if milli == a.lastMilli {
		a.seq++
	} else {
		a.lastMilli = milli
		a.seq = 0
	}
	return fmt.Sprintf("%d-%03d", milli, a.seq)
}
