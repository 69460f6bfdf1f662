// Package discussion defines the conversation records Parlavo persists and the
// storage contract implemented by the concrete stores.
//
// A Discussion is one practice conversation between the learner and the
// assistant: an ordered list of sealed turns plus optional learner feedback.
// Stores only ever see sealed turns — partial transcript fragments never leave
// the session engine.
package discussion

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by store lookups when no discussion matches the
// given ID.
var ErrNotFound = errors.New("discussion not found")

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

// IsValid reports whether s is a recognised speaker.
func (s Speaker) IsValid() bool {
	switch s {
	case SpeakerUser, SpeakerAssistant, SpeakerSystem:
		return true
	}
	return false
}

// Turn is one sealed conversational turn. Text is always non-empty and
// trimmed; the session engine never seals whitespace-only buffers.
type Turn struct {
	// ID is unique within a discussion. IDs are generated from the seal
	// timestamp plus a process-local sequence so that turns sealed within the
	// same millisecond still sort and persist correctly.
	ID string `json:"id"`

	// Speaker is who produced the turn.
	Speaker Speaker `json:"speaker"`

	// Text is the full accumulated transcript of the turn.
	Text string `json:"text"`

	// SealedAt is when the turn boundary was decided.
	SealedAt time.Time `json:"sealed_at"`
}

// Feedback is the learner's rating of a finished discussion.
type Feedback struct {
	// Rating is a star rating in [1, 5].
	Rating int `json:"rating"`

	// Notes holds free-text comments. May be empty.
	Notes string `json:"notes,omitempty"`

	// SubmittedAt is when the feedback was recorded.
	SubmittedAt time.Time `json:"submitted_at"`
}

// Discussion is a full conversation record.
type Discussion struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Turns     []Turn    `json:"turns"`
	Feedback  *Feedback `json:"feedback,omitempty"`
}

// Summary is the lightweight listing view of a discussion.
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	TurnCount int       `json:"turn_count"`
}

// Store persists discussions. Implementations must be safe for concurrent
// use; the session engine appends turns from a single goroutine but the
// history surface may read concurrently.
type Store interface {
	// Create opens a new discussion record and returns its ID.
	Create(ctx context.Context, name string, startedAt time.Time) (string, error)

	// AppendTurn adds a sealed turn to an open discussion. Turns must be
	// stored in append order.
	AppendTurn(ctx context.Context, discussionID string, t Turn) error

	// End marks the discussion finished and returns its summary. Ending an
	// already-ended discussion is a no-op that returns the existing summary.
	End(ctx context.Context, discussionID string, endedAt time.Time) (Summary, error)

	// AttachFeedback stores learner feedback on a discussion, replacing any
	// previous feedback.
	AttachFeedback(ctx context.Context, discussionID string, fb Feedback) error

	// Get returns a full discussion by ID.
	Get(ctx context.Context, discussionID string) (Discussion, error)

	// List returns summaries of all discussions, most recent first.
	List(ctx context.Context) ([]Summary, error)
}
