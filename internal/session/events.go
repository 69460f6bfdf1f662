package session

import (
	"github.com/parlavo/parlavo/pkg/discussion"
)

// Status is the engine's lifecycle state as surfaced to the UI.
type Status int

const (
	// StatusIdle means no session is running.
	StatusIdle Status = iota

	// StatusConnecting means a session is starting: the discussion record is
	// being created, the backend is being dialled, and in voice mode the
	// microphone is being acquired.
	StatusConnecting

	// StatusListening means the backend handshake completed and the session
	// is live.
	StatusListening

	// StatusEnding means Stop is tearing the session down.
	StatusEnding

	// StatusError means the session failed. Transient: the engine returns to
	// idle immediately after reporting it.
	StatusError
)

// String returns the status name for logs and the UI.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusListening:
		return "listening"
	case StatusEnding:
		return "ending"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Mode selects how the learner talks to the assistant.
type Mode string

const (
	// ModeVoice engages the microphone and the streaming backend.
	ModeVoice Mode = "voice"

	// ModeText is typed conversation; no microphone is acquired.
	ModeText Mode = "text"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeVoice || m == ModeText
}

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// KindStatus reports a lifecycle transition. Err is set when the new
	// status is [StatusError].
	KindStatus EventKind = iota

	// KindPartial carries the live in-progress text for one speaker. The
	// text is the full accumulation so far, not a delta.
	KindPartial

	// KindTurn carries a sealed, immutable turn.
	KindTurn

	// KindAudio carries a chunk of synthesised assistant audio for playback.
	KindAudio

	// KindWarning reports a non-fatal problem, e.g. a failed persistence
	// write. The session keeps running.
	KindWarning
)

// String returns the event kind name for logs.
func (k EventKind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindPartial:
		return "partial"
	case KindTurn:
		return "turn"
	case KindAudio:
		return "audio"
	case KindWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// Event is the tagged union the engine emits to its subscriber. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Status  Status
	Speaker discussion.Speaker
	Partial string
	Turn    discussion.Turn
	Audio   []byte
	Err     error
}
