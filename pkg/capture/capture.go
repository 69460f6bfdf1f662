// Package capture defines the microphone input contract for Parlavo.
//
// Two shapes of adapter exist. PCM adapters (capture/pulse) deliver raw
// fixed-size audio frames for backends that do their own speech recognition.
// Adapters on platforms with a native recogniser may additionally implement
// [Recognizer] and deliver {transcript, final} results; the session engine
// then forwards finalised text instead of audio.
package capture

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the capture taxonomy.
var (
	// ErrPermissionDenied means microphone access was refused.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")

	// ErrDeviceUnavailable means no usable input device could be acquired.
	ErrDeviceUnavailable = errors.New("capture: input device unavailable")
)

// Frame is one chunk of captured PCM audio.
type Frame struct {
	// Data is raw s16le PCM.
	Data []byte

	// SampleRate is the capture rate in Hz.
	SampleRate int

	// Channels is the channel count (1 for mono).
	Channels int

	// Offset is the position of this frame relative to capture start.
	Offset time.Duration
}

// Recognition is one result from a platform speech recogniser.
type Recognition struct {
	// Transcript is the recognised text so far.
	Transcript string

	// Final reports whether the recogniser considers the utterance done.
	Final bool
}

// Adapter captures microphone audio. Start acquires the device; errors are
// classified with the package sentinels. Frames is closed after Stop. Stop is
// idempotent.
type Adapter interface {
	Start(ctx context.Context) error
	Stop() error
	Frames() <-chan Frame
}

// Recognizer is the optional extension for adapters with native speech
// recognition. Results is closed after Stop.
type Recognizer interface {
	Results() <-chan Recognition
}
