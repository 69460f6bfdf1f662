// Package mock provides a scriptable capture.Adapter for tests.
package mock

import (
	"context"
	"sync"

	"github.com/parlavo/parlavo/pkg/capture"
)

// Compile-time interface checks.
var (
	_ capture.Adapter    = (*Adapter)(nil)
	_ capture.Recognizer = (*Adapter)(nil)
)

// Adapter is a scripted microphone. Tests push frames and recognition
// results through it and assert on the session's reaction.
type Adapter struct {
	// StartErr is returned by Start when set.
	StartErr error

	mu      sync.Mutex
	frames  chan capture.Frame
	results chan capture.Recognition
	started bool
	stopped bool
	stops   int
}

// New creates an Adapter with buffered channels.
func New() *Adapter {
	return &Adapter{
		frames:  make(chan capture.Frame, 64),
		results: make(chan capture.Recognition, 64),
	}
}

// Start implements capture.Adapter.
func (a *Adapter) Start(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.StartErr != nil {
		return a.StartErr
	}
	a.started = true
	return nil
}

// Stop implements capture.Adapter. Closes both channels on first call.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
	if a.stopped {
		return nil
	}
	a.stopped = true
	close(a.frames)
	close(a.results)
	return nil
}

// Frames implements capture.Adapter.
func (a *Adapter) Frames() <-chan capture.Frame { return a.frames }

// Results implements capture.Recognizer.
func (a *Adapter) Results() <-chan capture.Recognition { return a.results }

// PushFrame feeds one PCM frame into the stream. No-op after Stop.
func (a *Adapter) PushFrame(f capture.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.frames <- f
}

// PushResult feeds one recognition result into the stream. No-op after Stop.
func (a *Adapter) PushResult(r capture.Recognition) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.results <- r
}

// Started reports whether Start succeeded.
func (a *Adapter) Started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// StopCalls returns how many times Stop has been called.
func (a *Adapter) StopCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stops
}
