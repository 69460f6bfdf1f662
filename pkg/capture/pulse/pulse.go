// Package pulse implements the capture.Adapter contract on PulseAudio.
//
// The adapter records 16 kHz mono s16le PCM from a Pulse source and emits
// fixed 20 ms frames, which is both the chunk size the live transport expects
// and small enough to keep end-to-end latency conversational.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"

	"github.com/parlavo/parlavo/pkg/capture"
)

// Compile-time interface check.
var _ capture.Adapter = (*Adapter)(nil)

const (
	sampleRate     = 16000
	chunkSizeBytes = 640 // 20ms @ 16kHz mono s16
	frameBuffer    = 128
)

// Option is a functional option for the Adapter.
type Option func(*Adapter)

// WithDevice selects a specific Pulse source by ID or description substring.
// Default: the server's default source.
func WithDevice(device string) Option {
	return func(a *Adapter) { a.device = device }
}

// Adapter captures PCM from a PulseAudio source.
type Adapter struct {
	device string

	mu       sync.Mutex
	client   *pulse.Client
	stream   *pulse.RecordStream
	frames   chan capture.Frame
	stopCh   chan struct{}
	pending  []byte
	consumed int64
	started  bool
	stopped  bool

	inflight sync.WaitGroup
}

// New creates an Adapter. The device is not acquired until Start.
func New(opts ...Option) *Adapter {
	a := &Adapter{}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Start connects to the Pulse server and begins recording. Errors are
// classified with the capture sentinels so callers can distinguish a denied
// microphone from a missing one.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return fmt.Errorf("pulse: capture already started")
	}
	a.started = true
	a.stopped = false
	a.frames = make(chan capture.Frame, frameBuffer)
	a.stopCh = make(chan struct{})
	a.pending = nil
	a.consumed = 0
	a.mu.Unlock()

	client, err := pulse.NewClient(
		pulse.ClientApplicationName("parlavo"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		a.reset()
		return classifyPulseError(fmt.Errorf("pulse: connect server: %w", err))
	}

	source, err := a.resolveSource(client)
	if err != nil {
		client.Close()
		a.reset()
		return err
	}

	writer := pulse.NewWriter(writerFunc(a.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(sampleRate),
		pulse.RecordBufferFragmentSize(chunkSizeBytes),
		pulse.RecordMediaName("parlavo conversation"),
	)
	if err != nil {
		client.Close()
		a.reset()
		return classifyPulseError(fmt.Errorf("pulse: create record stream: %w", err))
	}

	a.mu.Lock()
	a.client = client
	a.stream = stream
	a.mu.Unlock()

	stream.Start()

	go func() {
		<-ctx.Done()
		_ = a.Stop()
	}()

	return nil
}

// resolveSource picks the configured source, falling back to the default.
func (a *Adapter) resolveSource(client *pulse.Client) (*pulse.Source, error) {
	if a.device == "" || a.device == "default" {
		source, err := client.DefaultSource()
		if err != nil {
			return nil, classifyPulseError(fmt.Errorf("pulse: default source: %w", err))
		}
		return source, nil
	}

	source, err := client.SourceByID(a.device)
	if err == nil {
		return source, nil
	}

	// Not a literal ID; try a substring match over the source list.
	sources, listErr := client.ListSources()
	if listErr != nil {
		return nil, classifyPulseError(fmt.Errorf("pulse: list sources: %w", listErr))
	}
	needle := strings.ToLower(a.device)
	for _, s := range sources {
		if strings.Contains(strings.ToLower(s.ID()), needle) ||
			strings.Contains(strings.ToLower(s.Name()), needle) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: source %q not found", capture.ErrDeviceUnavailable, a.device)
}

// Frames returns the PCM stream as fixed-size frames. Closed after Stop.
func (a *Adapter) Frames() <-chan capture.Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames
}

// Stop halts the stream, flushes residual PCM, and closes Frames exactly
// once.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	close(a.stopCh)
	stream, client := a.stream, a.client
	a.stream, a.client = nil, nil
	a.mu.Unlock()

	if stream != nil {
		stream.Stop()
		stream.Close()
	}
	if client != nil {
		client.Close()
	}

	a.inflight.Wait()

	a.mu.Lock()
	pending := append([]byte(nil), a.pending...)
	a.pending = nil
	offset := a.frameOffset(int64(len(pending)))
	frames := a.frames
	a.started = false
	a.mu.Unlock()

	if len(pending) > 0 {
		select {
		case frames <- capture.Frame{Data: pending, SampleRate: sampleRate, Channels: 1, Offset: offset}:
		default:
		}
	}

	close(frames)
	return nil
}

// reset clears the started flag after a failed Start.
func (a *Adapter) reset() {
	a.mu.Lock()
	a.started = false
	a.mu.Unlock()
}

// onPCM receives raw Pulse buffers and emits chunkSizeBytes frames.
func (a *Adapter) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	select {
	case <-a.stopCh:
		return 0, io.EOF
	default:
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return 0, io.EOF
	}
	// Guard Add under the same mutex as a.stopped to avoid Add/Wait races.
	a.inflight.Add(1)

	a.pending = append(a.pending, buffer...)

	type chunk struct {
		data   []byte
		offset time.Duration
	}
	chunks := make([]chunk, 0, len(a.pending)/chunkSizeBytes)
	for len(a.pending) >= chunkSizeBytes {
		data := make([]byte, chunkSizeBytes)
		copy(data, a.pending[:chunkSizeBytes])
		a.pending = a.pending[chunkSizeBytes:]
		chunks = append(chunks, chunk{data: data, offset: a.frameOffset(0)})
		a.consumed += chunkSizeBytes
	}
	frames := a.frames
	a.mu.Unlock()
	defer a.inflight.Done()

	for _, c := range chunks {
		select {
		case <-a.stopCh:
			return 0, io.EOF
		case frames <- capture.Frame{Data: c.data, SampleRate: sampleRate, Channels: 1, Offset: c.offset}:
		}
	}

	return len(buffer), nil
}

// frameOffset converts the consumed byte count (plus extra) into a duration
// from capture start. Must be called with a.mu held.
func (a *Adapter) frameOffset(extra int64) time.Duration {
	samples := (a.consumed + extra) / 2 // s16 mono: 2 bytes per sample
	return time.Duration(samples) * time.Second / sampleRate
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

// classifyPulseError maps Pulse connection failures onto the capture
// taxonomy. PulseAudio reports a refused client as "access denied".
func classifyPulseError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied") || strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such") ||
		errors.Is(err, pulseproto.ErrNoSuchEntity):
		return fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}
	return err
}
