// Package live implements the streaming transport strategy against Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio is transmitted as base64-encoded PCM chunks; transcription
// of both sides arrives word by word and is surfaced verbatim as transport
// events — turn reconstruction is the session engine's job.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parlavo/parlavo/pkg/transport"
)

// Compile-time assertions that Strategy and session satisfy the transport
// interfaces.
var _ transport.Strategy = (*Strategy)(nil)
var _ transport.Handle = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Strategy.
type Option func(*Strategy)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(s *Strategy) { s.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(s *Strategy) { s.baseURL = url }
}

// WithVoice sets the prebuilt voice used for synthesised audio.
func WithVoice(voice string) Option {
	return func(s *Strategy) { s.voice = voice }
}

// ── Strategy ───────────────────────────────────────────────────────────────────

// Strategy implements transport.Strategy for Google's Gemini Live API.
type Strategy struct {
	apiKey  string
	model   string
	baseURL string
	voice   string
}

// New creates a new Gemini Live Strategy with the given API key and options.
func New(apiKey string, opts ...Option) *Strategy {
	s := &Strategy{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect establishes a new Gemini Live session. The returned handle accepts
// audio immediately after the setup message is sent; EventOpen is emitted
// once the server acknowledges the setup.
func (st *Strategy) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Handle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		st.baseURL, st.apiKey,
	)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("live: dial: %w", classifyDialError(err, resp))
	}

	model := st.model
	if opts.Model != "" {
		model = opts.Model
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan transport.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSetup(model, st.voice, opts.Instructions); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("live: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// classifyDialError maps the handshake HTTP status onto the transport error
// taxonomy.
func classifyDialError(err error, resp *http.Response) error {
	if resp == nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %v", transport.ErrAuthInvalid, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", transport.ErrModelUnavailable, err)
	}
	return err
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *liveError       `json:"error,omitempty"`
}

type liveError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan transport.Event

	// modelTurnActive tracks whether EventModelTurnStarted has been emitted
	// for the current response. The protocol repeats modelTurn on every
	// audio part, but the session engine wants the boundary signal exactly
	// once per response. Only touched by receiveLoop.
	modelTurnActive bool

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model, voice, instructions string) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: instructions}},
		}
	}

	if voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// emit delivers an event to the consumer, giving up when the session context
// is cancelled. Returns false when the session is going away.
func (s *session) emit(ev transport.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// receiveLoop reads messages from the WebSocket and translates them into
// transport events. It owns the events channel: it emits EventClosed and
// closes the channel when it exits.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.emit(transport.Event{Type: transport.EventError, Err: err})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage dispatches one decoded frame. Returns false when the
// session should stop consuming.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.SetupComplete != nil {
		if !s.emit(transport.Event{Type: transport.EventOpen}) {
			return false
		}
	}
	if msg.Error != nil {
		if !s.emit(transport.Event{Type: transport.EventError, Err: classifyServerError(msg.Error)}) {
			return false
		}
	}
	if msg.ServerContent != nil {
		return s.handleServerContent(msg.ServerContent)
	}
	return true
}

// classifyServerError maps in-band protocol errors onto the transport error
// taxonomy.
func classifyServerError(le *liveError) error {
	msg := le.Message
	if msg == "" {
		msg = "unknown error"
	}
	switch le.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", transport.ErrAuthInvalid, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", transport.ErrModelUnavailable, msg)
	}
	return fmt.Errorf("live: %s", msg)
}

func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.Interrupted {
		s.modelTurnActive = false
		if !s.emit(transport.Event{Type: transport.EventInterrupted}) {
			return false
		}
	}

	if sc.ModelTurn != nil {
		// The first modelTurn frame of a response is the protocol's signal
		// that the model considered the user's utterance complete.
		if !s.modelTurnActive {
			s.modelTurnActive = true
			if !s.emit(transport.Event{Type: transport.EventModelTurnStarted}) {
				return false
			}
		}

		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(audioData) == 0 {
					continue
				}
				if !s.emit(transport.Event{Type: transport.EventAudio, Audio: audioData}) {
					return false
				}
			}
			if p.Text != "" {
				if !s.emit(transport.Event{Type: transport.EventAssistantTranscript, Text: p.Text}) {
					return false
				}
			}
		}
	}

	// User speech recognition fragment.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(transport.Event{Type: transport.EventUserTranscript, Text: sc.InputTranscription.Text}) {
			return false
		}
	}

	// Text rendition of the model's audio output.
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.modelTurnActive {
			s.modelTurnActive = true
			if !s.emit(transport.Event{Type: transport.EventModelTurnStarted}) {
				return false
			}
		}
		if !s.emit(transport.Event{Type: transport.EventAssistantTranscript, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}

	if sc.TurnComplete {
		s.modelTurnActive = false
		if !s.emit(transport.Event{Type: transport.EventTurnComplete}) {
			return false
		}
	}

	return true
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection
// alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// closeEvents terminates the event stream exactly once.
func (s *session) closeEvents() {
	s.closeOnce.Do(func() {
		// Best-effort final event; skip when the buffer is full so close
		// never blocks.
		select {
		case s.events <- transport.Event{Type: transport.EventClosed}:
		default:
		}
		close(s.events)
	})
}

// ── Handle methods ─────────────────────────────────────────────────────────────

// SendAudio delivers a raw PCM audio chunk (16 kHz, s16le, mono) to the
// model.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrSessionClosed
	}
	s.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(chunk)
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: "audio/pcm;rate=16000", Data: encoded},
			},
		},
	}
	return s.writeJSON(msg)
}

// SendText delivers a complete user text message as a clientContent turn.
func (s *session) SendText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrSessionClosed
	}
	s.mu.Unlock()

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{Role: "user", Parts: []part{{Text: text}}},
			},
			TurnComplete: true,
		},
	}
	return s.writeJSON(msg)
}

// Events returns the channel on which backend events arrive.
func (s *session) Events() <-chan transport.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
