package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/parlavo/parlavo/internal/session"
	"github.com/parlavo/parlavo/pkg/discussion"
)

// registerAPI adds the session control and history routes to mux. The API is
// a thin JSON layer over the engine; it is meant for a local UI, so there is
// no authentication.
func (a *App) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", a.handleStartSession)
	mux.HandleFunc("DELETE /v1/sessions/current", a.handleStopSession)
	mux.HandleFunc("GET /v1/sessions/current", a.handleSessionStatus)
	mux.HandleFunc("POST /v1/sessions/current/text", a.handleSendText)
	mux.HandleFunc("POST /v1/sessions/current/review", a.handleRequestReview)
	mux.HandleFunc("POST /v1/feedback", a.handleFeedback)
	mux.HandleFunc("GET /v1/discussions", a.handleListDiscussions)
	mux.HandleFunc("GET /v1/discussions/{id}", a.handleGetDiscussion)
	mux.HandleFunc("GET /v1/events", a.handleEvents)
}

// ─── Session control ─────────────────────────────────────────────────────────

type startSessionRequest struct {
	Name string       `json:"name"`
	Mode session.Mode `json:"mode"`
}

func (a *App) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := a.engine.Start(r.Context(), req.Name, req.Mode)
	switch {
	case errors.Is(err, session.ErrSessionActive):
		writeError(w, http.StatusConflict, "a session is already active")
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusCreated, statusResponse{Status: a.engine.Status().String()})
	}
}

func (a *App) handleStopSession(w http.ResponseWriter, r *http.Request) {
	summary, err := a.engine.Stop(r.Context())
	switch {
	case errors.Is(err, session.ErrNotActive):
		writeError(w, http.StatusConflict, "no active session")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

type statusResponse struct {
	Status string `json:"status"`
}

func (a *App) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: a.engine.Status().String()})
}

type sendTextRequest struct {
	Text string `json:"text"`
}

func (a *App) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req sendTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.engine.SendText(r.Context(), req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleRequestReview(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.RequestReview(r.Context()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type feedbackRequest struct {
	Rating int    `json:"rating"`
	Notes  string `json:"notes"`
}

func (a *App) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := a.engine.AttachFeedback(r.Context(), req.Rating, req.Notes)
	switch {
	case errors.Is(err, discussion.ErrNotFound):
		writeError(w, http.StatusNotFound, "no discussion to rate")
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ─── History ─────────────────────────────────────────────────────────────────

func (a *App) handleListDiscussions(w http.ResponseWriter, r *http.Request) {
	summaries, err := a.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if summaries == nil {
		summaries = []discussion.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (a *App) handleGetDiscussion(w http.ResponseWriter, r *http.Request) {
	d, err := a.store.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, discussion.ErrNotFound):
		writeError(w, http.StatusNotFound, "discussion not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, d)
	}
}

// ─── Event stream ────────────────────────────────────────────────────────────

// wireEvent is the JSON shape of one engine event on the SSE stream.
type wireEvent struct {
	Kind    string           `json:"kind"`
	Status  string           `json:"status,omitempty"`
	Speaker string           `json:"speaker,omitempty"`
	Partial string           `json:"partial,omitempty"`
	Turn    *discussion.Turn `json:"turn,omitempty"`
	Audio   []byte           `json:"audio,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func toWireEvent(ev session.Event) wireEvent {
	we := wireEvent{Kind: ev.Kind.String()}
	switch ev.Kind {
	case session.KindStatus:
		we.Status = ev.Status.String()
	case session.KindPartial:
		we.Speaker = string(ev.Speaker)
		we.Partial = ev.Partial
	case session.KindTurn:
		t := ev.Turn
		we.Turn = &t
	case session.KindAudio:
		we.Audio = ev.Audio
	}
	if ev.Err != nil {
		we.Error = ev.Err.Error()
	}
	return we
}

// handleEvents streams engine events as server-sent events. The engine has a
// single event stream, so only one client should subscribe at a time; a
// second subscriber would steal events from the first.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-a.engine.Events():
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(toWireEvent(ev)); err != nil {
				return
			}
			// Encode already wrote one newline; SSE frames end with a blank
			// line.
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ─── JSON helpers ────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
