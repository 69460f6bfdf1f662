package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/parlavo/parlavo/pkg/capture"
	"github.com/parlavo/parlavo/pkg/discussion"
	"github.com/parlavo/parlavo/pkg/transport"
)

// dispatch is the single consumer of one session's backend event stream.
// Events are processed strictly in arrival order; every state mutation takes
// the engine mutex and re-checks the session generation, so events that
// arrive after Stop fall through without effect.
func (e *Engine) dispatch(s *activeSession) {
	ctx := context.Background()

	for ev := range s.handle.Events() {
		e.metrics.RecordTransportEvent(ctx, ev.Type.String())

		switch ev.Type {
		case transport.EventOpen:
			e.mu.Lock()
			if s.gen == e.generation.Load() {
				e.setStatusLocked(StatusListening, nil)
			}
			e.mu.Unlock()

		case transport.EventUserTranscript:
			e.fragment(s, discussion.SpeakerUser, ev.Text)

		case transport.EventModelTurnStarted:
			// The backend starting its reply is its own signal that it
			// considered the user's utterance complete.
			s.policy.Cancel(discussion.SpeakerUser)
			e.seal(s, discussion.SpeakerUser)

		case transport.EventAssistantTranscript:
			e.fragment(s, discussion.SpeakerAssistant, ev.Text)

		case transport.EventAudio:
			e.emitIfCurrent(s, Event{Kind: KindAudio, Audio: ev.Audio})

		case transport.EventTurnComplete:
			s.policy.Cancel(discussion.SpeakerAssistant)
			e.seal(s, discussion.SpeakerAssistant)

		case transport.EventInterrupted:
			// Barge-in: the learner heard the partial reply, so keep it.
			s.policy.Cancel(discussion.SpeakerAssistant)
			e.seal(s, discussion.SpeakerAssistant)

		case transport.EventError:
			e.fail(s, ev.Err)

		case transport.EventClosed:
			// The stream closes right after; the loop exits below.
		}
	}

	// Stream closed. If the session is still registered, the backend went
	// away without us asking — treat it as a mid-session failure.
	if s.gen == e.generation.Load() {
		e.fail(s, errors.New("session: backend closed the connection"))
	}
}

// fragment folds one partial transcript fragment into the accumulator,
// surfaces the updated partial text, and re-arms the speaker's silence timer.
func (e *Engine) fragment(s *activeSession, speaker discussion.Speaker, text string) {
	e.mu.Lock()
	if s.gen != e.generation.Load() {
		e.mu.Unlock()
		return
	}
	s.acc.Append(speaker, text)
	partial := s.acc.Partial(speaker)
	e.emit(Event{Kind: KindPartial, Speaker: speaker, Partial: partial})
	e.mu.Unlock()

	s.policy.FragmentReceived(speaker, partial, func() {
		// Timer goroutine: seal re-serialises via the engine mutex and the
		// generation guard.
		e.seal(s, speaker)
	})
}

// seal finalises the speaker's pending buffer into a turn, if any.
func (e *Engine) seal(s *activeSession, speaker discussion.Speaker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.gen != e.generation.Load() {
		return
	}
	e.sealLocked(s, speaker)
}

// sealLocked seals under the engine mutex: the persist enqueue and the UI
// emit happen atomically with the seal, which is what keeps turns ordered
// across speakers. Callers must hold e.mu and have checked the generation.
func (e *Engine) sealLocked(s *activeSession, speaker discussion.Speaker) {
	t, ok := s.acc.Seal(speaker)
	if !ok {
		return
	}
	e.metrics.RecordTurnSealed(context.Background(), string(speaker))
	s.persistCh <- t
	e.emit(Event{Kind: KindTurn, Turn: t})
}

// fail tears down the current session after a fatal backend error. Turns
// already sealed and queued are still flushed to the store.
func (e *Engine) fail(s *activeSession, err error) {
	e.mu.Lock()
	if s.gen != e.generation.Load() {
		e.mu.Unlock()
		return
	}
	e.generation.Add(1)
	e.cur = nil
	e.setStatusLocked(StatusError, err)
	e.mu.Unlock()

	e.logger.Error("session failed",
		"discussion", s.discussionID, "error", err)
	e.metrics.TransportErrors.Add(context.Background(), 1)

	e.teardown(s)
	e.endDiscussionQuietly(s.discussionID)

	e.mu.Lock()
	e.setStatusLocked(StatusIdle, nil)
	e.mu.Unlock()
}

// persistLoop is the single consumer of one session's persistence queue.
// Store failures are warnings: the live conversation continues either way.
func (e *Engine) persistLoop(s *activeSession) {
	defer close(s.persistDone)

	// Persistence outlives Stop's cancellation so queued turns always land.
	ctx := context.Background()

	for t := range s.persistCh {
		start := time.Now()
		err := e.store.AppendTurn(ctx, s.discussionID, t)
		e.metrics.PersistDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			e.logger.Warn("failed to persist turn",
				"discussion", s.discussionID, "turn", t.ID, "error", err)
			e.metrics.RecordPersistError(ctx)
			e.emitIfCurrent(s, Event{
				Kind: KindWarning,
				Err:  errors.Join(errPersist, err),
			})
		}
	}
}

// errPersist marks warnings caused by failed store writes.
var errPersist = errors.New("session: failed to persist turn")

// pumpAudio streams captured PCM frames into the backend until the capture
// channel closes.
func (e *Engine) pumpAudio(s *activeSession) {
	for frame := range e.capture.Frames() {
		if err := s.handle.SendAudio(frame.Data); err != nil {
			if errors.Is(err, transport.ErrSessionClosed) {
				return
			}
			e.logger.Warn("failed to send audio frame", "error", err)
		}
	}
}

// pumpRecognitions handles adapters with a platform speech recogniser:
// partial results update the user's live text, final results are sent to the
// backend as complete user messages.
func (e *Engine) pumpRecognitions(s *activeSession, rec capture.Recognizer) {
	for r := range rec.Results() {
		if !r.Final {
			e.emitIfCurrent(s, Event{
				Kind:    KindPartial,
				Speaker: discussion.SpeakerUser,
				Partial: r.Transcript,
			})
			continue
		}
		text := strings.TrimSpace(r.Transcript)
		if text == "" {
			continue
		}
		if err := e.sendUserText(s, text); err != nil {
			if errors.Is(err, ErrNotActive) {
				return
			}
			e.logger.Warn("failed to send recognised text", "error", err)
		}
	}
}

// endDiscussionQuietly closes a discussion record on an error path. Failures
// are logged, not propagated — the caller already has a better error.
func (e *Engine) endDiscussionQuietly(discussionID string) {
	if _, err := e.store.End(context.Background(), discussionID, e.now()); err != nil {
		e.logger.Warn("failed to end discussion",
			"discussion", discussionID, "error", err)
	}
}

// setStatusLocked transitions the lifecycle state and reports it. Callers
// must hold e.mu.
func (e *Engine) setStatusLocked(st Status, err error) {
	e.status = st
	e.emit(Event{Kind: KindStatus, Status: st, Err: err})
}

// emitIfCurrent emits ev only while the session is still registered. The
// generation read is lock-free so the persistence consumer can report
// failures even while a seal holds the engine mutex.
func (e *Engine) emitIfCurrent(s *activeSession, ev Event) {
	if s.gen != e.generation.Load() {
		return
	}
	e.emit(ev)
}

// emit delivers an event without blocking. When the subscriber falls behind
// the buffer, high-rate partial and audio events are dropped; losing a turn
// or status event is logged.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		if ev.Kind == KindPartial || ev.Kind == KindAudio {
			return
		}
		e.logger.Warn("event subscriber too slow, dropping event",
			"kind", ev.Kind.String())
	}
}
