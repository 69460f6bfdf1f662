// Package memstore provides an in-memory discussion.Store. It backs tests and
// the storage driver "memory", where history does not survive a restart.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parlavo/parlavo/pkg/discussion"
)

// Compile-time interface check.
var _ discussion.Store = (*Store)(nil)

// Store keeps all discussions in process memory.
type Store struct {
	mu    sync.RWMutex
	seq   int
	items map[string]*discussion.Discussion
}

// New creates an empty Store.
func New() *Store {
	return &Store{items: make(map[string]*discussion.Discussion)}
}

// Create implements discussion.Store.
func (s *Store) Create(_ context.Context, name string, startedAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := fmt.Sprintf("disc-%d-%d", startedAt.UnixMilli(), s.seq)
	s.items[id] = &discussion.Discussion{
		ID:        id,
		Name:      name,
		StartedAt: startedAt,
		Turns:     []discussion.Turn{},
	}
	return id, nil
}

// AppendTurn implements discussion.Store.
func (s *Store) AppendTurn(_ context.Context, discussionID string, t discussion.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.items[discussionID]
	if !ok {
		return fmt.Errorf("memstore: append turn: %w", discussion.ErrNotFound)
	}
	d.Turns = append(d.Turns, t)
	return nil
}

// End implements discussion.Store. Ending twice keeps the first end time.
func (s *Store) End(_ context.Context, discussionID string, endedAt time.Time) (discussion.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.items[discussionID]
	if !ok {
		return discussion.Summary{}, fmt.Errorf("memstore: end: %w", discussion.ErrNotFound)
	}
	if d.EndedAt.IsZero() {
		d.EndedAt = endedAt
	}
	return summarize(d), nil
}

// AttachFeedback implements discussion.Store.
func (s *Store) AttachFeedback(_ context.Context, discussionID string, fb discussion.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.items[discussionID]
	if !ok {
		return fmt.Errorf("memstore: attach feedback: %w", discussion.ErrNotFound)
	}
	d.Feedback = &fb
	return nil
}

// Get implements discussion.Store.
func (s *Store) Get(_ context.Context, discussionID string) (discussion.Discussion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.items[discussionID]
	if !ok {
		return discussion.Discussion{}, fmt.Errorf("memstore: get: %w", discussion.ErrNotFound)
	}
	return clone(d), nil
}

// List implements discussion.Store. Most recently started first.
func (s *Store) List(_ context.Context) ([]discussion.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]discussion.Summary, 0, len(s.items))
	for _, d := range s.items {
		out = append(out, summarize(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func summarize(d *discussion.Discussion) discussion.Summary {
	return discussion.Summary{
		ID:        d.ID,
		Name:      d.Name,
		StartedAt: d.StartedAt,
		EndedAt:   d.EndedAt,
		TurnCount: len(d.Turns),
	}
}

// clone deep-copies a record so callers cannot mutate store state.
func clone(d *discussion.Discussion) discussion.Discussion {
	out := *d
	out.Turns = make([]discussion.Turn, len(d.Turns))
	copy(out.Turns, d.Turns)
	if d.Feedback != nil {
		fb := *d.Feedback
		out.Feedback = &fb
	}
	return out
}
