// Package filestore persists discussions as JSON files in a local directory,
// one file per discussion. It is the default storage driver: no external
// services, and records stay human-readable for a single learner on a single
// machine.
//
// Writes go through a temp file plus rename so a crash mid-write never
// corrupts an existing record.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parlavo/parlavo/pkg/discussion"
)

// Compile-time interface check.
var _ discussion.Store = (*Store)(nil)

// Store persists each discussion as <dir>/<id>.json.
// Thread-safe for concurrent use.
type Store struct {
	mu  sync.Mutex
	dir string
	seq int
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Create implements discussion.Store.
func (s *Store) Create(_ context.Context, name string, startedAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := fmt.Sprintf("disc-%d-%d", startedAt.UnixMilli(), s.seq)
	d := discussion.Discussion{
		ID:        id,
		Name:      name,
		StartedAt: startedAt,
		Turns:     []discussion.Turn{},
	}
	if err := s.write(d); err != nil {
		return "", err
	}
	return id, nil
}

// AppendTurn implements discussion.Store. The whole record is rewritten; for
// a single learner's conversations that is at most a few kilobytes per turn.
func (s *Store) AppendTurn(_ context.Context, discussionID string, t discussion.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.read(discussionID)
	if err != nil {
		return err
	}
	d.Turns = append(d.Turns, t)
	return s.write(d)
}

// End implements discussion.Store. Ending twice keeps the first end time.
func (s *Store) End(_ context.Context, discussionID string, endedAt time.Time) (discussion.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.read(discussionID)
	if err != nil {
		return discussion.Summary{}, err
	}
	if d.EndedAt.IsZero() {
		d.EndedAt = endedAt
		if err := s.write(d); err != nil {
			return discussion.Summary{}, err
		}
	}
	return summarize(d), nil
}

// AttachFeedback implements discussion.Store.
func (s *Store) AttachFeedback(_ context.Context, discussionID string, fb discussion.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.read(discussionID)
	if err != nil {
		return err
	}
	d.Feedback = &fb
	return s.write(d)
}

// Get implements discussion.Store.
func (s *Store) Get(_ context.Context, discussionID string) (discussion.Discussion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(discussionID)
}

// List implements discussion.Store. Most recently started first. Files that
// fail to parse are skipped rather than failing the whole listing.
func (s *Store) List(_ context.Context) ([]discussion.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: list: %w", err)
	}

	out := make([]discussion.Summary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		d, err := s.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
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

// path maps an ID to its file, rejecting IDs that would escape the directory.
func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("filestore: invalid discussion id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

func (s *Store) read(id string) (discussion.Discussion, error) {
	p, err := s.path(id)
	if err != nil {
		return discussion.Discussion{}, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return discussion.Discussion{}, fmt.Errorf("filestore: %w: %s", discussion.ErrNotFound, id)
	}
	if err != nil {
		return discussion.Discussion{}, fmt.Errorf("filestore: read: %w", err)
	}
	var d discussion.Discussion
	if err := json.Unmarshal(data, &d); err != nil {
		return discussion.Discussion{}, fmt.Errorf("filestore: decode %s: %w", id, err)
	}
	if d.Turns == nil {
		d.Turns = []discussion.Turn{}
	}
	return d, nil
}

// write marshals the record and swaps it into place atomically.
func (s *Store) write(d discussion.Discussion) error {
	p, err := s.path(d.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal %s: %w", d.ID, err)
	}
	data = append(data, '\n')

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("filestore: write %s: %w", d.ID, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("filestore: replace %s: %w", d.ID, err)
	}
	return nil
}

func summarize(d discussion.Discussion) discussion.Summary {
	return discussion.Summary{
		ID:        d.ID,
		Name:      d.Name,
		StartedAt: d.StartedAt,
		EndedAt:   d.EndedAt,
		TurnCount: len(d.Turns),
	}
}
