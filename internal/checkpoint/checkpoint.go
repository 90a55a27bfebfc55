// Package checkpoint persists per-conversation high-water marks so that
// restarted pollers resume where they stopped instead of replaying
// history.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// Store tracks the newest delivered message timestamp per conversation.
// Marks only move forward; every advance is flushed before it is
// observable, so a crash can repeat messages but never lose them.
type Store struct {
	path string

	mu    sync.Mutex
	marks map[string]int64
}

// Load reads the checkpoint file at path. A missing file yields an empty
// store; the file appears on the first advance.
func Load(path string) (*Store, error) {
	s := &Store{path: path, marks: make(map[string]int64)}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	if err := toml.Unmarshal(raw, &s.marks); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint file: %w", err)
	}
	return s, nil
}

// Get returns the stored mark for a conversation, zero when none exists.
func (s *Store) Get(conversation string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[conversation]
}

// Advance raises the mark for a conversation and flushes the file. A
// timestamp at or below the current mark is a no-op: marks never
// regress.
func (s *Store) Advance(conversation string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts <= s.marks[conversation] {
		return nil
	}
	s.marks[conversation] = ts
	return s.flush()
}

// Rename moves the mark stored under oldKey to newKey, keeping whichever
// value is higher, and flushes. A missing oldKey is a no-op, so callers
// can invoke it unconditionally.
func (s *Store) Rename(oldKey, newKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.marks[oldKey]
	if !ok || oldKey == newKey {
		return nil
	}
	delete(s.marks, oldKey)
	if v > s.marks[newKey] {
		s.marks[newKey] = v
	}
	return s.flush()
}

// All returns a copy of every stored mark.
func (s *Store) All() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.marks))
	for k, v := range s.marks {
		out[k] = v
	}
	return out
}

// flush rewrites the whole file through a rename so readers never see a
// partial write. Callers hold s.mu.
func (s *Store) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(s.marks); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode checkpoint file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}
