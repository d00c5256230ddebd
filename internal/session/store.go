package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileName is the saved session inside .batchline/state.
const FileName = "session.json"

// Store keeps the session on disk so a restarted terminal resumes it.
type Store struct {
	path string
}

// NewStore creates a store rooted at the state directory.
func NewStore(stateDir string) *Store {
	return &Store{path: filepath.Join(stateDir, FileName)}
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted session if present.
func (s *Store) Load() (Session, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Session{}, ErrNoSession
		}
		return Session{}, fmt.Errorf("session: read %s: %w", s.path, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("session: decode %s: %w", s.path, err)
	}
	if sess.AccessToken == "" {
		return Session{}, ErrNoSession
	}
	return sess, nil
}

// Resume loads the saved session and discards it when its token has
// expired, returning ErrExpired in that case.
func (s *Store) Resume(now time.Time) (Session, error) {
	sess, err := s.Load()
	if err != nil {
		return Session{}, err
	}
	if !sess.Valid(now) {
		if err := s.Clear(); err != nil {
			return Session{}, err
		}
		return Session{}, ErrExpired
	}
	return sess, nil
}

// Save writes the session to disk, readable by the owner only.
func (s *Store) Save(sess Session) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("session: ensure state dir: %w", err)
	}
	encoded, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(encoded, '\n'), 0o600); err != nil {
		return fmt.Errorf("session: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("session: replace %s: %w", s.path, err)
	}
	return nil
}

// Clear removes the saved session.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session: remove %s: %w", s.path, err)
	}
	return nil
}
