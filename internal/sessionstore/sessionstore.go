// Package sessionstore implements the session store (C2): whole
// document load/save of a Session by id.
package sessionstore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"dataroma-screener/internal/model"
)

// Store is a file-backed session store, one JSON document per session id.
type Store struct {
	BaseDir string
}

// New creates a Store rooted at baseDir.
func New(baseDir string) *Store {
	return &Store{BaseDir: baseDir}
}

func (s *Store) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

// Load returns the session for id, or nil if it does not exist or its
// file is corrupt. Corrupt files are treated as absent, never errored.
func (s *Store) Load(id string) (*model.Session, error) {
	b, err := os.ReadFile(s.filePath(id))
	if err != nil {
		return nil, nil
	}
	var session model.Session
	if err := json.Unmarshal(b, &session); err != nil {
		return nil, nil
	}
	return &session, nil
}

// Save overwrites the whole document for session.ID. No partial updates.
func (s *Store) Save(session *model.Session) error {
	if err := os.MkdirAll(s.BaseDir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	path := s.filePath(session.ID)
	tmp, err := os.CreateTemp(s.BaseDir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
