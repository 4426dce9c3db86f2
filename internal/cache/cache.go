// Package cache implements the descriptor-keyed, TTL-bounded file
// cache (C1): typed read/write on top of type-erased JSON files laid
// out as <base>/<provider>/<scope>/<key>.json.
package cache

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dataroma-screener/internal/model"
)

// Store is a file-backed cache. Reads never return storage errors to
// callers: read failures collapse to "absent", per spec.md §7. Write
// returns its I/O errors.
type Store struct {
	BaseDir string
}

// New creates a Store rooted at baseDir.
func New(baseDir string) *Store {
	return &Store{BaseDir: baseDir}
}

func sanitizeSegment(segment string) string {
	normalized := strings.TrimSpace(segment)
	if normalized == "" {
		return "default"
	}
	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s *Store) filePath(d model.CacheDescriptor) string {
	providerDir := sanitizeSegment(d.Provider)
	scopeDir := sanitizeSegment(d.Scope)
	fileName := url.QueryEscape(d.Key) + ".json"
	return filepath.Join(s.BaseDir, providerDir, scopeDir, fileName)
}

type onDisk[T any] struct {
	Descriptor model.CacheDescriptor `json:"descriptor"`
	Payload    T                     `json:"payload"`
	CreatedAt  time.Time             `json:"createdAt"`
}

// Read returns the cached payload if present and unexpired. Any
// I/O or parse failure, or an expired entry, yields (nil, nil): the
// caller treats this exactly like a cache miss. An expired entry's
// backing file is removed.
func Read[T any](s *Store, d model.CacheDescriptor) (*model.CachedPayload[T], error) {
	path := s.filePath(d)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil
	}

	var raw onDisk[T]
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, nil
	}

	if raw.Descriptor.ExpiresAt != nil && time.Now().After(*raw.Descriptor.ExpiresAt) {
		_ = os.Remove(path)
		return nil, nil
	}

	return &model.CachedPayload[T]{
		Descriptor: raw.Descriptor,
		Payload:    raw.Payload,
		CreatedAt:  raw.CreatedAt,
	}, nil
}

// Write stores payload under descriptor, stamping CreatedAt, and
// returns the resulting CachedPayload. Its times are in UTC, so it
// compares equal to a later Read of the same entry. The write is
// atomic: staged to a temp file in the same directory, then renamed
// into place, so a
// concurrent reader never observes a partially written file.
func Write[T any](s *Store, d model.CacheDescriptor, payload T) (*model.CachedPayload[T], error) {
	path := s.filePath(d)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	if d.ExpiresAt != nil {
		expires := d.ExpiresAt.UTC()
		d.ExpiresAt = &expires
	}
	cp := model.CachedPayload[T]{
		Descriptor: d,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	b, err := json.Marshal(onDisk[T]{Descriptor: cp.Descriptor, Payload: cp.Payload, CreatedAt: cp.CreatedAt})
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	return &cp, nil
}

// Clear best-effort deletes the entry for descriptor. Absent entries
// are not an error.
func (s *Store) Clear(d model.CacheDescriptor) {
	_ = os.Remove(s.filePath(d))
}
