// Package persistence implements the supervisor's JSON document store,
// used for strategy configuration and runtime state snapshots. Writes are
// atomic (temp file + fsync + rename) so a crash mid-write never leaves a
// truncated or partially-written document behind.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Store is a namespaced key/value JSON document store backed by one file
// per key under dir/<namespace>/<key>.json. Each key has its own mutex so
// unrelated documents never block each other.
type Store struct {
	logger *zap.Logger
	dir    string

	mu    sync.Mutex // guards locks
	locks map[string]*sync.Mutex
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(logger *zap.Logger, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{
		logger: logger,
		dir:    dir,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) lockFor(namespace, key string) *sync.Mutex {
	id := namespace + "/" + key
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) path(namespace, key string) string {
	return filepath.Join(s.dir, namespace, key+".json")
}

// Save atomically writes v as the document at namespace/key.
func (s *Store) Save(namespace, key string, v any) error {
	l := s.lockFor(namespace, key)
	l.Lock()
	defer l.Unlock()

	path := s.path(namespace, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create namespace dir: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Load reads the document at namespace/key into v. ErrNotExist is returned
// (wrapped) if the document does not exist.
func (s *Store) Load(namespace, key string, v any) error {
	l := s.lockFor(namespace, key)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(s.path(namespace, key))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal document %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Exists reports whether a document exists at namespace/key.
func (s *Store) Exists(namespace, key string) bool {
	_, err := os.Stat(s.path(namespace, key))
	return err == nil
}

// Delete removes the document at namespace/key. Deleting a missing document
// is not an error.
func (s *Store) Delete(namespace, key string) error {
	l := s.lockFor(namespace, key)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(namespace, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete document %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns the keys present in a namespace, or an empty slice if the
// namespace directory does not exist yet.
func (s *Store) List(namespace string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list namespace %s: %w", namespace, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const ext = ".json"
		if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
			keys = append(keys, name[:len(name)-len(ext)])
		}
	}
	return keys, nil
}
