// Package store persists the engine's three versioned JSON documents
// (state, retry queue, metrics) with atomic writes and self-healing reads.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/evolved/api/schemas"
)

const (
	stateFile   = "state.json"
	queueFile   = "retry_queue.json"
	metricsFile = "metrics.json"
)

// Store provides atomic read/modify/write access to the persisted documents.
// All mutation passes through the mutex so concurrent readers never observe
// a document mid-update.
type Store struct {
	dir string
	log *zap.Logger
	mu  sync.Mutex
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
	}
	return &Store{dir: dir, log: logger.Named("store")}, nil
}

// Dir returns the data directory backing this store.
func (s *Store) Dir() string { return s.dir }

// readDoc loads a document, healing missing, corrupt, or version-mismatched
// files to the provided default shape. It never returns an error for bad
// content: persistence corruption must not take the engine down.
func readDoc[T any](s *Store, name string, def T, version func(T) int) T {
	path := filepath.Join(s.dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("Unreadable document, using defaults", zap.String("file", name), zap.Error(err))
		}
		return def
	}

	var doc T
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.log.Warn("Corrupt document, using defaults", zap.String("file", name), zap.Error(err))
		return def
	}
	if version(doc) != schemas.DocumentVersion {
		s.log.Warn("Document version mismatch, using defaults",
			zap.String("file", name), zap.Int("version", version(doc)))
		return def
	}
	return doc
}

// writeDoc atomically replaces a document: write to a temp file in the same
// directory, fsync, then rename over the target so a partial write is never
// observable.
func writeDoc[T any](s *Store, name string, doc T) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file for %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// LoadState returns the persisted state document or its default shape.
func (s *Store) LoadState() schemas.StateDocument {
	return readDoc(s, stateFile, schemas.DefaultState(),
		func(d schemas.StateDocument) int { return d.Version })
}

// SaveState atomically persists the state document.
func (s *Store) SaveState(doc schemas.StateDocument) error {
	doc.Version = schemas.DocumentVersion
	return writeDoc(s, stateFile, doc)
}

// UpdateState applies fn to the current state and persists the result.
func (s *Store) UpdateState(fn func(*schemas.StateDocument)) (schemas.StateDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.LoadState()
	fn(&doc)
	if err := s.SaveState(doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// LoadQueue returns the persisted retry queue or its default shape.
func (s *Store) LoadQueue() schemas.RetryQueueDocument {
	return readDoc(s, queueFile, schemas.DefaultRetryQueue(),
		func(d schemas.RetryQueueDocument) int { return d.Version })
}

// SaveQueue atomically persists the retry queue.
func (s *Store) SaveQueue(doc schemas.RetryQueueDocument) error {
	doc.Version = schemas.DocumentVersion
	return writeDoc(s, queueFile, doc)
}

// UpdateQueue applies fn to the current queue and persists the result.
func (s *Store) UpdateQueue(fn func(*schemas.RetryQueueDocument)) (schemas.RetryQueueDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.LoadQueue()
	fn(&doc)
	if err := s.SaveQueue(doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// LoadMetrics returns the persisted metrics or their default shape.
func (s *Store) LoadMetrics() schemas.MetricsDocument {
	return readDoc(s, metricsFile, schemas.DefaultMetrics(),
		func(d schemas.MetricsDocument) int { return d.Version })
}

// UpdateMetrics applies fn to the counters, recomputes the derived averages
// and persists the result.
func (s *Store) UpdateMetrics(fn func(*schemas.MetricsDocument)) (schemas.MetricsDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.LoadMetrics()
	fn(&doc)
	doc.Recompute()
	doc.Version = schemas.DocumentVersion
	if err := writeDoc(s, metricsFile, doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// Snapshot returns the three documents verbatim for read-only surfaces.
func (s *Store) Snapshot() schemas.Snapshot {
	return schemas.Snapshot{
		State:      s.LoadState(),
		RetryQueue: s.LoadQueue(),
		Metrics:    s.LoadMetrics(),
	}
}
