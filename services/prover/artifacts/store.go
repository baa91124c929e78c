// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifacts stores downloadable run outputs in BadgerDB.
//
// Artifacts are keyed by file name and expire after a TTL, so the store
// needs no cleanup job beyond BadgerDB's own value log GC, which runs on a
// ticker for persistent databases.
package artifacts

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianProver/services/prover/observability"
)

// keyPrefix namespaces artifact keys.
const keyPrefix = "artifact/"

// maxNameLen bounds artifact names.
const maxNameLen = 255

var (
	// ErrNotFound is returned when an artifact is missing or expired.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidName is returned for names that are empty, too long or not
	// a plain file name.
	ErrInvalidName = errors.New("invalid artifact name")
)

// Config holds configuration for the artifact store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory.
	Path string `yaml:"path"`

	// InMemory keeps everything in memory. Used by tests.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every write.
	SyncWrites bool `yaml:"sync_writes"`

	// TTL is how long an artifact stays downloadable. Default: 1 hour.
	TTL time.Duration `yaml:"ttl"`

	// GCInterval is how often value log GC runs. Zero disables it.
	// Default: 5 minutes.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the discardable fraction that triggers a rewrite.
	// Default: 0.5.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`
}

// DefaultConfig returns production defaults. Path must still be set.
func DefaultConfig() Config {
	return Config{
		TTL:            time.Hour,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	cfg := DefaultConfig()
	cfg.InMemory = true
	cfg.GCInterval = 0
	return cfg
}

// badgerLogger routes BadgerDB's logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Entry describes a stored artifact.
type Entry struct {
	Name      string    `json:"name"`
	Size      int       `json:"size"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists artifacts.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db      *badger.DB
	gc      *GCRunner
	ttl     time.Duration
	logger  *slog.Logger
	metrics *observability.ProverMetrics
}

// Open opens the store described by cfg.
//
// # Inputs
//
//   - cfg: Store configuration. Path is required unless InMemory.
//   - logger: Logger for the store and BadgerDB. Nil means slog.Default().
//   - metrics: Prometheus metrics. May be nil.
//
// # Outputs
//
//   - *Store: The open store. Close it on shutdown.
//   - error: Non-nil if the database cannot be opened.
func Open(cfg Config, logger *slog.Logger, metrics *observability.ProverMetrics) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent artifact store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "artifacts")
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create artifact directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	s := &Store{db: db, ttl: cfg.TTL, logger: logger, metrics: metrics}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gc = runner
		runner.Start()
	}
	return s, nil
}

// ValidName reports whether name can be used as an artifact name.
func ValidName(name string) bool {
	if name == "" || len(name) > maxNameLen {
		return false
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return false
	}
	return path.Base(name) == name
}

func key(name string) []byte {
	return []byte(keyPrefix + name)
}

// Put stores data under name with the configured TTL, replacing any
// previous artifact of that name.
func (s *Store) Put(name string, data []byte) (Entry, error) {
	if !ValidName(name) {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key(name), data).WithTTL(s.ttl))
	})
	if err != nil {
		return Entry{}, fmt.Errorf("store artifact %s: %w", name, err)
	}
	s.metrics.RecordArtifactStored()
	s.logger.Debug("artifact stored", "name", name, "size", len(data))
	return Entry{Name: name, Size: len(data), ExpiresAt: time.Now().Add(s.ttl)}, nil
}

// Get returns a copy of the artifact bytes.
func (s *Store) Get(name string) ([]byte, Entry, error) {
	if !ValidName(name) {
		return nil, Entry{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	var data []byte
	var entry Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(name))
		if err != nil {
			return err
		}
		entry = entryOf(name, item)
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, Entry{}, fmt.Errorf("read artifact %s: %w", name, err)
	}
	return data, entry, nil
}

// List returns every unexpired artifact.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := strings.TrimPrefix(string(item.Key()), keyPrefix)
			entries = append(entries, entryOf(name, item))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return entries, nil
}

// Delete removes an artifact. Deleting a missing artifact is not an error.
func (s *Store) Delete(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(name))
	})
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.Stop()
	}
	return s.db.Close()
}

func entryOf(name string, item *badger.Item) Entry {
	e := Entry{Name: name, Size: int(item.ValueSize())}
	if exp := item.ExpiresAt(); exp > 0 {
		e.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	return e
}
