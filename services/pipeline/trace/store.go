// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/concordance-ai/concordance/services/pipeline/datatype"
	"github.com/concordance-ai/concordance/services/pipeline/store"
)

// ErrTraceNotFound is returned when a run id has no stored trace.
var ErrTraceNotFound = errors.New("run trace not found")

// Key prefixes. Run traces and stage audit records share one Badger
// instance under disjoint prefixes.
const (
	runPrefix   = "run:"
	auditPrefix = "audit:"
)

// Config holds configuration for the trace store's embedded BadgerDB.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory.
	Path string

	// InMemory enables in-memory mode. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for a persistent store.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no sync.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
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
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// StageAuditRecord is the durable, payload-free record of one accepted
// stage. Payloads can be large and may contain source material; the audit
// log keeps lineage metadata only.
type StageAuditRecord struct {
	RunID         string            `json:"run_id"`
	Name          string            `json:"name"`
	DataType      datatype.DataType `json:"data_type"`
	ProducingTool string            `json:"producing_tool"`
	Dependencies  []string          `json:"dependencies,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Store persists run traces and the append-only stage audit log in an
// embedded BadgerDB.
//
// Thread Safety:
//
//	Safe for concurrent use; BadgerDB transactions provide isolation.
type Store struct {
	db *badger.DB
}

// NewStore opens the trace store.
//
// Inputs:
//
//	cfg - Store configuration. Path required unless InMemory.
//
// Outputs:
//
//	*Store - The opened store. Caller must Close().
//	error  - Non-nil if the database cannot be opened.
func NewStore(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent trace store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create trace store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTrace persists a run trace, keyed by run id. Saving twice under the
// same id overwrites; the executor writes each trace exactly once.
func (s *Store) SaveTrace(t *RunTrace) error {
	if t == nil || t.RunID == "" {
		return errors.New("trace requires a run id")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trace %s: %w", t.RunID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runPrefix+t.RunID), data)
	})
	if err != nil {
		return fmt.Errorf("save trace %s: %w", t.RunID, err)
	}
	return nil
}

// GetTrace loads a run trace by run id.
func (s *Store) GetTrace(runID string) (*RunTrace, error) {
	var t RunTrace
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runPrefix + runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrTraceNotFound, runID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &t)
		})
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListRuns returns all stored run ids, sorted.
func (s *Store) ListRuns() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, key[len(runPrefix):])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// StageAudit returns the audit records appended for a run, in append order.
func (s *Store) StageAudit(runID string) ([]StageAuditRecord, error) {
	var records []StageAuditRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditPrefix + runID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec StageAuditRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stage audit %s: %w", runID, err)
	}
	return records, nil
}

// stageSink forwards accepted stages into the audit log for one run.
type stageSink struct {
	store *Store
	runID string
	seq   atomic.Uint64
}

// StageSink returns an append-only audit sink for one run, suitable for
// store.WithAuditSink.
func (s *Store) StageSink(runID string) store.AuditSink {
	return &stageSink{store: s, runID: runID}
}

// AppendStage writes the stage's metadata under the next sequence number.
// Keys are zero-padded so iteration order is append order.
func (k *stageSink) AppendStage(stage *store.Stage) error {
	seq := k.seq.Add(1)
	rec := StageAuditRecord{
		RunID:         k.runID,
		Name:          stage.Name,
		DataType:      stage.DataType,
		ProducingTool: stage.ProducingTool,
		Dependencies:  stage.Dependencies,
		CreatedAt:     stage.CreatedAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record %s: %w", stage.Name, err)
	}
	key := fmt.Sprintf("%s%s:%012d", auditPrefix, k.runID, seq)
	err = k.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("append audit record %s: %w", stage.Name, err)
	}
	return nil
}
