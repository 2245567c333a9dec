// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// Key layout:
//
//	run/<started unix nanos, 20 digits>/<id>  → Record (JSON)
//	id/<id>                                   → run key
const (
	runPrefix = "run/"
	idPrefix  = "id/"
)

// ErrNotFound is returned when no run has the requested ID.
var ErrNotFound = errors.New("run not found")

// Record is a persisted batch run with the metadata it was exported with.
type Record struct {
	Run      *capability.BatchRun `json:"run"`
	Metadata capability.Metadata  `json:"metadata"`
}

// Summary is the listing view of a run.
type Summary struct {
	ID          string                `json:"id"`
	Kind        capability.Kind       `json:"kind"`
	StartedAt   time.Time             `json:"startedAt"`
	Environment string                `json:"environment"`
	Stats       capability.BatchStats `json:"stats"`
}

// ListOptions filters List.
type ListOptions struct {
	// Kind keeps only runs of this kind when set.
	Kind capability.Kind

	// Limit caps the result. Zero means no cap.
	Limit int
}

// Store persists batch runs.
//
// # Thread Safety
//
// Store is safe for concurrent use.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	logger *slog.Logger
}

// Open opens the store described by cfg.
//
// # Examples
//
//	store, err := history.Open(history.DefaultConfig(history.DefaultDir()))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(cfg Config) (*Store, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// Save persists rec. A run without an ID gets one.
func (s *Store) Save(ctx context.Context, rec Record) (string, error) {
	if rec.Run == nil {
		return "", errors.New("record has no run")
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}
	if rec.Run.ID == "" {
		rec.Run.ID = uuid.New().String()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode run: %w", err)
	}
	key := runKey(rec.Run.StartedAt, rec.Run.ID)

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(idPrefix+rec.Run.ID), key)
	})
	if err != nil {
		return "", fmt.Errorf("save run %s: %w", rec.Run.ID, err)
	}
	s.logger.Debug("run saved", "id", rec.Run.ID, "kind", rec.Run.Kind, "rows", len(rec.Run.Results))
	return rec.Run.ID, nil
}

// Get loads the run with id. IDs may be abbreviated to any unique prefix
// of at least 8 characters.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("context cancelled: %w", err)
	}
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		key, err := resolveID(txn, id)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns run summaries, newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	var out []Summary
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   50,
			Reverse:        true,
			Prefix:         []byte(runPrefix),
		})
		defer it.Close()

		// Reverse iteration seeks from just past the prefix.
		for it.Seek([]byte(runPrefix + "\xff")); it.ValidForPrefix([]byte(runPrefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if rec.Run == nil || (opts.Kind != "" && rec.Run.Kind != opts.Kind) {
				continue
			}
			out = append(out, Summary{
				ID:          rec.Run.ID,
				Kind:        rec.Run.Kind,
				StartedAt:   rec.Run.StartedAt,
				Environment: rec.Metadata.Environment,
				Stats:       rec.Run.Stats,
			})
			if opts.Limit > 0 && len(out) == opts.Limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// Delete removes the run with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		key, err := resolveID(txn, id)
		if err != nil {
			return err
		}
		fullID := key[strings.LastIndexByte(string(key), '/')+1:]
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete([]byte(idPrefix + string(fullID)))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

func runKey(started time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", runPrefix, started.UnixNano(), id))
}

// resolveID maps a full or abbreviated id to its run key.
func resolveID(txn *badger.Txn, id string) ([]byte, error) {
	if item, err := txn.Get([]byte(idPrefix + id)); err == nil {
		return item.ValueCopy(nil)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, err
	}
	if len(id) < 8 {
		return nil, badger.ErrKeyNotFound
	}

	prefix := []byte(idPrefix + id)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 2})
	defer it.Close()

	var key []byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if key != nil {
			return nil, fmt.Errorf("run id %s is ambiguous", id)
		}
		v, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		key = v
	}
	if key == nil {
		return nil, badger.ErrKeyNotFound
	}
	return key, nil
}
