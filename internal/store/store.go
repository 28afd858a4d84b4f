// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store wraps a single embedded BadgerDB instance with JSON-row and
// JSON-lines helpers used by every package that needs state to survive a
// restart: the compatibility registry, the autotune profile registry, the
// agent state store, and the runtime state snapshot.
//
// =============================================================================
// Design choices
// =============================================================================
//
//  1. BadgerDB, not a file-per-record tree: every persisted-state bullet in
//     this system is small, append-mostly, and read back by prefix scan —
//     exactly BadgerDB's sweet spot, and it is already the embedded store the
//     rest of this codebase's ancestry reaches for.
//  2. Key-prefix versioning: every key is "<domain>/v1/<suffix>" so a future
//     encoding change can coexist with old rows during a migration window.
//  3. Native TTL via Badger's GC where a caller supplies one; callers that
//     need unbounded retention simply omit the TTL. No application-level
//     expiry sweep is implemented — Badger's compaction does it.
//  4. Nil-safe contract: a nil *DB is a valid value (used by tests and by
//     callers that run with persistence disabled) and every method returns a
//     clear error instead of panicking.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const keyVersion = "v1"

// DB is a thin wrapper over a single BadgerDB instance.
type DB struct {
	bdb    *badger.DB
	logger *slog.Logger
	seq    atomic.Uint64
}

// Open opens (creating if necessary) a BadgerDB database rooted at path.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger at %s: %w", path, err)
	}
	return &DB{bdb: bdb, logger: logger}, nil
}

// Close releases the underlying database. Safe to call on a nil *DB.
func (d *DB) Close() error {
	if d == nil || d.bdb == nil {
		return nil
	}
	return d.bdb.Close()
}

// WithTxn runs fn inside a read-write Badger transaction.
func (d *DB) WithTxn(_ context.Context, fn func(txn *badger.Txn) error) error {
	if d == nil || d.bdb == nil {
		return fmt.Errorf("store: nil database")
	}
	return d.bdb.Update(fn)
}

// WithReadTxn runs fn inside a read-only Badger transaction.
func (d *DB) WithReadTxn(_ context.Context, fn func(txn *badger.Txn) error) error {
	if d == nil || d.bdb == nil {
		return fmt.Errorf("store: nil database")
	}
	return d.bdb.View(fn)
}

func rowKey(domain string, tsNanos int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%s/%020d-%020d", domain, keyVersion, tsNanos, seq))
}

func keyedKey(domain, key string) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s", domain, keyVersion, key))
}

func prefixOf(domain string) []byte {
	return []byte(domain + "/" + keyVersion + "/")
}

// AppendRow writes row as a new, never-overwritten entry under domain,
// ordered by append time. Used by the compatibility registry's JSON-rows log.
func AppendRow[T any](ctx context.Context, d *DB, domain string, row T, ttl time.Duration) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: encode row: %w", err)
	}
	key := rowKey(domain, time.Now().UnixNano(), d.nextSeq())
	return d.WithTxn(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, raw)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (d *DB) nextSeq() uint64 {
	if d == nil {
		return 0
	}
	return d.seq.Add(1)
}

// ScanRows returns up to limit rows (0 = unlimited) appended under domain, in
// append order. Malformed rows are skipped rather than aborting the scan.
func ScanRows[T any](ctx context.Context, d *DB, domain string, limit int) ([]T, error) {
	var out []T
	prefix := prefixOf(domain)
	err := d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				var row T
				if jerr := json.Unmarshal(val, &row); jerr != nil {
					if d.logger != nil {
						d.logger.Warn("store: skipping malformed row", "domain", domain, "err", jerr)
					}
					return nil
				}
				out = append(out, row)
				return nil
			}); err != nil {
				return err
			}
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// AppendLine is AppendRow under a different name for call sites modeling a
// JSONL append log (the agent state store) rather than a bounded-retention
// registry; the on-disk representation is identical.
func AppendLine[T any](ctx context.Context, d *DB, domain string, line T) error {
	return AppendRow(ctx, d, domain, line, 0)
}

// ScanLines is ScanRows under a different name; see AppendLine.
func ScanLines[T any](ctx context.Context, d *DB, domain string, limit int) ([]T, error) {
	return ScanRows[T](ctx, d, domain, limit)
}

// PutKeyed writes value at a single stable key within domain, overwriting any
// prior value. Used by the autotune registry (keyed by model+backend).
func PutKeyed[T any](ctx context.Context, d *DB, domain, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode keyed value: %w", err)
	}
	return d.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(keyedKey(domain, key), raw)
	})
}

// DeleteKeyed removes the value at key within domain, if present. Used by
// the agent state store to enforce retain_completed_runs.
func DeleteKeyed(ctx context.Context, d *DB, domain, key string) error {
	return d.WithTxn(ctx, func(txn *badger.Txn) error {
		err := txn.Delete(keyedKey(domain, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// GetKeyed reads the value at key within domain. Returns (nil, nil) on miss,
// matching the nil-safety contract used throughout this store.
func GetKeyed[T any](ctx context.Context, d *DB, domain, key string) (*T, error) {
	var out *T
	err := d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(keyedKey(domain, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: get %s/%s: %w", domain, key, err)
		}
		return item.Value(func(val []byte) error {
			var v T
			if jerr := json.Unmarshal(val, &v); jerr != nil {
				return fmt.Errorf("store: decode %s/%s: %w", domain, key, jerr)
			}
			out = &v
			return nil
		})
	})
	return out, err
}

// ListKeyed returns every value stored under domain via PutKeyed.
func ListKeyed[T any](ctx context.Context, d *DB, domain string) ([]T, error) {
	var out []T
	prefix := prefixOf(domain)
	err := d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var v T
				if jerr := json.Unmarshal(val, &v); jerr != nil {
					return nil
				}
				out = append(out, v)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

const snapshotKey = "snapshot"

// PutSnapshot overwrites the single snapshot value stored under domain.
func PutSnapshot[T any](ctx context.Context, d *DB, domain string, value T) error {
	return PutKeyed(ctx, d, domain, snapshotKey, value)
}

// GetSnapshot reads the single snapshot value stored under domain, returning
// (nil, nil) if none has ever been written.
func GetSnapshot[T any](ctx context.Context, d *DB, domain string) (*T, error) {
	return GetKeyed[T](ctx, d, domain, snapshotKey)
}
