// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package blob implements a keyed store of opaque byte payloads on top of
// the ordered-column abstraction: one row per key, a single data column,
// optional TTL, batch reads and a full-scan-since-timestamp operation.
package blob

import (
	"context"
	"strings"
	"time"

	"github.com/hemant/cassq/internal/base"
	"github.com/hemant/cassq/internal/clock"
	"github.com/hemant/cassq/internal/columnstore"
	"github.com/hemant/cassq/internal/errors"
)

const dataColumn = "data"

// Storage reads and writes blobs within one column family.
type Storage struct {
	store columnstore.Store
	cf    string
	ticks clock.Source
}

// NewStorage creates a blob Storage for the given column family.
func NewStorage(store columnstore.Store, cf string, ticks clock.Source) *Storage {
	return &Storage{store: store, cf: cf, ticks: ticks}
}

func (s *Storage) rowKey(id string) string {
	return base.RowKey(s.cf, id)
}

// Write stores the blob under id. A ttl greater than zero bounds the
// blob's retention.
func (s *Storage) Write(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	t, err := s.ticks.NowTicks(ctx)
	if err != nil {
		return err
	}
	col := columnstore.Column{Name: dataColumn, Value: data, Timestamp: t}
	return s.store.Put(ctx, s.rowKey(id), col, ttl)
}

// Read returns the blob stored under id, or errors.ErrColumnNotFound.
func (s *Storage) Read(ctx context.Context, id string) ([]byte, error) {
	col, err := s.store.GetColumn(ctx, s.rowKey(id), dataColumn)
	if err != nil {
		return nil, err
	}
	return col.Value, nil
}

// ReadBatch returns the blobs stored under the given ids, keyed by id.
// Missing ids are omitted from the result.
func (s *Storage) ReadBatch(ctx context.Context, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		data, err := s.Read(ctx, id)
		if errors.Is(err, errors.ErrColumnNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = data
	}
	return out, nil
}

// ReadQuiet returns one entry per requested id, preserving order, with
// nil standing in for missing blobs.
func (s *Storage) ReadQuiet(ctx context.Context, ids []string) ([][]byte, error) {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		data, err := s.Read(ctx, id)
		if errors.Is(err, errors.ErrColumnNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

// Delete removes the blob stored under id.
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.store.DeleteRow(ctx, s.rowKey(id))
}

// ScanSince walks every blob written at or after sinceTicks and calls fn
// with its id and payload. Returning false from fn stops the scan.
// Order of visit is unspecified.
func (s *Storage) ScanSince(ctx context.Context, sinceTicks int64, fn func(id string, data []byte) bool) error {
	prefix := s.cf + "/"
	rows, err := s.store.ListRows(ctx, prefix)
	if err != nil {
		return err
	}
	for _, row := range rows {
		col, err := s.store.GetColumn(ctx, row, dataColumn)
		if errors.Is(err, errors.ErrColumnNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if col.Timestamp < sinceTicks {
			continue
		}
		if !fn(strings.TrimPrefix(row, prefix), col.Value) {
			return nil
		}
	}
	return nil
}
