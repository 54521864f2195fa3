// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package columnstore

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hemant/cassq/internal/errors"
	"github.com/hemant/cassq/internal/timeutil"
)

// MemoryStore is an in-process Store used in tests and examples.
//
// It honors the full Store contract including last-write-wins timestamps
// and row TTL, and can additionally simulate the replication lag of an
// eventually consistent backend: columns written while VisibilityLag is
// set do not become readable until the lag has elapsed.
type MemoryStore struct {
	clock timeutil.Clock

	mu   sync.RWMutex
	rows map[string]*memRow

	// visibility lag applied to subsequent writes, guarded by mu.
	lag time.Duration
}

type memRow struct {
	cols     map[string]*memColumn
	expireAt time.Time // zero means no TTL
}

type memColumn struct {
	col       Column
	visibleAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock substitutes the wall clock, letting tests control TTL expiry
// and write visibility deterministically.
func WithClock(c timeutil.Clock) MemoryOption {
	return func(s *MemoryStore) { s.clock = c }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		clock: timeutil.NewRealClock(),
		rows:  make(map[string]*memRow),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetVisibilityLag makes columns written from now on invisible to readers
// for the given duration, simulating an unstable zone.
func (s *MemoryStore) SetVisibilityLag(lag time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lag = lag
}

func (s *MemoryStore) Put(ctx context.Context, row string, col Column, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(row, col, ttl)
	return ctx.Err()
}

func (s *MemoryStore) PutBatch(ctx context.Context, row string, cols []Column, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, col := range cols {
		s.putLocked(row, col, ttl)
	}
	return ctx.Err()
}

func (s *MemoryStore) putLocked(row string, col Column, ttl time.Duration) {
	now := s.clock.Now()
	if col.Timestamp == 0 {
		col.Timestamp = now.UnixNano()
	}
	r := s.liveRowLocked(row, now)
	if r == nil {
		r = &memRow{cols: make(map[string]*memColumn)}
		s.rows[row] = r
	}
	if existing, ok := r.cols[col.Name]; ok && existing.col.Timestamp > col.Timestamp {
		// Last write wins by timestamp; a stale write is dropped.
		return
	}
	r.cols[col.Name] = &memColumn{col: col, visibleAt: now.Add(s.lag)}
	if ttl > 0 {
		r.expireAt = now.Add(ttl)
	}
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, row string, col Column, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if r := s.liveRowLocked(row, now); r != nil {
		if _, ok := r.cols[col.Name]; ok {
			return false, ctx.Err()
		}
	}
	s.putLocked(row, col, ttl)
	return true, ctx.Err()
}

func (s *MemoryStore) PutIfEqual(ctx context.Context, row string, col Column, expected []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	r := s.liveRowLocked(row, now)
	if r == nil {
		return false, ctx.Err()
	}
	mc, ok := r.cols[col.Name]
	if !ok || !bytes.Equal(mc.col.Value, expected) {
		return false, ctx.Err()
	}
	s.putLocked(row, col, ttl)
	return true, ctx.Err()
}

func (s *MemoryStore) DeleteColumnIfEqual(ctx context.Context, row, name string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	r := s.liveRowLocked(row, now)
	if r == nil {
		return false, ctx.Err()
	}
	mc, ok := r.cols[name]
	if !ok || !bytes.Equal(mc.col.Value, expected) {
		return false, ctx.Err()
	}
	delete(r.cols, name)
	if len(r.cols) == 0 {
		delete(s.rows, row)
	}
	return true, ctx.Err()
}

func (s *MemoryStore) GetColumn(ctx context.Context, row, name string) (Column, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	r := s.liveRowReadLocked(row, now)
	if r == nil {
		return Column{}, errors.ErrColumnNotFound
	}
	mc, ok := r.cols[name]
	if !ok || mc.visibleAt.After(now) {
		return Column{}, errors.ErrColumnNotFound
	}
	return mc.col, ctx.Err()
}

func (s *MemoryStore) GetRange(ctx context.Context, row, exclusiveStart, inclusiveEnd string, limit int, reverse bool) ([]Column, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	r := s.liveRowReadLocked(row, now)
	if r == nil {
		return nil, ctx.Err()
	}
	names := make([]string, 0, len(r.cols))
	for name, mc := range r.cols {
		if mc.visibleAt.After(now) {
			continue
		}
		if exclusiveStart != "" && name <= exclusiveStart {
			continue
		}
		if inclusiveEnd != "" && name > inclusiveEnd {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if reverse {
		for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
			names[i], names[j] = names[j], names[i]
		}
	}
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	out := make([]Column, 0, len(names))
	for _, name := range names {
		out = append(out, r.cols[name].col)
	}
	return out, ctx.Err()
}

func (s *MemoryStore) DeleteColumn(ctx context.Context, row, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[row]; ok {
		delete(r.cols, name)
		if len(r.cols) == 0 {
			delete(s.rows, row)
		}
	}
	return ctx.Err()
}

func (s *MemoryStore) DeleteRow(ctx context.Context, row string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, row)
	return ctx.Err()
}

func (s *MemoryStore) ListRows(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	var out []string
	for key := range s.rows {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if s.liveRowReadLocked(key, now) == nil {
			continue
		}
		out = append(out, key)
	}
	sort.Strings(out)
	return out, ctx.Err()
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

// liveRowLocked returns the row, dropping it first if its TTL has passed.
// Caller must hold the write lock.
func (s *MemoryStore) liveRowLocked(row string, now time.Time) *memRow {
	r, ok := s.rows[row]
	if !ok {
		return nil
	}
	if !r.expireAt.IsZero() && !r.expireAt.After(now) {
		delete(s.rows, row)
		return nil
	}
	return r
}

// liveRowReadLocked is the read-side variant: it treats an expired row as
// absent without mutating the map.
func (s *MemoryStore) liveRowReadLocked(row string, now time.Time) *memRow {
	r, ok := s.rows[row]
	if !ok {
		return nil
	}
	if !r.expireAt.IsZero() && !r.expireAt.After(now) {
		return nil
	}
	return r
}
