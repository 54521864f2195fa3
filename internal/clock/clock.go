// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package clock implements the global time service: monotonically
// non-decreasing logical timestamps ("ticks", nanoseconds since the Unix
// epoch) backed by a persisted high-water mark, tolerant of multiple
// writers with skewed wall clocks.
package clock

import (
	"context"
	"math"
	"sync"

	"github.com/hemant/cassq/internal/base"
	"github.com/hemant/cassq/internal/columnstore"
	"github.com/hemant/cassq/internal/errors"
	"github.com/hemant/cassq/internal/timeutil"
)

const (
	maxTicksColumn = "max"
	minTicksColumn = "min"

	// globalTicksName is the watermark name used by GlobalTime.
	globalTicksName = "global"
)

// TicksHolder persists named ticks watermarks in the ticks column family.
//
// It exploits the store's last-write-wins conflict resolution instead of a
// read-modify-write cycle: a max watermark is written with the ticks value
// as the column timestamp, so of any set of concurrent writers the largest
// value survives and no writer can regress the watermark. Min watermarks
// invert the timestamp so the smallest value survives.
type TicksHolder struct {
	store columnstore.Store

	mu       sync.Mutex
	maxCache map[string]int64
	minCache map[string]int64
}

// NewTicksHolder creates a TicksHolder over the given store.
func NewTicksHolder(store columnstore.Store) *TicksHolder {
	return &TicksHolder{
		store:    store,
		maxCache: make(map[string]int64),
		minCache: make(map[string]int64),
	}
}

// UpdateMaxTicks raises the named max watermark to ticks. Calls that do
// not raise the watermark beyond a value this process already wrote are
// skipped locally.
func (h *TicksHolder) UpdateMaxTicks(ctx context.Context, name string, ticks int64) error {
	h.mu.Lock()
	if cached, ok := h.maxCache[name]; ok && cached >= ticks {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	col := columnstore.Column{
		Name:      maxTicksColumn,
		Value:     []byte(base.FormatTicks(ticks)),
		Timestamp: ticks,
	}
	if err := h.store.Put(ctx, h.rowKey(name), col, 0); err != nil {
		return err
	}
	h.mu.Lock()
	if h.maxCache[name] < ticks {
		h.maxCache[name] = ticks
	}
	h.mu.Unlock()
	return nil
}

// GetMaxTicks reads the named max watermark. A watermark that was never
// written reads as zero.
func (h *TicksHolder) GetMaxTicks(ctx context.Context, name string) (int64, error) {
	col, err := h.store.GetColumn(ctx, h.rowKey(name), maxTicksColumn)
	if errors.Is(err, errors.ErrColumnNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return base.ParseTicks(string(col.Value))
}

// UpdateMinTicks lowers the named min watermark to ticks.
func (h *TicksHolder) UpdateMinTicks(ctx context.Context, name string, ticks int64) error {
	h.mu.Lock()
	if cached, ok := h.minCache[name]; ok && cached <= ticks {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	col := columnstore.Column{
		Name:  minTicksColumn,
		Value: []byte(base.FormatTicks(ticks)),
		// Inverted so the smallest proposed value wins the write race.
		Timestamp: math.MaxInt64 - ticks,
	}
	if err := h.store.Put(ctx, h.rowKey(name), col, 0); err != nil {
		return err
	}
	h.mu.Lock()
	if cached, ok := h.minCache[name]; !ok || cached > ticks {
		h.minCache[name] = ticks
	}
	h.mu.Unlock()
	return nil
}

// GetMinTicks reads the named min watermark. A watermark that was never
// written reads as zero.
func (h *TicksHolder) GetMinTicks(ctx context.Context, name string) (int64, error) {
	col, err := h.store.GetColumn(ctx, h.rowKey(name), minTicksColumn)
	if errors.Is(err, errors.ErrColumnNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return base.ParseTicks(string(col.Value))
}

// ResetCache drops the local watermark cache. Used by tests that wipe the
// backing store between cases.
func (h *TicksHolder) ResetCache() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxCache = make(map[string]int64)
	h.minCache = make(map[string]int64)
}

func (h *TicksHolder) rowKey(name string) string {
	return base.RowKey(base.CFTicks, name)
}

// Source is anything that can issue a fresh global tick.
// Both GlobalTime and Batcher satisfy it.
type Source interface {
	NowTicks(ctx context.Context) (int64, error)
}

// GlobalTime issues ticks that are unique and non-decreasing as observed
// by subsequent reads across the whole process fleet.
//
// Every NowTicks call costs one read and one write of the persisted
// watermark. Callers that need many timestamps quickly should use
// ReserveTicks or a Batcher instead of calling NowTicks per timestamp.
type GlobalTime struct {
	ticksHolder *TicksHolder
	clock       timeutil.Clock

	mu         sync.Mutex
	lastIssued int64
}

// NewGlobalTime creates a GlobalTime over the given TicksHolder.
func NewGlobalTime(ticksHolder *TicksHolder, clk timeutil.Clock) *GlobalTime {
	if clk == nil {
		clk = timeutil.NewRealClock()
	}
	return &GlobalTime{ticksHolder: ticksHolder, clock: clk}
}

// NowTicks returns max(persisted watermark, wall clock now), strictly
// greater than anything this process issued before, and persists the
// returned value as the new watermark.
func (g *GlobalTime) NowTicks(ctx context.Context) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	persisted, err := g.ticksHolder.GetMaxTicks(ctx, globalTicksName)
	if err != nil {
		return 0, err
	}
	t := g.clock.Now().UnixNano()
	if t <= persisted {
		t = persisted + 1
	}
	if t <= g.lastIssued {
		t = g.lastIssued + 1
	}
	if err := g.ticksHolder.UpdateMaxTicks(ctx, globalTicksName, t); err != nil {
		return 0, err
	}
	g.lastIssued = t
	return t, nil
}

// ReserveTicks leases a contiguous range of n future ticks with a single
// watermark round trip. Values drawn from the range keep the global
// monotonicity guarantee because the whole range is persisted up front.
func (g *GlobalTime) ReserveTicks(ctx context.Context, n int64) (*TickRange, error) {
	if n <= 0 {
		return nil, errors.E(errors.Op("clock.ReserveTicks"), errors.FailedPrecondition, "n must be positive")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	persisted, err := g.ticksHolder.GetMaxTicks(ctx, globalTicksName)
	if err != nil {
		return nil, err
	}
	from := g.clock.Now().UnixNano()
	if from <= persisted {
		from = persisted + 1
	}
	if from <= g.lastIssued {
		from = g.lastIssued + 1
	}
	to := from + n - 1
	if err := g.ticksHolder.UpdateMaxTicks(ctx, globalTicksName, to); err != nil {
		return nil, err
	}
	g.lastIssued = to
	return &TickRange{next: from, to: to}, nil
}

// Flush persists the last issued tick. Called on shutdown.
func (g *GlobalTime) Flush(ctx context.Context) error {
	g.mu.Lock()
	last := g.lastIssued
	g.mu.Unlock()
	if last == 0 {
		return nil
	}
	return g.ticksHolder.UpdateMaxTicks(ctx, globalTicksName, last)
}

// TickRange is a leased range of future ticks.
type TickRange struct {
	mu   sync.Mutex
	next int64
	to   int64
}

// Next returns the next tick from the range, or false when the range is
// exhausted.
func (r *TickRange) Next() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next > r.to {
		return 0, false
	}
	t := r.next
	r.next++
	return t, true
}

// Remaining returns the number of unissued ticks left in the range.
func (r *TickRange) Remaining() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next > r.to {
		return 0
	}
	return r.to - r.next + 1
}

// Batcher issues ticks from leased ranges, refreshing the lease when one
// is exhausted. It amortizes the watermark round trip over batchSize
// timestamps for callers on a hot path.
type Batcher struct {
	globalTime *GlobalTime
	batchSize  int64

	mu  sync.Mutex
	cur *TickRange
}

// NewBatcher creates a Batcher drawing ranges of batchSize from gt.
func NewBatcher(gt *GlobalTime, batchSize int64) *Batcher {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Batcher{globalTime: gt, batchSize: batchSize}
}

// NowTicks returns the next tick, reserving a fresh range when needed.
//
// Ticks from a reserved range may run ahead of the wall clock by up to
// the batch size in nanoseconds; that is within the logical-time contract.
func (b *Batcher) NowTicks(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur != nil {
		if t, ok := b.cur.Next(); ok {
			return t, nil
		}
	}
	r, err := b.globalTime.ReserveTicks(ctx, b.batchSize)
	if err != nil {
		return 0, err
	}
	b.cur = r
	t, _ := r.Next()
	return t, nil
}
