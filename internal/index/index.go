// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package index implements the start-ticks index: a secondary,
// time-bucketed index mapping "when a task becomes runnable" to its task
// id, partitioned by task state and by fixed time buckets.
//
// Because the storage layer converges lazily, a write issued at time T is
// only guaranteed visible to scanners by T plus the unstable zone length.
// The index therefore tracks an oldest-live-record watermark per task
// state and starts scans behind it, so a late-arriving entry is never
// silently skipped by a scanner that already passed its time bucket.
package index

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hemant/cassq/internal/base"
	"github.com/hemant/cassq/internal/clock"
	"github.com/hemant/cassq/internal/columnstore"
	"github.com/hemant/cassq/internal/log"
	"github.com/hemant/cassq/internal/timeutil"
)

// BucketDuration is the fixed width of one index time bucket. A scan over
// a wide time range becomes sequential bucket traversal instead of one
// unbounded partition.
const BucketDuration = 6 * time.Minute

var bucketTicks = BucketDuration.Nanoseconds()

// tooOldThreshold flags index records much older than now as anomalous
// (stuck scanner or clock problem). They are logged, not dropped.
const tooOldThreshold = time.Hour

var (
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cassq_index_scans_total",
		Help: "Number of start-ticks index scans started.",
	}, []string{"state"})

	bucketsPerScan = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cassq_index_buckets_per_scan",
		Help:    "Number of time buckets covered by one index scan.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"state"})
)

// Position locates one index entry for later removal.
type Position struct {
	RowKey     string
	ColumnName string
}

// Record is one live index entry yielded by a scan.
type Record struct {
	TaskID   string
	State    base.TaskState
	Ticks    int64
	Position Position
}

// Config carries the dependencies and tuning of an Index.
type Config struct {
	Store       columnstore.Store
	TicksHolder *clock.TicksHolder
	Clock       timeutil.Clock
	Logger      *log.Logger

	// UnstableZone is the window after a write during which the store
	// cannot guarantee the write is visible to all readers. Derived from
	// the store's timeout times its retry attempt budget.
	UnstableZone time.Duration

	// MaxScanDepth bounds how far back a scan starts when no
	// oldest-live-record watermark has been persisted yet.
	MaxScanDepth time.Duration
}

// Index is the start-ticks index over one keyspace.
type Index struct {
	store        columnstore.Store
	clock        timeutil.Clock
	logger       *log.Logger
	unstableZone time.Duration
	maxScanDepth time.Duration

	watermarks *oldestLiveRecordHolder
}

// New creates an Index.
func New(cfg Config) *Index {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger(nil)
	}
	if cfg.MaxScanDepth <= 0 {
		cfg.MaxScanDepth = 24 * time.Hour
	}
	return &Index{
		store:        cfg.Store,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		unstableZone: cfg.UnstableZone,
		maxScanDepth: cfg.MaxScanDepth,
		watermarks:   newOldestLiveRecordHolder(cfg.TicksHolder),
	}
}

// UnstableZone returns the configured unstable zone length.
func (i *Index) UnstableZone() time.Duration { return i.unstableZone }

func bucketNumber(ticks int64) int64 { return ticks / bucketTicks }

func bucketStartTicks(bucket int64) int64 { return bucket * bucketTicks }

func rowKey(state base.TaskState, bucket int64) string {
	return base.RowKey(base.CFStartTicks, state.String(), strconv.FormatInt(bucket, 10))
}

// ParseRowKey decomposes an index row key into state and bucket number.
func ParseRowKey(row string) (base.TaskState, int64, error) {
	parts := strings.SplitN(row, "/", 3)
	if len(parts) != 3 {
		return 0, 0, fmt.Errorf("malformed index row key %q", row)
	}
	stateName := parts[1]
	bucket, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	state, err := base.TaskStateFromString(stateName)
	if err != nil {
		return 0, 0, err
	}
	return state, bucket, nil
}

// PositionFor returns the index position corresponding to the meta's
// current state and minimal start ticks. A stored entry at any other
// position is by definition stale for this meta.
func PositionFor(meta *base.TaskMeta) Position {
	return Position{
		RowKey:     rowKey(meta.State, bucketNumber(meta.MinimalStartTicks)),
		ColumnName: base.TicksColumnName(meta.MinimalStartTicks, meta.ID),
	}
}

// AddRecord writes the index entry for the task's current state and
// returns its position. It also lowers the state's oldest-live-record
// watermark so in-flight scans cannot conclude past the new entry.
func (i *Index) AddRecord(ctx context.Context, meta *base.TaskMeta) (Position, error) {
	if err := i.watermarks.lower(ctx, meta.State, meta.MinimalStartTicks); err != nil {
		return Position{}, err
	}
	pos := PositionFor(meta)
	col := columnstore.Column{
		Name:      pos.ColumnName,
		Value:     []byte(meta.ID),
		Timestamp: meta.LastModificationTicks,
	}
	if err := i.store.Put(ctx, pos.RowKey, col, meta.TTL()); err != nil {
		return Position{}, err
	}
	return pos, nil
}

// RemoveRecord deletes a superseded index entry. Removal is best effort;
// entries that survive are filtered by state cross-checks at read time
// and reclaimed lazily.
func (i *Index) RemoveRecord(ctx context.Context, pos Position) error {
	return i.store.DeleteColumn(ctx, pos.RowKey, pos.ColumnName)
}

// FromTicks returns the safe scan start for the given state: the
// oldest-live-record watermark pushed back by the unstable zone, or
// now minus MaxScanDepth when no watermark exists yet.
func (i *Index) FromTicks(ctx context.Context, state base.TaskState, nowTicks int64) (int64, error) {
	oldest, ok, err := i.watermarks.get(ctx, state)
	if err != nil {
		return 0, err
	}
	if !ok {
		return nowTicks - i.maxScanDepth.Nanoseconds(), nil
	}
	return oldest - i.unstableZone.Nanoseconds(), nil
}

// GetRecords returns a forward scanner over live index entries in the
// given state with fromTicks <= minimalStartTicks <= toTicks. The scanner
// is lazy; it reads one batch of columns at a time. Restarting a scan is
// re-supplying the last yielded record's ticks as fromTicks.
func (i *Index) GetRecords(state base.TaskState, fromTicks, toTicks int64, batchSize int) *Scanner {
	if batchSize <= 0 {
		batchSize = 1000
	}
	iFrom := bucketNumber(fromTicks)
	iTo := bucketNumber(toTicks)
	scansTotal.WithLabelValues(state.String()).Inc()
	bucketsPerScan.WithLabelValues(state.String()).Observe(float64(iTo - iFrom + 1))
	return &Scanner{
		idx:           i,
		state:         state,
		fromTicks:     fromTicks,
		toTicks:       toTicks,
		batchSize:     batchSize,
		iFrom:         iFrom,
		iTo:           iTo,
		iCur:          iFrom - 1,
		startPosition: true,
		rowExhausted:  true,
	}
}

// Scanner walks index entries in (state, ticks, id) order.
//
// Not safe for concurrent use; create one Scanner per goroutine.
type Scanner struct {
	idx       *Index
	state     base.TaskState
	fromTicks int64
	toTicks   int64
	batchSize int

	iFrom, iTo, iCur int64
	startPosition    bool

	curRow         string
	exclusiveStart string
	pending        []columnstore.Column
	rowExhausted   bool
}

// Next yields the next live record. The second return value is false when
// the scan has reached toTicks or the last bucket.
func (s *Scanner) Next(ctx context.Context) (Record, bool, error) {
	for {
		col, ok, err := s.nextColumn(ctx)
		if err != nil {
			return Record{}, false, err
		}
		if ok {
			ticks, err := base.TicksFromColumnName(col.Name)
			if err != nil {
				// Malformed entry; skip rather than abort the scan.
				s.idx.logger.Warnf("index: skipping malformed column %q in row %q", col.Name, s.curRow)
				continue
			}
			if ticks > s.toTicks {
				s.finishWatermark(ctx, s.toTicks)
				return Record{}, false, nil
			}
			if s.startPosition {
				s.startPosition = false
				s.idx.watermarks.set(ctx, s.state, ticks)
				if ticks < s.idx.clock.Now().Add(-tooOldThreshold).UnixNano() {
					s.idx.logger.Warnf("index: too old record: taskId=%s columnName=%s state=%s", string(col.Value), col.Name, s.state)
				}
			}
			return Record{
				TaskID:   string(col.Value),
				State:    s.state,
				Ticks:    ticks,
				Position: Position{RowKey: s.curRow, ColumnName: col.Name},
			}, true, nil
		}
		if s.iCur >= s.iTo {
			s.finishWatermark(ctx, s.toTicks)
			return Record{}, false, nil
		}
		s.iCur++
		s.curRow = rowKey(s.state, s.iCur)
		s.exclusiveStart = ""
		if s.iCur == s.iFrom {
			// Entries at exactly fromTicks still sort after this name.
			s.exclusiveStart = base.FormatTicks(s.fromTicks)
		}
		s.pending = nil
		s.rowExhausted = false
	}
}

// finishWatermark advances the watermark to ticks when the scan found no
// live record, signaling "no older live record than this" to later
// callers.
func (s *Scanner) finishWatermark(ctx context.Context, ticks int64) {
	if s.startPosition {
		s.startPosition = false
		s.idx.watermarks.set(ctx, s.state, ticks)
	}
}

// nextColumn serves the next buffered column of the current bucket row,
// fetching the next batch from the store when the buffer runs dry.
func (s *Scanner) nextColumn(ctx context.Context) (columnstore.Column, bool, error) {
	for {
		if len(s.pending) > 0 {
			col := s.pending[0]
			s.pending = s.pending[1:]
			s.exclusiveStart = col.Name
			return col, true, nil
		}
		if s.rowExhausted {
			return columnstore.Column{}, false, nil
		}
		cols, err := s.idx.store.GetRange(ctx, s.curRow, s.exclusiveStart, "", s.batchSize, false)
		if err != nil {
			return columnstore.Column{}, false, err
		}
		if len(cols) < s.batchSize {
			s.rowExhausted = true
		}
		if len(cols) == 0 {
			return columnstore.Column{}, false, nil
		}
		s.pending = cols
	}
}

// oldestLiveRecordHolder tracks, per task state, the ticks of the oldest
// index entry that may still be live. Scans move it forward; writes of
// older entries move it back. Only backward movement is persisted: after
// a restart the fleet rescans from the last persisted floor, which is
// safe, merely wasteful.
type oldestLiveRecordHolder struct {
	ticksHolder *clock.TicksHolder

	mu     sync.Mutex
	known  map[base.TaskState]int64
	loaded map[base.TaskState]bool
}

func newOldestLiveRecordHolder(th *clock.TicksHolder) *oldestLiveRecordHolder {
	return &oldestLiveRecordHolder{
		ticksHolder: th,
		known:       make(map[base.TaskState]int64),
		loaded:      make(map[base.TaskState]bool),
	}
}

func watermarkName(state base.TaskState) string {
	return "idx_oldest_" + state.String()
}

// get returns the current watermark for the state, loading the persisted
// floor on first use. ok is false when no record was ever indexed for the
// state.
func (h *oldestLiveRecordHolder) get(ctx context.Context, state base.TaskState) (int64, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.loadLocked(ctx, state); err != nil {
		return 0, false, err
	}
	v, ok := h.known[state]
	return v, ok, nil
}

// set records the first live record ticks observed by a scan.
func (h *oldestLiveRecordHolder) set(ctx context.Context, state base.TaskState, ticks int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.known[state] = ticks
	h.loaded[state] = true
	// Best effort: the persisted floor only ever moves down.
	_ = h.ticksHolder.UpdateMinTicks(ctx, watermarkName(state), ticks)
}

// lower moves the watermark back to ticks when a new entry lands behind
// it, keeping the entry discoverable by subsequent scans.
func (h *oldestLiveRecordHolder) lower(ctx context.Context, state base.TaskState, ticks int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.loadLocked(ctx, state); err != nil {
		return err
	}
	if cur, ok := h.known[state]; !ok || ticks < cur {
		h.known[state] = ticks
		h.loaded[state] = true
	}
	return h.ticksHolder.UpdateMinTicks(ctx, watermarkName(state), ticks)
}

func (h *oldestLiveRecordHolder) loadLocked(ctx context.Context, state base.TaskState) error {
	if h.loaded[state] {
		return nil
	}
	persisted, err := h.ticksHolder.GetMinTicks(ctx, watermarkName(state))
	if err != nil {
		return err
	}
	if persisted != 0 {
		h.known[state] = persisted
	}
	h.loaded[state] = true
	return nil
}
