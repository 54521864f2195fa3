// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package eventlog implements the append-only, time-ordered log of
// "task meta changed" events with offset-cursor incremental consumption.
//
// Offsets are opaque, lexically comparable strings encoding (ticks,
// eventId). Events are bucketed into fixed-duration partition rows; a
// read that exhausts a partition rolls to the next partition boundary
// automatically. Events are immutable and idempotent to re-apply, so
// replay from any old offset is always safe.
package eventlog

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hemant/cassq/internal/base"
	"github.com/hemant/cassq/internal/clock"
	"github.com/hemant/cassq/internal/columnstore"
	"github.com/hemant/cassq/internal/errors"
	"github.com/hemant/cassq/internal/log"
)

// PartitionDuration is the fixed width of one event log partition row.
const PartitionDuration = time.Minute

var partitionTicks = PartitionDuration.Nanoseconds()

// firstEventTicksName is the min-watermark recording the oldest ticks
// ever appended; reads never start before it.
const firstEventTicksName = "eventlog_first"

// EventWithOffset pairs an event with its position in the log.
type EventWithOffset struct {
	Event  base.TaskMetaUpdatedEvent
	Offset string
}

// QueryResult is the outcome of one GetEvents call.
type QueryResult struct {
	Events []EventWithOffset

	// LastOffset resumes the next read. Empty when no progress was made.
	LastOffset string

	// NoMoreEventsInSource is true when the read drained the log up to
	// toOffsetInclusive; the consumer should pause before polling again.
	NoMoreEventsInSource bool
}

// EventLog appends and reads TaskMetaUpdatedEvent records.
type EventLog struct {
	store        columnstore.Store
	ticksHolder  *clock.TicksHolder
	logger       *log.Logger
	unstableZone time.Duration
}

// Config carries the dependencies of an EventLog.
type Config struct {
	Store       columnstore.Store
	TicksHolder *clock.TicksHolder
	Logger      *log.Logger

	// UnstableZone is the window after an append during which the record
	// may not yet be visible to readers.
	UnstableZone time.Duration
}

// New creates an EventLog.
func New(cfg Config) *EventLog {
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger(nil)
	}
	return &EventLog{
		store:        cfg.Store,
		ticksHolder:  cfg.TicksHolder,
		logger:       cfg.Logger,
		unstableZone: cfg.UnstableZone,
	}
}

// UnstableZone returns the configured unstable zone length.
func (l *EventLog) UnstableZone() time.Duration { return l.unstableZone }

func partitionNumber(ticks int64) int64 { return ticks / partitionTicks }

func partitionKey(ticks int64) string {
	return base.RowKey(base.CFEventLog, strconv.FormatInt(partitionNumber(ticks), 10))
}

func parsePartitionKey(row string) (int64, error) {
	i := strings.LastIndexByte(row, '/')
	return strconv.ParseInt(row[i+1:], 10, 64)
}

// Offset builds the offset string for the given ticks and event id.
func Offset(ticks int64, eventID uuid.UUID) string {
	return base.TicksColumnName(ticks, eventID.String())
}

// OffsetTicks extracts the ticks component of an offset.
func OffsetTicks(offset string) (int64, error) {
	return base.TicksFromColumnName(offset)
}

// MaxOffsetForTicks returns an offset that sorts after every offset with
// ticks up to and including the given value. Consumers commonly read up
// to MaxOffsetForTicks(now - unstable zone).
func MaxOffsetForTicks(ticks int64) string {
	return base.MaxColumnNameForTicks(ticks)
}

// AddEvent appends one record stating that taskMeta changed as of at
// least ticks. It never retries internally; storage unavailability is
// surfaced to the caller.
func (l *EventLog) AddEvent(ctx context.Context, taskMeta *base.TaskMeta, ticks int64, eventID uuid.UUID) error {
	if err := l.ticksHolder.UpdateMinTicks(ctx, firstEventTicksName, ticks); err != nil {
		return err
	}
	value, err := base.EncodeEvent(&base.TaskMetaUpdatedEvent{TaskID: taskMeta.ID, Ticks: ticks})
	if err != nil {
		return err
	}
	col := columnstore.Column{
		Name:      Offset(ticks, eventID),
		Value:     value,
		Timestamp: ticks,
	}
	return l.store.Put(ctx, partitionKey(ticks), col, taskMeta.TTL())
}

// GetEvents reads events with fromOffsetExclusive < offset <=
// toOffsetInclusive, walking partition rows forward. An empty
// fromOffsetExclusive, or one older than the oldest retained event,
// starts the read from the oldest retained event; data before that
// horizon is unrecoverable.
func (l *EventLog) GetEvents(ctx context.Context, fromOffsetExclusive, toOffsetInclusive string, estimatedCount int) (QueryResult, error) {
	const op = errors.Op("eventlog.GetEvents")
	if estimatedCount <= 0 {
		return QueryResult{}, errors.E(op, errors.FailedPrecondition, "estimatedCount must be positive")
	}
	if toOffsetInclusive == "" {
		return QueryResult{}, errors.E(op, errors.FailedPrecondition, "toOffsetInclusive is not set")
	}
	firstEventTicks, err := l.ticksHolder.GetMinTicks(ctx, firstEventTicksName)
	if err != nil {
		return QueryResult{}, err
	}
	if firstEventTicks == 0 {
		return QueryResult{NoMoreEventsInSource: true}, nil
	}
	exclusiveStart := exclusiveStartOffset(fromOffsetExclusive, firstEventTicks)
	if exclusiveStart >= toOffsetInclusive {
		return QueryResult{NoMoreEventsInSource: true}, nil
	}
	toTicks, err := OffsetTicks(toOffsetInclusive)
	if err != nil {
		return QueryResult{}, errors.E(op, errors.FailedPrecondition, err)
	}
	startTicks, err := OffsetTicks(exclusiveStart)
	if err != nil {
		return QueryResult{}, errors.E(op, errors.FailedPrecondition, err)
	}

	eventsToFetch := estimatedCount
	var events []EventWithOffset
	var lastConsumed string
	partKey := partitionKey(startTicks)
	for {
		columnsToFetch := eventsToFetch + 1
		cols, err := l.store.GetRange(ctx, partKey, exclusiveStart, toOffsetInclusive, columnsToFetch, false)
		if err != nil {
			return QueryResult{}, err
		}
		for _, col := range cols {
			if len(events) >= estimatedCount {
				break
			}
			lastConsumed = col.Name
			ev, err := base.DecodeEvent(col.Value)
			if err != nil {
				// Unreadable record: logged and skipped, never fatal to the batch.
				l.logger.Warnf("eventlog: skipping undecodable event at offset %s: %v", col.Name, err)
				continue
			}
			events = append(events, EventWithOffset{Event: *ev, Offset: col.Name})
		}
		currentPartitionExhausted := len(cols) < columnsToFetch
		if !currentPartitionExhausted {
			return QueryResult{
				Events:     events,
				LastOffset: lastConsumed,
			}, nil
		}
		partNum, err := parsePartitionKey(partKey)
		if err != nil {
			return QueryResult{}, errors.E(op, errors.Internal, err)
		}
		nextPartitionStartTicks := (partNum + 1) * partitionTicks
		if nextPartitionStartTicks > toTicks {
			return QueryResult{
				Events:               events,
				LastOffset:           toOffsetInclusive,
				NoMoreEventsInSource: true,
			}, nil
		}
		eventsToFetch = estimatedCount - len(events)
		partKey = partitionKey(nextPartitionStartTicks)
		exclusiveStart = MaxOffsetForTicks(nextPartitionStartTicks - 1)
	}
}

// exclusiveStartOffset clamps the caller's cursor to the retention
// horizon: a cursor older than the first retained event restarts from
// that horizon.
func exclusiveStartOffset(fromOffsetExclusive string, firstEventTicks int64) string {
	if fromOffsetExclusive != "" {
		if t, err := OffsetTicks(fromOffsetExclusive); err == nil && t >= firstEventTicks {
			return fromOffsetExclusive
		}
	}
	return MaxOffsetForTicks(firstEventTicks - 1)
}
