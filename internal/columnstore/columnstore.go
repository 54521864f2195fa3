// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package columnstore defines the ordered-column keyed store abstraction
// that every persisted part of cassq is built on: rows addressed by string
// key, holding columns ordered by name, with row-level TTL and last-write-wins
// conflict resolution by column timestamp.
//
// The store offers no transactions and no secondary indexes; a single call
// is the unit of atomicity. Implementations may exhibit bounded replication
// lag: a write issued at time T is only guaranteed visible to all readers
// by T plus the unstable zone length (Timeout x Attempts).
package columnstore

import (
	"context"
	"time"
)

// Column is one named cell within a row.
type Column struct {
	// Name orders the column within its row. Range scans compare names
	// bytewise.
	Name string

	// Value is the opaque payload.
	Value []byte

	// Timestamp is the write timestamp in ticks. On conflicting writes
	// to the same (row, name) the larger timestamp wins; a write with a
	// smaller timestamp than the stored one is a no-op.
	//
	// Zero means "now" as observed by the store.
	Timestamp int64
}

// Store is an ordered-column keyed store.
//
// Implementations must be safe for unlimited concurrent readers and for
// concurrent writers to disjoint (row, column) cells.
type Store interface {
	// Put writes one column. A ttl greater than zero (re)arms the
	// retention horizon of the whole row.
	Put(ctx context.Context, row string, col Column, ttl time.Duration) error

	// PutBatch writes several columns of one row. Atomic only per column.
	PutBatch(ctx context.Context, row string, cols []Column, ttl time.Duration) error

	// PutIfAbsent writes the column only if no live column with the same
	// name exists. Returns true if the write was applied. The
	// distributed lock acquires through it.
	PutIfAbsent(ctx context.Context, row string, col Column, ttl time.Duration) (bool, error)

	// PutIfEqual writes the column only if a live column with the same
	// name exists and its current value equals expected, as one atomic
	// step. Returns true if the write was applied. The distributed lock
	// renews its lease through it.
	PutIfEqual(ctx context.Context, row string, col Column, expected []byte, ttl time.Duration) (bool, error)

	// GetColumn reads one column. Returns errors.ErrColumnNotFound if the
	// row has no live column with that name.
	GetColumn(ctx context.Context, row, name string) (Column, error)

	// GetRange returns up to limit columns of the row with
	// exclusiveStart < name <= inclusiveEnd, ordered by name.
	// An empty exclusiveStart means "from the beginning of the row";
	// an empty inclusiveEnd means "to the end of the row"; a limit of
	// zero or less means "no limit". When reverse is true the same range
	// is walked in descending name order.
	GetRange(ctx context.Context, row, exclusiveStart, inclusiveEnd string, limit int, reverse bool) ([]Column, error)

	// DeleteColumn removes one column. Removing an absent column is not
	// an error.
	DeleteColumn(ctx context.Context, row, name string) error

	// DeleteColumnIfEqual removes the column only if its current value
	// equals expected, as one atomic step. Returns true if the column
	// was removed. The distributed lock releases through it.
	DeleteColumnIfEqual(ctx context.Context, row, name string, expected []byte) (bool, error)

	// DeleteRow removes the row and all of its columns.
	DeleteRow(ctx context.Context, row string) error

	// ListRows returns the keys of rows starting with the given prefix,
	// in unspecified order. Rows whose columns have all expired may
	// still be listed; callers cross-check by reading.
	ListRows(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies connectivity with the backing store.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
