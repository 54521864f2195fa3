// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package blob

import (
	"context"
	"testing"
	"time"

	"github.com/hemant/cassq/internal/clock"
	"github.com/hemant/cassq/internal/columnstore"
	"github.com/hemant/cassq/internal/errors"
	"github.com/hemant/cassq/internal/timeutil"
)

func newTestStorage(t *testing.T) (*Storage, *columnstore.MemoryStore) {
	t.Helper()
	store := columnstore.NewMemoryStore()
	gt := clock.NewGlobalTime(clock.NewTicksHolder(store), nil)
	return NewStorage(store, "data", gt), store
}

func TestStorageWriteRead(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	if err := s.Write(ctx, "t1", []byte("payload"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := s.Read(ctx, "t1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Expected payload, got %s", got)
	}

	if _, err := s.Read(ctx, "missing"); !errors.Is(err, errors.ErrColumnNotFound) {
		t.Errorf("Expected ErrColumnNotFound, got %v", err)
	}
}

func TestStorageOverwrite(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	if err := s.Write(ctx, "t1", []byte("old"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Write(ctx, "t1", []byte("new"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := s.Read(ctx, "t1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("Expected new, got %s", got)
	}
}

func TestStorageReadBatch(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := s.Write(ctx, id, []byte("v"+id), 0); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	got, err := s.ReadBatch(ctx, []string{"a", "missing", "b"})
	if err != nil {
		t.Fatalf("ReadBatch failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 blobs, got %d", len(got))
	}
	if string(got["a"]) != "va" || string(got["b"]) != "vb" {
		t.Errorf("Unexpected batch contents: %v", got)
	}

	quiet, err := s.ReadQuiet(ctx, []string{"a", "missing", "b"})
	if err != nil {
		t.Fatalf("ReadQuiet failed: %v", err)
	}
	if len(quiet) != 3 {
		t.Fatalf("Expected 3 positions, got %d", len(quiet))
	}
	if string(quiet[0]) != "va" || quiet[1] != nil || string(quiet[2]) != "vb" {
		t.Errorf("Unexpected quiet contents: %v", quiet)
	}
}

func TestStorageDelete(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	if err := s.Write(ctx, "t1", []byte("v"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Read(ctx, "t1"); !errors.Is(err, errors.ErrColumnNotFound) {
		t.Errorf("Expected ErrColumnNotFound after delete, got %v", err)
	}
}

func TestStorageTTL(t *testing.T) {
	clk := timeutil.NewSimulatedClock(time.Now())
	store := columnstore.NewMemoryStore(columnstore.WithClock(clk))
	gt := clock.NewGlobalTime(clock.NewTicksHolder(store), clk)
	s := NewStorage(store, "data", gt)
	ctx := context.Background()

	if err := s.Write(ctx, "t1", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	clk.AdvanceTime(2 * time.Minute)
	if _, err := s.Read(ctx, "t1"); !errors.Is(err, errors.ErrColumnNotFound) {
		t.Errorf("Expected blob expired, got %v", err)
	}
}

func TestStorageScanSince(t *testing.T) {
	clk := timeutil.NewSimulatedClock(time.Unix(1000, 0))
	store := columnstore.NewMemoryStore(columnstore.WithClock(clk))
	gt := clock.NewGlobalTime(clock.NewTicksHolder(store), clk)
	s := NewStorage(store, "data", gt)
	ctx := context.Background()

	if err := s.Write(ctx, "old", []byte("v"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	clk.AdvanceTime(time.Minute)
	cut := clk.Now().UnixNano()
	if err := s.Write(ctx, "new", []byte("v"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var seen []string
	err := s.ScanSince(ctx, cut, func(id string, data []byte) bool {
		seen = append(seen, id)
		return true
	})
	if err != nil {
		t.Fatalf("ScanSince failed: %v", err)
	}
	if len(seen) != 1 || seen[0] != "new" {
		t.Errorf("Expected only [new], got %v", seen)
	}

	// A scan from zero visits everything.
	seen = nil
	if err := s.ScanSince(ctx, 0, func(id string, data []byte) bool {
		seen = append(seen, id)
		return true
	}); err != nil {
		t.Fatalf("ScanSince failed: %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("Expected 2 blobs, got %v", seen)
	}
}
