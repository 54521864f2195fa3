// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package clock

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hemant/cassq/internal/columnstore"
	"github.com/hemant/cassq/internal/timeutil"
)

func TestTicksHolderMaxWatermark(t *testing.T) {
	store := columnstore.NewMemoryStore()
	h := NewTicksHolder(store)
	ctx := context.Background()

	if err := h.UpdateMaxTicks(ctx, "w", 100); err != nil {
		t.Fatalf("UpdateMaxTicks failed: %v", err)
	}
	if err := h.UpdateMaxTicks(ctx, "w", 50); err != nil {
		t.Fatalf("UpdateMaxTicks failed: %v", err)
	}

	got, err := h.GetMaxTicks(ctx, "w")
	if err != nil {
		t.Fatalf("GetMaxTicks failed: %v", err)
	}
	if got != 100 {
		t.Errorf("Expected max watermark 100, got %d", got)
	}

	// A lower value written by another process must not regress the
	// watermark either; last-write-wins keys on the ticks value itself.
	other := NewTicksHolder(store)
	if err := other.UpdateMaxTicks(ctx, "w", 70); err != nil {
		t.Fatalf("UpdateMaxTicks failed: %v", err)
	}
	got, err = h.GetMaxTicks(ctx, "w")
	if err != nil {
		t.Fatalf("GetMaxTicks failed: %v", err)
	}
	if got != 100 {
		t.Errorf("Expected max watermark to stay 100, got %d", got)
	}
}

func TestTicksHolderMinWatermark(t *testing.T) {
	store := columnstore.NewMemoryStore()
	h := NewTicksHolder(store)
	ctx := context.Background()

	if got, err := h.GetMinTicks(ctx, "w"); err != nil || got != 0 {
		t.Fatalf("Expected unset min watermark to read 0, got %d, %v", got, err)
	}

	for _, ticks := range []int64{100, 50, 80} {
		if err := h.UpdateMinTicks(ctx, "w", ticks); err != nil {
			t.Fatalf("UpdateMinTicks(%d) failed: %v", ticks, err)
		}
	}

	got, err := h.GetMinTicks(ctx, "w")
	if err != nil {
		t.Fatalf("GetMinTicks failed: %v", err)
	}
	if got != 50 {
		t.Errorf("Expected min watermark 50, got %d", got)
	}
}

func TestGlobalTimeStrictlyIncreasing(t *testing.T) {
	store := columnstore.NewMemoryStore()
	gt := NewGlobalTime(NewTicksHolder(store), nil)
	ctx := context.Background()

	var prev int64
	for i := 0; i < 100; i++ {
		ticks, err := gt.NowTicks(ctx)
		if err != nil {
			t.Fatalf("NowTicks failed: %v", err)
		}
		if ticks <= prev {
			t.Fatalf("Ticks went backwards: %d after %d", ticks, prev)
		}
		prev = ticks
	}
}

func TestGlobalTimeConcurrentUniqueness(t *testing.T) {
	store := columnstore.NewMemoryStore()
	gt := NewGlobalTime(NewTicksHolder(store), nil)
	ctx := context.Background()

	const workers = 8
	const perWorker = 50
	results := make([][]int64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ticks, err := gt.NowTicks(ctx)
				if err != nil {
					t.Errorf("NowTicks failed: %v", err)
					return
				}
				results[w] = append(results[w], ticks)
			}
		}(w)
	}
	wg.Wait()

	var all []int64
	for _, r := range results {
		all = append(all, r...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		if all[i] == all[i-1] {
			t.Fatalf("Duplicate tick issued: %d", all[i])
		}
	}
}

func TestGlobalTimeSurvivesClockSkew(t *testing.T) {
	store := columnstore.NewMemoryStore()
	clk := timeutil.NewSimulatedClock(time.Unix(0, 1_000_000))
	gt := NewGlobalTime(NewTicksHolder(store), clk)
	ctx := context.Background()

	first, err := gt.NowTicks(ctx)
	if err != nil {
		t.Fatalf("NowTicks failed: %v", err)
	}

	// Wall clock jumps backwards; issued ticks must not.
	clk.SetTime(time.Unix(0, 500_000))
	second, err := gt.NowTicks(ctx)
	if err != nil {
		t.Fatalf("NowTicks failed: %v", err)
	}
	if second <= first {
		t.Errorf("Ticks regressed with wall clock: %d after %d", second, first)
	}
}

func TestGlobalTimeAcrossInstances(t *testing.T) {
	store := columnstore.NewMemoryStore()
	ctx := context.Background()

	gt1 := NewGlobalTime(NewTicksHolder(store), nil)
	first, err := gt1.NowTicks(ctx)
	if err != nil {
		t.Fatalf("NowTicks failed: %v", err)
	}

	// A second process sharing the store continues past the persisted
	// watermark.
	gt2 := NewGlobalTime(NewTicksHolder(store), nil)
	second, err := gt2.NowTicks(ctx)
	if err != nil {
		t.Fatalf("NowTicks failed: %v", err)
	}
	if second <= first {
		t.Errorf("Second instance issued %d, not after %d", second, first)
	}
}

func TestReserveTicks(t *testing.T) {
	store := columnstore.NewMemoryStore()
	gt := NewGlobalTime(NewTicksHolder(store), nil)
	ctx := context.Background()

	r, err := gt.ReserveTicks(ctx, 10)
	if err != nil {
		t.Fatalf("ReserveTicks failed: %v", err)
	}
	if r.Remaining() != 10 {
		t.Errorf("Expected 10 remaining, got %d", r.Remaining())
	}

	var prev int64
	for i := 0; i < 10; i++ {
		ticks, ok := r.Next()
		if !ok {
			t.Fatalf("Range exhausted after %d ticks", i)
		}
		if ticks <= prev {
			t.Fatalf("Range ticks not increasing: %d after %d", ticks, prev)
		}
		prev = ticks
	}
	if _, ok := r.Next(); ok {
		t.Error("Expected range to be exhausted")
	}

	// A fresh NowTicks must land past the reserved range.
	after, err := gt.NowTicks(ctx)
	if err != nil {
		t.Fatalf("NowTicks failed: %v", err)
	}
	if after <= prev {
		t.Errorf("NowTicks %d did not clear reserved range ending %d", after, prev)
	}
}

func TestFlush(t *testing.T) {
	store := columnstore.NewMemoryStore()
	gt := NewGlobalTime(NewTicksHolder(store), nil)
	ctx := context.Background()

	// Flushing before anything was issued is a no-op.
	if err := gt.Flush(ctx); err != nil {
		t.Fatalf("Flush on a fresh clock failed: %v", err)
	}
	if got, err := NewTicksHolder(store).GetMaxTicks(ctx, globalTicksName); err != nil || got != 0 {
		t.Fatalf("Expected no persisted watermark, got %d (err %v)", got, err)
	}

	issued, err := gt.NowTicks(ctx)
	if err != nil {
		t.Fatalf("NowTicks failed: %v", err)
	}
	if err := gt.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got, err := NewTicksHolder(store).GetMaxTicks(ctx, globalTicksName)
	if err != nil {
		t.Fatalf("GetMaxTicks failed: %v", err)
	}
	if got < issued {
		t.Errorf("Expected persisted watermark >= %d after flush, got %d", issued, got)
	}
}

func TestBatcher(t *testing.T) {
	store := columnstore.NewMemoryStore()
	gt := NewGlobalTime(NewTicksHolder(store), nil)
	b := NewBatcher(gt, 16)
	ctx := context.Background()

	var prev int64
	for i := 0; i < 100; i++ {
		ticks, err := b.NowTicks(ctx)
		if err != nil {
			t.Fatalf("NowTicks failed: %v", err)
		}
		if ticks <= prev {
			t.Fatalf("Batcher ticks not increasing: %d after %d", ticks, prev)
		}
		prev = ticks
	}
}
