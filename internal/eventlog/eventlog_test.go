// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package eventlog

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/hemant/cassq/internal/base"
	"github.com/hemant/cassq/internal/clock"
	"github.com/hemant/cassq/internal/columnstore"
)

func newTestLog(t *testing.T) (*EventLog, *columnstore.MemoryStore) {
	t.Helper()
	store := columnstore.NewMemoryStore()
	l := New(Config{
		Store:       store,
		TicksHolder: clock.NewTicksHolder(store),
	})
	return l, store
}

func addEvent(t *testing.T, l *EventLog, taskID string, ticks int64) string {
	t.Helper()
	id := uuid.New()
	if err := l.AddEvent(context.Background(), &base.TaskMeta{ID: taskID}, ticks, id); err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}
	return Offset(ticks, id)
}

func TestEventLogAddAndRead(t *testing.T) {
	l, _ := newTestLog(t)
	start := int64(100 * partitionTicks)

	var want []string
	for i := 0; i < 5; i++ {
		addEvent(t, l, fmt.Sprintf("task-%d", i), start+int64(i))
		want = append(want, fmt.Sprintf("task-%d", i))
	}

	res, err := l.GetEvents(context.Background(), "", MaxOffsetForTicks(start+100), 10)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(res.Events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(res.Events))
	}
	for i, ev := range res.Events {
		if ev.Event.TaskID != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], ev.Event.TaskID)
		}
		if ev.Event.Ticks != start+int64(i) {
			t.Errorf("Position %d: expected ticks %d, got %d", i, start+int64(i), ev.Event.Ticks)
		}
	}
	if !res.NoMoreEventsInSource {
		t.Error("Expected NoMoreEventsInSource after draining the log")
	}
}

func TestEventLogResumeFromOffset(t *testing.T) {
	l, _ := newTestLog(t)
	start := int64(100 * partitionTicks)

	for i := 0; i < 6; i++ {
		addEvent(t, l, fmt.Sprintf("task-%d", i), start+int64(i))
	}
	to := MaxOffsetForTicks(start + 100)

	res, err := l.GetEvents(context.Background(), "", to, 3)
	if err != nil {
		t.Fatalf("First GetEvents failed: %v", err)
	}
	if len(res.Events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(res.Events))
	}
	if res.NoMoreEventsInSource {
		t.Error("Expected more events to remain after a partial read")
	}

	// The returned offset resumes exactly after the last consumed event.
	res2, err := l.GetEvents(context.Background(), res.LastOffset, to, 10)
	if err != nil {
		t.Fatalf("Second GetEvents failed: %v", err)
	}
	if len(res2.Events) != 3 {
		t.Fatalf("Expected 3 remaining events, got %d", len(res2.Events))
	}
	if res2.Events[0].Event.TaskID != "task-3" {
		t.Errorf("Expected resume at task-3, got %s", res2.Events[0].Event.TaskID)
	}
	if !res2.NoMoreEventsInSource {
		t.Error("Expected the log to be drained")
	}
}

func TestEventLogCrossesPartitions(t *testing.T) {
	l, _ := newTestLog(t)
	start := int64(100 * partitionTicks)

	// One event per minute partition, three partitions apart.
	ticks := []int64{start, start + partitionTicks, start + 3*partitionTicks}
	for i, tk := range ticks {
		addEvent(t, l, fmt.Sprintf("task-%d", i), tk)
	}

	res, err := l.GetEvents(context.Background(), "", MaxOffsetForTicks(start+4*partitionTicks), 10)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(res.Events) != 3 {
		t.Fatalf("Expected 3 events across partitions, got %d", len(res.Events))
	}
	for i := 1; i < len(res.Events); i++ {
		if res.Events[i].Offset <= res.Events[i-1].Offset {
			t.Errorf("Offsets out of order: %s after %s", res.Events[i].Offset, res.Events[i-1].Offset)
		}
	}
}

func TestEventLogBatchFilledAtPartitionBoundary(t *testing.T) {
	l, _ := newTestLog(t)
	start := int64(100 * partitionTicks)

	// Two events fill partition 100, one more sits in partition 101, and
	// the batch size matches the first partition's content exactly.
	addEvent(t, l, "task-0", start)
	second := addEvent(t, l, "task-1", start+1)
	addEvent(t, l, "task-2", start+partitionTicks)
	to := MaxOffsetForTicks(start + 2*partitionTicks)

	res, err := l.GetEvents(context.Background(), "", to, 2)
	if err != nil {
		t.Fatalf("First GetEvents failed: %v", err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(res.Events))
	}
	if res.LastOffset != second {
		t.Fatalf("Expected LastOffset %s, got %q", second, res.LastOffset)
	}
	if res.NoMoreEventsInSource {
		t.Fatal("Expected more events after the first batch")
	}

	res, err = l.GetEvents(context.Background(), res.LastOffset, to, 2)
	if err != nil {
		t.Fatalf("Second GetEvents failed: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].Event.TaskID != "task-2" {
		t.Fatalf("Expected to resume at task-2, got %+v", res.Events)
	}
	if !res.NoMoreEventsInSource {
		t.Error("Expected NoMoreEventsInSource after draining the log")
	}
}

func TestEventLogEmpty(t *testing.T) {
	l, _ := newTestLog(t)

	res, err := l.GetEvents(context.Background(), "", MaxOffsetForTicks(partitionTicks), 10)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(res.Events) != 0 || !res.NoMoreEventsInSource {
		t.Errorf("Expected an empty drained result, got %+v", res)
	}
}

func TestEventLogToOffsetBounds(t *testing.T) {
	l, _ := newTestLog(t)
	start := int64(100 * partitionTicks)

	addEvent(t, l, "early", start)
	addEvent(t, l, "late", start+10)

	// Only events at or before the to-offset are visible.
	res, err := l.GetEvents(context.Background(), "", MaxOffsetForTicks(start+5), 10)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].Event.TaskID != "early" {
		t.Fatalf("Expected only the early event, got %+v", res.Events)
	}
}

func TestEventLogCursorBeforeHorizonRestarts(t *testing.T) {
	l, _ := newTestLog(t)
	start := int64(100 * partitionTicks)

	addEvent(t, l, "task-0", start)

	// A cursor pointing before the oldest retained event restarts the
	// read from the retention horizon instead of silently skipping it.
	stale := Offset(start-partitionTicks, uuid.New())
	res, err := l.GetEvents(context.Background(), stale, MaxOffsetForTicks(start+100), 10)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].Event.TaskID != "task-0" {
		t.Fatalf("Expected the retained event, got %+v", res.Events)
	}
}

func TestEventLogSkipsUndecodableRecords(t *testing.T) {
	l, store := newTestLog(t)
	start := int64(100 * partitionTicks)

	addEvent(t, l, "good-1", start)
	addEvent(t, l, "good-2", start+2)

	// Corrupt record wedged between the good ones.
	bad := columnstore.Column{
		Name:      Offset(start+1, uuid.New()),
		Value:     []byte("not json"),
		Timestamp: start + 1,
	}
	if err := store.Put(context.Background(), partitionKey(start+1), bad, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	res, err := l.GetEvents(context.Background(), "", MaxOffsetForTicks(start+100), 10)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("Expected the 2 decodable events, got %d", len(res.Events))
	}
	if res.Events[0].Event.TaskID != "good-1" || res.Events[1].Event.TaskID != "good-2" {
		t.Errorf("Unexpected events: %+v", res.Events)
	}
}

func TestEventLogRejectsBadArguments(t *testing.T) {
	l, _ := newTestLog(t)

	if _, err := l.GetEvents(context.Background(), "", MaxOffsetForTicks(1), 0); err == nil {
		t.Error("Expected an error for a non-positive estimatedCount")
	}
	if _, err := l.GetEvents(context.Background(), "", "", 10); err == nil {
		t.Error("Expected an error for an empty toOffsetInclusive")
	}
}

func TestOffsetOrdering(t *testing.T) {
	early := Offset(1000, uuid.New())
	late := Offset(2000, uuid.New())
	if early >= late {
		t.Errorf("Offsets do not sort by ticks: %s >= %s", early, late)
	}
	if max := MaxOffsetForTicks(1000); early >= max {
		t.Errorf("MaxOffsetForTicks does not dominate same-ticks offsets: %s >= %s", early, max)
	}

	ticks, err := OffsetTicks(early)
	if err != nil {
		t.Fatalf("OffsetTicks failed: %v", err)
	}
	if ticks != 1000 {
		t.Errorf("Expected ticks 1000, got %d", ticks)
	}
}
