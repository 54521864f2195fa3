// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cassq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hemant/cassq/internal/eventlog"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = time.Second
	}
	cfg.LogLevel = FatalLevel
	srv := NewServer(MemoryStore{}, cfg)
	t.Cleanup(srv.Shutdown)
	return srv
}

func waitForState(t *testing.T, c *Client, taskID string, want TaskState) *TaskInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		info, err := c.GetTaskInfo(context.Background(), taskID)
		if err != nil {
			t.Fatalf("GetTaskInfo failed: %v", err)
		}
		if info.State == want {
			return info
		}
		if time.Now().After(deadline) {
			t.Fatalf("Task %s did not reach state %v; current state %v", taskID, want, info.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerProcessesTask(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := srv.Client()

	var gotName string
	var gotPayload []byte
	handler := HandlerFunc(func(ctx context.Context, task *Task) HandleResult {
		gotName = task.Name()
		gotPayload = task.Payload()
		return Finish()
	})
	if err := srv.Start(handler); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	info, err := c.CreateTask(context.Background(), NewTask("send_email", []byte(`{"to":"x"}`)))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if info.State != TaskStateNew {
		t.Errorf("Expected created task in state new, got %v", info.State)
	}

	done := waitForState(t, c, info.ID, TaskStateFinished)
	if done.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", done.Attempts)
	}
	if done.StartedExecutingAt.IsZero() || done.FinishedExecutingAt.IsZero() {
		t.Errorf("Expected execution timestamps to be set: %+v", done)
	}
	if gotName != "send_email" || string(gotPayload) != `{"to":"x"}` {
		t.Errorf("Handler saw wrong task: name=%q payload=%q", gotName, gotPayload)
	}
}

func TestServerProcessesDelayedTask(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := srv.Client()

	if err := srv.Start(HandlerFunc(func(context.Context, *Task) HandleResult {
		return Finish()
	})); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	info, err := c.CreateTask(context.Background(), NewTask("delayed", nil), Delay(100*time.Millisecond))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if !info.NextProcessAt.After(info.CreatedAt) {
		t.Errorf("Expected NextProcessAt after CreatedAt, got %v <= %v", info.NextProcessAt, info.CreatedAt)
	}

	got, err := c.GetTaskInfo(context.Background(), info.ID)
	if err != nil {
		t.Fatalf("GetTaskInfo failed: %v", err)
	}
	if got.State != TaskStateNew {
		t.Errorf("Expected the delayed task to still be new, got %v", got.State)
	}

	waitForState(t, c, info.ID, TaskStateFinished)
}

func TestHandlerRerun(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := srv.Client()

	var calls atomic.Int32
	if err := srv.Start(HandlerFunc(func(context.Context, *Task) HandleResult {
		if calls.Add(1) == 1 {
			return Rerun(0)
		}
		return Finish()
	})); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	info, err := c.CreateTask(context.Background(), NewTask("rerun_once", nil))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	done := waitForState(t, c, info.ID, TaskStateFinished)
	if done.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", done.Attempts)
	}
	if len(done.Errors) != 0 {
		t.Errorf("Expected no error history for a requested rerun, got %v", done.Errors)
	}
}

func TestHandlerRerunWithoutContinuation(t *testing.T) {
	srv := newTestServer(t, Config{DisableContinuation: true})
	c := srv.Client()

	var calls atomic.Int32
	if err := srv.Start(HandlerFunc(func(context.Context, *Task) HandleResult {
		if calls.Add(1) == 1 {
			return Rerun(0)
		}
		return Finish()
	})); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	info, err := c.CreateTask(context.Background(), NewTask("rerun_once", nil))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	done := waitForState(t, c, info.ID, TaskStateFinished)
	if done.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", done.Attempts)
	}
}

// replayTaskEvents returns the event-log records persisted for taskID,
// in offset order.
func replayTaskEvents(t *testing.T, srv *Server, taskID string) []eventlog.EventWithOffset {
	t.Helper()
	ctx := context.Background()
	to := eventlog.MaxOffsetForTicks(srv.env.clock.Now().Add(time.Minute).UnixNano())
	var out []eventlog.EventWithOffset
	from := ""
	for {
		res, err := srv.env.events.GetEvents(ctx, from, to, 100)
		if err != nil {
			t.Fatalf("GetEvents failed: %v", err)
		}
		for _, ev := range res.Events {
			if ev.Event.TaskID == taskID {
				out = append(out, ev)
			}
		}
		if res.NoMoreEventsInSource {
			return out
		}
		from = res.LastOffset
	}
}

func TestContinuationTogglePersistsSameTransitions(t *testing.T) {
	// The continuation fast path may only change how quickly a rerun is
	// picked up, never what gets persisted: both configurations must
	// write the same transition sequence to the event log.
	run := func(disable bool) ([]eventlog.EventWithOffset, *TaskInfo) {
		srv := newTestServer(t, Config{DisableContinuation: disable})
		c := srv.Client()

		var calls atomic.Int32
		if err := srv.Start(HandlerFunc(func(context.Context, *Task) HandleResult {
			if calls.Add(1) <= 2 {
				return Rerun(0)
			}
			return Finish()
		})); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		info, err := c.CreateTask(context.Background(), NewTask("rerun_twice", nil))
		if err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
		done := waitForState(t, c, info.ID, TaskStateFinished)
		return replayTaskEvents(t, srv, info.ID), done
	}

	withFastPath, fastInfo := run(false)
	withoutFastPath, slowInfo := run(true)

	// Created, then per attempt InProcess and its outcome: 7 transitions.
	if len(withFastPath) != 7 {
		t.Fatalf("Expected 7 persisted transitions with continuations, got %d", len(withFastPath))
	}
	if len(withoutFastPath) != len(withFastPath) {
		t.Fatalf("Transition counts diverge: %d with continuations, %d without",
			len(withFastPath), len(withoutFastPath))
	}
	for _, events := range [][]eventlog.EventWithOffset{withFastPath, withoutFastPath} {
		for i := 1; i < len(events); i++ {
			if events[i].Event.Ticks <= events[i-1].Event.Ticks {
				t.Errorf("Transition %d not after its predecessor: %d <= %d",
					i, events[i].Event.Ticks, events[i-1].Event.Ticks)
			}
		}
	}
	if fastInfo.State != slowInfo.State || fastInfo.Attempts != slowInfo.Attempts {
		t.Errorf("Final task states diverge: %v/%d with continuations, %v/%d without",
			fastInfo.State, fastInfo.Attempts, slowInfo.State, slowInfo.Attempts)
	}
	if len(fastInfo.Errors) != 0 || len(slowInfo.Errors) != 0 {
		t.Errorf("Expected no error history in either run, got %v and %v",
			fastInfo.Errors, slowInfo.Errors)
	}
}

func TestRetryUntilFatal(t *testing.T) {
	var handled atomic.Int32
	srv := newTestServer(t, Config{
		MaxAttempts:    2,
		RetryDelayFunc: func(int, error, *Task) time.Duration { return time.Millisecond },
		ErrorHandler: ErrorHandlerFunc(func(context.Context, *Task, error) {
			handled.Add(1)
		}),
	})
	c := srv.Client()

	if err := srv.Start(HandlerFunc(func(context.Context, *Task) HandleResult {
		return RerunAfterError(errors.New("smtp unavailable"), 0)
	})); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	info, err := c.CreateTask(context.Background(), NewTask("always_fails", nil))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	done := waitForState(t, c, info.ID, TaskStateFatal)
	if done.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", done.Attempts)
	}
	if len(done.Errors) != 2 {
		t.Fatalf("Expected 2 error records, got %d", len(done.Errors))
	}
	for i, e := range done.Errors {
		if e.Attempt != i+1 {
			t.Errorf("Error %d: expected attempt %d, got %d", i, i+1, e.Attempt)
		}
		if e.ErrorMessage != "smtp unavailable" {
			t.Errorf("Error %d: unexpected message %q", i, e.ErrorMessage)
		}
	}
	if done.FinishedExecutingAt.IsZero() {
		t.Error("Expected FinishedExecutingAt to be set on a fatal task")
	}
	if n := handled.Load(); n != 2 {
		t.Errorf("Expected the error handler to run twice, got %d", n)
	}
}

func TestHandlerPanicIsRetryable(t *testing.T) {
	srv := newTestServer(t, Config{MaxAttempts: 1})
	c := srv.Client()

	if err := srv.Start(HandlerFunc(func(context.Context, *Task) HandleResult {
		panic("boom")
	})); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	info, err := c.CreateTask(context.Background(), NewTask("panics", nil))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	done := waitForState(t, c, info.ID, TaskStateFatal)
	if len(done.Errors) != 1 {
		t.Fatalf("Expected 1 error record, got %d", len(done.Errors))
	}
	if !strings.Contains(done.Errors[0].ErrorMessage, "panic") {
		t.Errorf("Expected a panic error message, got %q", done.Errors[0].ErrorMessage)
	}
}

func TestInvalidHandleResultIsFatal(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := srv.Client()

	if err := srv.Start(HandlerFunc(func(context.Context, *Task) HandleResult {
		return HandleResult{}
	})); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	info, err := c.CreateTask(context.Background(), NewTask("broken_handler", nil))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	waitForState(t, c, info.ID, TaskStateFatal)
}

func TestCancelTask(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := srv.Client()
	ctx := context.Background()

	info, err := c.CreateTask(ctx, NewTask("cancel_me", nil), Delay(time.Hour))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := c.CancelTask(ctx, info.ID); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}

	got, err := c.GetTaskInfo(ctx, info.ID)
	if err != nil {
		t.Fatalf("GetTaskInfo failed: %v", err)
	}
	if got.State != TaskStateCanceled {
		t.Errorf("Expected canceled state, got %v", got.State)
	}
	if got.FinishedExecutingAt.IsZero() {
		t.Error("Expected FinishedExecutingAt to be set on a canceled task")
	}

	// A canceled task is terminal like any other; a second cancel
	// reports that instead of silently succeeding.
	if err := c.CancelTask(ctx, info.ID); !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("Expected ErrTaskTerminal on second cancel, got %v", err)
	}
}

func TestCancelFinishedTask(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := srv.Client()

	if err := srv.Start(HandlerFunc(func(context.Context, *Task) HandleResult {
		return Finish()
	})); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	info, err := c.CreateTask(context.Background(), NewTask("quick", nil))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	waitForState(t, c, info.ID, TaskStateFinished)

	if err := c.CancelTask(context.Background(), info.ID); !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("Expected ErrTaskTerminal, got %v", err)
	}
}

func TestCancelLockedTask(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := srv.Client()
	ctx := context.Background()

	info, err := c.CreateTask(ctx, NewTask("locked", nil), Delay(time.Hour))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	// Simulate a worker holding the task lock.
	lease, ok, err := c.env.locker.TryLock(ctx, info.ID)
	if err != nil || !ok {
		t.Fatalf("TryLock failed: ok=%v err=%v", ok, err)
	}
	defer lease.Release(ctx)

	if err := c.CancelTask(ctx, info.ID); !errors.Is(err, ErrLockNotAcquired) {
		t.Errorf("Expected ErrLockNotAcquired, got %v", err)
	}
}

func TestCancelMissingTask(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := srv.Client()

	if err := c.CancelTask(context.Background(), "no-such-task"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestRerunFinishedTask(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := srv.Client()

	var calls atomic.Int32
	if err := srv.Start(HandlerFunc(func(context.Context, *Task) HandleResult {
		calls.Add(1)
		return Finish()
	})); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	info, err := c.CreateTask(context.Background(), NewTask("repeatable", nil))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	waitForState(t, c, info.ID, TaskStateFinished)

	if err := c.RerunTask(context.Background(), info.ID, 0); err != nil {
		t.Fatalf("RerunTask failed: %v", err)
	}

	done := waitForState(t, c, info.ID, TaskStateFinished)
	if done.Attempts != 2 {
		t.Errorf("Expected 2 attempts after rerun, got %d", done.Attempts)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("Expected the handler to run twice, got %d", n)
	}
}

func TestChildTasks(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := srv.Client()

	if err := srv.Start(HandlerFunc(func(ctx context.Context, task *Task) HandleResult {
		if task.Name() == "parent" {
			if _, err := c.CreateTask(ctx, NewTask("child", nil)); err != nil {
				return Fatal(err)
			}
		}
		return Finish()
	})); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	parent, err := c.CreateTask(context.Background(), NewTask("parent", nil))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	waitForState(t, c, parent.ID, TaskStateFinished)

	var children []string
	deadline := time.Now().Add(5 * time.Second)
	for len(children) == 0 {
		children, err = c.ChildTaskIDs(context.Background(), parent.ID)
		if err != nil {
			t.Fatalf("ChildTaskIDs failed: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected a child task to be recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(children) != 1 {
		t.Fatalf("Expected 1 child, got %d", len(children))
	}

	child := waitForState(t, c, children[0], TaskStateFinished)
	if child.ParentTaskID != parent.ID {
		t.Errorf("Expected parent %s, got %q", parent.ID, child.ParentTaskID)
	}
}

func TestExplicitParentOverridesContext(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := srv.Client()
	ctx := withParentTaskID(context.Background(), "ambient-parent")

	info, err := c.CreateTask(ctx, NewTask("t", nil), ParentTask("chosen-parent"))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if info.ParentTaskID != "chosen-parent" {
		t.Errorf("Expected the explicit parent, got %q", info.ParentTaskID)
	}
}

func TestTaskGroupLockSerializesExecution(t *testing.T) {
	srv := newTestServer(t, Config{Concurrency: 4})
	c := srv.Client()

	var inFlight, maxInFlight atomic.Int32
	if err := srv.Start(HandlerFunc(func(context.Context, *Task) HandleResult {
		n := inFlight.Add(1)
		for {
			old := maxInFlight.Load()
			if n <= old || maxInFlight.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return Finish()
	})); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		info, err := c.CreateTask(context.Background(), NewTask(fmt.Sprintf("grouped-%d", i), nil), TaskGroupLock("reports"))
		if err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
		ids = append(ids, info.ID)
	}
	for _, id := range ids {
		waitForState(t, c, id, TaskStateFinished)
	}

	if n := maxInFlight.Load(); n > 1 {
		t.Errorf("Expected grouped tasks to run one at a time, saw %d in flight", n)
	}
}

func TestTaskIDOption(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := srv.Client()
	ctx := context.Background()

	info, err := c.CreateTask(ctx, NewTask("keyed", nil), TaskID("order-123"), Delay(time.Hour))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if info.ID != "order-123" {
		t.Errorf("Expected id order-123, got %s", info.ID)
	}

	got, err := c.GetTaskInfo(ctx, "order-123")
	if err != nil {
		t.Fatalf("GetTaskInfo failed: %v", err)
	}
	if got.Name != "keyed" {
		t.Errorf("Unexpected task: %+v", got)
	}
}

func TestGetTaskInfos(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := srv.Client()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		info, err := c.CreateTask(ctx, NewTask(fmt.Sprintf("t-%d", i), nil), Delay(time.Hour))
		if err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
		ids = append(ids, info.ID)
	}

	infos, err := c.GetTaskInfos(ctx, append(ids, "missing"))
	if err != nil {
		t.Fatalf("GetTaskInfos failed: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("Expected 3 infos, missing ids omitted, got %d", len(infos))
	}
}

func TestCreateTaskValidation(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := srv.Client()

	if _, err := c.CreateTask(context.Background(), nil); err == nil {
		t.Error("Expected an error for a nil task")
	}
	if _, err := c.CreateTask(context.Background(), NewTask("", nil)); err == nil {
		t.Error("Expected an error for an empty task type name")
	}
}

func TestServerStartTwice(t *testing.T) {
	srv := newTestServer(t, Config{})
	handler := HandlerFunc(func(context.Context, *Task) HandleResult { return Finish() })

	if err := srv.Start(handler); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := srv.Start(handler); err == nil {
		t.Error("Expected an error starting an already running server")
	}
}

func TestServerStartAfterShutdown(t *testing.T) {
	srv := newTestServer(t, Config{})
	handler := HandlerFunc(func(context.Context, *Task) HandleResult { return Finish() })

	if err := srv.Start(handler); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	srv.Shutdown()
	if err := srv.Start(handler); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Expected ErrServerClosed, got %v", err)
	}
}

func TestServerStartWithNilHandler(t *testing.T) {
	srv := newTestServer(t, Config{})
	if err := srv.Start(nil); err == nil {
		t.Error("Expected an error for a nil handler")
	}
}
