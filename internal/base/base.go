// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in cassq package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hemant/cassq/internal/errors"
)

// Version of cassq library.
const Version = "1.0.0"

// DefaultKeyspace is the keyspace prefix used if none is specified by user.
const DefaultKeyspace = "cassq"

// Column families within the keyspace. Every persisted record lives in
// exactly one of these.
const (
	CFTaskMeta      = "meta"
	CFTaskData      = "data"
	CFExceptionInfo = "exc"
	CFChildTasks    = "children"
	CFStartTicks    = "idx"
	CFEventLog      = "events"
	CFLock          = "lock"
	CFTicks         = "ticks"
)

// TaskState denotes the state of a task in its lifecycle.
type TaskState int

const (
	TaskStateNew TaskState = iota + 1
	TaskStateInProcess
	TaskStateFinished
	TaskStateFatal
	TaskStateWaitingForRerun
	TaskStateWaitingForRerunAfterError
	TaskStateCanceled
)

func (s TaskState) String() string {
	switch s {
	case TaskStateNew:
		return "new"
	case TaskStateInProcess:
		return "inProcess"
	case TaskStateFinished:
		return "finished"
	case TaskStateFatal:
		return "fatal"
	case TaskStateWaitingForRerun:
		return "waitingForRerun"
	case TaskStateWaitingForRerunAfterError:
		return "waitingForRerunAfterError"
	case TaskStateCanceled:
		return "canceled"
	}
	panic(fmt.Sprintf("internal error: unknown task state %d", s))
}

func TaskStateFromString(s string) (TaskState, error) {
	switch s {
	case "new":
		return TaskStateNew, nil
	case "inProcess":
		return TaskStateInProcess, nil
	case "finished":
		return TaskStateFinished, nil
	case "fatal":
		return TaskStateFatal, nil
	case "waitingForRerun":
		return TaskStateWaitingForRerun, nil
	case "waitingForRerunAfterError":
		return TaskStateWaitingForRerunAfterError, nil
	case "canceled":
		return TaskStateCanceled, nil
	}
	return 0, errors.E(errors.FailedPrecondition, fmt.Sprintf("%q is not supported task state", s))
}

// IsTerminal reports whether the state admits no further transitions
// other than an explicit rerun.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateFinished || s == TaskStateFatal || s == TaskStateCanceled
}

// WaitingStates are the states scanned by the worker dispatch loop for
// runnable tasks.
var WaitingStates = []TaskState{
	TaskStateNew,
	TaskStateWaitingForRerun,
	TaskStateWaitingForRerunAfterError,
}

// TaskMeta is the canonical persisted record of one task.
// Serialized data of this type gets written to the meta column family.
//
// Fields are additive only; both encoder and decoder tolerate missing
// optional fields so that mixed-version fleets can share a keyspace.
type TaskMeta struct {
	// ID is a unique, roughly time-ordered identifier for the task.
	// Immutable once created.
	ID string `json:"id"`

	// Name is the logical task type, used to look up a handler.
	Name string `json:"name"`

	// State is the current lifecycle state.
	State TaskState `json:"state"`

	// Attempts is the number of times a worker has started executing
	// this task. Monotonically increasing.
	Attempts int `json:"attempts"`

	// CreatedTicks is when the task was enqueued.
	CreatedTicks int64 `json:"created_ticks"`

	// MinimalStartTicks is the earliest time at which the task is
	// eligible for execution.
	MinimalStartTicks int64 `json:"minimal_start_ticks"`

	// StartExecutingTicks is when a worker last began executing the task.
	//
	// Zero means the task has never been claimed.
	StartExecutingTicks int64 `json:"start_executing_ticks,omitempty"`

	// FinishExecutingTicks is when the task last reached a terminal or
	// waiting state.
	//
	// Zero means the task has not finished an attempt.
	FinishExecutingTicks int64 `json:"finish_executing_ticks,omitempty"`

	// LastModificationTicks is stamped from the global time service on
	// every write. Non-decreasing across writes from any process.
	LastModificationTicks int64 `json:"last_modification_ticks"`

	// ParentTaskID links to the task that enqueued this one, if any.
	ParentTaskID string `json:"parent_task_id,omitempty"`

	// TaskGroupLock is an optional named lock additionally serializing
	// tasks that share a business key.
	TaskGroupLock string `json:"task_group_lock,omitempty"`

	// TTLSeconds is the retention horizon for the task's records.
	//
	// Zero means the records are retained indefinitely.
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

// TTL returns the retention horizon as a duration, or zero if unset.
func (m *TaskMeta) TTL() time.Duration {
	return time.Duration(m.TTLSeconds) * time.Second
}

// EncodeTaskMeta marshals the given task meta and returns encoded bytes.
func EncodeTaskMeta(meta *TaskMeta) ([]byte, error) {
	if meta == nil {
		return nil, fmt.Errorf("cannot encode nil task meta")
	}
	return json.Marshal(meta)
}

// DecodeTaskMeta unmarshals the given bytes and returns a decoded task meta.
func DecodeTaskMeta(data []byte) (*TaskMeta, error) {
	var meta TaskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// TaskMetaUpdatedEvent is one record of the append-only event log.
// It represents "TaskMeta for TaskID changed, as of at least Ticks".
type TaskMetaUpdatedEvent struct {
	TaskID string `json:"task_id"`
	Ticks  int64  `json:"ticks"`
}

// EncodeEvent marshals the given event and returns encoded bytes.
func EncodeEvent(ev *TaskMetaUpdatedEvent) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("cannot encode nil event")
	}
	return json.Marshal(ev)
}

// DecodeEvent unmarshals the given bytes and returns a decoded event.
func DecodeEvent(data []byte) (*TaskMetaUpdatedEvent, error) {
	var ev TaskMetaUpdatedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ExceptionInfo records one failed handler attempt for a task.
type ExceptionInfo struct {
	TaskID       string `json:"task_id"`
	Attempt      int    `json:"attempt"`
	ErrorMessage string `json:"error_message"`
	Ticks        int64  `json:"ticks"`
}

// EncodeExceptionInfo marshals the given exception info and returns encoded bytes.
func EncodeExceptionInfo(info *ExceptionInfo) ([]byte, error) {
	if info == nil {
		return nil, fmt.Errorf("cannot encode nil exception info")
	}
	return json.Marshal(info)
}

// DecodeExceptionInfo unmarshals the given bytes and returns decoded exception info.
func DecodeExceptionInfo(data []byte) (*ExceptionInfo, error) {
	var info ExceptionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ticksWidth is the fixed width of a zero-padded ticks value inside row
// and column names. 20 digits fit any int64, so lexical order of names
// equals numeric order of ticks.
const ticksWidth = 20

// FormatTicks renders ticks as a fixed-width decimal string.
func FormatTicks(ticks int64) string {
	return fmt.Sprintf("%0*d", ticksWidth, ticks)
}

// ParseTicks parses a fixed-width decimal ticks string.
func ParseTicks(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// TicksColumnName returns the column name for the given ticks and suffix id.
// Names for larger ticks always sort after names for smaller ticks.
func TicksColumnName(ticks int64, id string) string {
	return FormatTicks(ticks) + "_" + id
}

// TicksFromColumnName extracts the ticks component of a column name
// produced by TicksColumnName.
func TicksFromColumnName(name string) (int64, error) {
	i := strings.IndexByte(name, '_')
	if i < 0 {
		return 0, errors.E(errors.Internal, fmt.Sprintf("malformed column name %q", name))
	}
	return ParseTicks(name[:i])
}

// IDFromColumnName extracts the id component of a column name
// produced by TicksColumnName.
func IDFromColumnName(name string) (string, error) {
	i := strings.IndexByte(name, '_')
	if i < 0 {
		return "", errors.E(errors.Internal, fmt.Sprintf("malformed column name %q", name))
	}
	return name[i+1:], nil
}

// MaxColumnNameForTicks returns a column name that sorts after every name
// produced by TicksColumnName for ticks values up to and including the
// given one. '~' sorts after every character used in ids.
func MaxColumnNameForTicks(ticks int64) string {
	return FormatTicks(ticks) + "_~"
}

// RowKey builds a row key inside the given column family.
func RowKey(cf string, parts ...string) string {
	return cf + "/" + strings.Join(parts, "/")
}

// Cancelations is a collection that holds cancel functions for all
// tasks currently executing in this process.
//
// Cancelations are safe for concurrent use by multiple goroutines.
type Cancelations struct {
	mu          sync.Mutex
	cancelFuncs map[string]context.CancelFunc
}

// NewCancelations returns a Cancelations instance.
func NewCancelations() *Cancelations {
	return &Cancelations{
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

// Add adds a new cancel func to the collection.
func (c *Cancelations) Add(id string, fn context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelFuncs[id] = fn
}

// Delete deletes a cancel func from the collection given an id.
func (c *Cancelations) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancelFuncs, id)
}

// Get returns a cancel func given an id.
func (c *Cancelations) Get(id string) (fn context.CancelFunc, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok = c.cancelFuncs[id]
	return fn, ok
}
