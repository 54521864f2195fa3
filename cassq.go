// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cassq

import (
	"context"
	"time"

	"github.com/gocql/gocql"
	"github.com/redis/go-redis/v9"

	"github.com/hemant/cassq/internal/base"
	"github.com/hemant/cassq/internal/clock"
	"github.com/hemant/cassq/internal/columnstore"
	"github.com/hemant/cassq/internal/errors"
	"github.com/hemant/cassq/internal/eventlog"
	"github.com/hemant/cassq/internal/index"
	"github.com/hemant/cassq/internal/lock"
	"github.com/hemant/cassq/internal/log"
	"github.com/hemant/cassq/internal/meta"
	"github.com/hemant/cassq/internal/timeutil"
)

// Task represents a unit of work to be performed.
type Task struct {
	// name of the task type, used to route the task to its handler.
	name string

	// payload holds data needed to perform the task.
	payload []byte
}

func (t *Task) Name() string    { return t.name }
func (t *Task) Payload() []byte { return t.payload }

// NewTask returns a new task given a type name and payload data.
func NewTask(name string, payload []byte) *Task {
	return &Task{name: name, payload: payload}
}

// TaskState denotes the state of a task in its lifecycle.
type TaskState int

const (
	// TaskStateNew indicates the task was created and never picked up.
	TaskStateNew TaskState = iota + 1

	// TaskStateInProcess indicates the task is claimed by a worker.
	TaskStateInProcess

	// TaskStateFinished indicates the handler completed successfully.
	TaskStateFinished

	// TaskStateFatal indicates the task failed without remaining retries.
	TaskStateFatal

	// TaskStateWaitingForRerun indicates the task awaits a requested rerun.
	TaskStateWaitingForRerun

	// TaskStateWaitingForRerunAfterError indicates the task awaits a
	// retry after a handler error.
	TaskStateWaitingForRerunAfterError

	// TaskStateCanceled indicates the task was canceled before completion.
	TaskStateCanceled
)

func (s TaskState) String() string { return base.TaskState(s).String() }

// IsTerminal reports whether the state admits no further transitions
// other than an explicit rerun.
func (s TaskState) IsTerminal() bool { return base.TaskState(s).IsTerminal() }

// ErrorInfo records one failed handler attempt of a task.
type ErrorInfo struct {
	// Attempt is the 1-based attempt number that failed.
	Attempt int

	// ErrorMessage is the text of the handler error or panic.
	ErrorMessage string

	// FailedAt is when the attempt failed.
	FailedAt time.Time
}

// A TaskInfo describes a task and its metadata.
type TaskInfo struct {
	ID      string
	Name    string
	Payload []byte
	State   TaskState

	// Attempts is the number of times the task has been claimed.
	Attempts int

	CreatedAt time.Time

	// NextProcessAt is the earliest time a worker may claim the task.
	// Meaningful only in the waiting states.
	NextProcessAt time.Time

	LastModifiedAt      time.Time
	StartedExecutingAt  time.Time
	FinishedExecutingAt time.Time

	// ParentTaskID is the id of the task whose handler created this one,
	// if any.
	ParentTaskID string

	// TaskGroupLock, when set, names a lock serializing this task with
	// all other tasks carrying the same value.
	TaskGroupLock string

	// Errors holds one entry per failed attempt, oldest first.
	Errors []ErrorInfo
}

func ticksToTime(ticks int64) time.Time {
	if ticks == 0 {
		return time.Time{}
	}
	return time.Unix(0, ticks).UTC()
}

func newTaskInfo(m *base.TaskMeta, payload []byte, excs []*base.ExceptionInfo) *TaskInfo {
	info := &TaskInfo{
		ID:                  m.ID,
		Name:                m.Name,
		Payload:             payload,
		State:               TaskState(m.State),
		Attempts:            m.Attempts,
		CreatedAt:           ticksToTime(m.CreatedTicks),
		NextProcessAt:       ticksToTime(m.MinimalStartTicks),
		LastModifiedAt:      ticksToTime(m.LastModificationTicks),
		StartedExecutingAt:  ticksToTime(m.StartExecutingTicks),
		FinishedExecutingAt: ticksToTime(m.FinishExecutingTicks),
		ParentTaskID:        m.ParentTaskID,
		TaskGroupLock:       m.TaskGroupLock,
	}
	for _, e := range excs {
		info.Errors = append(info.Errors, ErrorInfo{
			Attempt:      e.Attempt,
			ErrorMessage: e.ErrorMessage,
			FailedAt:     ticksToTime(e.Ticks),
		})
	}
	return info
}

// FinishAction tells the dispatch loop what to do with a task after its
// handler returned.
type FinishAction int

const (
	// ActionFinish moves the task to the finished state.
	ActionFinish FinishAction = iota + 1

	// ActionRerun schedules the task to run again after a delay.
	ActionRerun

	// ActionRerunAfterError schedules a retry after a handler error,
	// counting against the attempt budget.
	ActionRerunAfterError

	// ActionFatal moves the task to the fatal state immediately.
	ActionFatal
)

// HandleResult is the outcome of one handler invocation.
type HandleResult struct {
	Action FinishAction

	// Delay applies to ActionRerun and ActionRerunAfterError. A zero
	// delay for ActionRerunAfterError defers to the server's
	// RetryDelayFunc.
	Delay time.Duration

	// Err carries the handler error for ActionRerunAfterError and
	// ActionFatal.
	Err error
}

// Finish reports successful completion.
func Finish() HandleResult { return HandleResult{Action: ActionFinish} }

// Rerun requests that the task run again after the given delay.
func Rerun(delay time.Duration) HandleResult {
	return HandleResult{Action: ActionRerun, Delay: delay}
}

// RerunAfterError requests a retry after a handler error. The retry
// counts against the task's attempt budget.
func RerunAfterError(err error, delay time.Duration) HandleResult {
	return HandleResult{Action: ActionRerunAfterError, Delay: delay, Err: err}
}

// Fatal fails the task permanently.
func Fatal(err error) HandleResult {
	return HandleResult{Action: ActionFatal, Err: err}
}

// A Handler processes tasks.
//
// The HandleResult it returns decides the task's next state. A panic in
// ProcessTask is treated as RerunAfterError.
type Handler interface {
	ProcessTask(context.Context, *Task) HandleResult
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as a Handler.
type HandlerFunc func(context.Context, *Task) HandleResult

// ProcessTask calls fn(ctx, task)
func (fn HandlerFunc) ProcessTask(ctx context.Context, task *Task) HandleResult {
	return fn(ctx, task)
}

/*
Exported sentinel errors. Match with errors.Is.
*/
var (
	// ErrTaskNotFound indicates that a task with the given id does not exist.
	ErrTaskNotFound = errors.ErrTaskNotFound

	// ErrLockNotAcquired indicates that the task is locked by another
	// owner right now. The operation may be retried.
	ErrLockNotAcquired = errors.ErrLockNotAcquired

	// ErrTaskTerminal indicates that the task is already in a terminal
	// state and the requested transition does not apply.
	ErrTaskTerminal = errors.ErrTaskTerminal

	// ErrDuplicateHandler indicates a second registration for one task
	// type name.
	ErrDuplicateHandler = errors.ErrDuplicateHandler
)

// StoreOpt is the interface of storage backend options. It is
// implemented by RedisStore, CassandraStore and MemoryStore.
type StoreOpt interface {
	// open returns the column store and whether the underlying
	// connection is owned by the caller and must not be closed by cassq.
	open() (columnstore.Store, bool)
}

// RedisStore connects cassq to a Redis server or cluster through an
// existing go-redis client.
type RedisStore struct {
	// Client is the shared go-redis connection. cassq never closes it.
	Client redis.UniversalClient

	// Keyspace prefixes every key written by this instance.
	//
	// If empty, "cassq" is used.
	Keyspace string
}

func (o RedisStore) open() (columnstore.Store, bool) {
	if o.Client == nil {
		panic("cassq: RedisStore requires a non-nil Client")
	}
	ks := o.Keyspace
	if ks == "" {
		ks = base.DefaultKeyspace
	}
	return columnstore.NewRedisStore(o.Client, ks), true
}

// CassandraStore connects cassq to a Cassandra cluster through an
// existing gocql session.
type CassandraStore struct {
	// Session is the shared gocql session. cassq never closes it.
	Session *gocql.Session

	// Table names the wide-row table holding all cassq data.
	//
	// If empty, "cassq_columns" is used.
	Table string
}

func (o CassandraStore) open() (columnstore.Store, bool) {
	if o.Session == nil {
		panic("cassq: CassandraStore requires a non-nil Session")
	}
	return columnstore.NewCassandraStore(o.Session, o.Table), true
}

// MemoryStore keeps all data in process memory. Intended for tests and
// local development.
type MemoryStore struct {
	// VisibilityLag delays the visibility of every write by the given
	// duration, imitating an eventually consistent backend.
	VisibilityLag time.Duration
}

func (o MemoryStore) open() (columnstore.Store, bool) {
	s := columnstore.NewMemoryStore()
	s.SetVisibilityLag(o.VisibilityLag)
	return s, false
}

const (
	defaultStoreTimeout  = 6 * time.Second
	defaultStoreAttempts = 5
	defaultTicksBatch    = 1000
)

// queueEnv bundles the storage components shared by Client and Server.
type queueEnv struct {
	store       columnstore.Store
	sharedConn  bool
	logger      *log.Logger
	clock       timeutil.Clock
	ticksHolder *clock.TicksHolder
	globalTime  *clock.GlobalTime
	ticks       clock.Source
	index       *index.Index
	events      *eventlog.EventLog
	metas       *meta.TaskMetaStorage
	datas       *meta.TaskDataStorage
	excs        *meta.TaskExceptionInfoStorage
	children    *meta.ChildTaskIndex
	handleMetas *meta.HandleTasksMetaStorage
	locker      *lock.Locker

	unstableZone time.Duration
}

type queueEnvParams struct {
	storeOpt     StoreOpt
	logger       *log.Logger
	clock        timeutil.Clock
	unstableZone time.Duration
	leaseTTL     time.Duration
}

func newQueueEnv(p queueEnvParams) *queueEnv {
	if p.clock == nil {
		p.clock = timeutil.NewRealClock()
	}
	if p.logger == nil {
		p.logger = log.NewLogger(nil)
	}
	store, shared := p.storeOpt.open()
	th := clock.NewTicksHolder(store)
	gt := clock.NewGlobalTime(th, p.clock)
	ticks := clock.Source(clock.NewBatcher(gt, defaultTicksBatch))
	idx := index.New(index.Config{
		Store:        store,
		TicksHolder:  th,
		Clock:        p.clock,
		Logger:       p.logger,
		UnstableZone: p.unstableZone,
	})
	events := eventlog.New(eventlog.Config{
		Store:        store,
		TicksHolder:  th,
		Logger:       p.logger,
		UnstableZone: p.unstableZone,
	})
	metas := meta.NewTaskMetaStorage(store, ticks)
	children := meta.NewChildTaskIndex(store)
	return &queueEnv{
		store:       store,
		sharedConn:  shared,
		logger:      p.logger,
		clock:       p.clock,
		ticksHolder: th,
		globalTime:  gt,
		ticks:       ticks,
		index:       idx,
		events:      events,
		metas:       metas,
		datas:       meta.NewTaskDataStorage(store, ticks),
		excs:        meta.NewTaskExceptionInfoStorage(store),
		children:    children,
		handleMetas: meta.NewHandleTasksMetaStorage(meta.HandleTasksMetaStorageConfig{
			Metas:    metas,
			Index:    idx,
			Events:   events,
			Children: children,
			Ticks:    gt,
			Logger:   p.logger,
		}),
		locker: lock.NewLocker(lock.Config{
			Store:    store,
			Clock:    p.clock,
			Logger:   p.logger,
			LeaseTTL: p.leaseTTL,
		}),
		unstableZone: p.unstableZone,
	}
}

func (e *queueEnv) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultStoreTimeout)
	defer cancel()
	if err := e.globalTime.Flush(ctx); err != nil {
		e.logger.Warnf("Failed to flush the global clock: %v", err)
	}
	if e.sharedConn {
		return nil
	}
	return e.store.Close()
}

// unstableZoneLength derives the visibility horizon from one storage
// call's timeout and its retry budget.
func unstableZoneLength(storeTimeout time.Duration, storeAttempts int) time.Duration {
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	if storeAttempts <= 0 {
		storeAttempts = defaultStoreAttempts
	}
	return storeTimeout * time.Duration(storeAttempts)
}

type ctxKey int

const (
	parentTaskIDCtxKey ctxKey = iota
	continuationCtxKey
)

// ParentTaskID returns the id of the task whose handler is running in
// ctx, if any. Tasks created with this ctx inherit it as their parent
// unless overridden with the ParentTask option.
func ParentTaskID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(parentTaskIDCtxKey).(string)
	return id, ok
}

func withParentTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, parentTaskIDCtxKey, id)
}

func continuationsFrom(ctx context.Context) *continuations {
	c, _ := ctx.Value(continuationCtxKey).(*continuations)
	return c
}

func withContinuations(ctx context.Context, c *continuations) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, continuationCtxKey, c)
}

// continuations is the in-process fast path between the moment a task
// becomes runnable and the moment an index scan would discover it.
// Strictly an optimization: every id offered here is also persisted
// through the regular index write path.
type continuations struct {
	ch chan string
}

func newContinuations(capacity int) *continuations {
	if capacity <= 0 {
		capacity = 1024
	}
	return &continuations{ch: make(chan string, capacity)}
}

// offer enqueues the id unless the buffer is full. Dropping is safe; the
// index scan picks the task up on its own schedule.
func (c *continuations) offer(id string) bool {
	if c == nil {
		return false
	}
	select {
	case c.ch <- id:
		return true
	default:
		return false
	}
}
