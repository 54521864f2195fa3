// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cassq

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hemant/cassq/internal/base"
	"github.com/hemant/cassq/internal/errors"
	"github.com/hemant/cassq/internal/index"
	"github.com/hemant/cassq/internal/log"
)

// A Client is responsible for enqueuing tasks and manipulating tasks
// already in the queue.
//
// A Client is safe for concurrent use by multiple goroutines.
type Client struct {
	env *queueEnv

	// ownsEnv is false when the env is shared with a Server.
	ownsEnv bool
}

// ClientConfig specifies a client's storage and logging behavior.
type ClientConfig struct {
	// Logger specifies the logger used by the client instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// StoreTimeout is the timeout of one storage call.
	//
	// If unset, 6 seconds is used.
	StoreTimeout time.Duration

	// StoreAttempts is the retry budget of one storage operation.
	// Together with StoreTimeout it bounds how long a write can stay
	// invisible to readers.
	//
	// If unset, 5 is used.
	StoreAttempts int

	// LockLeaseTTL is how long a task lock survives a crashed holder.
	//
	// If unset, 30 seconds is used.
	LockLeaseTTL time.Duration
}

// NewClient returns a new Client given a storage backend option and
// client configuration.
func NewClient(store StoreOpt, cfg ClientConfig) *Client {
	logger := log.NewLogger(cfg.Logger)
	loglevel := cfg.LogLevel
	if loglevel == level_unspecified {
		loglevel = InfoLevel
	}
	logger.SetLevel(toInternalLogLevel(loglevel))

	env := newQueueEnv(queueEnvParams{
		storeOpt:     store,
		logger:       logger,
		unstableZone: unstableZoneLength(cfg.StoreTimeout, cfg.StoreAttempts),
		leaseTTL:     cfg.LockLeaseTTL,
	})
	return &Client{env: env, ownsEnv: true}
}

func newClientFromEnv(env *queueEnv) *Client {
	return &Client{env: env}
}

// Close closes the connection with the storage backend, unless the
// underlying connection was provided by the caller.
func (c *Client) Close() error {
	if !c.ownsEnv {
		return nil
	}
	return c.env.close()
}

type taskOptions struct {
	taskID        string
	delay         time.Duration
	parentTaskID  string
	taskGroupLock string
	ttl           time.Duration
}

// TaskOption specifies the task creation behavior.
type TaskOption func(*taskOptions)

// TaskID returns an option to specify the task id instead of generating
// one. Useful for idempotent enqueueing keyed by a business identifier.
func TaskID(id string) TaskOption {
	return func(o *taskOptions) { o.taskID = id }
}

// Delay returns an option to defer the task's earliest start by d.
func Delay(d time.Duration) TaskOption {
	return func(o *taskOptions) { o.delay = d }
}

// ParentTask returns an option to record the given task id as the new
// task's parent, overriding any parent inherited from the context.
func ParentTask(id string) TaskOption {
	return func(o *taskOptions) { o.parentTaskID = id }
}

// TaskGroupLock returns an option to serialize the task with every
// other task created with the same lock name. At most one task of a
// group executes at a time.
func TaskGroupLock(name string) TaskOption {
	return func(o *taskOptions) { o.taskGroupLock = name }
}

// TTL returns an option to bound the retention of all of the task's
// records. After the TTL the records expire from storage.
func TTL(d time.Duration) TaskOption {
	return func(o *taskOptions) { o.ttl = d }
}

// CreateTask persists the task and makes it visible to workers once its
// delay, if any, has elapsed. It returns the created task's info.
//
// When called from inside a running handler, the new task records the
// handled task as its parent unless the ParentTask option says otherwise.
func (c *Client) CreateTask(ctx context.Context, task *Task, opts ...TaskOption) (*TaskInfo, error) {
	const op = errors.Op("client.CreateTask")
	if task == nil || task.Name() == "" {
		return nil, errors.E(op, errors.FailedPrecondition, "task type name must not be empty")
	}
	var o taskOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.parentTaskID == "" {
		if id, ok := ParentTaskID(ctx); ok {
			o.parentTaskID = id
		}
	}
	id := o.taskID
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
		id = u.String()
	}
	nowTicks, err := c.env.globalTime.NowTicks(ctx)
	if err != nil {
		return nil, err
	}
	meta := &base.TaskMeta{
		ID:                id,
		Name:              task.Name(),
		State:             base.TaskStateNew,
		CreatedTicks:      nowTicks,
		MinimalStartTicks: nowTicks + o.delay.Nanoseconds(),
		ParentTaskID:      o.parentTaskID,
		TaskGroupLock:     o.taskGroupLock,
		TTLSeconds:        int64(o.ttl / time.Second),
	}
	// Payload goes in before the meta so no index entry can ever point
	// at a task whose payload is still missing.
	if err := c.env.datas.Write(ctx, id, task.Payload(), meta.TTL()); err != nil {
		return nil, err
	}
	if _, err := c.env.handleMetas.AddNewTask(ctx, meta); err != nil {
		return nil, err
	}
	if o.delay <= 0 {
		continuationsFrom(ctx).offer(id)
	}
	return newTaskInfo(meta, task.Payload(), nil), nil
}

// CancelTask cancels the task with the given id.
//
// Canceling a task already in a terminal state, canceled included,
// returns ErrTaskTerminal. If the task is locked by a worker right now,
// CancelTask returns ErrLockNotAcquired and may be retried.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	const op = errors.Op("client.CancelTask")
	lease, ok, err := c.env.locker.TryLock(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.E(op, errors.FailedPrecondition, errors.ErrLockNotAcquired)
	}
	defer func() { _ = lease.Release(ctx) }()

	meta, err := c.env.handleMetas.GetMeta(ctx, taskID)
	if err != nil {
		return err
	}
	if meta.State.IsTerminal() {
		return errors.E(op, errors.FailedPrecondition, errors.ErrTaskTerminal)
	}
	nowTicks, err := c.env.globalTime.NowTicks(ctx)
	if err != nil {
		return err
	}
	oldPos := index.PositionFor(meta)
	meta.State = base.TaskStateCanceled
	meta.FinishExecutingTicks = nowTicks
	_, err = c.env.handleMetas.AddMeta(ctx, meta, &oldPos)
	return err
}

// RerunTask schedules the task with the given id to run again after the
// given delay, whatever state it is in now.
//
// If the task is locked by a worker right now, RerunTask returns
// ErrLockNotAcquired and may be retried.
func (c *Client) RerunTask(ctx context.Context, taskID string, delay time.Duration) error {
	const op = errors.Op("client.RerunTask")
	lease, ok, err := c.env.locker.TryLock(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.E(op, errors.FailedPrecondition, errors.ErrLockNotAcquired)
	}
	defer func() { _ = lease.Release(ctx) }()

	meta, err := c.env.handleMetas.GetMeta(ctx, taskID)
	if err != nil {
		return err
	}
	nowTicks, err := c.env.globalTime.NowTicks(ctx)
	if err != nil {
		return err
	}
	oldPos := index.PositionFor(meta)
	meta.State = base.TaskStateWaitingForRerun
	meta.MinimalStartTicks = nowTicks + delay.Nanoseconds()
	_, err = c.env.handleMetas.AddMeta(ctx, meta, &oldPos)
	if err != nil {
		return err
	}
	if delay <= 0 {
		continuationsFrom(ctx).offer(taskID)
	}
	return nil
}

// GetTaskInfo returns the current state of the task with the given id,
// including its payload and the history of failed attempts.
func (c *Client) GetTaskInfo(ctx context.Context, taskID string) (*TaskInfo, error) {
	meta, err := c.env.handleMetas.GetMeta(ctx, taskID)
	if err != nil {
		return nil, err
	}
	payload, err := c.env.datas.Get(ctx, taskID)
	if err != nil && !errors.IsTaskNotFound(err) {
		return nil, err
	}
	excs, err := c.env.excs.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return newTaskInfo(meta, payload, excs), nil
}

// GetTaskInfos returns infos for the given task ids, omitting ids with
// no task.
func (c *Client) GetTaskInfos(ctx context.Context, taskIDs []string) ([]*TaskInfo, error) {
	metas, err := c.env.handleMetas.GetMetaBatch(ctx, taskIDs)
	if err != nil {
		return nil, err
	}
	infos := make([]*TaskInfo, 0, len(metas))
	for _, id := range taskIDs {
		m, ok := metas[id]
		if !ok {
			continue
		}
		payload, err := c.env.datas.Get(ctx, id)
		if err != nil && !errors.IsTaskNotFound(err) {
			return nil, err
		}
		excs, err := c.env.excs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, newTaskInfo(m, payload, excs))
	}
	return infos, nil
}

// ChildTaskIDs returns the ids of tasks created with the given task as
// parent, in creation order.
func (c *Client) ChildTaskIDs(ctx context.Context, parentTaskID string) ([]string, error) {
	return c.env.children.GetChildren(ctx, parentTaskID)
}
