// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cassq

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hemant/cassq/internal/base"
	"github.com/hemant/cassq/internal/errors"
	"github.com/hemant/cassq/internal/index"
	"github.com/hemant/cassq/internal/log"
)

type processor struct {
	logger *log.Logger
	env    *queueEnv

	handler Handler

	retryDelayFunc  RetryDelayFunc
	errHandler      ErrorHandler
	baseCtxFn       func() context.Context
	cancelations    *base.Cancelations
	maxAttempts     int
	pollInterval    time.Duration
	scanBatchSize   int
	shutdownTimeout time.Duration
	continuations   *continuations

	// limiter paces index scans so an idle server does not hammer the
	// storage backend between polls.
	limiter *rate.Limiter

	// candidates found by the last index scan, not yet claimed.
	pending []index.Record

	// sema is a counting semaphore to ensure the number of active workers
	// does not exceed the limit.
	sema chan struct{}

	// channel to communicate back to the long running "processor" goroutine.
	done chan struct{}

	// once guards closing of the done channel.
	once sync.Once

	// abort channel communicates to the in-flight workers to stop.
	abort chan struct{}
}

type processorParams struct {
	logger          *log.Logger
	env             *queueEnv
	retryDelayFunc  RetryDelayFunc
	maxAttempts     int
	pollInterval    time.Duration
	scanBatchSize   int
	baseCtxFn       func() context.Context
	cancelations    *base.Cancelations
	concurrency     int
	errHandler      ErrorHandler
	shutdownTimeout time.Duration
	continuations   *continuations
}

func newProcessor(params processorParams) *processor {
	return &processor{
		logger:          params.logger,
		env:             params.env,
		retryDelayFunc:  params.retryDelayFunc,
		errHandler:      params.errHandler,
		baseCtxFn:       params.baseCtxFn,
		cancelations:    params.cancelations,
		maxAttempts:     params.maxAttempts,
		pollInterval:    params.pollInterval,
		scanBatchSize:   params.scanBatchSize,
		shutdownTimeout: params.shutdownTimeout,
		continuations:   params.continuations,
		limiter:         rate.NewLimiter(rate.Every(params.pollInterval), 1),
		sema:            make(chan struct{}, params.concurrency),
		done:            make(chan struct{}),
		abort:           make(chan struct{}),
	}
}

// stop signals the processor goroutine to stop claiming new tasks.
func (p *processor) stop() {
	p.once.Do(func() {
		p.logger.Debug("Processor shutting down...")
		close(p.done)
	})
}

func (p *processor) shutdown() {
	p.stop()
	time.AfterFunc(p.shutdownTimeout, func() { close(p.abort) })

	p.logger.Info("Waiting for all workers to finish...")
	// block until all workers have released the token
	for i := 0; i < cap(p.sema); i++ {
		p.sema <- struct{}{}
	}
	p.logger.Info("All workers have finished")
}

func (p *processor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-p.done:
				p.logger.Debug("Processor done")
				return
			default:
				p.exec()
			}
		}
	}()
}

// claim is one candidate handed to a worker: a task id, plus the index
// record it came from when it came from a scan. Continuation claims have
// no record; the worker derives the position from the live meta.
type claim struct {
	taskID string
	rec    *index.Record
}

// exec picks the next candidate and dispatches it to a worker goroutine,
// or blocks until a candidate may exist.
func (p *processor) exec() {
	c, ok := p.next()
	if !ok {
		return
	}
	select {
	case <-p.done:
		return
	case p.sema <- struct{}{}: // acquire token
		go func() {
			defer func() { <-p.sema }() // release token
			p.processClaim(c)
		}()
	}
}

// next returns the next candidate: a continuation if one is queued, then
// the scan buffer, then a fresh index scan. With nothing runnable it
// blocks for up to one poll interval.
func (p *processor) next() (claim, bool) {
	if p.continuations != nil {
		select {
		case id := <-p.continuations.ch:
			return claim{taskID: id}, true
		default:
		}
	}
	if len(p.pending) == 0 && p.limiter.Allow() {
		p.refill()
	}
	if len(p.pending) > 0 {
		rec := p.pending[0]
		p.pending = p.pending[1:]
		return claim{taskID: rec.TaskID, rec: &rec}, true
	}

	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	if p.continuations != nil {
		select {
		case <-p.done:
			return claim{}, false
		case id := <-p.continuations.ch:
			return claim{taskID: id}, true
		case <-timer.C:
			return claim{}, false
		}
	}
	select {
	case <-p.done:
		return claim{}, false
	case <-timer.C:
		return claim{}, false
	}
}

// refill scans the waiting-state index partitions for tasks whose
// minimal start ticks has passed and buffers them for claiming.
func (p *processor) refill() {
	ctx := p.baseCtxFn()
	nowTicks, err := p.env.globalTime.NowTicks(ctx)
	if err != nil {
		p.logger.Errorf("Failed to read global time before index scan: %v", err)
		return
	}
	for _, state := range base.WaitingStates {
		err := p.env.handleMetas.ScanRecords(ctx, state, nowTicks, p.scanBatchSize, func(rec index.Record) bool {
			p.pending = append(p.pending, rec)
			return len(p.pending) < p.scanBatchSize
		})
		if err != nil {
			p.logger.Errorf("Index scan failed for state %q: %v", state, err)
		}
		if len(p.pending) >= p.scanBatchSize {
			return
		}
	}
}

func isWaitingState(s base.TaskState) bool {
	for _, w := range base.WaitingStates {
		if s == w {
			return true
		}
	}
	return false
}

// processClaim attempts to take exclusive ownership of the task and run
// its handler. Any verification failure is a silent pass; the task either
// no longer needs running or belongs to another worker.
func (p *processor) processClaim(c claim) {
	ctx := p.baseCtxFn()

	meta, err := p.env.handleMetas.GetMeta(ctx, c.taskID)
	if errors.IsTaskNotFound(err) {
		// Meta may trail the index entry within the unstable zone.
		// The janitor reclaims the entry if the meta never shows up.
		return
	}
	if err != nil {
		p.logger.Errorf("Failed to read meta for task %s: %v", c.taskID, err)
		return
	}
	if !isWaitingState(meta.State) || (c.rec != nil && index.PositionFor(meta) != c.rec.Position) {
		if c.rec != nil {
			if err := p.env.index.RemoveRecord(ctx, c.rec.Position); err != nil {
				p.logger.Debugf("Failed to remove stale index entry for task %s: %v", c.taskID, err)
			}
		}
		return
	}

	lease, ok, err := p.env.locker.TryLock(ctx, meta.ID)
	if err != nil {
		p.logger.Errorf("Failed to acquire lock for task %s: %v", meta.ID, err)
		return
	}
	if !ok {
		return
	}
	defer func() { _ = lease.Release(ctx) }()

	if meta.TaskGroupLock != "" {
		groupLease, ok, err := p.env.locker.TryLock(ctx, "group/"+meta.TaskGroupLock)
		if err != nil || !ok {
			if err != nil {
				p.logger.Errorf("Failed to acquire group lock %q: %v", meta.TaskGroupLock, err)
			}
			return
		}
		defer func() { _ = groupLease.Release(ctx) }()
	}

	// Re-read under the lock; another worker may have won the claim
	// between the scan and the lock.
	meta, err = p.env.handleMetas.GetMeta(ctx, meta.ID)
	if err != nil {
		if !errors.IsTaskNotFound(err) {
			p.logger.Errorf("Failed to re-read meta for task %s: %v", c.taskID, err)
		}
		return
	}
	if !isWaitingState(meta.State) {
		return
	}
	if c.rec != nil && index.PositionFor(meta) != c.rec.Position {
		return
	}

	nowTicks, err := p.env.globalTime.NowTicks(ctx)
	if err != nil {
		p.logger.Errorf("Failed to read global time for task %s: %v", meta.ID, err)
		return
	}
	if meta.MinimalStartTicks > nowTicks {
		return
	}

	oldPos := index.PositionFor(meta)
	meta.State = base.TaskStateInProcess
	meta.Attempts++
	meta.StartExecutingTicks = nowTicks
	inProcessPos, err := p.env.handleMetas.AddMeta(ctx, meta, &oldPos)
	if err != nil {
		p.logger.Errorf("Failed to move task %s to inProcess: %v", meta.ID, err)
		return
	}

	payload, err := p.env.datas.Get(ctx, meta.ID)
	if err != nil && !errors.IsTaskNotFound(err) {
		p.logger.Errorf("Failed to read payload for task %s: %v", meta.ID, err)
	}
	task := &Task{name: meta.Name, payload: payload}

	res := p.perform(ctx, task, meta, lease)
	p.finalize(ctx, task, meta, inProcessPos, res)
}

// perform runs the handler with cancellation wired to server shutdown
// and to loss of the task lease. A panic is converted into a retryable
// error result.
func (p *processor) perform(ctx context.Context, task *Task, meta *base.TaskMeta, lease leaseHandle) (res HandleResult) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	hctx = withParentTaskID(hctx, meta.ID)
	hctx = withContinuations(hctx, p.continuations)

	p.cancelations.Add(meta.ID, cancel)
	defer p.cancelations.Delete(meta.ID)

	go func() {
		select {
		case <-p.abort:
			cancel()
		case <-lease.Done():
			cancel()
		case <-hctx.Done():
		}
	}()

	defer func() {
		if v := recover(); v != nil {
			p.logger.Errorf("Recovering from panic in task %s. See the stack trace below for details:\n%s", meta.ID, string(debug.Stack()))
			err, ok := v.(error)
			if !ok {
				err = fmt.Errorf("panic: %v", v)
			}
			res = RerunAfterError(fmt.Errorf("panic [%s]: %w", task.Name(), err), 0)
		}
	}()
	return p.handler.ProcessTask(hctx, task)
}

// leaseHandle is the part of a lock lease perform depends on.
type leaseHandle interface {
	Done() <-chan struct{}
}

// finalize persists the state transition decided by the handler result.
func (p *processor) finalize(ctx context.Context, task *Task, meta *base.TaskMeta, inProcessPos index.Position, res HandleResult) {
	nowTicks, err := p.env.globalTime.NowTicks(ctx)
	if err != nil {
		p.logger.Errorf("Failed to read global time finalizing task %s: %v", meta.ID, err)
		return
	}

	rerunDelay := time.Duration(-1)
	switch res.Action {
	case ActionFinish:
		meta.State = base.TaskStateFinished
		meta.FinishExecutingTicks = nowTicks

	case ActionRerun:
		meta.State = base.TaskStateWaitingForRerun
		rerunDelay = max(res.Delay, 0)
		meta.MinimalStartTicks = nowTicks + rerunDelay.Nanoseconds()

	case ActionRerunAfterError:
		p.recordError(ctx, meta, res.Err, nowTicks)
		p.handleError(ctx, task, res.Err)
		if meta.Attempts >= p.maxAttempts {
			p.logger.Warnf("Task %s exhausted its %d attempts, moving to fatal state: %v", meta.ID, p.maxAttempts, res.Err)
			meta.State = base.TaskStateFatal
			meta.FinishExecutingTicks = nowTicks
			break
		}
		delay := res.Delay
		if delay <= 0 {
			delay = p.retryDelayFunc(meta.Attempts, res.Err, task)
		}
		meta.State = base.TaskStateWaitingForRerunAfterError
		rerunDelay = delay
		meta.MinimalStartTicks = nowTicks + delay.Nanoseconds()

	case ActionFatal:
		p.recordError(ctx, meta, res.Err, nowTicks)
		p.handleError(ctx, task, res.Err)
		meta.State = base.TaskStateFatal
		meta.FinishExecutingTicks = nowTicks

	default:
		err := fmt.Errorf("cassq: handler for task type %q returned invalid handle result %+v", task.Name(), res)
		p.recordError(ctx, meta, err, nowTicks)
		p.handleError(ctx, task, err)
		meta.State = base.TaskStateFatal
		meta.FinishExecutingTicks = nowTicks
	}

	if _, err := p.env.handleMetas.AddMeta(ctx, meta, &inProcessPos); err != nil {
		p.logger.Errorf("Failed to persist final state of task %s: %v", meta.ID, err)
		return
	}
	if rerunDelay == 0 {
		p.continuations.offer(meta.ID)
	}
}

func (p *processor) recordError(ctx context.Context, meta *base.TaskMeta, taskErr error, nowTicks int64) {
	msg := "unknown error"
	if taskErr != nil {
		msg = taskErr.Error()
	}
	info := &base.ExceptionInfo{
		TaskID:       meta.ID,
		Attempt:      meta.Attempts,
		ErrorMessage: msg,
		Ticks:        nowTicks,
	}
	if err := p.env.excs.Add(ctx, meta, info); err != nil {
		p.logger.Errorf("Failed to record error for task %s: %v", meta.ID, err)
	}
}

func (p *processor) handleError(ctx context.Context, task *Task, err error) {
	if p.errHandler != nil {
		p.errHandler.HandleError(ctx, task, err)
	}
}
