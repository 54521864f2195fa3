// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cassq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hemant/cassq/internal/base"
	"github.com/hemant/cassq/internal/errors"
	"github.com/hemant/cassq/internal/index"
	"github.com/hemant/cassq/internal/log"
)

// janitor is responsible for periodically reclaiming stale start-ticks
// index entries: entries whose task meta has moved on, and entries in
// terminal-state partitions that nothing will ever scan again. Stale
// entries are harmless for correctness but widen every scan.
type janitor struct {
	logger *log.Logger
	env    *queueEnv

	// cron drives the periodic runs.
	cron *cron.Cron

	// channel to communicate back to the long running "janitor" goroutine.
	done chan struct{}

	// interval between cleanup runs.
	interval time.Duration

	// number of index entries to examine in a single run.
	batchSize int
}

type janitorParams struct {
	logger    *log.Logger
	env       *queueEnv
	interval  time.Duration
	batchSize int
}

func newJanitor(params janitorParams) *janitor {
	return &janitor{
		logger:    params.logger,
		env:       params.env,
		cron:      cron.New(),
		done:      make(chan struct{}),
		interval:  params.interval,
		batchSize: params.batchSize,
	}
}

func (j *janitor) shutdown() {
	j.logger.Debug("Janitor shutting down...")
	// Signal the janitor goroutine to stop.
	j.done <- struct{}{}
}

func (j *janitor) start(wg *sync.WaitGroup) {
	if _, err := j.cron.AddFunc(fmt.Sprintf("@every %s", j.interval), j.exec); err != nil {
		j.logger.Errorf("Failed to schedule janitor: %v", err)
		return
	}
	j.cron.Start()
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-j.done
		stopCtx := j.cron.Stop()
		<-stopCtx.Done()
		j.logger.Debug("Janitor done")
	}()
}

var allTaskStates = []base.TaskState{
	base.TaskStateNew,
	base.TaskStateInProcess,
	base.TaskStateFinished,
	base.TaskStateFatal,
	base.TaskStateWaitingForRerun,
	base.TaskStateWaitingForRerunAfterError,
	base.TaskStateCanceled,
}

func (j *janitor) exec() {
	ctx := context.Background()
	nowTicks, err := j.env.globalTime.NowTicks(ctx)
	if err != nil {
		j.logger.Errorf("Janitor failed to read global time: %v", err)
		return
	}
	// Entries younger than the grace horizon may belong to writes whose
	// meta is still converging; leave them alone.
	grace := 2 * j.env.unstableZone
	toTicks := nowTicks - grace.Nanoseconds()

	examined, removed := 0, 0
	for _, state := range allTaskStates {
		if examined >= j.batchSize {
			break
		}
		fromTicks, err := j.env.index.FromTicks(ctx, state, nowTicks)
		if err != nil {
			j.logger.Errorf("Janitor failed to resolve scan start for state %q: %v", state, err)
			continue
		}
		scanner := j.env.index.GetRecords(state, fromTicks, toTicks, j.batchSize)
		for examined < j.batchSize {
			rec, ok, err := scanner.Next(ctx)
			if err != nil {
				j.logger.Errorf("Janitor scan failed for state %q: %v", state, err)
				break
			}
			if !ok {
				break
			}
			examined++
			if j.reclaim(ctx, state, rec) {
				removed++
			}
		}
	}
	if removed > 0 {
		j.logger.Infof("Janitor removed %d stale index entries (examined %d)", removed, examined)
	}
}

// reclaim removes the entry if its task no longer needs it and reports
// whether it did.
func (j *janitor) reclaim(ctx context.Context, state base.TaskState, rec index.Record) bool {
	m, err := j.env.handleMetas.GetMeta(ctx, rec.TaskID)
	switch {
	case errors.IsTaskNotFound(err):
		// Past the grace horizon a missing meta means the task's records
		// expired or its creation never completed.
	case err != nil:
		j.logger.Errorf("Janitor failed to read meta for task %s: %v", rec.TaskID, err)
		return false
	case state.IsTerminal():
		// Nothing scans terminal partitions for work; the entry only
		// remains for this cleanup to find.
	case index.PositionFor(m) == rec.Position:
		return false // entry is current
	}
	if err := j.env.index.RemoveRecord(ctx, rec.Position); err != nil {
		j.logger.Errorf("Janitor failed to remove index entry %s/%s: %v", rec.Position.RowKey, rec.Position.ColumnName, err)
		return false
	}
	return true
}
