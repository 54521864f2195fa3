// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package meta implements per-task persistent state: task metadata and
// payload blobs, the per-attempt error history, the parent-to-children
// index, and the composite write path that keeps the start-ticks index
// and the event log consistent with every metadata change.
package meta

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hemant/cassq/internal/base"
	"github.com/hemant/cassq/internal/blob"
	"github.com/hemant/cassq/internal/clock"
	"github.com/hemant/cassq/internal/columnstore"
	"github.com/hemant/cassq/internal/errors"
	"github.com/hemant/cassq/internal/eventlog"
	"github.com/hemant/cassq/internal/index"
	"github.com/hemant/cassq/internal/log"
)

// TaskMetaStorage reads and writes TaskMeta records.
type TaskMetaStorage struct {
	blobs *blob.Storage
}

// NewTaskMetaStorage creates a TaskMetaStorage.
func NewTaskMetaStorage(store columnstore.Store, ticks clock.Source) *TaskMetaStorage {
	return &TaskMetaStorage{blobs: blob.NewStorage(store, base.CFTaskMeta, ticks)}
}

// Write persists the given meta, last write wins.
func (s *TaskMetaStorage) Write(ctx context.Context, meta *base.TaskMeta) error {
	data, err := base.EncodeTaskMeta(meta)
	if err != nil {
		return err
	}
	return s.blobs.Write(ctx, meta.ID, data, meta.TTL())
}

// Get returns the meta for the given task id, or ErrTaskNotFound.
func (s *TaskMetaStorage) Get(ctx context.Context, taskID string) (*base.TaskMeta, error) {
	data, err := s.blobs.Read(ctx, taskID)
	if errors.Is(err, errors.ErrColumnNotFound) {
		return nil, errors.E(errors.Op("meta.Get"), errors.NotFound, errors.ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}
	return base.DecodeTaskMeta(data)
}

// GetBatch returns the metas for the given task ids, keyed by id.
// Missing tasks are omitted.
func (s *TaskMetaStorage) GetBatch(ctx context.Context, taskIDs []string) (map[string]*base.TaskMeta, error) {
	raw, err := s.blobs.ReadBatch(ctx, taskIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*base.TaskMeta, len(raw))
	for id, data := range raw {
		m, err := base.DecodeTaskMeta(data)
		if err != nil {
			return nil, err
		}
		out[id] = m
	}
	return out, nil
}

// Delete removes the meta for the given task id.
func (s *TaskMetaStorage) Delete(ctx context.Context, taskID string) error {
	return s.blobs.Delete(ctx, taskID)
}

// TaskDataStorage reads and writes task payload blobs. Payloads are
// written once at task creation and never mutated afterwards.
type TaskDataStorage struct {
	blobs *blob.Storage
}

// NewTaskDataStorage creates a TaskDataStorage.
func NewTaskDataStorage(store columnstore.Store, ticks clock.Source) *TaskDataStorage {
	return &TaskDataStorage{blobs: blob.NewStorage(store, base.CFTaskData, ticks)}
}

func (s *TaskDataStorage) Write(ctx context.Context, taskID string, data []byte, ttl time.Duration) error {
	return s.blobs.Write(ctx, taskID, data, ttl)
}

// Get returns the payload for the given task id, or ErrTaskNotFound.
func (s *TaskDataStorage) Get(ctx context.Context, taskID string) ([]byte, error) {
	data, err := s.blobs.Read(ctx, taskID)
	if errors.Is(err, errors.ErrColumnNotFound) {
		return nil, errors.E(errors.Op("meta.GetData"), errors.NotFound, errors.ErrTaskNotFound)
	}
	return data, err
}

// GetBatch returns payloads for the given ids in order, nil for missing.
func (s *TaskDataStorage) GetBatch(ctx context.Context, taskIDs []string) ([][]byte, error) {
	return s.blobs.ReadQuiet(ctx, taskIDs)
}

func (s *TaskDataStorage) Delete(ctx context.Context, taskID string) error {
	return s.blobs.Delete(ctx, taskID)
}

// TaskExceptionInfoStorage keeps the per-attempt error history of a
// task: one row per task, one column per failed attempt, ordered by the
// ticks of the failure.
type TaskExceptionInfoStorage struct {
	store columnstore.Store
}

// NewTaskExceptionInfoStorage creates a TaskExceptionInfoStorage.
func NewTaskExceptionInfoStorage(store columnstore.Store) *TaskExceptionInfoStorage {
	return &TaskExceptionInfoStorage{store: store}
}

func exceptionRowKey(taskID string) string {
	return base.RowKey(base.CFExceptionInfo, taskID)
}

// Add appends one failed-attempt record to the task's history.
func (s *TaskExceptionInfoStorage) Add(ctx context.Context, meta *base.TaskMeta, info *base.ExceptionInfo) error {
	value, err := base.EncodeExceptionInfo(info)
	if err != nil {
		return err
	}
	col := columnstore.Column{
		Name:      base.FormatTicks(info.Ticks),
		Value:     value,
		Timestamp: info.Ticks,
	}
	return s.store.Put(ctx, exceptionRowKey(meta.ID), col, meta.TTL())
}

// Get returns the task's failed attempts, oldest first.
func (s *TaskExceptionInfoStorage) Get(ctx context.Context, taskID string) ([]*base.ExceptionInfo, error) {
	cols, err := s.store.GetRange(ctx, exceptionRowKey(taskID), "", "", 0, false)
	if err != nil {
		return nil, err
	}
	out := make([]*base.ExceptionInfo, 0, len(cols))
	for _, col := range cols {
		info, err := base.DecodeExceptionInfo(col.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *TaskExceptionInfoStorage) Delete(ctx context.Context, taskID string) error {
	return s.store.DeleteRow(ctx, exceptionRowKey(taskID))
}

// ChildTaskIndex maps a parent task id to the ids of tasks created with
// it as parent.
type ChildTaskIndex struct {
	store columnstore.Store
}

// NewChildTaskIndex creates a ChildTaskIndex.
func NewChildTaskIndex(store columnstore.Store) *ChildTaskIndex {
	return &ChildTaskIndex{store: store}
}

func childRowKey(parentTaskID string) string {
	return base.RowKey(base.CFChildTasks, parentTaskID)
}

// Add records childMeta as a child of its parent. A meta without a
// parent is a no-op.
func (s *ChildTaskIndex) Add(ctx context.Context, childMeta *base.TaskMeta) error {
	if childMeta.ParentTaskID == "" {
		return nil
	}
	col := columnstore.Column{
		Name:      base.TicksColumnName(childMeta.CreatedTicks, childMeta.ID),
		Value:     []byte(childMeta.ID),
		Timestamp: childMeta.CreatedTicks,
	}
	return s.store.Put(ctx, childRowKey(childMeta.ParentTaskID), col, childMeta.TTL())
}

// GetChildren returns the ids of the parent's children in creation order.
func (s *ChildTaskIndex) GetChildren(ctx context.Context, parentTaskID string) ([]string, error) {
	cols, err := s.store.GetRange(ctx, childRowKey(parentTaskID), "", "", 0, false)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(cols))
	for _, col := range cols {
		ids = append(ids, string(col.Value))
	}
	return ids, nil
}

// HandleTasksMetaStorage is the composite write path for task metadata.
// Every state transition goes through AddMeta, which sequences the
// start-ticks index, the event log and the meta blob so that a crash
// between any two steps leaves the task discoverable, never lost.
type HandleTasksMetaStorage struct {
	metas    *TaskMetaStorage
	index    *index.Index
	events   *eventlog.EventLog
	children *ChildTaskIndex
	ticks    *clock.GlobalTime
	logger   *log.Logger
}

// HandleTasksMetaStorageConfig carries the dependencies of a
// HandleTasksMetaStorage.
type HandleTasksMetaStorageConfig struct {
	Metas    *TaskMetaStorage
	Index    *index.Index
	Events   *eventlog.EventLog
	Children *ChildTaskIndex
	Ticks    *clock.GlobalTime
	Logger   *log.Logger
}

// NewHandleTasksMetaStorage creates a HandleTasksMetaStorage.
func NewHandleTasksMetaStorage(cfg HandleTasksMetaStorageConfig) *HandleTasksMetaStorage {
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger(nil)
	}
	return &HandleTasksMetaStorage{
		metas:    cfg.Metas,
		index:    cfg.Index,
		events:   cfg.Events,
		children: cfg.Children,
		ticks:    cfg.Ticks,
		logger:   cfg.Logger,
	}
}

// GetMeta returns the meta for the given task id, or ErrTaskNotFound.
func (h *HandleTasksMetaStorage) GetMeta(ctx context.Context, taskID string) (*base.TaskMeta, error) {
	return h.metas.Get(ctx, taskID)
}

// GetMetaBatch returns the metas for the given ids, missing ids omitted.
func (h *HandleTasksMetaStorage) GetMetaBatch(ctx context.Context, taskIDs []string) (map[string]*base.TaskMeta, error) {
	return h.metas.GetBatch(ctx, taskIDs)
}

// AddMeta persists a new or updated meta and returns the task's fresh
// start-ticks index position.
//
// Write order matters. The index entry and the event go in before the
// meta blob: a crash mid-sequence then leaves a dangling index entry
// (reclaimed later against the live meta) rather than a task no scanner
// will ever find. The old index entry is removed last and best-effort.
func (h *HandleTasksMetaStorage) AddMeta(ctx context.Context, meta *base.TaskMeta, oldPosition *index.Position) (index.Position, error) {
	nowTicks, err := h.ticks.NowTicks(ctx)
	if err != nil {
		return index.Position{}, err
	}
	if meta.MinimalStartTicks <= meta.LastModificationTicks {
		meta.MinimalStartTicks = meta.LastModificationTicks + 1
	}
	meta.LastModificationTicks = nowTicks

	pos, err := h.index.AddRecord(ctx, meta)
	if err != nil {
		return index.Position{}, err
	}
	if err := h.events.AddEvent(ctx, meta, nowTicks, uuid.New()); err != nil {
		return index.Position{}, err
	}
	if err := h.metas.Write(ctx, meta); err != nil {
		return index.Position{}, err
	}
	if oldPosition != nil && *oldPosition != pos {
		if err := h.index.RemoveRecord(ctx, *oldPosition); err != nil {
			// The janitor reclaims it against the live meta later.
			h.logger.Warnf("meta: failed to remove stale index entry %s/%s for task %s: %v",
				oldPosition.RowKey, oldPosition.ColumnName, meta.ID, err)
		}
	}
	return pos, nil
}

// AddNewTask persists the meta of a freshly created task, including the
// parent-to-children link when the task has a parent.
func (h *HandleTasksMetaStorage) AddNewTask(ctx context.Context, meta *base.TaskMeta) (index.Position, error) {
	if err := h.children.Add(ctx, meta); err != nil {
		return index.Position{}, err
	}
	return h.AddMeta(ctx, meta, nil)
}

// RemoveIndexRecord removes one start-ticks index entry.
func (h *HandleTasksMetaStorage) RemoveIndexRecord(ctx context.Context, pos index.Position) error {
	return h.index.RemoveRecord(ctx, pos)
}

// ScanRecords walks the live index entries of one task state from the
// state's safe lower bound up to toTicks, calling fn for each record.
// Returning false from fn stops the scan.
func (h *HandleTasksMetaStorage) ScanRecords(ctx context.Context, state base.TaskState, toTicks int64, batchSize int, fn func(rec index.Record) bool) error {
	fromTicks, err := h.index.FromTicks(ctx, state, toTicks)
	if err != nil {
		return err
	}
	scanner := h.index.GetRecords(state, fromTicks, toTicks, batchSize)
	for {
		rec, ok, err := scanner.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if !fn(rec) {
			return nil
		}
	}
}
