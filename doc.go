// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package cassq provides a distributed task queue backed by an eventually
consistent wide-column store.

Cassq runs reliable background tasks on top of storage that offers no
transactions, no server-side queues and only last-write-wins conflict
resolution. Both Cassandra and Redis backends are included, plus an
in-memory backend for tests.

# Features

Core Features:
  - At-Least-Once Delivery: Lease-based task locks with automatic expiry
  - Delayed/Scheduled Tasks: Defer a task's earliest start by a duration
  - Retry with Exponential Backoff: Customizable retry strategy with an attempt budget
  - Cancel and Rerun: Manipulate any task by id from any process
  - Task Ancestry: Tasks created inside handlers record their parent task

Operational Features:
  - Event Log: Offset-cursor stream of every task state change
  - Error History: Per-attempt error records kept alongside the task
  - Task Group Locks: Serialize tasks sharing a business key
  - Graceful Shutdown: Clean termination on OS signals

# Quick Start

Client (Create Tasks):

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	client := cassq.NewClient(cassq.RedisStore{Client: rdb}, cassq.ClientConfig{})
	defer client.Close()

	payload, _ := json.Marshal(map[string]int{"user_id": 42})
	task := cassq.NewTask("email:welcome", payload)
	info, err := client.CreateTask(context.Background(), task, cassq.Delay(time.Minute))
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Created: %s", info.ID)

Server (Process Tasks):

	srv := cassq.NewServer(
		cassq.RedisStore{Client: rdb},
		cassq.Config{Concurrency: 10},
	)

	reg := cassq.NewRegistry()
	reg.RegisterFunc("email:welcome", func(ctx context.Context, task *cassq.Task) cassq.HandleResult {
		log.Printf("Processing task: %s", task.Name())
		return cassq.Finish()
	})

	if err := srv.Run(reg); err != nil {
		log.Fatal(err)
	}

# Task Options

Available options for CreateTask:

	TaskID(id)          - Custom task id for idempotent enqueueing
	Delay(d)            - Defer the earliest start by duration
	ParentTask(id)      - Record another task as the parent
	TaskGroupLock(name) - Serialize with all tasks sharing the name
	TTL(d)              - Expire the task's records after duration

# Architecture

All data lives in one logical keyspace of ordered-column rows. A task is
a metadata record plus a payload blob. Runnable tasks are discovered
through a time-bucketed start-ticks index partitioned by task state;
because the store converges lazily, every scan reaches back behind a
per-state watermark by the unstable zone length, so a late-appearing
entry is never missed. Workers claim tasks with lease-based locks built
on the store's only compare-and-set primitive.

The Server spawns multiple goroutines:
  - Processor: Worker pool that scans the index, claims and executes tasks
  - Healthchecker: Pings the storage backend periodically
  - Janitor: Reclaims stale start-ticks index entries

Every state change also appends to an event log readable with
offset cursors, so external systems can follow task progress without
polling individual tasks.
*/
package cassq
