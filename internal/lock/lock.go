// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package lock implements a lease-based distributed mutual-exclusion
// primitive on the ordered-column store. A lease is an ephemeral owner
// token with a TTL rather than an unlock-or-die guarantee: a crashed
// holder's lease simply expires and a competing acquirer gets in. Critical
// sections that outlive the TTL are kept alive by a keepalive goroutine.
//
// Double execution is therefore possible in rare crash/timeout races;
// callers are expected to be idempotent or to detect duplicate completion
// via the persisted task state.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hemant/cassq/internal/base"
	"github.com/hemant/cassq/internal/columnstore"
	"github.com/hemant/cassq/internal/errors"
	"github.com/hemant/cassq/internal/log"
	"github.com/hemant/cassq/internal/timeutil"
)

const ownerColumn = "owner"

var contentionTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cassq_lock_contention_total",
	Help: "Number of lock acquisition attempts that found the lock held.",
})

// Config carries the dependencies and tuning of a Locker.
type Config struct {
	Store  columnstore.Store
	Clock  timeutil.Clock
	Logger *log.Logger

	// LeaseTTL is how long a lease survives without keepalive.
	//
	// If unset, 30 seconds is used.
	LeaseTTL time.Duration

	// KeepaliveInterval is the period of lease renewal while held.
	//
	// If unset, a third of LeaseTTL is used.
	KeepaliveInterval time.Duration

	// PollInterval is the retry period of the blocking Lock call.
	//
	// If unset, 100 milliseconds is used.
	PollInterval time.Duration

	// AcquireTimeout bounds the blocking Lock call.
	//
	// If unset, 5 seconds is used.
	AcquireTimeout time.Duration
}

// Locker hands out leases keyed by arbitrary strings; cassq keys them by
// task id and, optionally, by task group lock name.
type Locker struct {
	store             columnstore.Store
	clock             timeutil.Clock
	logger            *log.Logger
	leaseTTL          time.Duration
	keepaliveInterval time.Duration
	pollInterval      time.Duration
	acquireTimeout    time.Duration
}

// NewLocker creates a Locker.
func NewLocker(cfg Config) *Locker {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger(nil)
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = cfg.LeaseTTL / 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	return &Locker{
		store:             cfg.Store,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		leaseTTL:          cfg.LeaseTTL,
		keepaliveInterval: cfg.KeepaliveInterval,
		pollInterval:      cfg.PollInterval,
		acquireTimeout:    cfg.AcquireTimeout,
	}
}

func lockRow(key string) string {
	return base.RowKey(base.CFLock, key)
}

// TryLock attempts a single acquisition of the lock for key.
// ok is false when another live, unexpired lease holds it.
func (l *Locker) TryLock(ctx context.Context, key string) (*Lease, bool, error) {
	owner := uuid.NewString()
	col := columnstore.Column{
		Name:      ownerColumn,
		Value:     []byte(owner),
		Timestamp: l.clock.Now().UnixNano(),
	}
	applied, err := l.store.PutIfAbsent(ctx, lockRow(key), col, l.leaseTTL)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		contentionTotal.Inc()
		return nil, false, nil
	}
	lease := &Lease{
		locker: l,
		key:    key,
		owner:  owner,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lease.keepalive()
	return lease, true, nil
}

// Lock blocks until the lock for key is acquired, polling with backoff,
// or fails with errors.ErrLockNotAcquired once the acquire timeout or the
// context deadline passes.
func (l *Locker) Lock(ctx context.Context, key string) (*Lease, error) {
	deadline := l.clock.Now().Add(l.acquireTimeout)
	for {
		lease, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}
		if !l.clock.Now().Add(l.pollInterval).Before(deadline) {
			return nil, errors.E(errors.Op("lock.Lock"), errors.FailedPrecondition, errors.ErrLockNotAcquired)
		}
		select {
		case <-ctx.Done():
			return nil, errors.E(errors.Op("lock.Lock"), errors.FailedPrecondition, errors.ErrLockNotAcquired)
		case <-time.After(l.pollInterval):
		}
	}
}

// Lease is a held lock. Release it on every exit path of the critical
// section; Release is idempotent and safe to defer.
type Lease struct {
	locker *Locker
	key    string
	owner  string

	once sync.Once
	stop chan struct{}
	done chan struct{}

	mu      sync.Mutex
	expired bool
}

// Owner returns the lease's owner token. Visible for tests.
func (le *Lease) Owner() string { return le.owner }

// Done is closed when the lease expires underneath its holder, i.e. the
// keepalive found the lock gone or owned by someone else.
func (le *Lease) Done() <-chan struct{} { return le.done }

// Expired reports whether the lease was observed lost before Release.
func (le *Lease) Expired() bool {
	le.mu.Lock()
	defer le.mu.Unlock()
	return le.expired
}

// keepalive renews the lease every KeepaliveInterval until Release, and
// signals expiry if the lock was lost to a competing acquirer.
func (le *Lease) keepalive() {
	l := le.locker
	ticker := time.NewTicker(l.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-le.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.keepaliveInterval)
			held, err := le.renew(ctx)
			cancel()
			if err != nil {
				l.logger.Warnf("lock: keepalive for %q failed: %v", le.key, err)
				continue
			}
			if !held {
				le.mu.Lock()
				le.expired = true
				le.mu.Unlock()
				close(le.done)
				return
			}
		}
	}
}

// renew re-arms the lease TTL if this lease still owns the lock. The
// ownership check and the write are one store call; a lease that expired
// and was taken over in between can not steal the lock back.
func (le *Lease) renew(ctx context.Context) (bool, error) {
	l := le.locker
	renewed := columnstore.Column{
		Name:      ownerColumn,
		Value:     []byte(le.owner),
		Timestamp: l.clock.Now().UnixNano(),
	}
	return l.store.PutIfEqual(ctx, lockRow(le.key), renewed, []byte(le.owner), l.leaseTTL)
}

// Release gives the lock back if this lease still owns it. Releasing an
// expired or already released lease is a no-op: the owner check and the
// delete are one store call, so a competing acquirer's lease is never
// touched.
func (le *Lease) Release(ctx context.Context) error {
	var err error
	le.once.Do(func() {
		close(le.stop)
		_, err = le.locker.store.DeleteColumnIfEqual(ctx, lockRow(le.key), ownerColumn, []byte(le.owner))
	})
	return err
}
