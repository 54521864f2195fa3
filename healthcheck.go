// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cassq

import (
	"context"
	"sync"
	"time"

	"github.com/hemant/cassq/internal/log"
)

// healthchecker is responsible for periodically checking the health of
// the storage backend and invoking a user provided callback if the
// backend is down.
type healthchecker struct {
	logger *log.Logger
	env    *queueEnv

	// channel to communicate back to the long running "healthchecker" goroutine.
	done chan struct{}

	// interval between healthchecks.
	interval time.Duration

	// user provided callback to invoke if the backend is down.
	healthcheckFunc func(error)
}

type healthcheckerParams struct {
	logger          *log.Logger
	env             *queueEnv
	interval        time.Duration
	healthcheckFunc func(error)
}

func newHealthChecker(params healthcheckerParams) *healthchecker {
	return &healthchecker{
		logger:          params.logger,
		env:             params.env,
		done:            make(chan struct{}),
		interval:        params.interval,
		healthcheckFunc: params.healthcheckFunc,
	}
}

func (hc *healthchecker) shutdown() {
	hc.logger.Debug("Healthchecker shutting down...")
	// Signal the healthchecker goroutine to stop.
	hc.done <- struct{}{}
}

func (hc *healthchecker) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(hc.interval)
		for {
			select {
			case <-hc.done:
				hc.logger.Debug("Healthchecker done")
				timer.Stop()
				return
			case <-timer.C:
				hc.exec()
				timer.Reset(hc.interval)
			}
		}
	}()
}

func (hc *healthchecker) exec() {
	ctx, cancel := context.WithTimeout(context.Background(), hc.interval)
	defer cancel()
	err := hc.env.store.Ping(ctx)
	if hc.healthcheckFunc != nil {
		hc.healthcheckFunc(err)
	}
}
