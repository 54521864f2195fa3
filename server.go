// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cassq

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/hemant/cassq/internal/base"
	"github.com/hemant/cassq/internal/errors"
	"github.com/hemant/cassq/internal/log"
)

// Server is responsible for task processing and task lifecycle management.
//
// Server scans the start-ticks index for runnable tasks, claims each one
// under a distributed lock and invokes the registered handler.
//
// A task is retried until its handler finishes it or until it exhausts
// its attempt budget, at which point it moves to the fatal state and
// stays queryable together with its error history.
type Server struct {
	logger *log.Logger

	env *queueEnv

	state *serverState

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	processor     *processor
	healthchecker *healthchecker
	janitor       *janitor
}

type serverState struct {
	mu    sync.Mutex
	value serverStateValue
}

type serverStateValue int

const (
	// srvStateNew represents a new server.
	srvStateNew serverStateValue = iota

	// srvStateActive indicates the server is up and active.
	srvStateActive

	// srvStateStopped indicates the server is up but no longer processing new tasks.
	srvStateStopped

	// srvStateClosed indicates the server has been shutdown.
	srvStateClosed
)

var serverStates = []string{
	"new",
	"active",
	"stopped",
	"closed",
}

func (s serverStateValue) String() string {
	if srvStateNew <= s && s <= srvStateClosed {
		return serverStates[s]
	}
	return "unknown status"
}

// Config specifies the server's background-task processing behavior.
type Config struct {
	// Maximum number of concurrent processing of tasks.
	//
	// If set to a zero or negative value, NewServer will overwrite the value
	// to the number of CPUs usable by the current process.
	Concurrency int

	// BaseContext optionally specifies a function that returns the base context for Handler invocations on this server.
	//
	// If BaseContext is nil, the default is context.Background().
	BaseContext func() context.Context

	// PollInterval specifies the interval between index scans when no
	// runnable task was found by the previous scan.
	//
	// If unset, zero or a negative value, the interval is set to 1 second.
	PollInterval time.Duration

	// MaxAttempts is the attempt budget of a task. A handler error on
	// the last attempt moves the task to the fatal state.
	//
	// If unset or zero, 5 is used.
	MaxAttempts int

	// Function to calculate retry delay for a failed task.
	//
	// By default, it uses exponential backoff algorithm to calculate the delay.
	RetryDelayFunc RetryDelayFunc

	// ErrorHandler handles errors returned by the task handler.
	ErrorHandler ErrorHandler

	// Logger specifies the logger used by the server instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// ShutdownTimeout specifies the duration to wait to let workers finish their tasks
	// before forcing them to abort when stopping the server.
	//
	// If unset or zero, default timeout of 8 seconds is used.
	ShutdownTimeout time.Duration

	// HealthCheckFunc is called periodically with any errors encountered during ping to the
	// storage backend.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// JanitorInterval specifies the interval between janitor runs
	// reclaiming stale start-ticks index entries.
	//
	// If unset or zero, default interval of 1 minute is used.
	JanitorInterval time.Duration

	// JanitorBatchSize specifies the number of stale index entries to
	// examine in one run.
	//
	// If unset or zero, default batch size of 1000 is used.
	JanitorBatchSize int

	// ScanBatchSize is the page size of one index range read.
	//
	// If unset or zero, 1000 is used.
	ScanBatchSize int

	// StoreTimeout is the timeout of one storage call.
	//
	// If unset, 6 seconds is used.
	StoreTimeout time.Duration

	// StoreAttempts is the retry budget of one storage operation.
	// StoreTimeout times StoreAttempts bounds how long a committed write
	// can stay invisible to index scans, and scans reach back by exactly
	// that much.
	//
	// If unset, 5 is used.
	StoreAttempts int

	// LockLeaseTTL is how long a task lock survives a crashed holder.
	//
	// If unset, 30 seconds is used.
	LockLeaseTTL time.Duration

	// DisableContinuation turns off the in-process fast path that hands
	// a just-rerun task straight back to a worker without waiting for
	// the next index scan. Observable behavior is identical either way;
	// only pickup latency differs.
	DisableContinuation bool
}

// An ErrorHandler handles an error occurred during task processing.
type ErrorHandler interface {
	HandleError(ctx context.Context, task *Task, err error)
}

// The ErrorHandlerFunc type is an adapter to allow the use of ordinary functions as a ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, task *Task, err error)

// HandleError calls fn(ctx, task, err)
func (fn ErrorHandlerFunc) HandleError(ctx context.Context, task *Task, err error) {
	fn(ctx, task, err)
}

// RetryDelayFunc calculates the retry delay duration for a failed task given
// the retry count, error, and the task.
type RetryDelayFunc func(n int, e error, t *Task) time.Duration

// Logger supports logging at various log levels.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("cassq: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("cassq: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("cassq: unexpected log level: %v", l))
}

// DefaultRetryDelayFunc is the default RetryDelayFunc used if one is not specified in Config.
// It uses exponential back-off strategy to calculate the retry delay.
func DefaultRetryDelayFunc(n int, e error, t *Task) time.Duration {
	// Formula taken from https://github.com/mperham/sidekiq.
	s := int(math.Pow(float64(n), 4)) + 15 + (rand.Intn(30) * (n + 1))
	return time.Duration(s) * time.Second
}

const (
	defaultPollInterval        = 1 * time.Second
	defaultMaxAttempts         = 5
	defaultShutdownTimeout     = 8 * time.Second
	defaultHealthCheckInterval = 15 * time.Second
	defaultJanitorInterval     = 1 * time.Minute
	defaultJanitorBatchSize    = 1000
	defaultScanBatchSize       = 1000
)

// NewServer returns a new Server given a storage backend option and
// server configuration.
func NewServer(store StoreOpt, cfg Config) *Server {
	baseCtxFn := cfg.BaseContext
	if baseCtxFn == nil {
		baseCtxFn = context.Background
	}
	n := cfg.Concurrency
	if n < 1 {
		n = runtime.NumCPU()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	delayFunc := cfg.RetryDelayFunc
	if delayFunc == nil {
		delayFunc = DefaultRetryDelayFunc
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	healthcheckInterval := cfg.HealthCheckInterval
	if healthcheckInterval == 0 {
		healthcheckInterval = defaultHealthCheckInterval
	}
	scanBatchSize := cfg.ScanBatchSize
	if scanBatchSize <= 0 {
		scanBatchSize = defaultScanBatchSize
	}
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
	srvState := &serverState{value: srvStateNew}
	cancels := base.NewCancelations()

	var conts *continuations
	if !cfg.DisableContinuation {
		conts = newContinuations(4 * n)
	}
	processor := newProcessor(processorParams{
		logger:          logger,
		env:             env,
		retryDelayFunc:  delayFunc,
		maxAttempts:     maxAttempts,
		pollInterval:    pollInterval,
		scanBatchSize:   scanBatchSize,
		baseCtxFn:       baseCtxFn,
		cancelations:    cancels,
		concurrency:     n,
		errHandler:      cfg.ErrorHandler,
		shutdownTimeout: shutdownTimeout,
		continuations:   conts,
	})
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          logger,
		env:             env,
		interval:        healthcheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})

	janitorInterval := cfg.JanitorInterval
	if janitorInterval == 0 {
		janitorInterval = defaultJanitorInterval
	}
	janitorBatchSize := cfg.JanitorBatchSize
	if janitorBatchSize == 0 {
		janitorBatchSize = defaultJanitorBatchSize
	}
	janitor := newJanitor(janitorParams{
		logger:    logger,
		env:       env,
		interval:  janitorInterval,
		batchSize: janitorBatchSize,
	})
	return &Server{
		logger:        logger,
		env:           env,
		state:         srvState,
		processor:     processor,
		healthchecker: healthchecker,
		janitor:       janitor,
	}
}

// Client returns a Client sharing this server's storage connection.
// Closing it is a no-op; the server owns the connection.
func (srv *Server) Client() *Client {
	return newClientFromEnv(srv.env)
}

// ErrServerClosed indicates that the operation is now illegal because of the server has been shutdown.
var ErrServerClosed = errors.New("cassq: Server closed")

// Run starts the task processing and blocks until
// an os signal to exit the program is received. Once it receives
// a signal, it gracefully shuts down all active workers and other
// goroutines to process the tasks.
func (srv *Server) Run(handler Handler) error {
	if err := srv.Start(handler); err != nil {
		return err
	}
	srv.waitForSignals()
	srv.Shutdown()
	return nil
}

// Start starts the worker server. Once the server has started,
// it scans the index for runnable tasks and starts a worker goroutine
// for each task and then calls Handler to process it.
func (srv *Server) Start(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("cassq: server cannot run with nil handler")
	}
	srv.processor.handler = handler

	if err := srv.start(); err != nil {
		return err
	}
	srv.logger.Info("Starting processing")

	srv.healthchecker.start(&srv.wg)
	srv.processor.start(&srv.wg)
	srv.janitor.start(&srv.wg)
	return nil
}

// Checks server state and returns an error if pre-condition is not met.
// Otherwise it sets the server state to active.
func (srv *Server) start() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	switch srv.state.value {
	case srvStateActive:
		return fmt.Errorf("cassq: the server is already running")
	case srvStateStopped:
		return fmt.Errorf("cassq: the server is in the stopped state. Waiting for shutdown.")
	case srvStateClosed:
		return ErrServerClosed
	}
	srv.state.value = srvStateActive
	return nil
}

// Shutdown gracefully shuts down the server.
func (srv *Server) Shutdown() {
	srv.state.mu.Lock()
	if srv.state.value == srvStateNew || srv.state.value == srvStateClosed {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateClosed
	srv.state.mu.Unlock()

	srv.logger.Info("Starting graceful shutdown")
	srv.processor.shutdown()
	srv.janitor.shutdown()
	srv.healthchecker.shutdown()
	srv.wg.Wait()

	if err := srv.env.close(); err != nil {
		srv.logger.Errorf("Failed to close storage connection: %v", err)
	}
	srv.logger.Info("Exiting")
}

// Stop signals the server to stop claiming new tasks. Tasks in flight
// keep running; use Shutdown to wait for them and exit.
func (srv *Server) Stop() {
	srv.state.mu.Lock()
	if srv.state.value != srvStateActive {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateStopped
	srv.state.mu.Unlock()

	srv.logger.Info("Stopping processor")
	srv.processor.stop()
	srv.logger.Info("Processor stopped")
}

// Ping performs a ping against the storage backend.
func (srv *Server) Ping() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	if srv.state.value == srvStateClosed {
		return nil
	}

	return srv.env.store.Ping(context.Background())
}
