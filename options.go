// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package asyncrt

// FastPathMode controls how the loop's fast-path direct-execution
// optimization is selected.
type FastPathMode int

const (
	// FastPathAuto enables the fast path (the recommended default).
	FastPathAuto FastPathMode = iota
	// FastPathAlways forces the fast path on.
	FastPathAlways
	// FastPathNever disables the fast path, routing every submission
	// through the queue.
	FastPathNever
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	strictMicrotaskOrdering bool
	fastPathMode            FastPathMode
	metricsEnabled          bool
	debugMode               bool
	logger                  *RuntimeLogger

	maxHTTPConcurrency      int
	dbPoolSize              int
	fileChunkBytes          int
	nextTickCap             int
	idleSleepMs             int
	forceShutdownTimeoutSec int
	idleStop                bool
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithStrictMicrotaskOrdering sets whether microtasks should be drained
// after each task execution for strict ordering.
// When enabled, microtasks are guaranteed to run after every task.
// When disabled (default), microtasks are drained in batches for better performance.
func WithStrictMicrotaskOrdering(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.strictMicrotaskOrdering = enabled
		return nil
	}}
}

// WithFastPathMode sets the fast path mode for Loop.
// See FastPathMode documentation for available modes.
func WithFastPathMode(mode FastPathMode) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.fastPathMode = mode
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Loop.
// When enabled, metrics can be accessed via Loop.Metrics().
// This adds minimal overhead (e.g., record latency after each task, update queue depths).
// For zero-allocation hot paths, disable metrics in production.
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithDebugMode enables creation-stack capture for promises, used to
// annotate unhandled-rejection diagnostics ([UnhandledRejectionDebugInfo]).
// Adds overhead per promise allocation; intended for development only.
func WithDebugMode(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.debugMode = enabled
		return nil
	}}
}

// WithLogger attaches a [RuntimeLogger] that the loop and its managers use
// for structured diagnostics. Without this option, logging is a no-op.
func WithLogger(logger *RuntimeLogger) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMaxHTTPConcurrency sets the max_http_concurrency configuration value
// (default 64). The value is validated and stored with the loop's
// configuration; nothing in this module reads it, so it does not limit the
// HTTP engine.
func WithMaxHTTPConcurrency(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return &InvalidConfigurationError{Field: "max_http_concurrency", Reason: "must be positive"}
		}
		opts.maxHTTPConcurrency = n
		return nil
	}}
}

// WithDBPoolSize sets the db_pool_size configuration value (default 16).
// The value is validated and stored with the loop's configuration; nothing
// in this module reads it, so it does not size the database queue or pool.
func WithDBPoolSize(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return &InvalidConfigurationError{Field: "db_pool_size", Reason: "must be positive"}
		}
		opts.dbPoolSize = n
		return nil
	}}
}

// WithFileChunkBytes sets the file_chunk_bytes configuration value (default
// 64 KiB). The value is validated and stored with the loop's configuration;
// nothing in this module reads it, so it does not change the file operation
// queue's chunk size.
func WithFileChunkBytes(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return &InvalidConfigurationError{Field: "file_chunk_bytes", Reason: "must be positive"}
		}
		opts.fileChunkBytes = n
		return nil
	}}
}

// WithNextTickCap bounds how many callbacks the next-tick and deferred
// queues (see [Loop.NextTick], [Loop.Defer]) each drain per pass before
// yielding; a queue that hits the cap spills its remaining callbacks into
// the following tick instead of live-locking the loop.
func WithNextTickCap(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return &InvalidConfigurationError{Field: "next_tick_cap", Reason: "must be positive"}
		}
		opts.nextTickCap = n
		return nil
	}}
}

// WithIdleSleepMs sets the idle_sleep_ms configuration value (default 1).
// The value is validated and stored with the loop's configuration; nothing
// in this module reads it, so it does not change the poll timeout.
func WithIdleSleepMs(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n < 0 {
			return &InvalidConfigurationError{Field: "idle_sleep_ms", Reason: "must not be negative"}
		}
		opts.idleSleepMs = n
		return nil
	}}
}

// WithForceShutdownTimeout sets the force_shutdown_timeout_sec configuration
// value (default 30). The value is validated and stored with the loop's
// configuration; nothing in this module reads it, so it does not bound
// Shutdown.
func WithForceShutdownTimeout(seconds int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if seconds <= 0 {
			return &InvalidConfigurationError{Field: "force_shutdown_timeout_sec", Reason: "must be positive"}
		}
		opts.forceShutdownTimeoutSec = seconds
		return nil
	}}
}

// WithIdleStop controls whether [Loop.Run] returns on its own once the loop
// is quiescent: no NEW or SUSPENDED tasks, no pending timers, every
// registered [Manager] idle, no pending Promisify work, no registered
// stream/socket watchers, and both tick queues empty. Disabled by default,
// since most callers start Run in its own goroutine and Submit work
// afterward — if idle-stop defaulted on, the loop could stop itself before
// that first Submit ever lands. Callers that submit all of a batch's work
// before calling Run can enable it to get a Run that returns as soon as
// that batch drains, instead of running until ctx is cancelled or Shutdown
// is called.
func WithIdleStop(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.idleStop = enabled
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		fastPathMode:            FastPathAuto,
		maxHTTPConcurrency:      64,
		dbPoolSize:              16,
		fileChunkBytes:          64 * 1024,
		nextTickCap:             10_000,
		idleSleepMs:             1,
		forceShutdownTimeoutSec: 30,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
