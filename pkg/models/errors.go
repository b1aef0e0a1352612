package models

import "errors"

// Sentinel errors shared across components. Admission denial and cache
// misses are typed results, not errors; these cover the genuinely
// exceptional paths.
var (
	// ErrCyclicDependency rejects a task graph whose edges form a cycle.
	// Raised at submission, before any task is created.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrUnknownDependency rejects a task that depends on an ID absent
	// from its graph.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDeadlineExceeded marks a task whose deadline passed while it was
	// waiting for admission or a dependency. Terminal.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrExecutorFailure wraps a transient executor error. Retried up to
	// the configured ceiling before the task fails terminally.
	ErrExecutorFailure = errors.New("executor failure")

	// ErrUnknownProject is returned for project IDs never scheduled on
	// this instance.
	ErrUnknownProject = errors.New("unknown project")

	// ErrCacheUnavailable marks a cache tier that could not be reached.
	// Always degraded to a miss, never surfaced as a task failure.
	ErrCacheUnavailable = errors.New("cache unavailable")
)
