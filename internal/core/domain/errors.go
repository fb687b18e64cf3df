package domain

import "errors"

// Sentinel errors surfaced by the job pipeline. Adapters and services wrap
// these with fmt.Errorf("...: %w", ...) to keep context while letting
// callers errors.Is against the stable kind.
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrValidation: invalid user input. Surfaced as HTTP 422; never
	// reaches the worker runtime.
	ErrValidation = errors.New("validation error")

	// ErrWorkerUnavailable: no workers reachable at job-creation time.
	// The job row must not be created.
	ErrWorkerUnavailable = errors.New("no render workers reachable")

	// ErrAuthorization: caller does not own the job and is not admin.
	ErrAuthorization = errors.New("caller does not own this resource")

	// ErrIllegalTransition: a compare-and-set status transition lost
	// the race. Always handled internally by the loser exiting cleanly;
	// never propagated to the task queue.
	ErrIllegalTransition = errors.New("illegal job status transition")

	// ErrEngineUnavailable: transport-level failure talking to the render
	// backend. Retried per the policy in internal/core/services/retry.go.
	ErrEngineUnavailable = errors.New("render engine unavailable")

	// ErrEngineRejected: the render backend answered but refused the
	// submitted workflow.
	ErrEngineRejected = errors.New("render engine rejected workflow")

	// ErrArtifactMissing: the engine reports completion but an output
	// reference cannot be fetched (404 on view).
	ErrArtifactMissing = errors.New("render output missing")

	// ErrTimeout: the job's max_duration elapsed before completion.
	ErrTimeout = errors.New("generation exceeded time budget")

	// ErrCancelled: cooperative cancellation observed mid-await.
	ErrCancelled = errors.New("job cancelled")
)
