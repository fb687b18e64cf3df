package ports

import (
	"context"
	"time"

	"github.com/manthysbr/auleRender/internal/core/domain"
)

// Repository is the Job Store: transactional persistence of Job,
// Artifact, and Notification rows. All status transitions are
// compare-and-set on the current status so concurrent callers race safely.
type Repository interface {
	CreateJob(ctx context.Context, job domain.Job) (domain.JobID, error)
	SetTaskHandle(ctx context.Context, id domain.JobID, handle string) error
	SetEnginePromptID(ctx context.Context, id domain.JobID, promptID string) error
	TransitionToRunning(ctx context.Context, id domain.JobID) error
	CompleteJob(ctx context.Context, id domain.JobID, contentID domain.ArtifactID, outputPaths, thumbnailPaths []string) error
	// MaterializeJobResult inserts the artifact row and completes the job
	// in one transaction. Rejects with ErrIllegalTransition
	// unless the job is still running.
	MaterializeJobResult(ctx context.Context, id domain.JobID, artifact domain.Artifact, outputPaths, thumbnailPaths []string) (domain.ArtifactID, error)
	FailJob(ctx context.Context, id domain.JobID, errMsg string, hints []string) error
	// CancelJob returns the job's status immediately before cancellation,
	// so the caller can decide whether to revoke an enqueued task handle.
	CancelJob(ctx context.Context, id domain.JobID, reason string) (domain.JobStatus, error)
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter, page domain.Pagination) (domain.JobPage, error)
	DeleteJob(ctx context.Context, id domain.JobID) error

	CreateArtifact(ctx context.Context, artifact domain.Artifact) (domain.ArtifactID, error)
	GetArtifact(ctx context.Context, id domain.ArtifactID) (domain.Artifact, error)

	CreateNotification(ctx context.Context, n domain.Notification, prefs domain.NotificationPreferences) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id domain.NotificationID, userID string) error
	SetNotificationPreferences(ctx context.Context, userID string, prefs domain.NotificationPreferences) error

	// NotificationPreferences resolves the recipient's opt-in flag.
	// Implementations default to disabled when the user has no stored
	// preference row.
	NotificationPreferences(ctx context.Context, userID string) (domain.NotificationPreferences, error)
}

// RenderClient is a stateless adapter to the external inference engine.
// No state beyond base URL, HTTP client, polling cadence.
type RenderClient interface {
	// Submit posts a deterministically-built workflow document and
	// returns the engine's opaque prompt id.
	Submit(ctx context.Context, workflow []byte) (promptID string, err error)

	// AwaitCompletion polls the engine's history/status endpoint at the
	// configured cadence until the prompt finishes, the cancel channel
	// fires, or the deadline elapses.
	AwaitCompletion(ctx context.Context, promptID string, cancel <-chan struct{}, deadline time.Time) (EngineOutcome, error)

	// FetchArtifact downloads one output's raw bytes.
	FetchArtifact(ctx context.Context, ref OutputRef) ([]byte, error)
}

// OutputRef identifies a single output the engine produced.
type OutputRef struct {
	Filename  string
	Subfolder string
	Type      string
}

// EngineOutcome is the result of a finished prompt: the set of outputs
// the engine reports in its history for that prompt id.
type EngineOutcome struct {
	Outputs []OutputRef
}

// TaskQueue is the broker-facing surface: the orchestrator enqueues,
// revokes, and inspects worker health; the worker runtime dequeues.
// Queue messages carry only {job_id}; everything else is re-read from
// the Repository to avoid staleness.
type TaskQueue interface {
	// Enqueue submits a task handle referencing jobID and returns the
	// broker-assigned handle.
	Enqueue(ctx context.Context, jobID domain.JobID) (handle string, err error)

	// Revoke cancels a not-yet-claimed task handle. A handle that has
	// already been dequeued is a no-op.
	Revoke(ctx context.Context, handle string) error

	// Dequeue blocks until a task handle is available or ctx is
	// cancelled.
	Dequeue(ctx context.Context) (handle string, jobID domain.JobID, err error)

	// WorkerHealthy reports whether at least one worker is reachable,
	// bounded by the context deadline (the create-time health gate).
	WorkerHealthy(ctx context.Context) (bool, error)

	// Heartbeat is called periodically by a live worker so
	// WorkerHealthy has something to observe.
	Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error
}

// ProgressBus is typed pub/sub of ProgressEvents keyed by job id.
// Publish never blocks; delivery is best-effort.
type ProgressBus interface {
	Publish(ctx context.Context, event domain.ProgressEvent) error

	// Subscribe starts a new subscription for jobID. The returned
	// channel yields events in publication order; calling stop ends the
	// subscription and releases broker resources.
	Subscribe(ctx context.Context, jobID domain.JobID) (events <-chan domain.ProgressEvent, stop func(), err error)
}

// ArtifactStore is the local filesystem writer the worker runtime uses
// to materialize full images and thumbnails.
type ArtifactStore interface {
	WriteOutput(userID string, jobID domain.JobID, index int, ext string, data []byte) (path string, err error)
	WriteThumbnail(userID string, jobID domain.JobID, index int, ext string, data []byte) (path string, err error)
}
