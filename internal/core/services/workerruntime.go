package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/manthysbr/auleRender/internal/core/domain"
	"github.com/manthysbr/auleRender/internal/core/ports"
	"golang.org/x/sync/semaphore"
)

// timeoutRecoveryHints is what the UI offers as one-click remediation
// when a job blows its time budget.
var timeoutRecoveryHints = []string{
	"reduce batch size",
	"reduce image width",
	"reduce image height",
	"try a different model",
}

// RuntimeConfig sizes the worker pool and its cadences.
type RuntimeConfig struct {
	WorkerID           string
	MaxConcurrentJobs  int64
	CancelPollInterval time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatTTL       time.Duration
	DefaultMaxDuration time.Duration
	// Retry overrides the engine retry policy; zero-valued means the
	// default (base 5s, multiplier 2, 3 attempts).
	Retry RetryPolicy
}

// WorkerRuntime consumes task handles, executes the render
// pipeline end-to-end for each, publishes progress, and commits terminal
// state. One job is processed by a single worker slot start to finish;
// duplicate deliveries of a handle are harmless because the claim is a
// compare-and-set on the job row.
type WorkerRuntime struct {
	logger    *slog.Logger
	repo      ports.Repository
	queue     ports.TaskQueue
	bus       ports.ProgressBus
	artifacts ports.ArtifactStore
	retry     RetryPolicy
	cfg       RuntimeConfig

	mu     sync.RWMutex
	render ports.RenderClient
}

func NewWorkerRuntime(logger *slog.Logger, repo ports.Repository, queue ports.TaskQueue, bus ports.ProgressBus, render ports.RenderClient, artifacts ports.ArtifactStore, cfg RuntimeConfig) *WorkerRuntime {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 4
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 15 * time.Second
	}
	if cfg.DefaultMaxDuration <= 0 {
		cfg.DefaultMaxDuration = 10 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &WorkerRuntime{
		logger:    logger,
		repo:      repo,
		queue:     queue,
		bus:       bus,
		artifacts: artifacts,
		render:    render,
		retry:     cfg.Retry,
		cfg:       cfg,
	}
}

// UpdateRenderClient swaps the engine adapter at runtime (engine moved,
// base URL changed) without restarting the pool. In-flight jobs keep the
// client they started with.
func (w *WorkerRuntime) UpdateRenderClient(render ports.RenderClient) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.render = render
}

func (w *WorkerRuntime) renderClient() ports.RenderClient {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.render
}

// Run consumes the task queue until ctx is cancelled. A weighted
// semaphore bounds concurrency; each acquired slot processes exactly one
// job to completion.
func (w *WorkerRuntime) Run(ctx context.Context) error {
	w.logger.Info("starting worker runtime", "worker_id", w.cfg.WorkerID, "max_concurrent", w.cfg.MaxConcurrentJobs)

	go w.heartbeatLoop(ctx)

	sem := semaphore.NewWeighted(w.cfg.MaxConcurrentJobs)
	var wg sync.WaitGroup
	for {
		_, jobID, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				w.logger.Info("stopping worker runtime")
				return nil
			}
			w.logger.Error("dequeue failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil
		}

		wg.Add(1)
		go func(jobID domain.JobID) {
			defer wg.Done()
			defer sem.Release(1)
			w.Process(ctx, jobID)
		}(jobID)
	}
}

func (w *WorkerRuntime) heartbeatLoop(ctx context.Context) {
	beat := func() {
		if err := w.queue.Heartbeat(ctx, w.cfg.WorkerID, w.cfg.HeartbeatTTL); err != nil {
			w.logger.Warn("worker heartbeat failed", "error", err)
		}
	}
	beat()

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// Process runs the render pipeline for one job. Every exit
// path either leaves the row untouched (claim lost) or commits a
// terminal status first; an error is never allowed to escape to the
// queue with the row still running.
func (w *WorkerRuntime) Process(ctx context.Context, jobID domain.JobID) {
	logger := w.logger.With("job_id", jobID)

	job, err := w.repo.GetJob(ctx, jobID)
	if err != nil {
		logger.Error("failed to load job for handle", "error", err)
		return
	}

	// Step 1: claim. Losing the race (already running, cancelled before
	// claim, duplicate delivery) means exit with no further work.
	if err := w.repo.TransitionToRunning(ctx, jobID); err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) {
			logger.Info("claim rejected, job no longer pending")
			return
		}
		logger.Error("claim failed", "error", err)
		return
	}

	w.publish(ctx, domain.ProgressEvent{JobID: jobID, Kind: domain.EventStarted, Timestamp: time.Now().UTC()})

	// Step 3: deterministic workflow build. A build failure is permanent.
	workflow, err := BuildWorkflow(job)
	if err != nil {
		w.failJob(ctx, job, fmt.Sprintf("invalid job parameters: %v", err), nil)
		return
	}

	render := w.renderClient()

	// Step 4: submit with bounded retries on transport errors only.
	var promptID string
	err = w.retry.Do(ctx, isEngineUnavailable, func() error {
		var submitErr error
		promptID, submitErr = render.Submit(ctx, workflow)
		return submitErr
	})
	if err != nil {
		w.failJob(ctx, job, truncateError(err), nil)
		return
	}
	if err := w.repo.SetEnginePromptID(ctx, jobID, promptID); err != nil {
		logger.Warn("failed to record engine prompt id", "error", err)
	}

	w.publish(ctx, domain.ProgressEvent{JobID: jobID, Kind: domain.EventProcessing, Timestamp: time.Now().UTC()})

	// Step 6: await with a cancel token driven by job-row re-reads and a
	// deadline anchored at creation time.
	maxDuration := job.MaxDuration
	if maxDuration <= 0 {
		maxDuration = w.cfg.DefaultMaxDuration
	}
	deadline := job.CreatedAt.Add(maxDuration)

	watchCtx, stopWatch := context.WithCancel(ctx)
	cancelCh := w.watchForCancel(watchCtx, jobID)
	outcome, err := render.AwaitCompletion(ctx, promptID, cancelCh, deadline)
	stopWatch()
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrCancelled):
			// The row already says cancelled; CancelJob is a no-op then,
			// but covers the engine aborting on its own.
			if _, cancelErr := w.repo.CancelJob(ctx, jobID, ""); cancelErr != nil {
				logger.Error("failed to confirm cancellation", "error", cancelErr)
			}
			logger.Info("job cancelled during render")
		case errors.Is(err, domain.ErrTimeout):
			w.failJob(ctx, job, domain.ErrTimeout.Error(), timeoutRecoveryHints)
		default:
			w.failJob(ctx, job, truncateError(err), nil)
		}
		return
	}

	if len(outcome.Outputs) == 0 {
		w.failJob(ctx, job, "engine reported completion with no outputs", nil)
		return
	}

	// Steps 7-8: fetch each output, write it plus a thumbnail.
	outputPaths := make([]string, 0, len(outcome.Outputs))
	thumbnailPaths := make([]string, 0, len(outcome.Outputs))
	for i, ref := range outcome.Outputs {
		var data []byte
		err := w.retry.Do(ctx, isEngineUnavailable, func() error {
			var fetchErr error
			data, fetchErr = render.FetchArtifact(ctx, ref)
			return fetchErr
		})
		if err != nil {
			w.failJob(ctx, job, truncateError(err), nil)
			return
		}

		ext := outputExt(ref.Filename)
		outPath, err := w.artifacts.WriteOutput(job.UserID, jobID, i, ext, data)
		if err != nil {
			w.failJob(ctx, job, fmt.Sprintf("failed to persist output: %v", err), nil)
			return
		}
		outputPaths = append(outputPaths, outPath)

		thumbData, thumbExt, err := Thumbnail(data, w.thumbDim())
		if err != nil {
			w.failJob(ctx, job, fmt.Sprintf("failed to build thumbnail: %v", err), nil)
			return
		}
		thumbPath, err := w.artifacts.WriteThumbnail(job.UserID, jobID, i, thumbExt, thumbData)
		if err != nil {
			w.failJob(ctx, job, fmt.Sprintf("failed to persist thumbnail: %v", err), nil)
			return
		}
		thumbnailPaths = append(thumbnailPaths, thumbPath)
	}

	// Step 9: artifact row + terminal completed status, one transaction.
	artifact := domain.Artifact{
		UserID:        job.UserID,
		Title:         artifactTitle(job.Prompt),
		Path:          outputPaths[0],
		ThumbnailPath: thumbnailPaths[0],
		ContentType:   contentTypeForExt(outputExt(outcome.Outputs[0].Filename)),
		ItemMetadata: map[string]string{
			"prompt":     job.Prompt,
			"checkpoint": job.Checkpoint,
			"job_id":     string(jobID),
		},
	}
	contentID, err := w.repo.MaterializeJobResult(ctx, jobID, artifact, outputPaths, thumbnailPaths)
	if err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) {
			// Cancelled between fetch and commit; the row is already
			// terminal and the files on disk are orphaned but harmless.
			logger.Info("job no longer running at materialize, skipping commit")
			return
		}
		w.failJob(ctx, job, fmt.Sprintf("failed to persist results: %v", err), nil)
		return
	}

	// Step 10: best-effort notification.
	w.notify(ctx, job, domain.Notification{
		UserID:            job.UserID,
		Title:             "Image generation complete",
		Message:           fmt.Sprintf("Your image %q is ready.", artifactTitle(job.Prompt)),
		Type:              domain.NotificationJobCompleted,
		RelatedJobID:      &jobID,
		RelatedArtifactID: &contentID,
	})

	cid := string(contentID)
	w.publish(ctx, domain.ProgressEvent{
		JobID:       jobID,
		Kind:        domain.EventCompleted,
		Timestamp:   time.Now().UTC(),
		ContentID:   &cid,
		OutputPaths: outputPaths,
	})
	logger.Info("job completed", "content_id", contentID, "outputs", len(outputPaths))
}

// watchForCancel re-reads the job row on the configured cadence and
// closes the returned channel when the status flips to cancelled. This
// is the cancel token's only signal source.
func (w *WorkerRuntime) watchForCancel(ctx context.Context, jobID domain.JobID) <-chan struct{} {
	cancelCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job, err := w.repo.GetJob(ctx, jobID)
				if err != nil {
					if ctx.Err() == nil {
						w.logger.Warn("cancel watch read failed", "job_id", jobID, "error", err)
					}
					continue
				}
				if job.Status == domain.JobStatusCancelled {
					close(cancelCh)
					return
				}
			}
		}
	}()
	return cancelCh
}

// failJob commits the failed status, notifies, and publishes the failed
// event. A lost transition race (the job was cancelled under us) is
// swallowed: the row is already terminal.
func (w *WorkerRuntime) failJob(ctx context.Context, job domain.Job, errMsg string, hints []string) {
	if err := w.repo.FailJob(ctx, job.ID, errMsg, hints); err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) {
			w.logger.Info("job already terminal, skipping fail", "job_id", job.ID)
			return
		}
		w.logger.Error("failed to commit job failure", "job_id", job.ID, "error", err)
		return
	}

	jobID := job.ID
	w.notify(ctx, job, domain.Notification{
		UserID:       job.UserID,
		Title:        "Image generation failed",
		Message:      errMsg,
		Type:         domain.NotificationJobFailed,
		RelatedJobID: &jobID,
	})

	w.publish(ctx, domain.ProgressEvent{
		JobID:     job.ID,
		Kind:      domain.EventFailed,
		Timestamp: time.Now().UTC(),
		Error:     errMsg,
	})
	w.logger.Info("job failed", "job_id", job.ID, "error", errMsg)
}

// notify is best-effort: a preference read or insert failure is logged,
// never escalated to the job's terminal status.
func (w *WorkerRuntime) notify(ctx context.Context, job domain.Job, n domain.Notification) {
	prefs, err := w.repo.NotificationPreferences(ctx, job.UserID)
	if err != nil {
		w.logger.Warn("failed to read notification preferences", "user_id", job.UserID, "error", err)
		return
	}
	if err := w.repo.CreateNotification(ctx, n, prefs); err != nil {
		w.logger.Warn("failed to create notification", "user_id", job.UserID, "error", err)
	}
}

// publish is fire-and-forget toward the progress bus.
func (w *WorkerRuntime) publish(ctx context.Context, event domain.ProgressEvent) {
	if err := w.bus.Publish(ctx, event); err != nil {
		w.logger.Warn("progress publish failed", "job_id", event.JobID, "kind", event.Kind, "error", err)
	}
}

func (w *WorkerRuntime) thumbDim() int {
	type dimmer interface{ ThumbDim() int }
	if d, ok := w.artifacts.(dimmer); ok {
		return d.ThumbDim()
	}
	return 256
}

func isEngineUnavailable(err error) bool {
	return errors.Is(err, domain.ErrEngineUnavailable)
}

func outputExt(filename string) string {
	ext := strings.TrimPrefix(path.Ext(filename), ".")
	if ext == "" {
		return "png"
	}
	return strings.ToLower(ext)
}

func contentTypeForExt(ext string) string {
	switch ext {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

// artifactTitle derives a short title from the prompt.
func artifactTitle(prompt string) string {
	title := strings.TrimSpace(prompt)
	if len(title) > 80 {
		title = strings.TrimSpace(title[:80])
	}
	return title
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorMessageLen {
		return msg[:maxErrorMessageLen]
	}
	return msg
}

const maxErrorMessageLen = 500
