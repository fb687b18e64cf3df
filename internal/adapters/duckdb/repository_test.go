package duckdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/manthysbr/auleRender/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func pendingJob(t *testing.T, repo *Repository, userID string) domain.JobID {
	t.Helper()
	id, err := repo.CreateJob(context.Background(), domain.Job{
		UserID:     userID,
		Prompt:     "a cat",
		Checkpoint: "v1-5-pruned-emaonly.safetensors",
		Width:      512,
		Height:     768,
		BatchSize:  1,
		Sampler: domain.SamplerConfig{
			Seed: -1, Steps: 20, CFG: 7,
			Sampler: "euler_ancestral", Scheduler: "normal", Denoise: 1.0,
		},
		MaxDuration: 5 * time.Minute,
	})
	require.NoError(t, err)
	return id
}

func TestRepository_CreateAndGetJob(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	id := pendingJob(t, repo, "user-1")

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, "a cat", job.Prompt)
	assert.Equal(t, int64(-1), job.Sampler.Seed)
	assert.Equal(t, 5*time.Minute, job.MaxDuration)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.Nil(t, job.ContentID)
}

func TestRepository_GetJob_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRepository_SetTaskHandle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := pendingJob(t, repo, "user-1")

	require.NoError(t, repo.SetTaskHandle(ctx, id, "handle-1"))
	// Same handle again is idempotent
	require.NoError(t, repo.SetTaskHandle(ctx, id, "handle-1"))
	// A different handle is rejected: the handle is immutable once set
	err := repo.SetTaskHandle(ctx, id, "handle-2")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "handle-1", job.TaskHandle)
}

func TestRepository_TransitionToRunning_AtMostOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := pendingJob(t, repo, "user-1")

	require.NoError(t, repo.TransitionToRunning(ctx, id))

	// A second claim (duplicate queue delivery) loses the race
	err := repo.TransitionToRunning(ctx, id)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	require.NotNil(t, job.StartedAt)
}

func TestRepository_MaterializeJobResult(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := pendingJob(t, repo, "user-1")
	require.NoError(t, repo.TransitionToRunning(ctx, id))

	contentID, err := repo.MaterializeJobResult(ctx, id, domain.Artifact{
		UserID:        "user-1",
		Title:         "a cat",
		Path:          "/artifacts/user-1/2026/08/01/job_0.png",
		ThumbnailPath: "/artifacts/user-1/2026/08/01/thumb_job_0.png",
		ContentType:   "image/png",
		ItemMetadata:  map[string]string{"prompt": "a cat"},
	}, []string{"/artifacts/user-1/2026/08/01/job_0.png"}, []string{"/artifacts/user-1/2026/08/01/thumb_job_0.png"})
	require.NoError(t, err)
	require.NotEmpty(t, contentID)

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	require.NotNil(t, job.ContentID)
	assert.Equal(t, string(contentID), *job.ContentID)
	assert.NotNil(t, job.CompletedAt)
	assert.Len(t, job.OutputPaths, 1)

	// Terminal consistency: the content id references a real artifact row
	art, err := repo.GetArtifact(ctx, contentID)
	require.NoError(t, err)
	assert.Equal(t, "a cat", art.Title)
	assert.Equal(t, "a cat", art.ItemMetadata["prompt"])
}

func TestRepository_MaterializeRejectedWhenNotRunning(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := pendingJob(t, repo, "user-1")

	_, err := repo.MaterializeJobResult(ctx, id, domain.Artifact{UserID: "user-1", Path: "/x.png"}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)

	// The artifact insert rolled back with the rejected transition
	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Nil(t, job.ContentID)
}

func TestRepository_FailJob(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := pendingJob(t, repo, "user-1")
	require.NoError(t, repo.TransitionToRunning(ctx, id))

	hints := []string{"reduce batch size", "reduce image width"}
	require.NoError(t, repo.FailJob(ctx, id, "generation exceeded time budget", hints))

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "generation exceeded time budget", *job.ErrorMessage)
	assert.Equal(t, hints, job.RecoveryHints)
	assert.NotNil(t, job.CompletedAt)

	// Failing again is an illegal transition
	err = repo.FailJob(ctx, id, "again", nil)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestRepository_CancelJob_Pending(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := pendingJob(t, repo, "user-1")

	previous, err := repo.CancelJob(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, previous)

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.Nil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.ErrorMessage)
}

func TestRepository_CancelJob_Running(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := pendingJob(t, repo, "user-1")
	require.NoError(t, repo.TransitionToRunning(ctx, id))

	previous, err := repo.CancelJob(ctx, id, "user requested")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, previous)

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.NotNil(t, job.StartedAt)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "user requested", *job.ErrorMessage)
}

func TestRepository_CancelJob_TerminalIsNoop(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := pendingJob(t, repo, "user-1")
	require.NoError(t, repo.TransitionToRunning(ctx, id))
	require.NoError(t, repo.FailJob(ctx, id, "boom", nil))

	previous, err := repo.CancelJob(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, previous)

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
}

func TestRepository_ListJobs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for range 3 {
		pendingJob(t, repo, "user-1")
	}
	otherID := pendingJob(t, repo, "user-2")
	require.NoError(t, repo.TransitionToRunning(ctx, otherID))

	user1 := "user-1"
	page, err := repo.ListJobs(ctx, domain.JobFilter{UserID: &user1}, domain.Pagination{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.Limit)

	running := domain.JobStatusRunning
	page, err = repo.ListJobs(ctx, domain.JobFilter{Status: &running}, domain.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, otherID, page.Items[0].ID)
}

func TestRepository_DeleteJob(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := pendingJob(t, repo, "user-1")

	require.NoError(t, repo.DeleteJob(ctx, id))
	_, err := repo.GetJob(ctx, id)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	err = repo.DeleteJob(ctx, id)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRepository_NotificationOptIn(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	jobID := domain.JobID("job-1")
	n := domain.Notification{
		UserID:       "user-1",
		Title:        "Image generation complete",
		Message:      "done",
		Type:         domain.NotificationJobCompleted,
		RelatedJobID: &jobID,
	}

	// Default preferences are disabled: no row is written
	prefs, err := repo.NotificationPreferences(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, prefs.NotificationsEnabled)
	require.NoError(t, repo.CreateNotification(ctx, n, prefs))

	list, err := repo.ListNotifications(ctx, "user-1", false)
	require.NoError(t, err)
	assert.Empty(t, list)

	// Opted in: the row is written
	require.NoError(t, repo.SetNotificationPreferences(ctx, "user-1", domain.NotificationPreferences{NotificationsEnabled: true}))
	prefs, err = repo.NotificationPreferences(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, prefs.NotificationsEnabled)
	require.NoError(t, repo.CreateNotification(ctx, n, prefs))

	list, err = repo.ListNotifications(ctx, "user-1", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.NotificationJobCompleted, list[0].Type)
	require.NotNil(t, list[0].RelatedJobID)
	assert.Equal(t, jobID, *list[0].RelatedJobID)
	assert.False(t, list[0].Read)
}

func TestRepository_MarkNotificationRead_Idempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	n := domain.Notification{ID: "n-1", UserID: "user-1", Type: domain.NotificationJobFailed}
	require.NoError(t, repo.CreateNotification(ctx, n, domain.NotificationPreferences{NotificationsEnabled: true}))

	require.NoError(t, repo.MarkNotificationRead(ctx, "n-1", "user-1"))
	list, err := repo.ListNotifications(ctx, "user-1", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].Read)
	require.NotNil(t, list[0].ReadAt)
	firstReadAt := *list[0].ReadAt

	// Re-marking never moves read_at
	require.NoError(t, repo.MarkNotificationRead(ctx, "n-1", "user-1"))
	list, err = repo.ListNotifications(ctx, "user-1", false)
	require.NoError(t, err)
	assert.Equal(t, firstReadAt, *list[0].ReadAt)

	// Another user can't flip someone else's notification
	n2 := domain.Notification{ID: "n-2", UserID: "user-1", Type: domain.NotificationJobFailed}
	require.NoError(t, repo.CreateNotification(ctx, n2, domain.NotificationPreferences{NotificationsEnabled: true}))
	require.NoError(t, repo.MarkNotificationRead(ctx, "n-2", "user-2"))
	unread, err := repo.ListNotifications(ctx, "user-1", true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, domain.NotificationID("n-2"), unread[0].ID)
}
