package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/manthysbr/auleRender/internal/adapters/duckdb"
	"github.com/manthysbr/auleRender/internal/core/domain"
	"github.com/manthysbr/auleRender/internal/core/services"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server *Server
	http   *httptest.Server
	repo   *duckdb.Repository
	queue  *services.RedisTaskQueue
	bus    *services.ProgressBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := duckdb.NewRepository(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	queue := services.NewRedisTaskQueue(slog.Default(), rdb, "test")
	bus := services.NewProgressBus(slog.Default(), rdb, "test")

	server, err := NewServer(slog.Default(), repo, queue, bus, 5*time.Minute)
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: server, http: ts, repo: repo, queue: queue, bus: bus}
}

// heartbeat makes the worker-health gate pass.
func (e *testEnv) heartbeat(t *testing.T) {
	t.Helper()
	require.NoError(t, e.queue.Heartbeat(context.Background(), "worker-test", time.Minute))
}

func (e *testEnv) request(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func validCreateBody() map[string]any {
	return map[string]any{
		"prompt":     "a cat",
		"checkpoint": "v1-5-pruned-emaonly.safetensors",
		"width":      512,
		"height":     768,
		"batch_size": 1,
		"sampler": map[string]any{
			"seed": -1, "steps": 20, "cfg": 7,
			"sampler": "euler_ancestral", "scheduler": "normal", "denoise": 1.0,
		},
	}
}

func TestCreateJob_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.heartbeat(t)

	resp := env.request(t, http.MethodPost, "/jobs", "user-1", validCreateBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job domain.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, "user-1", job.UserID)
	assert.Equal(t, "a cat", job.Prompt)
	assert.NotEmpty(t, job.TaskHandle)

	// The handle in the row matches the one on the queue
	handle, jobID, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.TaskHandle, handle)
	assert.Equal(t, job.ID, jobID)
}

func TestCreateJob_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	env.heartbeat(t)

	body := validCreateBody()
	body["prompt"] = "   "
	body["width"] = 100
	body["batch_size"] = 12

	resp := env.request(t, http.MethodPost, "/jobs", "user-1", body)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var envelope struct {
		Detail []struct {
			Loc []string `json:"loc"`
			Msg string   `json:"msg"`
		} `json:"detail"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NotEmpty(t, envelope.Detail)

	fields := make([]string, 0, len(envelope.Detail))
	for _, d := range envelope.Detail {
		require.Len(t, d.Loc, 2)
		assert.Equal(t, "body", d.Loc[0])
		fields = append(fields, d.Loc[1])
	}
	assert.Contains(t, fields, "prompt")
	assert.Contains(t, fields, "width")
	assert.Contains(t, fields, "batch_size")

	// No side effects on validation failure: no row, no task
	page, err := env.repo.ListJobs(context.Background(), domain.JobFilter{}, domain.Pagination{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestCreateJob_WorkerUnavailable(t *testing.T) {
	env := newTestEnv(t)
	// no heartbeat: the health gate sees no workers

	resp := env.request(t, http.MethodPost, "/jobs", "user-1", validCreateBody())
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var envelope struct {
		Error struct {
			Message     string `json:"message"`
			Service     string `json:"service"`
			Status      string `json:"status"`
			SupportInfo struct {
				Details string `json:"details"`
			} `json:"support_info"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(payload, &envelope))
	assert.Equal(t, "celery_worker", envelope.Error.Service)
	assert.Equal(t, "unavailable", envelope.Error.Status)
	assert.True(t, strings.HasPrefix(envelope.Error.Message, "The image queuing service is not currently running"))

	// No side effects: jobs table unchanged
	page, err := env.repo.ListJobs(context.Background(), domain.JobFilter{}, domain.Pagination{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestCreateJob_RequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodPost, "/jobs", "", validCreateBody())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func createJob(t *testing.T, env *testEnv, userID string) domain.Job {
	t.Helper()
	env.heartbeat(t)
	resp := env.request(t, http.MethodPost, "/jobs", userID, validCreateBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var job domain.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	return job
}

func TestGetJob_Ownership(t *testing.T) {
	env := newTestEnv(t)
	job := createJob(t, env, "user-1")

	resp := env.request(t, http.MethodGet, "/jobs/"+string(job.ID), "user-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/jobs/"+string(job.ID), "user-2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Admins may read any job
	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/jobs/"+string(job.ID), nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "admin-1")
	req.Header.Set("X-User-Role", "admin")
	adminResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer adminResp.Body.Close()
	assert.Equal(t, http.StatusOK, adminResp.StatusCode)

	resp = env.request(t, http.MethodGet, "/jobs/nope", "user-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobs_ScopedToCaller(t *testing.T) {
	env := newTestEnv(t)
	createJob(t, env, "user-1")
	createJob(t, env, "user-1")
	createJob(t, env, "user-2")

	resp := env.request(t, http.MethodGet, "/jobs?limit=10", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page domain.JobPage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Equal(t, 2, page.Total)
	for _, item := range page.Items {
		assert.Equal(t, "user-1", item.UserID)
	}
}

func TestCancelJob_PendingRevokesHandle(t *testing.T) {
	env := newTestEnv(t)
	job := createJob(t, env, "user-1")

	resp := env.request(t, http.MethodPut, fmt.Sprintf("/jobs/%s/cancel", job.ID), "user-1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := env.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, got.Status)
	assert.Nil(t, got.StartedAt)

	// The revoked handle is never delivered: a fresh live task behind
	// it is what the consumer sees next.
	liveID, err := env.repo.CreateJob(context.Background(), domain.Job{
		UserID: "user-1", Prompt: "live", Checkpoint: "c", Width: 512, Height: 512, BatchSize: 1,
	})
	require.NoError(t, err)
	_, err = env.queue.Enqueue(context.Background(), liveID)
	require.NoError(t, err)

	_, dequeuedJob, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, liveID, dequeuedJob)

	// Idempotent: cancelling again is still 204
	resp = env.request(t, http.MethodPut, fmt.Sprintf("/jobs/%s/cancel", job.ID), "user-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCancelJob_OwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	job := createJob(t, env, "user-1")

	resp := env.request(t, http.MethodPut, fmt.Sprintf("/jobs/%s/cancel", job.ID), "user-2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDeleteJob_OnlyTerminal(t *testing.T) {
	env := newTestEnv(t)
	job := createJob(t, env, "user-1")

	// Pending: rejected
	resp := env.request(t, http.MethodDelete, "/jobs/"+string(job.ID), "user-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Cancel first, then delete succeeds
	resp = env.request(t, http.MethodPut, fmt.Sprintf("/jobs/%s/cancel", job.ID), "user-1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.request(t, http.MethodDelete, "/jobs/"+string(job.ID), "user-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/jobs/"+string(job.ID), "user-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
