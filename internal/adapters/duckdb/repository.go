package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/auleRender/internal/core/domain"
	"github.com/manthysbr/auleRender/internal/core/ports"
	_ "github.com/marcboeker/go-duckdb"
)

// Repository is the Job Store. Every status transition is a
// compare-and-set: the UPDATE carries the expected current status in its
// WHERE clause and zero affected rows means the caller lost the race
// (domain.ErrIllegalTransition).
type Repository struct {
	db *sql.DB
}

// NewRepository opens the DuckDB database at path and runs migrations.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate duckdb: %w", err)
	}

	return repo, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// migrate creates necessary tables
func (r *Repository) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			prompt TEXT NOT NULL,
			negative_prompt TEXT NOT NULL DEFAULT '',
			checkpoint TEXT NOT NULL,
			loras JSON,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			batch_size INTEGER NOT NULL,
			sampler JSON,
			params JSON,
			max_duration_ms BIGINT NOT NULL DEFAULT 0,
			task_handle TEXT,
			engine_prompt_id TEXT,
			content_id TEXT,
			output_paths JSON,
			thumbnail_paths JSON,
			error_message TEXT,
			recovery_hints JSON,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			thumbnail_path TEXT NOT NULL DEFAULT '',
			thumbnail_alt_res_map JSON,
			content_type TEXT NOT NULL DEFAULT 'image/png',
			item_metadata JSON,
			quality_score DOUBLE,
			tags JSON,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			read_at TIMESTAMP,
			related_job_id TEXT,
			related_artifact_id TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS notification_preferences (
			user_id TEXT PRIMARY KEY,
			notifications_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs (user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user_read ON notifications (user_id, read);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON notifications (user_id, created_at);`,
	}

	for _, q := range queries {
		if _, err := r.db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

// Ensure Repository implements Repository interface
var _ ports.Repository = (*Repository)(nil)

// --- Job Management ---

func (r *Repository) CreateJob(ctx context.Context, job domain.Job) (domain.JobID, error) {
	if job.ID == "" {
		job.ID = domain.JobID(uuid.NewString())
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	lorasJSON, err := json.Marshal(job.LoRAs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal loras: %w", err)
	}
	samplerJSON, err := json.Marshal(job.Sampler)
	if err != nil {
		return "", fmt.Errorf("failed to marshal sampler: %w", err)
	}
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return "", fmt.Errorf("failed to marshal params: %w", err)
	}

	query := `
	INSERT INTO jobs (id, user_id, status, prompt, negative_prompt, checkpoint, loras,
		width, height, batch_size, sampler, params, max_duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`
	_, err = r.db.ExecContext(ctx, query,
		job.ID,
		job.UserID,
		job.Status,
		job.Prompt,
		job.NegativePrompt,
		job.Checkpoint,
		string(lorasJSON),
		job.Width,
		job.Height,
		job.BatchSize,
		string(samplerJSON),
		string(paramsJSON),
		job.MaxDuration.Milliseconds(),
		job.CreatedAt,
	)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// SetTaskHandle records the queue-assigned handle. Idempotent for the
// same handle; a different non-null handle is rejected.
func (r *Repository) SetTaskHandle(ctx context.Context, id domain.JobID, handle string) error {
	var current sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT task_handle FROM jobs WHERE id = ?`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return err
	}
	if current.Valid && current.String != "" {
		if current.String == handle {
			return nil
		}
		return fmt.Errorf("%w: task handle already set", domain.ErrIllegalTransition)
	}

	// CAS on the still-null handle so a concurrent setter loses cleanly
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET task_handle = ? WHERE id = ? AND (task_handle IS NULL OR task_handle = '' OR task_handle = ?)`,
		handle, id, handle,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: task handle already set", domain.ErrIllegalTransition)
	}
	return nil
}

func (r *Repository) SetEnginePromptID(ctx context.Context, id domain.JobID, promptID string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE jobs SET engine_prompt_id = ? WHERE id = ?`, promptID, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// TransitionToRunning is the worker's claim: succeeds at
// most once per job across all workers and all deliveries of its handle.
func (r *Repository) TransitionToRunning(ctx context.Context, id domain.JobID) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		domain.JobStatusRunning, time.Now().UTC(), id, domain.JobStatusPending,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if !r.jobExists(ctx, id) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("%w: job is not pending", domain.ErrIllegalTransition)
	}
	return nil
}

func (r *Repository) CompleteJob(ctx context.Context, id domain.JobID, contentID domain.ArtifactID, outputPaths, thumbnailPaths []string) error {
	outputsJSON, _ := json.Marshal(outputPaths)
	thumbsJSON, _ := json.Marshal(thumbnailPaths)

	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, content_id = ?, output_paths = ?, thumbnail_paths = ?
		 WHERE id = ? AND status = ?`,
		domain.JobStatusCompleted, time.Now().UTC(), string(contentID),
		string(outputsJSON), string(thumbsJSON),
		id, domain.JobStatusRunning,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if !r.jobExists(ctx, id) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("%w: job is not running", domain.ErrIllegalTransition)
	}
	return nil
}

// MaterializeJobResult inserts the artifact row and flips the job to
// completed in one transaction, so a crash between the two writes can
// never leave a completed job without its artifact.
func (r *Repository) MaterializeJobResult(ctx context.Context, id domain.JobID, artifact domain.Artifact, outputPaths, thumbnailPaths []string) (domain.ArtifactID, error) {
	if artifact.ID == "" {
		artifact.ID = domain.ArtifactID(uuid.NewString())
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if err := insertArtifact(ctx, tx, artifact); err != nil {
		return "", err
	}

	outputsJSON, _ := json.Marshal(outputPaths)
	thumbsJSON, _ := json.Marshal(thumbnailPaths)

	result, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, content_id = ?, output_paths = ?, thumbnail_paths = ?
		 WHERE id = ? AND status = ?`,
		domain.JobStatusCompleted, time.Now().UTC(), string(artifact.ID),
		string(outputsJSON), string(thumbsJSON),
		id, domain.JobStatusRunning,
	)
	if err != nil {
		return "", err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return "", fmt.Errorf("%w: job is not running", domain.ErrIllegalTransition)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return artifact.ID, nil
}

func (r *Repository) FailJob(ctx context.Context, id domain.JobID, errMsg string, hints []string) error {
	hintsJSON, _ := json.Marshal(hints)

	// fail is legal from pending or running; reject only if already
	// completed or cancelled
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, error_message = ?, recovery_hints = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.JobStatusFailed, time.Now().UTC(), errMsg, string(hintsJSON),
		id, domain.JobStatusPending, domain.JobStatusRunning,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if !r.jobExists(ctx, id) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("%w: job already terminal", domain.ErrIllegalTransition)
	}
	return nil
}

// CancelJob returns the status the job held immediately before the
// cancel, so the orchestrator can revoke the queued handle when it was
// still pending. Cancelling an already-terminal job is a no-op.
func (r *Repository) CancelJob(ctx context.Context, id domain.JobID, reason string) (domain.JobStatus, error) {
	var status domain.JobStatus
	err := r.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrJobNotFound
		}
		return "", err
	}

	if status.IsTerminal() {
		return status, nil
	}

	var errMsg any
	if reason != "" {
		errMsg = reason
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, error_message = ? WHERE id = ? AND status = ?`,
		domain.JobStatusCancelled, time.Now().UTC(), errMsg, id, status,
	)
	if err != nil {
		return "", err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		// Lost a race with the worker's own transition; re-read and
		// report what actually happened.
		return r.CancelJob(ctx, id, reason)
	}
	return status, nil
}

const jobColumns = `id, user_id, status, prompt, negative_prompt, checkpoint,
	CAST(loras AS TEXT), width, height, batch_size, CAST(sampler AS TEXT), CAST(params AS TEXT),
	max_duration_ms, task_handle, engine_prompt_id, content_id,
	CAST(output_paths AS TEXT), CAST(thumbnail_paths AS TEXT),
	error_message, CAST(recovery_hints AS TEXT), created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var j domain.Job
	var idStr string
	var lorasJSON, samplerJSON, paramsJSON sql.NullString
	var outputsJSON, thumbsJSON, hintsJSON sql.NullString
	var taskHandle, enginePromptID, contentID, errMsg sql.NullString
	var maxDurationMS int64

	err := row.Scan(&idStr, &j.UserID, &j.Status, &j.Prompt, &j.NegativePrompt, &j.Checkpoint,
		&lorasJSON, &j.Width, &j.Height, &j.BatchSize, &samplerJSON, &paramsJSON,
		&maxDurationMS, &taskHandle, &enginePromptID, &contentID,
		&outputsJSON, &thumbsJSON,
		&errMsg, &hintsJSON, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return domain.Job{}, err
	}

	j.ID = domain.JobID(idStr)
	j.MaxDuration = time.Duration(maxDurationMS) * time.Millisecond
	if taskHandle.Valid {
		j.TaskHandle = taskHandle.String
	}
	if enginePromptID.Valid {
		j.EngineJobID = enginePromptID.String
	}
	if contentID.Valid {
		cid := contentID.String
		j.ContentID = &cid
	}
	if errMsg.Valid {
		msg := errMsg.String
		j.ErrorMessage = &msg
	}
	if lorasJSON.Valid {
		_ = json.Unmarshal([]byte(lorasJSON.String), &j.LoRAs)
	}
	if samplerJSON.Valid {
		_ = json.Unmarshal([]byte(samplerJSON.String), &j.Sampler)
	}
	if paramsJSON.Valid {
		_ = json.Unmarshal([]byte(paramsJSON.String), &j.Params)
	}
	if outputsJSON.Valid {
		_ = json.Unmarshal([]byte(outputsJSON.String), &j.OutputPaths)
	}
	if thumbsJSON.Valid {
		_ = json.Unmarshal([]byte(thumbsJSON.String), &j.ThumbnailPaths)
	}
	if hintsJSON.Valid {
		_ = json.Unmarshal([]byte(hintsJSON.String), &j.RecoveryHints)
	}
	return j, nil
}

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, domain.ErrJobNotFound
		}
		return domain.Job{}, err
	}
	return j, nil
}

func (r *Repository) ListJobs(ctx context.Context, filter domain.JobFilter, page domain.Pagination) (domain.JobPage, error) {
	where := ` WHERE 1=1`
	var args []any
	if filter.UserID != nil {
		where += ` AND user_id = ?`
		args = append(args, *filter.UserID)
	}
	if filter.Status != nil {
		where += ` AND status = ?`
		args = append(args, *filter.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return domain.JobPage{}, err
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM jobs%s ORDER BY created_at DESC, id LIMIT %d OFFSET %d`,
		jobColumns, where, limit, page.Skip)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.JobPage{}, err
	}
	defer rows.Close()

	result := domain.JobPage{Items: []domain.Job{}, Total: total, Limit: limit, Skip: page.Skip}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return domain.JobPage{}, err
		}
		result.Items = append(result.Items, j)
	}
	return result, rows.Err()
}

// DeleteJob removes the row. The orchestrator only calls this for
// terminal jobs; artifact rows are left untouched.
func (r *Repository) DeleteJob(ctx context.Context, id domain.JobID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *Repository) jobExists(ctx context.Context, id domain.JobID) bool {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	return err == nil
}

// --- Artifact Management ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertArtifact(ctx context.Context, db execer, art domain.Artifact) error {
	altResJSON, _ := json.Marshal(art.ThumbnailAltResMap)
	metaJSON, _ := json.Marshal(art.ItemMetadata)
	tagsJSON, _ := json.Marshal(art.Tags)

	_, err := db.ExecContext(ctx,
		`INSERT INTO artifacts (id, user_id, title, path, thumbnail_path, thumbnail_alt_res_map,
			content_type, item_metadata, quality_score, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		art.ID, art.UserID, art.Title, art.Path, art.ThumbnailPath, string(altResJSON),
		art.ContentType, string(metaJSON), art.QualityScore, string(tagsJSON), art.CreatedAt,
	)
	return err
}

func (r *Repository) CreateArtifact(ctx context.Context, art domain.Artifact) (domain.ArtifactID, error) {
	if art.ID == "" {
		art.ID = domain.ArtifactID(uuid.NewString())
	}
	if art.CreatedAt.IsZero() {
		art.CreatedAt = time.Now().UTC()
	}
	if err := insertArtifact(ctx, r.db, art); err != nil {
		return "", err
	}
	return art.ID, nil
}

func (r *Repository) GetArtifact(ctx context.Context, id domain.ArtifactID) (domain.Artifact, error) {
	var a domain.Artifact
	var idStr string
	var altResJSON, metaJSON, tagsJSON sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, path, thumbnail_path, CAST(thumbnail_alt_res_map AS TEXT),
			content_type, CAST(item_metadata AS TEXT), quality_score, CAST(tags AS TEXT), created_at
		 FROM artifacts WHERE id = ?`, id,
	).Scan(&idStr, &a.UserID, &a.Title, &a.Path, &a.ThumbnailPath, &altResJSON,
		&a.ContentType, &metaJSON, &a.QualityScore, &tagsJSON, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Artifact{}, domain.ErrArtifactNotFound
		}
		return domain.Artifact{}, err
	}
	a.ID = domain.ArtifactID(idStr)
	if altResJSON.Valid {
		_ = json.Unmarshal([]byte(altResJSON.String), &a.ThumbnailAltResMap)
	}
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &a.ItemMetadata)
	}
	if tagsJSON.Valid {
		_ = json.Unmarshal([]byte(tagsJSON.String), &a.Tags)
	}
	return a, nil
}

// --- Notification Management ---

// CreateNotification inserts unless the recipient's preferences disable
// the class of event. Skipping is not an error.
func (r *Repository) CreateNotification(ctx context.Context, n domain.Notification, prefs domain.NotificationPreferences) error {
	if !prefs.NotificationsEnabled {
		return nil
	}
	if n.ID == "" {
		n.ID = domain.NotificationID(uuid.NewString())
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	var relatedJob, relatedArtifact any
	if n.RelatedJobID != nil {
		relatedJob = string(*n.RelatedJobID)
	}
	if n.RelatedArtifactID != nil {
		relatedArtifact = string(*n.RelatedArtifactID)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, title, message, type, read, related_job_id, related_artifact_id, created_at)
		 VALUES (?, ?, ?, ?, ?, FALSE, ?, ?, ?)`,
		n.ID, n.UserID, n.Title, n.Message, n.Type, relatedJob, relatedArtifact, n.CreatedAt,
	)
	return err
}

func (r *Repository) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error) {
	query := `SELECT id, user_id, title, message, type, read, read_at, related_job_id, related_artifact_id, created_at
	          FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND read = FALSE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var idStr string
		var relatedJob, relatedArtifact sql.NullString
		if err := rows.Scan(&idStr, &n.UserID, &n.Title, &n.Message, &n.Type, &n.Read, &n.ReadAt,
			&relatedJob, &relatedArtifact, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.ID = domain.NotificationID(idStr)
		if relatedJob.Valid {
			jid := domain.JobID(relatedJob.String)
			n.RelatedJobID = &jid
		}
		if relatedArtifact.Valid {
			aid := domain.ArtifactID(relatedArtifact.String)
			n.RelatedArtifactID = &aid
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// MarkNotificationRead flips the read flag false -> true at most once;
// re-marking is a no-op and never moves read_at.
func (r *Repository) MarkNotificationRead(ctx context.Context, id domain.NotificationID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE, read_at = ? WHERE id = ? AND user_id = ? AND read = FALSE`,
		time.Now().UTC(), id, userID,
	)
	return err
}

func (r *Repository) SetNotificationPreferences(ctx context.Context, userID string, prefs domain.NotificationPreferences) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, notifications_enabled, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			notifications_enabled = excluded.notifications_enabled,
			updated_at = excluded.updated_at;
	`, userID, prefs.NotificationsEnabled, time.Now().UTC())
	return err
}

// NotificationPreferences defaults to disabled when no row exists.
func (r *Repository) NotificationPreferences(ctx context.Context, userID string) (domain.NotificationPreferences, error) {
	var prefs domain.NotificationPreferences
	err := r.db.QueryRowContext(ctx,
		`SELECT notifications_enabled FROM notification_preferences WHERE user_id = ?`, userID,
	).Scan(&prefs.NotificationsEnabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotificationPreferences{}, nil
		}
		return domain.NotificationPreferences{}, err
	}
	return prefs, nil
}
