package domain

import "time"

type JobID string

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// validTransitions encodes the job lifecycle DAG: pending -> running
// -> {completed, failed}; pending -> cancelled; running -> cancelled. No
// other edge is legal.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusRunning:   true,
		JobStatusCancelled: true,
	},
	JobStatusRunning: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge
// in the job status DAG.
func CanTransition(from, to JobStatus) bool {
	return validTransitions[from][to]
}

// IsTerminal reports whether a status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// LoRA is a single adapter layered on top of the checkpoint model.
type LoRA struct {
	Name          string  `json:"name"`
	ModelStrength float64 `json:"model_strength"`
	ClipStrength  float64 `json:"clip_strength"`
}

// SamplerConfig carries the engine's sampling parameters for one job.
type SamplerConfig struct {
	Seed      int64   `json:"seed"` // -1 requests a random seed at submit time
	Steps     int     `json:"steps"`
	CFG       float64 `json:"cfg"`
	Sampler   string  `json:"sampler"`
	Scheduler string  `json:"scheduler"`
	Denoise   float64 `json:"denoise"`
}

// Job is a single render request and the unit the pipeline transacts on.
// The orchestrator writes the row on creation, cancels it, and fails a
// row it could not enqueue; the worker runtime writes the running
// transition and the render outcome.
type Job struct {
	ID             JobID     `json:"id"`
	UserID         string    `json:"user_id"`
	TaskHandle     string    `json:"task_handle,omitempty"`     // queue-assigned, immutable once set
	EngineJobID    string    `json:"-"`                         // assigned by the engine on submit; internal, never in API bodies

	Prompt         string            `json:"prompt"`
	NegativePrompt string            `json:"negative_prompt,omitempty"`
	Checkpoint     string            `json:"checkpoint"`
	LoRAs          []LoRA            `json:"loras,omitempty"`
	Width          int               `json:"width"`
	Height         int               `json:"height"`
	BatchSize      int               `json:"batch_size"`
	Sampler        SamplerConfig     `json:"sampler"`
	Params         map[string]string `json:"params,omitempty"`
	MaxDuration    time.Duration     `json:"max_duration"`

	Status         JobStatus  `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	RecoveryHints  []string   `json:"recovery_hints,omitempty"`

	ContentID       *string  `json:"content_id,omitempty"`
	OutputPaths     []string `json:"output_paths,omitempty"`
	ThumbnailPaths  []string `json:"thumbnail_paths,omitempty"`
}

// JobFilter narrows list_jobs queries.
type JobFilter struct {
	UserID *string
	Status *JobStatus
}

// Pagination is plain offset/limit; there is no cursor form.
type Pagination struct {
	Limit int
	Skip  int
}

// JobPage is the list_jobs response shape.
type JobPage struct {
	Items []Job `json:"items"`
	Total int   `json:"total"`
	Limit int   `json:"limit"`
	Skip  int   `json:"skip"`
}
