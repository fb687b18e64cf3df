package domain

import "time"

// EventKind is the lifecycle transition a ProgressEvent reports.
type EventKind string

const (
	EventStarted    EventKind = "started"
	EventProcessing EventKind = "processing"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
)

// ProgressEvent is ephemeral: published by the worker runtime, relayed
// to live client streams, then discarded. It is never
// persisted; a subscriber that misses an event must re-read the Job row.
type ProgressEvent struct {
	JobID     JobID     `json:"job_id"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// Payload is populated only for terminal kinds: ContentID/OutputPaths
	// on EventCompleted, Error on EventFailed.
	ContentID   *string  `json:"content_id,omitempty"`
	OutputPaths []string `json:"output_paths,omitempty"`
	Error       string   `json:"error,omitempty"`
}
