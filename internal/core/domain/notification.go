package domain

import "time"

type NotificationID string

type NotificationType string

const (
	NotificationJobCompleted  NotificationType = "job_completed"
	NotificationJobFailed     NotificationType = "job_failed"
	NotificationJobCancelled  NotificationType = "job_cancelled"
	NotificationSystem        NotificationType = "system"
	NotificationRecommendation NotificationType = "recommendation"
)

// Notification is a user-facing event, created by the worker runtime on
// a terminal job transition iff the recipient opted in.
type Notification struct {
	ID            NotificationID   `json:"id"`
	UserID        string           `json:"user_id"`
	Title         string           `json:"title"`
	Message       string           `json:"message"`
	Type          NotificationType `json:"type"`
	Read          bool             `json:"read"`
	ReadAt        *time.Time       `json:"read_at,omitempty"`
	RelatedJobID  *JobID           `json:"related_job_id,omitempty"`
	RelatedArtifactID *ArtifactID  `json:"related_artifact_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// NotificationPreferences enumerates the recognized preference options.
// Only NotificationsEnabled is consulted by the pipeline; any other
// preference key a caller might send is ignored.
type NotificationPreferences struct {
	NotificationsEnabled bool `json:"notifications_enabled"`
}
