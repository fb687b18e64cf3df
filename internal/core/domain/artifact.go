package domain

import "time"

type ArtifactID string

// Artifact is the persisted metadata row for a generated image. Written
// exactly once per completed job, in the same transaction as the job's
// terminal transition.
type Artifact struct {
	ID     ArtifactID `json:"id"`
	UserID string     `json:"user_id"`

	Title                string            `json:"title"`
	Path                 string            `json:"path"`
	ThumbnailPath        string            `json:"thumbnail_path"`
	ThumbnailAltResMap   map[string]string `json:"thumbnail_alt_res_map,omitempty"`
	ContentType          string            `json:"content_type"`
	ItemMetadata         map[string]string `json:"item_metadata"`
	QualityScore         *float64          `json:"quality_score,omitempty"`
	Tags                 []string          `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
