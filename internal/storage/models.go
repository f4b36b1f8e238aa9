package storage

import (
	"errors"
	"time"

	"github.com/jeremieb/developer-diary/internal/scene"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrSceneChanged is returned by SetPreviewURI when the record's scene is no
// longer the one the preview was rendered from.
var ErrSceneChanged = errors.New("scene changed")

// Record is one journal entry. Scene is None when the entry has no drawing.
type Record struct {
	ID         string           `json:"id"`
	Title      string           `json:"title"`
	Note       string           `json:"note"`
	CreatedAt  time.Time        `json:"created_at"`
	Scene      scene.Descriptor `json:"scene"`
	PreviewURI string           `json:"preview_uri,omitempty"`
}

// HasPreview reports whether a persisted preview location is recorded.
func (r Record) HasPreview() bool {
	return r.PreviewURI != "" && r.PreviewURI != scene.Sentinel
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
