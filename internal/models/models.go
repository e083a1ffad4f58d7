// Package models holds the durable entities of the catalog job core.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ──────────────────── Catalog ────────────────────

type Catalog struct {
	ID                uuid.UUID `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	SourceDirectories []string  `json:"source_directories" db:"source_directories"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// ──────────────────── Image ────────────────────

type FileType string

const (
	FileTypeImage FileType = "image"
	FileTypeVideo FileType = "video"
)

type ImageStatus string

const (
	ImageStatusPending     ImageStatus = "pending"
	ImageStatusAnalyzing   ImageStatus = "analyzing"
	ImageStatusNeedsReview ImageStatus = "needs_review"
	ImageStatusComplete    ImageStatus = "complete"
)

// DateEntry records a timestamp from a named source (exif, filesystem, filename)
// together with a confidence in [0,1].
type DateEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

type Image struct {
	ID              string                 `json:"id" db:"id"`
	CatalogID       uuid.UUID              `json:"catalog_id" db:"catalog_id"`
	SourcePath      string                 `json:"source_path" db:"source_path"`
	Checksum        string                 `json:"checksum" db:"checksum"`
	SizeBytes       int64                  `json:"size_bytes" db:"size_bytes"`
	FileType        FileType               `json:"file_type" db:"file_type"`
	DHash           *string                `json:"dhash,omitempty" db:"dhash"`
	AHash           *string                `json:"ahash,omitempty" db:"ahash"`
	WHash           *string                `json:"whash,omitempty" db:"whash"`
	QualityScore    *int                   `json:"quality_score,omitempty" db:"quality_score"`
	ThumbnailPath   *string                `json:"thumbnail_path,omitempty" db:"thumbnail_path"`
	Dates           map[string]DateEntry   `json:"dates" db:"dates"`
	Metadata        map[string]interface{} `json:"metadata" db:"metadata"`
	Status          ImageStatus            `json:"status" db:"status"`
	ProcessingFlags map[string]interface{} `json:"processing_flags" db:"processing_flags"`
	CreatedAt       time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at" db:"updated_at"`
}

// BestTimestamp returns the highest-confidence date entry, if any.
func (img *Image) BestTimestamp() (time.Time, bool) {
	var best DateEntry
	found := false
	for _, d := range img.Dates {
		if !found || d.Confidence > best.Confidence {
			best = d
			found = true
		}
	}
	return best.Timestamp, found
}

// Camera reads a best-effort camera make/model string out of Metadata.
func (img *Image) Camera() (string, bool) {
	v, ok := img.Metadata["camera"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// ──────────────────── Job ────────────────────

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is one of success|failed|cancelled.
func (s JobStatus) IsTerminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobCancelled
}

type Job struct {
	ID          uuid.UUID              `json:"id" db:"id"`
	CatalogID   *uuid.UUID             `json:"catalog_id,omitempty" db:"catalog_id"`
	JobType     string                 `json:"job_type" db:"job_type"`
	Status      JobStatus              `json:"status" db:"status"`
	Parameters  map[string]interface{} `json:"parameters" db:"parameters"`
	Progress    *JobProgress           `json:"progress,omitempty" db:"progress"`
	Result      map[string]interface{} `json:"result,omitempty" db:"result"`
	Error       *string                `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty" db:"started_at"`
	UpdatedAt   time.Time              `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
}

type JobProgress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Success   int `json:"success"`
	Error     int `json:"error"`
}

// ──────────────────── JobBatch ────────────────────

type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

type JobBatch struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	ParentJobID    uuid.UUID       `json:"parent_job_id" db:"parent_job_id"`
	CatalogID      *uuid.UUID      `json:"catalog_id,omitempty" db:"catalog_id"`
	BatchNumber    int             `json:"batch_number" db:"batch_number"`
	TotalBatches   int             `json:"total_batches" db:"total_batches"`
	JobType        string          `json:"job_type" db:"job_type"`
	Status         BatchStatus     `json:"status" db:"status"`
	WorkItems      json.RawMessage `json:"work_items" db:"work_items"`
	ItemsCount     int             `json:"items_count" db:"items_count"`
	WorkerID       *string         `json:"worker_id,omitempty" db:"worker_id"`
	ProcessedCount int             `json:"processed_count" db:"processed_count"`
	SuccessCount   int             `json:"success_count" db:"success_count"`
	ErrorCount     int             `json:"error_count" db:"error_count"`
	Results        json.RawMessage `json:"results,omitempty" db:"results"`
	ErrorMessage   *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty" db:"started_at"`
	HeartbeatAt    *time.Time      `json:"heartbeat_at,omitempty" db:"heartbeat_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// BatchAggregate is the §4.5 aggregate view over a job's batches.
type BatchAggregate struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Processed  int `json:"processed"`
	Success    int `json:"success"`
	Error      int `json:"error"`
	TotalItems int `json:"total_items"`
}

// IsTerminal reports whether every batch counted in the aggregate is terminal.
func (a BatchAggregate) IsTerminal() bool {
	return a.Total > 0 && a.Pending == 0 && a.Running == 0
}

// ──────────────────── Duplicate detection ────────────────────

type SimilarityType string

const (
	SimilarityExact      SimilarityType = "exact"
	SimilarityPerceptual SimilarityType = "perceptual"
)

type DuplicateGroup struct {
	ID             uuid.UUID         `json:"id" db:"id"`
	CatalogID      uuid.UUID         `json:"catalog_id" db:"catalog_id"`
	PrimaryImageID string            `json:"primary_image_id" db:"primary_image_id"`
	SimilarityType SimilarityType    `json:"similarity_type" db:"similarity_type"`
	Confidence     int               `json:"confidence" db:"confidence"`
	Reviewed       bool              `json:"reviewed" db:"reviewed"`
	Members        []DuplicateMember `json:"members"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

type DuplicateMember struct {
	ID               uuid.UUID `json:"id" db:"id"`
	DuplicateGroupID uuid.UUID `json:"duplicate_group_id" db:"duplicate_group_id"`
	ImageID          string    `json:"image_id" db:"image_id"`
	SimilarityScore  int       `json:"similarity_score" db:"similarity_score"`
}

// ──────────────────── Burst detection ────────────────────

type SelectionMethod string

const (
	SelectionQuality SelectionMethod = "quality"
	SelectionFirst   SelectionMethod = "first"
	SelectionMiddle  SelectionMethod = "middle"
)

type Burst struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	CatalogID       uuid.UUID       `json:"catalog_id" db:"catalog_id"`
	ImageIDs        []string        `json:"image_ids" db:"image_ids"`
	ImageCount      int             `json:"image_count" db:"image_count"`
	StartTime       time.Time       `json:"start_time" db:"start_time"`
	EndTime         time.Time       `json:"end_time" db:"end_time"`
	DurationSeconds float64         `json:"duration_seconds" db:"duration_seconds"`
	CameraMake      *string         `json:"camera_make,omitempty" db:"camera_make"`
	CameraModel     *string         `json:"camera_model,omitempty" db:"camera_model"`
	BestImageID     *string         `json:"best_image_id,omitempty" db:"best_image_id"`
	SelectionMethod SelectionMethod `json:"selection_method" db:"selection_method"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}
