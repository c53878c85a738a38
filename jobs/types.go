// Package jobs runs video jobs asynchronously: /run enqueues an asynq task, a
// worker executes it and the job record in a Store tracks its status.
package jobs

import (
	"context"
	"time"

	"github.com/richinsley/comfy2video/handler"
)

// TaskGenerateVideo is the asynq task type for one video job.
const TaskGenerateVideo = "video:generate"

// Status is the externally visible job status.
type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the stored state of a job.
type Record struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	ModelType string          `json:"model_type,omitempty"`
	Output    *handler.Output `json:"output,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// GeneratePayload is the asynq task payload.
type GeneratePayload struct {
	JobID string           `json:"job_id"`
	Input handler.JobInput `json:"input"`
}

// Store persists job records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	// Get returns a NOT_FOUND error for unknown ids.
	Get(ctx context.Context, id string) (*Record, error)
	// Update sets status and output. Terminal records are not changed.
	Update(ctx context.Context, id string, status Status, out *handler.Output) error
	Close() error
}
