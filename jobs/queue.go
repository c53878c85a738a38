package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/richinsley/comfy2video/handler"
	"github.com/richinsley/comfy2video/internal/pkg/errors"
	"github.com/richinsley/comfy2video/internal/pkg/ids"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
)

// Enqueuer is the part of *asynq.Client the queue needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queue accepts jobs for asynchronous execution.
type Queue struct {
	enq   Enqueuer
	store Store
	log   *logger.Logger
}

func NewQueue(enq Enqueuer, store Store, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.Discard()
	}
	return &Queue{enq: enq, store: store, log: log.WithComponent("queue")}
}

// Submit validates the input, records the job as IN_QUEUE and enqueues it.
// Request errors are returned before anything is stored.
func (q *Queue) Submit(ctx context.Context, in handler.JobInput) (*Record, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	id := ids.New("job")
	now := time.Now().UTC()
	rec := &Record{
		ID:        id,
		Status:    StatusInQueue,
		ModelType: in.Variant(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	b, err := json.Marshal(GeneratePayload{JobID: id, Input: in})
	if err != nil {
		return nil, errors.Wrap(err, "jobs.Queue.Submit", "encode payload")
	}
	task := asynq.NewTask(TaskGenerateVideo, b)
	if _, err := q.enq.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.TaskID(id)); err != nil {
		q.log.WithJobID(id).Error("enqueue failed", "error", err.Error())
		out := &handler.Output{Error: "job could not be queued", ErrorCode: string(errors.CodeUnavailable)}
		if uerr := q.store.Update(ctx, id, StatusFailed, out); uerr != nil {
			q.log.WithJobID(id).Warn("could not mark job failed", "error", uerr.Error())
		}
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "jobs.Queue.Submit", "job queue unavailable").
			WithField("job_id", id)
	}

	q.log.WithJobID(id).Info("job queued", "model_type", rec.ModelType)
	return rec, nil
}

// Status returns the current record for id.
func (q *Queue) Status(ctx context.Context, id string) (*Record, error) {
	return q.store.Get(ctx, id)
}
