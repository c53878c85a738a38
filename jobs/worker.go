package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/richinsley/comfy2video/handler"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
)

// Runner executes one job and never returns an error; failures are in the Output.
type Runner interface {
	Handle(ctx context.Context, in handler.JobInput) *handler.Output
}

// Worker executes queued video tasks.
type Worker struct {
	runner Runner
	store  Store
	log    *logger.Logger
}

func NewWorker(runner Runner, store Store, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.Discard()
	}
	return &Worker{runner: runner, store: store, log: log.WithComponent("worker")}
}

// Mux routes TaskGenerateVideo to the worker.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskGenerateVideo, w.ProcessTask)
	return mux
}

// ProcessTask runs one job. Failed jobs are recorded and never retried.
func (w *Worker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p GeneratePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", TaskGenerateVideo, err, asynq.SkipRetry)
	}
	if p.JobID == "" {
		return fmt.Errorf("%s payload has no job id: %w", TaskGenerateVideo, asynq.SkipRetry)
	}

	ctx = logger.ContextWithJobID(ctx, p.JobID)
	log := w.log.FromContext(ctx)

	if err := w.store.Update(ctx, p.JobID, StatusInProgress, nil); err != nil {
		return fmt.Errorf("mark job in progress: %w", err)
	}
	log.Info("job started", "model_type", p.Input.Variant())

	out := w.runner.Handle(ctx, p.Input)
	status := StatusCompleted
	if out.Failed() {
		status = StatusFailed
	}
	// the job context may be done by now; the result still has to land
	if err := w.store.Update(context.WithoutCancel(ctx), p.JobID, status, out); err != nil {
		log.Error("could not store job result", "status", string(status), "error", err.Error())
		return fmt.Errorf("store job result: %w", err)
	}

	if status == StatusFailed {
		log.Info("job finished", "status", string(status), "error_code", out.ErrorCode)
		return fmt.Errorf("job %s failed with %s: %w", p.JobID, out.ErrorCode, asynq.SkipRetry)
	}
	log.Info("job finished", "status", string(status))
	return nil
}
