package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/richinsley/comfy2video/handler"
	"github.com/richinsley/comfy2video/internal/pkg/errors"
)

// memStore mirrors the terminal-is-final rule of the real stores.
type memStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func newMemStore() *memStore { return &memStore{recs: map[string]Record{}} }

func (s *memStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return fmt.Errorf("duplicate %s", rec.ID)
	}
	s.recs[rec.ID] = *rec
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	return &rec, nil
}

func (s *memStore) Update(_ context.Context, id string, status Status, out *handler.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return errors.NotFound("job", id)
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	rec.Status = status
	if out != nil {
		rec.Output = out
	}
	rec.UpdatedAt = time.Now().UTC()
	s.recs[id] = rec
	return nil
}

func (s *memStore) Close() error { return nil }

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type fakeRunner struct {
	out  *handler.Output
	seen []handler.JobInput
}

func (f *fakeRunner) Handle(_ context.Context, in handler.JobInput) *handler.Output {
	f.seen = append(f.seen, in)
	return f.out
}

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusInQueue, false},
		{StatusInProgress, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueueSubmit(t *testing.T) {
	store := newMemStore()
	enq := &fakeEnqueuer{}
	q := NewQueue(enq, store, nil)

	rec, err := q.Submit(context.Background(), handler.JobInput{Prompt: "a red fox", ModelType: "wan21_t2v"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !strings.HasPrefix(rec.ID, "job_") {
		t.Errorf("id = %q, want job_ prefix", rec.ID)
	}
	if rec.Status != StatusInQueue {
		t.Errorf("status = %s, want %s", rec.Status, StatusInQueue)
	}

	stored, err := q.Status(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if stored.ModelType != "wan21_t2v" {
		t.Errorf("model_type = %q", stored.ModelType)
	}

	if len(enq.tasks) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(enq.tasks))
	}
	if enq.tasks[0].Type() != TaskGenerateVideo {
		t.Errorf("task type = %q", enq.tasks[0].Type())
	}
	var p GeneratePayload
	if err := json.Unmarshal(enq.tasks[0].Payload(), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.JobID != rec.ID || p.Input.Prompt != "a red fox" {
		t.Errorf("payload = %+v", p)
	}
}

func TestQueueSubmitRejectsInvalidInput(t *testing.T) {
	store := newMemStore()
	enq := &fakeEnqueuer{}
	q := NewQueue(enq, store, nil)

	_, err := q.Submit(context.Background(), handler.JobInput{})
	if !errors.IsCode(err, errors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(store.recs) != 0 || len(enq.tasks) != 0 {
		t.Error("invalid input must not be stored or enqueued")
	}
}

func TestQueueSubmitEnqueueFailure(t *testing.T) {
	store := newMemStore()
	q := NewQueue(&fakeEnqueuer{err: fmt.Errorf("redis down")}, store, nil)

	_, err := q.Submit(context.Background(), handler.JobInput{Prompt: "x"})
	if !errors.IsCode(err, errors.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	id, _ := errors.GetFields(err)["job_id"].(string)
	rec, gerr := store.Get(context.Background(), id)
	if gerr != nil {
		t.Fatalf("record not kept: %v", gerr)
	}
	if rec.Status != StatusFailed {
		t.Errorf("status = %s, want %s", rec.Status, StatusFailed)
	}
}

func newTask(t *testing.T, p GeneratePayload) *asynq.Task {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return asynq.NewTask(TaskGenerateVideo, b)
}

func seedRecord(t *testing.T, store *memStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	if err := store.Create(context.Background(), &Record{ID: id, Status: StatusInQueue, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerProcessTask(t *testing.T) {
	tests := []struct {
		name       string
		out        *handler.Output
		wantStatus Status
		wantErr    bool
	}{
		{
			name:       "completed",
			out:        &handler.Output{VideoBase64: "AAAA", Filename: "clip.mp4"},
			wantStatus: StatusCompleted,
		},
		{
			name:       "failed",
			out:        &handler.Output{Error: "timed out", ErrorCode: string(errors.CodeTimeout)},
			wantStatus: StatusFailed,
			wantErr:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			seedRecord(t, store, "job_1")
			runner := &fakeRunner{out: tt.out}
			w := NewWorker(runner, store, nil)

			err := w.ProcessTask(context.Background(), newTask(t, GeneratePayload{JobID: "job_1", Input: handler.JobInput{Prompt: "p"}}))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ProcessTask err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, asynq.SkipRetry) {
				t.Errorf("failed job should skip retry, got %v", err)
			}

			rec, _ := store.Get(context.Background(), "job_1")
			if rec.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", rec.Status, tt.wantStatus)
			}
			if rec.Output != tt.out {
				t.Errorf("output not stored")
			}
			if len(runner.seen) != 1 || runner.seen[0].Prompt != "p" {
				t.Errorf("runner saw %+v", runner.seen)
			}
		})
	}
}

func TestWorkerBadPayloadSkipsRetry(t *testing.T) {
	w := NewWorker(&fakeRunner{}, newMemStore(), nil)

	for _, payload := range [][]byte{[]byte("{"), []byte(`{"input":{"prompt":"x"}}`)} {
		err := w.ProcessTask(context.Background(), asynq.NewTask(TaskGenerateVideo, payload))
		if !errors.Is(err, asynq.SkipRetry) {
			t.Errorf("payload %s: expected SkipRetry, got %v", payload, err)
		}
	}
}

func TestWorkerUnknownJob(t *testing.T) {
	runner := &fakeRunner{out: &handler.Output{}}
	w := NewWorker(runner, newMemStore(), nil)

	err := w.ProcessTask(context.Background(), newTask(t, GeneratePayload{JobID: "job_missing", Input: handler.JobInput{Prompt: "p"}}))
	if err == nil {
		t.Fatal("expected error for unknown job")
	}
	if len(runner.seen) != 0 {
		t.Error("runner must not run for an unknown job")
	}
}

func TestRecordJSON(t *testing.T) {
	rec := Record{ID: "job_3", Status: StatusInQueue}
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"id":"job_3"`, `"status":"IN_QUEUE"`, `"created_at"`} {
		if !strings.Contains(string(b), key) {
			t.Errorf("record JSON %s missing %s", b, key)
		}
	}
	if strings.Contains(string(b), `"output"`) {
		t.Errorf("empty output should be omitted: %s", b)
	}
}
