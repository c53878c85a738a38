package client

import (
	"sync"
	"time"
)

// JobState is the lifecycle of a prompt on the engine, as observed by polling.
type JobState int

const (
	JobSubmitted JobState = iota
	JobRunning
	JobCompleted
	JobFailed
	JobTimedOut
)

func (s JobState) String() string {
	switch s {
	case JobSubmitted:
		return "submitted"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// IsTerminal returns true if the state is final.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimedOut:
		return true
	default:
		return false
	}
}

// RemoteJob is a prompt accepted by the engine. Its id is the engine's prompt_id.
type RemoteJob struct {
	PromptID    string                 `json:"prompt_id"`
	Number      int                    `json:"number"`
	NodeErrors  map[string]interface{} `json:"node_errors"`
	SubmittedAt time.Time              `json:"-"`

	mu         sync.Mutex
	state      JobState
	artifact   *DataOutput
	diagnostic map[string]interface{}
}

func newRemoteJob() *RemoteJob {
	return &RemoteJob{SubmittedAt: time.Now(), state: JobSubmitted}
}

// State returns the current state.
func (j *RemoteJob) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Artifact returns the output reference once the job has completed.
func (j *RemoteJob) Artifact() (DataOutput, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.artifact == nil {
		return DataOutput{}, false
	}
	return *j.artifact, true
}

// Diagnostic returns the engine failure payload of a failed job.
func (j *RemoteJob) Diagnostic() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.diagnostic
}

// transition moves the job to next. Terminal states are final and the job never
// moves backwards; it reports whether the state changed.
func (j *RemoteJob) transition(next JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() || next <= j.state {
		return false
	}
	j.state = next
	return true
}

func (j *RemoteJob) complete(out DataOutput) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return false
	}
	j.state = JobCompleted
	j.artifact = &out
	return true
}

func (j *RemoteJob) fail(diag map[string]interface{}) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return false
	}
	j.state = JobFailed
	j.diagnostic = diag
	return true
}
