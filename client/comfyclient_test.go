package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/richinsley/comfy2video/graphapi"
	"github.com/richinsley/comfy2video/internal/pkg/errors"
)

// newTestClient returns a client bound to an httptest engine serving mux.
func newTestClient(t *testing.T, mux *http.ServeMux, opts ...Option) (*ComfyClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	engine, err := NewEngine(srv.URL, WithProbeInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	opts = append([]Option{WithPollInterval(5 * time.Millisecond)}, opts...)
	return NewComfyClient(engine, opts...), srv
}

func boundInstance(t *testing.T) *graphapi.GraphInstance {
	t.Helper()
	tmpl, err := graphapi.DefaultRegistry().Template("wan22_t2v")
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	seed := int64(42)
	inst, err := graphapi.NewBinder().Bind(context.Background(), tmpl, graphapi.BoundRequest{Prompt: "a sunset", Seed: &seed})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return inst
}

func submittedJob(c *ComfyClient, promptID string) *RemoteJob {
	job := newRemoteJob()
	job.PromptID = promptID
	c.track(job)
	return job
}

const videoHistory = `{"p1": {
	"outputs": {
		"3": {"images": [{"filename": "preview.png", "subfolder": "", "type": "temp"}]},
		"57": {"gifs": [{"filename": "wan22_video__00001.mp4", "subfolder": "video", "type": "output", "format": "video/h264-mp4"}]}
	},
	"status": {"status_str": "success", "completed": true, "messages": []}
}}`

func TestQueuePrompt(t *testing.T) {
	var got map[string]json.RawMessage
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"prompt_id": "p1", "number": 3, "node_errors": {}}`)
	})
	c, _ := newTestClient(t, mux)

	job, err := c.QueuePrompt(context.Background(), boundInstance(t))
	if err != nil {
		t.Fatalf("QueuePrompt: %v", err)
	}
	if job.PromptID != "p1" || job.Number != 3 {
		t.Errorf("unexpected job %+v", job)
	}
	if job.State() != JobSubmitted {
		t.Errorf("expected submitted, got %s", job.State())
	}
	if c.GetQueuedItem("p1") != job {
		t.Error("expected job to be tracked")
	}

	var clientID string
	_ = json.Unmarshal(got["client_id"], &clientID)
	if clientID != c.ClientID() {
		t.Errorf("client_id = %q, want %q", clientID, c.ClientID())
	}
	var nodes map[string]graphapi.PromptNode
	if err := json.Unmarshal(got["prompt"], &nodes); err != nil {
		t.Fatalf("prompt payload: %v", err)
	}
	if nodes["3"].ClassType != "KSampler" {
		t.Errorf("expected sampler at node 3, got %q", nodes["3"].ClassType)
	}
}

func TestQueuePromptSubmissionErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"rejected graph", http.StatusBadRequest, `{"error": {"type": "prompt_outputs_failed_validation", "message": "Prompt outputs failed validation"}, "node_errors": {"3": {"errors": []}}}`},
		{"missing prompt id", http.StatusOK, `{"number": 1}`},
		{"garbage body", http.StatusInternalServerError, `boom`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			c, _ := newTestClient(t, mux)

			_, err := c.QueuePrompt(context.Background(), boundInstance(t))
			if !errors.IsCode(err, errors.CodeSubmission) {
				t.Fatalf("expected SUBMISSION_ERROR, got %v", err)
			}
			fields := errors.GetFields(err)
			if fields["status"] != tt.status {
				t.Errorf("status field = %v, want %d", fields["status"], tt.status)
			}
			if fields["diagnostic"] == nil {
				t.Error("expected diagnostic field")
			}
		})
	}
}

func TestAwaitCompletionFindsArtifactAtAnyNode(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/history/p1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			io.WriteString(w, `{}`)
			return
		}
		io.WriteString(w, videoHistory)
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("filename") != "wan22_video__00001.mp4" || q.Get("subfolder") != "video" || q.Get("type") != "output" {
			http.Error(w, "bad query "+r.URL.RawQuery, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		io.WriteString(w, "MP4DATA")
	})

	var stopped QueuedItemStoppedReason
	c, _ := newTestClient(t, mux, WithCallbacks(&ComfyClientCallbacks{
		QueuedItemStopped: func(_ *ComfyClient, _ *RemoteJob, r QueuedItemStoppedReason) { stopped = r },
	}))
	job := submittedJob(c, "p1")

	art, err := c.AwaitCompletion(context.Background(), job, 5*time.Second)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if string(art.Data) != "MP4DATA" || art.NodeID != "57" || art.ContentType != "video/mp4" {
		t.Errorf("unexpected artifact %+v", art)
	}
	if art.Filename() != "wan22_video__00001.mp4" {
		t.Errorf("Filename() = %q", art.Filename())
	}
	if job.State() != JobCompleted {
		t.Errorf("expected completed, got %s", job.State())
	}
	if out, ok := job.Artifact(); !ok || out.Filename != "wan22_video__00001.mp4" {
		t.Errorf("job artifact = %+v, %v", out, ok)
	}
	if stopped != QueuedItemStoppedReasonFinished {
		t.Errorf("stopped reason = %q", stopped)
	}
	if c.GetQueuedItem("p1") != nil {
		t.Error("expected finished job to be untracked")
	}
}

func TestAwaitCompletionTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/history/p1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	})
	c, _ := newTestClient(t, mux)
	job := submittedJob(c, "p1")

	start := time.Now()
	_, err := c.AwaitCompletion(context.Background(), job, 60*time.Millisecond)
	if !errors.IsCode(err, errors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("wait overran the deadline: %s", elapsed)
	}
	if job.State() != JobTimedOut {
		t.Errorf("expected timed_out, got %s", job.State())
	}
}

func TestAwaitCompletionBackoffRespectsDeadline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/history/p1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	})
	c, _ := newTestClient(t, mux, WithPollInterval(40*time.Millisecond), WithBackoffMax(10*time.Second))
	job := submittedJob(c, "p1")

	start := time.Now()
	_, err := c.AwaitCompletion(context.Background(), job, 300*time.Millisecond)
	if !errors.IsCode(err, errors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("backoff slept past the deadline: %s", elapsed)
	}
}

func TestAwaitCompletionRemoteError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/history/p1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"p1": {"outputs": {}, "status": {"status_str": "error", "completed": false, "messages": [
			["execution_start", {"prompt_id": "p1"}],
			["execution_error", {"prompt_id": "p1", "node_id": "39", "node_type": "UNETLoader", "exception_message": "model file not found", "exception_type": "FileNotFoundError"}]
		]}}}`)
	})
	c, _ := newTestClient(t, mux)
	job := submittedJob(c, "p1")

	_, err := c.AwaitCompletion(context.Background(), job, 5*time.Second)
	if !errors.IsCode(err, errors.CodeRemoteExecution) {
		t.Fatalf("expected REMOTE_EXECUTION_ERROR, got %v", err)
	}
	diag, _ := errors.GetFields(err)["diagnostic"].(map[string]interface{})
	if diag["exception_message"] != "model file not found" || diag["type"] != "execution_error" {
		t.Errorf("unexpected diagnostic %v", diag)
	}
	if !strings.Contains(err.Error(), "model file not found") {
		t.Errorf("expected engine message in error, got %v", err)
	}
	if job.State() != JobFailed {
		t.Errorf("expected failed, got %s", job.State())
	}
	if job.Diagnostic()["node_id"] != "39" {
		t.Errorf("job diagnostic = %v", job.Diagnostic())
	}
}

func TestAwaitCompletionCompletedWithoutVideo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/history/p1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"p1": {"outputs": {"9": {"images": [{"filename": "still.png", "subfolder": "", "type": "output"}]}},
			"status": {"status_str": "success", "completed": true, "messages": []}}}`)
	})
	c, _ := newTestClient(t, mux)
	job := submittedJob(c, "p1")

	_, err := c.AwaitCompletion(context.Background(), job, 5*time.Second)
	if !errors.IsCode(err, errors.CodeRemoteExecution) {
		t.Fatalf("expected REMOTE_EXECUTION_ERROR, got %v", err)
	}
	if job.State() != JobFailed {
		t.Errorf("expected failed, got %s", job.State())
	}
}

func TestAwaitCompletionPollingError(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/history/p1", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polls, 1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	c, _ := newTestClient(t, mux, WithMaxTransientFailures(2))
	job := submittedJob(c, "p1")

	_, err := c.AwaitCompletion(context.Background(), job, 5*time.Second)
	if !errors.IsCode(err, errors.CodePolling) {
		t.Fatalf("expected POLLING_ERROR, got %v", err)
	}
	if n := atomic.LoadInt32(&polls); n != 3 {
		t.Errorf("expected 3 polls before giving up, got %d", n)
	}
	if job.State() != JobFailed {
		t.Errorf("expected failed, got %s", job.State())
	}
}

func TestAwaitCompletionTransientFailuresReset(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/history/p1", func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&polls, 1) {
		case 1, 2, 4, 5:
			http.Error(w, "flaky", http.StatusBadGateway)
		case 3:
			io.WriteString(w, `{}`)
		default:
			io.WriteString(w, videoHistory)
		}
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "MP4DATA")
	})
	c, _ := newTestClient(t, mux, WithMaxTransientFailures(2))
	job := submittedJob(c, "p1")

	if _, err := c.AwaitCompletion(context.Background(), job, 5*time.Second); err != nil {
		t.Fatalf("expected recovery after transient failures, got %v", err)
	}
}

func TestAwaitCompletionParentCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/history/p1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	})
	c, _ := newTestClient(t, mux)
	job := submittedJob(c, "p1")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := c.AwaitCompletion(ctx, job, 5*time.Second)
	if !errors.IsCode(err, errors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT code, got %v", err)
	}
	if job.State().IsTerminal() {
		t.Errorf("cancelled wait must not finalize the job, got %s", job.State())
	}
}

func TestRemoteJobTerminalStatesAreFinal(t *testing.T) {
	tests := []struct {
		name  string
		final func(*RemoteJob)
		want  JobState
	}{
		{"completed", func(j *RemoteJob) { j.complete(DataOutput{Filename: "a.mp4"}) }, JobCompleted},
		{"failed", func(j *RemoteJob) { j.fail(map[string]interface{}{"x": 1}) }, JobFailed},
		{"timed out", func(j *RemoteJob) { j.transition(JobTimedOut) }, JobTimedOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := newRemoteJob()
			if !j.transition(JobRunning) {
				t.Fatal("expected submitted -> running")
			}
			tt.final(j)
			if j.State() != tt.want {
				t.Fatalf("state = %s, want %s", j.State(), tt.want)
			}

			if j.transition(JobRunning) || j.complete(DataOutput{}) || j.fail(nil) || j.transition(JobTimedOut) {
				t.Error("terminal state must not change")
			}
			if j.State() != tt.want {
				t.Errorf("state changed to %s", j.State())
			}
		})
	}

	j := newRemoteJob()
	j.transition(JobRunning)
	if j.transition(JobSubmitted) {
		t.Error("job must not move backwards")
	}
}

func TestFindArtifact(t *testing.T) {
	tests := []struct {
		name     string
		outputs  string
		wantFile string
		wantNode string
		wantOK   bool
	}{
		{
			name:     "gifs on high node id",
			outputs:  `{"9": {"images": [{"filename": "a.png", "type": "output"}]}, "108": {"gifs": [{"filename": "v.mp4", "type": "output"}]}}`,
			wantFile: "v.mp4", wantNode: "108", wantOK: true,
		},
		{
			name:     "video by extension",
			outputs:  `{"12": {"images": [{"filename": "clip.webp", "type": "output"}]}}`,
			wantFile: "clip.webp", wantNode: "12", wantOK: true,
		},
		{
			name:     "output preferred over temp",
			outputs:  `{"2": {"gifs": [{"filename": "preview.mp4", "type": "temp"}]}, "10": {"gifs": [{"filename": "final.mp4", "type": "output"}]}}`,
			wantFile: "final.mp4", wantNode: "10", wantOK: true,
		},
		{
			name:     "temp when nothing else",
			outputs:  `{"2": {"gifs": [{"filename": "preview.mp4", "type": "temp"}]}}`,
			wantFile: "preview.mp4", wantNode: "2", wantOK: true,
		},
		{
			name:    "no video",
			outputs: `{"9": {"images": [{"filename": "a.png", "type": "output"}]}, "4": {"text": ["hello"]}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h HistoryEntry
			if err := json.Unmarshal([]byte(`{"outputs": `+tt.outputs+`}`), &h); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			out, node, ok := h.FindArtifact()
			if ok != tt.wantOK || out.Filename != tt.wantFile || node != tt.wantNode {
				t.Errorf("FindArtifact() = %q, %q, %v; want %q, %q, %v", out.Filename, node, ok, tt.wantFile, tt.wantNode, tt.wantOK)
			}
		})
	}
}

func TestUploadFileFromReader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/image", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("image")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if string(data) != "PNGDATA" || hdr.Filename != "input_01.png" {
			http.Error(w, "unexpected file", http.StatusBadRequest)
			return
		}
		if r.FormValue("type") != "input" || r.FormValue("overwrite") != "true" {
			http.Error(w, "unexpected fields", http.StatusBadRequest)
			return
		}
		io.WriteString(w, `{"name": "input_01 (1).png", "subfolder": "`+r.FormValue("subfolder")+`", "type": "input"}`)
	})
	c, _ := newTestClient(t, mux)

	name, err := c.UploadFileFromReader(context.Background(), strings.NewReader("PNGDATA"), "input_01.png", true, InputImageType, "")
	if err != nil {
		t.Fatalf("UploadFileFromReader: %v", err)
	}
	if name != "input_01 (1).png" {
		t.Errorf("name = %q", name)
	}

	name, err = c.UploadFileFromReader(context.Background(), strings.NewReader("PNGDATA"), "input_01.png", true, InputImageType, "jobs")
	if err != nil {
		t.Fatalf("UploadFileFromReader: %v", err)
	}
	if name != "jobs/input_01 (1).png" {
		t.Errorf("name with subfolder = %q", name)
	}

	_, err = c.UploadFileFromReader(context.Background(), strings.NewReader("nope"), "input_01.png", true, InputImageType, "")
	if !errors.IsCode(err, errors.CodeUpload) {
		t.Errorf("expected UPLOAD_ERROR, got %v", err)
	}
}

func TestEngineLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"system": {"os": "posix", "python_version": "3.11"}, "devices": [{"name": "cuda:0", "type": "cuda", "vram_total": 1024}]}`)
	})
	c, _ := newTestClient(t, mux)
	e := c.Engine()

	if e.State() != EngineStopped || e.Managed() {
		t.Fatalf("new external engine: state %s managed %v", e.State(), e.Managed())
	}
	if err := e.WaitReady(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if !e.Ready() {
		t.Fatalf("expected ready, got %s", e.State())
	}

	stats, err := c.GetSystemStats(context.Background())
	if err != nil {
		t.Fatalf("GetSystemStats: %v", err)
	}
	if len(stats.Devices) != 1 || stats.Devices[0].Name != "cuda:0" {
		t.Errorf("unexpected stats %+v", stats)
	}

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if e.State() != EngineShutdown {
		t.Errorf("expected shutdown, got %s", e.State())
	}
	if err := e.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if err := e.WaitReady(context.Background(), time.Second); !errors.IsCode(err, errors.CodeUnavailable) {
		t.Errorf("expected UNAVAILABLE after shutdown, got %v", err)
	}
	if err := e.Start(context.Background()); err == nil {
		t.Error("expected Start to fail after shutdown")
	}
}

func TestEngineWaitReadyTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading models", http.StatusServiceUnavailable)
	})
	c, _ := newTestClient(t, mux)

	err := c.Engine().WaitReady(context.Background(), 50*time.Millisecond)
	if !errors.IsCode(err, errors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if c.Engine().State() != EngineFailed {
		t.Errorf("expected failed, got %s", c.Engine().State())
	}
}

func TestEngineWaitReadyRecoversAfterTimeout(t *testing.T) {
	var up atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			http.Error(w, "loading models", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `{"system": {"os": "posix"}, "devices": []}`)
	})
	c, _ := newTestClient(t, mux)
	e := c.Engine()

	if err := e.WaitReady(context.Background(), 50*time.Millisecond); !errors.IsCode(err, errors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if e.State() != EngineFailed {
		t.Fatalf("expected failed, got %s", e.State())
	}

	up.Store(true)
	if err := e.WaitReady(context.Background(), time.Second); err != nil {
		t.Fatalf("second WaitReady: %v", err)
	}
	if !e.Ready() {
		t.Errorf("expected ready, got %s", e.State())
	}
}

func TestManagedEngineLaunchFailureStaysFailed(t *testing.T) {
	e, err := NewManagedEngine("127.0.0.1:1", "comfy2video-no-such-binary", nil)
	if err != nil {
		t.Fatalf("NewManagedEngine: %v", err)
	}
	if err := e.Start(context.Background()); !errors.IsCode(err, errors.CodeUnavailable) {
		t.Fatalf("expected UNAVAILABLE from Start, got %v", err)
	}
	if err := e.WaitReady(context.Background(), 50*time.Millisecond); !errors.IsCode(err, errors.CodeUnavailable) {
		t.Errorf("expected UNAVAILABLE from WaitReady, got %v", err)
	}
	if e.State() != EngineFailed {
		t.Errorf("expected failed, got %s", e.State())
	}
}

func TestEngineEndpoints(t *testing.T) {
	tests := []struct {
		base   string
		wantWS string
		wantUp string
	}{
		{"127.0.0.1:8188", "ws://127.0.0.1:8188/ws?clientId=abc", "http://127.0.0.1:8188/upload/image"},
		{"https://gpu.example.com/comfy/", "wss://gpu.example.com/comfy/ws?clientId=abc", "https://gpu.example.com/comfy/upload/image"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			e, err := NewEngine(tt.base)
			if err != nil {
				t.Fatalf("NewEngine: %v", err)
			}
			if got := e.wsEndpoint("abc"); got != tt.wantWS {
				t.Errorf("wsEndpoint = %q, want %q", got, tt.wantWS)
			}
			if got := e.endpoint("/upload/image", nil); got != tt.wantUp {
				t.Errorf("endpoint = %q, want %q", got, tt.wantUp)
			}
		})
	}

	if _, err := NewManagedEngine("127.0.0.1:8188", "", nil); !errors.IsCode(err, errors.CodeValidation) {
		t.Errorf("expected validation error for empty command, got %v", err)
	}
}

func TestOnWindowSocketMessage(t *testing.T) {
	var mu sync.Mutex
	var events []ProgressEvent
	var queue int
	started := 0

	c := NewComfyClient(nil, WithCallbacks(&ComfyClientCallbacks{
		ClientQueueCountChanged: func(_ *ComfyClient, n int) { queue = n },
		QueuedItemStarted:       func(_ *ComfyClient, _ *RemoteJob) { started++ },
		QueuedItemProgress: func(_ *ComfyClient, _ *RemoteJob, ev ProgressEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	}))
	job := submittedJob(c, "p1")

	for _, msg := range []string{
		`{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 2}}}}`,
		`{"type": "execution_start", "data": {"prompt_id": "p1"}}`,
		`{"type": "executing", "data": {"node": "3", "prompt_id": "p1"}}`,
		`{"type": "progress", "data": {"value": 4, "max": 20, "prompt_id": "p1", "node": "3"}}`,
		`{"type": "progress", "data": {"value": 1, "max": 20, "prompt_id": "other", "node": "3"}}`,
		`{"type": "executing", "data": {"node": null, "prompt_id": "p1"}}`,
		`not json`,
	} {
		c.OnWindowSocketMessage(msg)
	}

	if queue != 2 || c.QueueCount() != 2 {
		t.Errorf("queue count = %d / %d, want 2", queue, c.QueueCount())
	}
	if started != 1 {
		t.Errorf("QueuedItemStarted fired %d times, want 1", started)
	}
	if job.State() != JobRunning {
		t.Errorf("expected running, got %s", job.State())
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events for p1, got %d: %+v", len(events), events)
	}
	last := events[2]
	if last.Type != "progress" || last.Value != 4 || last.Max != 20 || last.Node != "3" {
		t.Errorf("unexpected progress event %+v", last)
	}
}

func TestProgressStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	var mu sync.Mutex
	var gotClientID string
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotClientID = r.URL.Query().Get("clientId")
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0, 0, 0, 1})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "progress", "data": {"value": 7, "max": 30, "prompt_id": "p1", "node": "3"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	events := make(chan ProgressEvent, 4)
	c, _ := newTestClient(t, mux, WithCallbacks(&ComfyClientCallbacks{
		QueuedItemProgress: func(_ *ComfyClient, _ *RemoteJob, ev ProgressEvent) { events <- ev },
	}))
	submittedJob(c, "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.StartProgress(ctx); err != nil {
		t.Fatalf("StartProgress: %v", err)
	}
	defer c.StopProgress()

	select {
	case ev := <-events:
		if ev.PromptID != "p1" || ev.Value != 7 || ev.Max != 30 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no progress event received")
	}
	mu.Lock()
	defer mu.Unlock()
	if gotClientID != c.ClientID() {
		t.Errorf("clientId = %q, want %q", gotClientID, c.ClientID())
	}
}

func TestStartProgressGivesUpWithoutWebsocket(t *testing.T) {
	// engine without a /ws endpoint answers 404 to the upgrade
	c, _ := newTestClient(t, http.NewServeMux(), WithProgressConnectTimeout(200*time.Millisecond))

	result := make(chan error, 1)
	go func() { result <- c.StartProgress(context.Background()) }()

	select {
	case err := <-result:
		if !errors.IsCode(err, errors.CodeUnavailable) {
			t.Errorf("expected UNAVAILABLE, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("StartProgress blocked with /ws returning 404")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.progress != nil {
		t.Error("failed stream should be torn down")
	}
}
