// Package server exposes the video handler and job queue over HTTP.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/richinsley/comfy2video/client"
	"github.com/richinsley/comfy2video/handler"
	"github.com/richinsley/comfy2video/internal/pkg/errors"
	"github.com/richinsley/comfy2video/internal/pkg/ids"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
	"github.com/richinsley/comfy2video/internal/pkg/middleware"
	"github.com/richinsley/comfy2video/jobs"
)

const maxRequestBody = 64 << 20

// JobQueue is the async side of the API. *jobs.Queue satisfies it.
type JobQueue interface {
	Submit(ctx context.Context, in handler.JobInput) (*jobs.Record, error)
	Status(ctx context.Context, id string) (*jobs.Record, error)
}

// EngineStatus reports engine health. *client.ComfyClient satisfies it.
type EngineStatus interface {
	Engine() *client.Engine
	GetSystemStats(ctx context.Context) (*client.SystemStats, error)
}

type Deps struct {
	Runner handler.Runner
	Queue  JobQueue
	Engine EngineStatus
	Log    *logger.Logger
}

type Server struct {
	runner handler.Runner
	queue  JobQueue
	engine EngineStatus
	log    *logger.Logger
}

func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Server{runner: d.Runner, queue: d.Queue, engine: d.Engine, log: log.WithComponent("http")}
}

// Router builds the chi router. /run and /status are only mounted with a queue.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.log))
	r.Use(middleware.Recovery(s.log))

	r.Get("/health", s.Health)
	r.Post("/runsync", s.RunSync)
	if s.queue != nil {
		r.Post("/run", s.Run)
		r.Get("/status/{id}", s.Status)
	}
	return r
}

type jobRequest struct {
	Input json.RawMessage `json:"input"`
}

type jobResponse struct {
	ID     string          `json:"id"`
	Status jobs.Status     `json:"status"`
	Output *handler.Output `json:"output,omitempty"`
}

func decodeInput(w http.ResponseWriter, r *http.Request) (handler.JobInput, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		return handler.JobInput{}, errors.WrapWithCode(err, errors.CodeValidation, "server.decodeInput", "could not read request body")
	}
	var req jobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return handler.JobInput{}, errors.WrapWithCode(err, errors.CodeValidation, "server.decodeInput", "malformed request body")
	}
	if len(req.Input) == 0 || string(req.Input) == "null" {
		return handler.JobInput{}, errors.ValidationField("input", "input is required")
	}
	return handler.DecodeJobInput(req.Input)
}

// RunSync runs the job in the request and returns its output.
// Job failures are a 200 with status FAILED; only malformed bodies are 4xx.
func (s *Server) RunSync(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(w, r)
	if err != nil {
		middleware.HandleError(w, r, s.log, err)
		return
	}

	id := ids.New("sync")
	ctx := logger.ContextWithJobID(r.Context(), id)
	out := s.runner.Handle(ctx, in)

	status := jobs.StatusCompleted
	if out.Failed() {
		status = jobs.StatusFailed
	}
	middleware.WriteJSON(w, http.StatusOK, jobResponse{ID: id, Status: status, Output: out})
}

// Run enqueues the job and returns its id.
func (s *Server) Run(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(w, r)
	if err != nil {
		middleware.HandleError(w, r, s.log, err)
		return
	}
	rec, err := s.queue.Submit(r.Context(), in)
	if err != nil {
		middleware.HandleError(w, r, s.log, err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, jobResponse{ID: rec.ID, Status: rec.Status})
}

// Status returns the stored job record.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	rec, err := s.queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.HandleError(w, r, s.log, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, rec)
}

type healthResponse struct {
	Status      string              `json:"status"`
	EngineState string              `json:"engine_state"`
	System      *client.SystemStats `json:"system_stats,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Health reports 200 when the engine is ready and answers /system_stats.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", EngineState: client.EngineStopped.String()}
	if e := s.engine.Engine(); e != nil {
		resp.EngineState = e.State().String()
		if !e.Ready() {
			resp.Status = "unavailable"
			middleware.WriteJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	stats, err := s.engine.GetSystemStats(ctx)
	if err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		middleware.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.System = stats
	middleware.WriteJSON(w, http.StatusOK, resp)
}
