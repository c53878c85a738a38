// Package handler is the job boundary: it turns a JobInput into a bound graph,
// runs it on the render engine and publishes the result. Every failure leaves
// this package as a structured Output, never as a panic.
package handler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/richinsley/comfy2video/client"
	"github.com/richinsley/comfy2video/graphapi"
	"github.com/richinsley/comfy2video/internal/pkg/errors"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
	"github.com/richinsley/comfy2video/transfer"
)

// Runner executes one job. *Handler implements it; the async worker and the HTTP
// API depend on this interface only.
type Runner interface {
	Run(ctx context.Context, in JobInput) (*Output, error)
	Handle(ctx context.Context, in JobInput) *Output
}

type Handler struct {
	registry   *graphapi.Registry
	binder     *graphapi.Binder
	client     *client.ComfyClient
	publisher  transfer.Publisher
	jobTimeout time.Duration
	log        *logger.Logger
}

type Option func(*Handler)

// WithJobTimeout bounds the completion wait of each job.
func WithJobTimeout(d time.Duration) Option {
	return func(h *Handler) { h.jobTimeout = d }
}

func WithLogger(l *logger.Logger) Option {
	return func(h *Handler) { h.log = l }
}

func New(registry *graphapi.Registry, binder *graphapi.Binder, c *client.ComfyClient, publisher transfer.Publisher, opts ...Option) *Handler {
	h := &Handler{
		registry:   registry,
		binder:     binder,
		client:     c,
		publisher:  publisher,
		jobTimeout: client.DefaultJobTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	if h.publisher == nil {
		h.publisher = transfer.InlinePublisher{}
	}
	if h.log == nil {
		h.log = logger.Discard()
	}
	h.log = h.log.WithComponent("handler")
	return h
}

// Run executes a job end to end and returns the published result.
func (h *Handler) Run(ctx context.Context, in JobInput) (*Output, error) {
	start := time.Now()
	variant := in.Variant()
	log := h.log.FromContext(ctx).WithVariant(variant)

	if err := in.Validate(); err != nil {
		return nil, err
	}
	tmpl, err := h.registry.Template(variant)
	if err != nil {
		return nil, err
	}
	if e := h.client.Engine(); e != nil && !e.Ready() {
		return nil, errors.Unavailable("render engine").WithField("engine_state", e.State().String())
	}

	inst, err := h.binder.Bind(ctx, tmpl, in.BoundRequest())
	if err != nil {
		return nil, err
	}
	seed, _ := inst.Seed()
	log.Info("job bound", "template", tmpl.Name(), "conditioning", tmpl.Conditioning().String(), "seed", seed)

	job, err := h.client.QueuePrompt(ctx, inst)
	if err != nil {
		return nil, err
	}
	log = log.WithPromptID(job.PromptID)

	artifact, err := h.client.AwaitCompletion(ctx, job, h.jobTimeout)
	if err != nil {
		return nil, withPromptID(err, job.PromptID)
	}

	pub, err := h.publisher.Publish(ctx, artifact.Data, artifact.Filename())
	if err != nil {
		return nil, withPromptID(err, job.PromptID)
	}

	out := &Output{
		VideoBase64: pub.VideoBase64,
		Filename:    pub.Filename,
		VideoURL:    pub.URL,
		Demo:        pub.Demo,
		PromptID:    job.PromptID,
		Seed:        &seed,
		ModelType:   tmpl.Name(),
	}
	log.Info("job completed",
		"strategy", h.publisher.Strategy(),
		"filename", artifact.Filename(),
		"bytes", len(artifact.Data),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// Handle is Run with every error, including a panic, converted to an error Output.
func (h *Handler) Handle(ctx context.Context, in JobInput) (out *Output) {
	log := h.log.FromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			out = &Output{Error: fmt.Sprintf("internal error: %v", r), ErrorCode: string(errors.CodeInternal)}
		}
	}()

	res, err := h.Run(ctx, in)
	if err != nil {
		switch {
		case errors.IsRequestError(err):
			log.Warn("job rejected", "model_type", in.Variant(), "error", err.Error())
		case errors.IsCode(err, errors.CodeTimeout):
			log.Warn("job timed out", "model_type", in.Variant(), "fields", errors.GetFields(err))
		default:
			log.Error("job failed", "model_type", in.Variant(), "code", string(errors.GetCode(err)), "error", err.Error())
		}
		return ErrorOutput(err)
	}
	return res
}

func withPromptID(err error, promptID string) error {
	var e *errors.Error
	if errors.As(err, &e) {
		if _, ok := e.Fields["prompt_id"]; !ok {
			e.WithField("prompt_id", promptID)
		}
		return err
	}
	return errors.Wrap(err, "handler.Run", "job failed").WithField("prompt_id", promptID)
}
