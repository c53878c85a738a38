package graphapi

import (
	"context"
	"time"

	"github.com/richinsley/comfy2video/internal/pkg/errors"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
)

const (
	DefaultNegativePrompt = "blurry, low quality, distorted"
	DefaultStrength       = 0.8
	DefaultFPS            = 24
)

// BoundRequest carries the caller-supplied parameters. Zero numeric fields keep
// the template's value.
type BoundRequest struct {
	Prompt string
	// NegativePrompt nil means the binder default; a pointer to "" is honored.
	NegativePrompt *string
	// Seed nil or negative means derive from the current time.
	Seed   *int64
	Width  int
	Height int
	Steps  int
	CFG    float64
	// Strength is the sampler denoise for image-conditioned variants. Ignored otherwise.
	Strength *float64
	FPS      float64
	// Frames sets the latent batch (frame count) for text-conditioned variants.
	Frames int
	// Image is a URL or inline payload handed to the ImageMaterializer.
	Image string
}

// ImageMaterializer turns an image source into a file name the engine can load.
type ImageMaterializer interface {
	Materialize(ctx context.Context, source string) (string, error)
}

// Binder fills a template copy with request parameters.
type Binder struct {
	negativePrompt string
	strength       float64
	fps            float64
	materializer   ImageMaterializer
	now            func() time.Time
	log            *logger.Logger
}

type BinderOption func(*Binder)

func WithDefaultNegativePrompt(s string) BinderOption {
	return func(b *Binder) { b.negativePrompt = s }
}

func WithMaterializer(m ImageMaterializer) BinderOption {
	return func(b *Binder) { b.materializer = m }
}

func WithClock(now func() time.Time) BinderOption {
	return func(b *Binder) { b.now = now }
}

func WithBinderLogger(l *logger.Logger) BinderOption {
	return func(b *Binder) { b.log = l }
}

func NewBinder(opts ...BinderOption) *Binder {
	b := &Binder{
		negativePrompt: DefaultNegativePrompt,
		strength:       DefaultStrength,
		fps:            DefaultFPS,
		now:            time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = logger.Discard()
	}
	b.log = b.log.WithComponent("binder")
	return b
}

func (b *Binder) validate(t *GraphTemplate, req BoundRequest) error {
	if req.Prompt == "" {
		return errors.ValidationField("prompt", "prompt is required")
	}
	if req.Width < 0 || req.Height < 0 {
		return errors.ValidationField("width", "width and height must not be negative")
	}
	if req.Steps < 0 {
		return errors.ValidationField("steps", "steps must not be negative")
	}
	if req.CFG < 0 {
		return errors.ValidationField("cfg", "cfg must not be negative")
	}
	if req.FPS < 0 {
		return errors.ValidationField("fps", "fps must not be negative")
	}
	if req.Frames < 0 {
		return errors.ValidationField("frames", "frame count must not be negative")
	}
	if t.ImageConditioned() {
		if req.Image == "" {
			return errors.MissingImage(t.Name())
		}
		if req.Strength != nil && (*req.Strength <= 0 || *req.Strength > 1) {
			return errors.ValidationField("strength", "strength must be in (0, 1]")
		}
	}
	return nil
}

// Bind deep-copies t and applies req. The template is never modified.
// Errors are request-validation errors except INVALID_TEMPLATE and materializer failures.
func (b *Binder) Bind(ctx context.Context, t *GraphTemplate, req BoundRequest) (*GraphInstance, error) {
	if err := b.validate(t, req); err != nil {
		return nil, err
	}

	inst := t.Instantiate()
	set := func(n *Node, name string, v interface{}) error {
		if err := n.SetLiteral(name, v); err != nil {
			return invalidTemplate(t.Name(), "%v", err)
		}
		return nil
	}

	pos, err := inst.PositiveEncoder()
	if err != nil {
		return nil, err
	}
	negative := b.negativePrompt
	if req.NegativePrompt != nil {
		negative = *req.NegativePrompt
	}
	for _, enc := range inst.NodesByRole(RolePromptEncoder) {
		text := negative
		if enc.ID == pos.ID {
			text = req.Prompt
		}
		if err := set(enc, "text", text); err != nil {
			return nil, err
		}
	}

	if inst.Conditioning() == TextConditioned {
		for _, sizer := range inst.NodesByRole(RoleLatentSizer) {
			if req.Width > 0 {
				if err := set(sizer, "width", req.Width); err != nil {
					return nil, err
				}
			}
			if req.Height > 0 {
				if err := set(sizer, "height", req.Height); err != nil {
					return nil, err
				}
			}
			if req.Frames > 0 {
				field := "batch_size"
				if sizer.HasInput("length") {
					field = "length"
				}
				if err := set(sizer, field, req.Frames); err != nil {
					return nil, err
				}
			}
		}
	}

	sampler := inst.Sampler()
	seed := b.now().Unix()
	if req.Seed != nil && *req.Seed >= 0 {
		seed = *req.Seed
	}
	if err := set(sampler, "seed", seed); err != nil {
		return nil, err
	}
	if req.Steps > 0 {
		if err := set(sampler, "steps", req.Steps); err != nil {
			return nil, err
		}
	}
	if req.CFG > 0 {
		if err := set(sampler, "cfg", req.CFG); err != nil {
			return nil, err
		}
	}
	if inst.Conditioning() == ImageConditioned {
		strength := b.strength
		if req.Strength != nil {
			strength = *req.Strength
		}
		if err := set(sampler, "denoise", strength); err != nil {
			return nil, err
		}
	}

	fps := b.fps
	if req.FPS > 0 {
		fps = req.FPS
	}
	for _, mux := range inst.NodesByRole(RoleVideoMuxer) {
		if mux.HasInput("fps") || !mux.HasInput("frame_rate") {
			if err := set(mux, "fps", fps); err != nil {
				return nil, err
			}
		}
		if mux.HasInput("frame_rate") {
			if err := set(mux, "frame_rate", fps); err != nil {
				return nil, err
			}
		}
	}

	if inst.Conditioning() == ImageConditioned {
		if b.materializer == nil {
			return nil, errors.New(errors.CodeInternal, "binder has no image materializer")
		}
		name, err := b.materializer.Materialize(ctx, req.Image)
		if err != nil {
			return nil, errors.Wrap(err, "graphapi.Bind", "materialize source image")
		}
		for _, loader := range inst.NodesByRole(RoleImageLoader) {
			if err := set(loader, "image", name); err != nil {
				return nil, err
			}
		}
		b.log.Debug("materialized source image", "template", t.Name(), "image", name)
	}

	return inst, nil
}

// Seed returns the bound sampler seed.
func (g *GraphInstance) Seed() (int64, bool) {
	v, ok := g.Sampler().Input("seed")
	if !ok {
		return 0, false
	}
	return v.Int()
}
