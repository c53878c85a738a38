package handler

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/richinsley/comfy2video/graphapi"
	"github.com/richinsley/comfy2video/internal/pkg/errors"
)

// DefaultModelType is used when a job names no variant.
const DefaultModelType = graphapi.VariantWan22T2V

const (
	MaxDurationSeconds = 600
	MaxFPS             = 240
	MaxFrames          = MaxDurationSeconds * MaxFPS
)

// JobInput is the caller-facing job request. Only Prompt is required, plus
// ImageData for image-conditioned variants.
type JobInput struct {
	ModelType      string   `json:"model_type,omitempty"`
	Prompt         string   `json:"prompt"`
	NegativePrompt *string  `json:"negative_prompt,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	Steps          int      `json:"steps,omitempty"`
	CFG            float64  `json:"cfg,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	FPS            float64  `json:"fps,omitempty"`
	Duration       float64  `json:"duration,omitempty"`
	Frames         int      `json:"frames,omitempty"`
	Strength       *float64 `json:"strength,omitempty"`
	ImageData      string   `json:"image_data,omitempty"`
}

// UnmarshalJSON also accepts the older "workflow" and "input_image" keys.
func (in *JobInput) UnmarshalJSON(b []byte) error {
	type plain JobInput
	var aux struct {
		plain
		Workflow   string `json:"workflow"`
		InputImage string `json:"input_image"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*in = JobInput(aux.plain)
	if in.ModelType == "" {
		in.ModelType = aux.Workflow
	}
	if in.ImageData == "" {
		in.ImageData = aux.InputImage
	}
	return nil
}

// DecodeJobInput parses a raw job payload. Malformed JSON is a validation error.
func DecodeJobInput(data []byte) (JobInput, error) {
	var in JobInput
	if err := json.Unmarshal(data, &in); err != nil {
		return JobInput{}, errors.WrapWithCode(err, errors.CodeValidation, "handler.DecodeJobInput", "malformed job input")
	}
	return in, nil
}

// Variant returns the requested model variant, defaulting to DefaultModelType.
func (in JobInput) Variant() string {
	if v := strings.TrimSpace(in.ModelType); v != "" {
		return v
	}
	return DefaultModelType
}

// FrameCount is Frames when set, else round(Duration * fps). Zero keeps the template value.
func (in JobInput) FrameCount() int {
	if in.Frames > 0 {
		return in.Frames
	}
	if in.Duration <= 0 {
		return 0
	}
	fps := in.FPS
	if fps <= 0 {
		fps = graphapi.DefaultFPS
	}
	return int(math.Round(in.Duration * fps))
}

// Validate checks the fields the binder does not see.
func (in JobInput) Validate() error {
	if strings.TrimSpace(in.Prompt) == "" {
		return errors.ValidationField("prompt", "prompt is required")
	}
	if in.Duration < 0 || math.IsNaN(in.Duration) || math.IsInf(in.Duration, 0) {
		return errors.ValidationField("duration", "duration must be a positive number of seconds")
	}
	if in.Duration > MaxDurationSeconds {
		return errors.ValidationField("duration", fmt.Sprintf("duration must not exceed %d seconds", MaxDurationSeconds))
	}
	if in.FPS < 0 || in.FPS > MaxFPS || math.IsNaN(in.FPS) {
		return errors.ValidationField("fps", fmt.Sprintf("fps must be between 0 and %d", MaxFPS))
	}
	if in.Frames < 0 || in.Frames > MaxFrames {
		return errors.ValidationField("frames", fmt.Sprintf("frames must be between 0 and %d", MaxFrames))
	}
	return nil
}

// BoundRequest maps the job onto binder parameters.
func (in JobInput) BoundRequest() graphapi.BoundRequest {
	return graphapi.BoundRequest{
		Prompt:         in.Prompt,
		NegativePrompt: in.NegativePrompt,
		Seed:           in.Seed,
		Width:          in.Width,
		Height:         in.Height,
		Steps:          in.Steps,
		CFG:            in.CFG,
		Strength:       in.Strength,
		FPS:            in.FPS,
		Frames:         in.FrameCount(),
		Image:          in.ImageData,
	}
}
