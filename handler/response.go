package handler

import (
	"github.com/richinsley/comfy2video/internal/pkg/errors"
)

// Output is the job result. On success it carries either VideoBase64 and
// Filename or VideoURL; on failure only the error fields are set.
type Output struct {
	VideoBase64 string `json:"video_base64,omitempty"`
	Filename    string `json:"filename,omitempty"`
	VideoURL    string `json:"video_url,omitempty"`
	Demo        bool   `json:"demo,omitempty"`

	PromptID  string `json:"prompt_id,omitempty"`
	Seed      *int64 `json:"seed,omitempty"`
	ModelType string `json:"model_type,omitempty"`

	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Failed reports whether the output describes an error.
func (o *Output) Failed() bool { return o.Error != "" }

// ErrorOutput converts err into a failure Output.
func ErrorOutput(err error) *Output {
	out := &Output{
		Error:     publicMessage(err),
		ErrorCode: string(errors.GetCode(err)),
	}
	if fields := errors.GetFields(err); len(fields) > 0 {
		out.Details = make(map[string]any, len(fields))
		for k, v := range fields {
			out.Details[k] = v
		}
	}
	return out
}

// publicMessage flattens a coded error chain into "msg: cause: cause" without
// codes or operation names.
func publicMessage(err error) string {
	var e *errors.Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + publicMessage(e.Err)
}
