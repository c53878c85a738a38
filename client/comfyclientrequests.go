package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"

	"github.com/richinsley/comfy2video/graphapi"
	"github.com/richinsley/comfy2video/internal/pkg/errors"
)

/*
Engine routes used here:

@routes.get("/view")
@routes.get("/system_stats")
@routes.get("/prompt")
@routes.get("/object_info")
@routes.get("/history/{prompt_id}")

@routes.post("/prompt")
@routes.post("/interrupt")
@routes.post("/upload/image")
*/

// maxDiagnosticBody caps how much of an error body is kept as a diagnostic.
const maxDiagnosticBody = 64 << 10

// httpStatusError is a non-2xx engine response.
type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("engine returned %d: %s", e.Status, e.Body)
}

// do runs a request against the engine and decodes a JSON response into out.
func (c *ComfyClient) do(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.engine.endpoint(path, q), body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticBody))
		return &httpStatusError{Status: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	retv := &SystemStats{}
	if err := c.do(ctx, http.MethodGet, "/system_stats", nil, nil, "", retv); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "client.GetSystemStats", "system stats request failed")
	}
	return retv, nil
}

func (c *ComfyClient) GetQueueExecutionInfo(ctx context.Context) (*QueueExecInfo, error) {
	queueExec := &QueueExecInfo{}
	if err := c.do(ctx, http.MethodGet, "/prompt", nil, nil, "", queueExec); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "client.GetQueueExecutionInfo", "queue info request failed")
	}
	return queueExec, nil
}

// GetObjectInfos returns the engine's node class catalogue keyed by class_type.
func (c *ComfyClient) GetObjectInfos(ctx context.Context) (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage)
	if err := c.do(ctx, http.MethodGet, "/object_info", nil, nil, "", &result); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "client.GetObjectInfos", "object info request failed")
	}
	return result, nil
}

// MissingNodeClasses lists the class types used by a template that the engine does not provide.
func (c *ComfyClient) MissingNodeClasses(ctx context.Context, tmpl *graphapi.GraphTemplate) ([]string, error) {
	infos, err := c.GetObjectInfos(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var missing []string
	for _, id := range tmpl.NodeIDs() {
		n, _ := tmpl.Node(id)
		if _, ok := infos[n.ClassType]; ok || seen[n.ClassType] {
			continue
		}
		seen[n.ClassType] = true
		missing = append(missing, n.ClassType)
	}
	sort.Strings(missing)
	return missing, nil
}

// GetPromptHistory returns the history entry for a prompt. found is false while
// the engine has no record of the prompt finishing.
func (c *ComfyClient) GetPromptHistory(ctx context.Context, promptID string) (entry *HistoryEntry, found bool, err error) {
	history := make(map[string]HistoryEntry)
	if err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, nil, "", &history); err != nil {
		return nil, false, err
	}
	h, ok := history[promptID]
	if !ok {
		return nil, false, nil
	}
	return &h, true, nil
}

// GetArtifact downloads an output file through /view.
func (c *ComfyClient) GetArtifact(ctx context.Context, out DataOutput) ([]byte, string, error) {
	params := url.Values{}
	params.Add("filename", out.Filename)
	params.Add("subfolder", out.Subfolder)
	t := out.Type
	if t == "" {
		t = string(OutputImageType)
	}
	params.Add("type", t)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.engine.endpoint("/view", params), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticBody))
		return nil, "", &httpStatusError{Status: resp.StatusCode, Body: string(b)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// QueuePrompt submits a bound graph. A non-2xx answer or a missing prompt_id is a
// SUBMISSION_ERROR with the engine's body in the "diagnostic" field.
func (c *ComfyClient) QueuePrompt(ctx context.Context, inst *graphapi.GraphInstance) (*RemoteJob, error) {
	data, err := json.Marshal(inst.Prompt(c.clientid))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeSubmission, "client.QueuePrompt", "encode prompt")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.engine.endpoint("/prompt", nil), bytes.NewReader(data))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeSubmission, "client.QueuePrompt", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeSubmission, "client.QueuePrompt", "engine unreachable")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, submissionError(resp.StatusCode, body)
	}

	item := newRemoteJob()
	if err := json.Unmarshal(body, item); err != nil || item.PromptID == "" {
		return nil, submissionError(resp.StatusCode, body)
	}

	c.track(item)
	c.log.Info("prompt queued", "prompt_id", item.PromptID, "number", item.Number, "template", inst.TemplateName())
	return item, nil
}

func submissionError(status int, body []byte) error {
	msg := "engine rejected prompt"
	perror := &PromptErrorMessage{}
	var diagnostic interface{} = string(body)
	if err := json.Unmarshal(body, perror); err == nil {
		if perror.Error.Message != "" {
			msg = perror.Error.Message
		}
		var raw map[string]interface{}
		if json.Unmarshal(body, &raw) == nil {
			diagnostic = raw
		}
	}
	if status >= 200 && status <= 299 {
		msg = "engine response has no prompt_id"
	}
	return errors.New(errors.CodeSubmission, msg).
		WithField("status", status).
		WithField("diagnostic", diagnostic)
}

// Interrupt stops whatever the engine is executing right now.
func (c *ComfyClient) Interrupt(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/interrupt", nil, bytes.NewReader([]byte("{}")), "application/json", nil); err != nil {
		return errors.Wrap(err, "client.Interrupt", "interrupt request failed")
	}
	return nil
}
