package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/richinsley/comfy2video/internal/pkg/errors"
)

// ProgressEvent is a progress notification for a prompt submitted by this client.
type ProgressEvent struct {
	Type     string // started, executing, progress, executed, success, interrupted, error
	PromptID string
	Node     string
	Value    int
	Max      int
	Output   NodeOutput
	Error    *WSMessageExecutionError
}

// ProgressStream listens on the engine websocket and forwards events for this
// client's prompts to the QueuedItemProgress callback. It never decides completion.
type ProgressStream struct {
	client *ComfyClient
	ws     *WebSocketConnection
	cancel context.CancelFunc
	done   chan struct{}
}

// StartProgress opens the engine websocket for this client and blocks until the
// first connection succeeds, ctx is done, or the connect timeout elapses. On
// failure the stream is stopped and an UNAVAILABLE error returned. Once connected
// it reconnects in the background until StopProgress.
func (c *ComfyClient) StartProgress(ctx context.Context) error {
	c.mu.Lock()
	if c.progress != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	ps := &ProgressStream{client: c, cancel: cancel, done: make(chan struct{})}
	ps.ws = &WebSocketConnection{
		WebSocketURL: c.engine.wsEndpoint(c.clientid),
		MaxRetry:     -1,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Dialer:       websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		Callback:     ps,
		log:          c.log.WithComponent("progress"),
	}
	c.progress = ps
	c.mu.Unlock()

	connected := make(chan struct{})
	go func() {
		defer close(ps.done)
		_ = ps.ws.Run(runCtx, connected)
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, c.progressConnect)
	defer waitCancel()

	select {
	case <-connected:
		return nil
	case <-ps.done:
	case <-waitCtx.Done():
	}
	c.StopProgress()
	return errors.New(errors.CodeUnavailable, "progress stream did not connect").
		WithField("url", ps.ws.WebSocketURL).
		WithField("timeout", c.progressConnect.String())
}

// StopProgress closes the websocket and waits for the reader to exit.
func (c *ComfyClient) StopProgress() {
	c.mu.Lock()
	ps := c.progress
	c.progress = nil
	c.mu.Unlock()
	if ps == nil {
		return
	}
	ps.cancel()
	<-ps.done
}

// OnMessage processes each message received from the websocket connection to ComfyUI.
func (ps *ProgressStream) OnMessage(msg string) {
	ps.client.OnWindowSocketMessage(msg)
}

// OnWindowSocketMessage parses a websocket message and turns it into a ProgressEvent
// for the matching in-flight job. Messages for other prompts are dropped.
func (c *ComfyClient) OnWindowSocketMessage(msg string) {
	message := &WSStatusMessage{}
	if err := json.Unmarshal([]byte(msg), message); err != nil {
		c.log.Warn("deserializing status message", "error", err.Error())
		return
	}

	var ev ProgressEvent
	switch s := message.Data.(type) {
	case *WSMessageDataStatus:
		c.mu.Lock()
		c.queuecount = s.Status.ExecInfo.QueueRemaining
		c.mu.Unlock()
		if c.callbacks != nil && c.callbacks.ClientQueueCountChanged != nil {
			c.callbacks.ClientQueueCountChanged(c, s.Status.ExecInfo.QueueRemaining)
		}
		return
	case *WSMessageDataExecutionStart:
		ev = ProgressEvent{Type: "started", PromptID: s.PromptID}
	case *WSMessageDataExecuting:
		if s.Node == nil {
			// final node was processed; history decides the outcome
			return
		}
		ev = ProgressEvent{Type: "executing", PromptID: s.PromptID, Node: *s.Node}
	case *WSMessageDataProgress:
		ev = ProgressEvent{Type: "progress", PromptID: s.PromptID, Node: s.Node, Value: s.Value, Max: s.Max}
	case *WSMessageDataExecuted:
		ev = ProgressEvent{Type: "executed", PromptID: s.PromptID, Node: s.Node, Output: s.Output}
	case *WSMessageExecutionSuccess:
		ev = ProgressEvent{Type: "success", PromptID: s.PromptID}
	case *WSMessageExecutionInterrupted:
		ev = ProgressEvent{Type: "interrupted", PromptID: s.PromptID, Node: s.Node}
	case *WSMessageExecutionError:
		ev = ProgressEvent{Type: "error", PromptID: s.PromptID, Node: s.Node, Error: s}
	default:
		return
	}

	job := c.GetQueuedItem(ev.PromptID)
	if job == nil && ev.PromptID != "" {
		return
	}
	if job == nil {
		// older engines omit prompt_id on progress; attribute to the only in-flight job
		job = c.soleQueuedItem()
		if job == nil {
			return
		}
		ev.PromptID = job.PromptID
	}

	if ev.Type == "started" || ev.Type == "executing" {
		c.markRunning(job)
	}
	c.log.Debug("progress", "prompt_id", ev.PromptID, "type", ev.Type, "node", ev.Node, "value", ev.Value, "max", ev.Max)
	if c.callbacks != nil && c.callbacks.QueuedItemProgress != nil {
		c.callbacks.QueuedItemProgress(c, job, ev)
	}
}

func (c *ComfyClient) soleQueuedItem() *RemoteJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queueditems) != 1 {
		return nil
	}
	for _, j := range c.queueditems {
		return j
	}
	return nil
}
