package client

import (
	"context"
	"time"

	"github.com/richinsley/comfy2video/internal/pkg/errors"
)

// AwaitCompletion polls /history until the job yields a video artifact, the
// engine reports a failure, or timeout elapses. It then downloads the artifact.
//
//   - no terminal state before the deadline: TIMEOUT, job state TimedOut. The
//     remote prompt is not cancelled and may keep running.
//   - explicit engine failure: REMOTE_EXECUTION_ERROR with the engine payload
//     in the "diagnostic" field.
//   - more than the configured number of consecutive failed polls: POLLING_ERROR.
//
// With a backoff cap set, the interval doubles after every pending poll up to
// the cap. No sleep ever extends past the deadline.
func (c *ComfyClient) AwaitCompletion(ctx context.Context, job *RemoteJob, timeout time.Duration) (*Artifact, error) {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	deadline := time.Now().Add(timeout)
	pollCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	log := c.log.WithPromptID(job.PromptID)
	interval := c.pollInterval
	failures := 0

	for {
		artifact, done, err := c.poll(pollCtx, job)
		switch {
		case done:
			return artifact, err
		case err != nil:
			if pollCtx.Err() != nil {
				return nil, c.stopWaiting(ctx, job, timeout)
			}
			failures++
			log.Warn("poll failed", "attempt_failures", failures, "error", err.Error())
			if failures > c.maxTransient {
				job.fail(map[string]interface{}{"polling_error": err.Error()})
				c.finish(job, QueuedItemStoppedReasonError)
				return nil, errors.WrapWithCode(err, errors.CodePolling, "client.AwaitCompletion",
					"too many consecutive polling failures").
					WithField("prompt_id", job.PromptID).
					WithField("failures", failures)
			}
		default:
			failures = 0
		}

		wait := interval
		if remaining := time.Until(deadline); wait > remaining {
			wait = remaining
		}
		if wait <= 0 {
			return nil, c.stopWaiting(ctx, job, timeout)
		}

		timer := time.NewTimer(wait)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			return nil, c.stopWaiting(ctx, job, timeout)
		case <-timer.C:
		}

		if c.backoffMax > 0 && err == nil {
			interval *= 2
			if interval > c.backoffMax {
				interval = c.backoffMax
			}
		}
	}
}

// poll performs one history check. done means the wait is over, with either an
// artifact or a terminal error. A non-nil err with done false is transient.
func (c *ComfyClient) poll(ctx context.Context, job *RemoteJob) (*Artifact, bool, error) {
	entry, found, err := c.GetPromptHistory(ctx, job.PromptID)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	c.markRunning(job)

	if entry.Status.Failed() {
		diag := entry.Status.Diagnostic()
		job.fail(diag)
		c.finish(job, QueuedItemStoppedReasonError)
		msg := "engine reported execution failure"
		if m, ok := diag["exception_message"].(string); ok && m != "" {
			msg = m
		}
		return nil, true, errors.New(errors.CodeRemoteExecution, msg).
			WithField("prompt_id", job.PromptID).
			WithField("diagnostic", diag)
	}

	out, nodeID, ok := entry.FindArtifact()
	if !ok {
		if entry.Status.Completed {
			diag := map[string]interface{}{"status": entry.Status.StatusStr, "outputs": entry.Outputs}
			job.fail(diag)
			c.finish(job, QueuedItemStoppedReasonError)
			return nil, true, errors.New(errors.CodeRemoteExecution, "engine finished without a video output").
				WithField("prompt_id", job.PromptID).
				WithField("diagnostic", diag)
		}
		return nil, false, nil
	}

	data, contentType, err := c.GetArtifact(ctx, out)
	if err != nil {
		// retried under the transient-failure cap
		return nil, false, err
	}
	job.complete(out)
	c.finish(job, QueuedItemStoppedReasonFinished)
	c.log.Info("artifact retrieved", "prompt_id", job.PromptID, "node", nodeID, "filename", out.Filename, "bytes", len(data))
	return &Artifact{Output: out, NodeID: nodeID, Data: data, ContentType: contentType}, true, nil
}

// stopWaiting ends a wait whose deadline or parent context is done.
func (c *ComfyClient) stopWaiting(parent context.Context, job *RemoteJob, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		c.log.Warn("wait cancelled", "prompt_id", job.PromptID, "error", err.Error())
		return errors.WrapWithCode(err, errors.CodeTimeout, "client.AwaitCompletion", "wait cancelled").
			WithField("prompt_id", job.PromptID)
	}
	job.transition(JobTimedOut)
	c.finish(job, QueuedItemStoppedReasonTimeout)
	c.log.Warn("job timed out, remote prompt left running", "prompt_id", job.PromptID, "timeout", timeout.String())
	return errors.Timeout("await completion").
		WithField("prompt_id", job.PromptID).
		WithField("timeout", timeout.String())
}
