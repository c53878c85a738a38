package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/richinsley/comfy2video/internal/pkg/errors"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
)

// EngineState is the lifecycle of an engine handle.
type EngineState int

const (
	EngineStopped EngineState = iota
	EngineStarting
	EngineReady
	EngineShutdown
	EngineFailed
)

func (s EngineState) String() string {
	switch s {
	case EngineStopped:
		return "stopped"
	case EngineStarting:
		return "starting"
	case EngineReady:
		return "ready"
	case EngineShutdown:
		return "shutdown"
	case EngineFailed:
		return "failed"
	}
	return "unknown"
}

// Engine is an explicitly owned handle to a render engine. An external engine is
// only probed for readiness; a managed engine is also launched and stopped by
// this handle.
type Engine struct {
	base       *url.URL
	command    string
	args       []string
	httpclient *http.Client
	log        *logger.Logger
	probeEvery time.Duration

	mu      sync.RWMutex
	state   EngineState
	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
}

type EngineOption func(*Engine)

func WithEngineHTTPClient(c *http.Client) EngineOption {
	return func(e *Engine) { e.httpclient = c }
}

func WithEngineLogger(l *logger.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithProbeInterval sets how often WaitReady polls /system_stats.
func WithProbeInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.probeEvery = d }
}

// NewEngine returns a handle to an engine that is started and stopped elsewhere.
func NewEngine(baseURL string, opts ...EngineOption) (*Engine, error) {
	return newEngine(baseURL, "", nil, opts...)
}

// NewManagedEngine returns a handle that launches command with args on Start and
// terminates it on Shutdown.
func NewManagedEngine(baseURL, command string, args []string, opts ...EngineOption) (*Engine, error) {
	if command == "" {
		return nil, errors.Validation("managed engine needs a command")
	}
	return newEngine(baseURL, command, args, opts...)
}

func newEngine(baseURL, command string, args []string, opts ...EngineOption) (*Engine, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Host == "" {
		return nil, errors.Validationf("invalid engine base url %q", baseURL)
	}

	e := &Engine{
		base:       u,
		command:    command,
		args:       args,
		httpclient: &http.Client{Timeout: 30 * time.Second},
		probeEvery: time.Second,
		state:      EngineStopped,
	}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = logger.Discard()
	}
	e.log = e.log.WithComponent("engine")
	return e, nil
}

// BaseURL is the engine's HTTP root.
func (e *Engine) BaseURL() string { return e.base.String() }

// Managed reports whether this handle owns the engine process.
func (e *Engine) Managed() bool { return e.command != "" }

// State returns the current lifecycle state.
func (e *Engine) State() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Ready reports whether the engine has passed its readiness probe.
func (e *Engine) Ready() bool { return e.State() == EngineReady }

// endpoint builds an absolute URL for an engine API path.
func (e *Engine) endpoint(p string, q url.Values) string {
	u := *e.base
	u.Path = strings.TrimRight(u.Path, "/") + p
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// wsEndpoint is the progress websocket URL for a client id.
func (e *Engine) wsEndpoint(clientID string) string {
	u := *e.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()
	return u.String()
}

// Start moves a stopped engine to Starting, launching the process when managed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != EngineStopped {
		st := e.state
		e.mu.Unlock()
		return errors.Newf(errors.CodeUnavailable, "engine cannot start from state %s", st)
	}

	if e.command != "" {
		// the engine outlives ctx; only Shutdown stops it
		cmd := exec.Command(e.command, e.args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			e.state = EngineFailed
			e.mu.Unlock()
			return errors.WrapWithCode(err, errors.CodeUnavailable, "engine.Start", "launch engine process")
		}
		e.cmd = cmd
		e.exited = make(chan struct{})
		go e.reap(cmd, e.exited)
		e.log.Info("engine process launched", "command", e.command, "pid", cmd.Process.Pid)
	}
	e.state = EngineStarting
	e.mu.Unlock()
	e.log.Info("engine state changed", "from", EngineStopped.String(), "to", EngineStarting.String())
	return nil
}

func (e *Engine) reap(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	e.mu.Lock()
	e.exitErr = err
	shuttingDown := e.state == EngineShutdown
	if !shuttingDown {
		e.state = EngineFailed
	}
	e.mu.Unlock()
	close(exited)
	if !shuttingDown {
		e.log.Error("engine process exited unexpectedly", "error", fmt.Sprint(err))
	}
}

// probe performs a single readiness check.
func (e *Engine) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint("/system_stats", nil), nil)
	if err != nil {
		return err
	}
	resp, err := e.httpclient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("system_stats returned %d", resp.StatusCode)
	}
	var stats SystemStats
	return json.NewDecoder(resp.Body).Decode(&stats)
}

// WaitReady polls the engine until it answers, the timeout elapses, or a managed
// process exits. A stopped handle is started first. A handle that failed only
// because a previous wait timed out is probed again.
func (e *Engine) WaitReady(ctx context.Context, timeout time.Duration) error {
	switch st := e.State(); st {
	case EngineReady:
		return nil
	case EngineStopped:
		if err := e.Start(ctx); err != nil {
			return err
		}
	case EngineFailed:
		if !e.retry() {
			return errors.Newf(errors.CodeUnavailable, "engine is %s", st)
		}
	case EngineShutdown:
		return errors.Newf(errors.CodeUnavailable, "engine is %s", st)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	e.mu.RLock()
	exited := e.exited
	e.mu.RUnlock()

	ticker := time.NewTicker(e.probeEvery)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		err := e.probe(ctx)
		if err == nil {
			e.mu.Lock()
			if e.state == EngineStarting {
				e.state = EngineReady
			}
			st := e.state
			e.mu.Unlock()
			if st != EngineReady {
				return errors.Newf(errors.CodeUnavailable, "engine is %s", st)
			}
			e.log.Info("engine ready", "base_url", e.BaseURL(), "attempts", attempts)
			return nil
		}
		e.log.Debug("engine not ready", "attempt", attempts, "error", err.Error())

		select {
		case <-ctx.Done():
			e.failIfStarting()
			return errors.WrapWithCode(ctx.Err(), errors.CodeTimeout, "engine.WaitReady", "engine did not become ready")
		case <-exited:
			return errors.WrapWithCode(e.exitError(), errors.CodeUnavailable, "engine.WaitReady", "engine process exited before ready")
		case <-ticker.C:
		}
	}
}

// retry moves a failed handle back to Starting. A managed handle whose process
// is gone stays failed.
func (e *Engine) retry() bool {
	e.mu.Lock()
	if e.state != EngineFailed {
		ok := e.state == EngineStarting || e.state == EngineReady
		e.mu.Unlock()
		return ok
	}
	if e.command != "" {
		if e.exited == nil {
			e.mu.Unlock()
			return false
		}
		select {
		case <-e.exited:
			e.mu.Unlock()
			return false
		default:
		}
	}
	e.state = EngineStarting
	e.mu.Unlock()
	e.log.Info("engine state changed", "from", EngineFailed.String(), "to", EngineStarting.String())
	return true
}

func (e *Engine) failIfStarting() {
	e.mu.Lock()
	moved := e.state == EngineStarting
	if moved {
		e.state = EngineFailed
	}
	e.mu.Unlock()
	if moved {
		e.log.Info("engine state changed", "from", EngineStarting.String(), "to", EngineFailed.String())
	}
}

func (e *Engine) exitError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.exitErr != nil {
		return e.exitErr
	}
	return fmt.Errorf("exit status 0")
}

// Shutdown moves the handle to its terminal state. A managed process is sent an
// interrupt and killed if it has not exited when ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.state == EngineShutdown {
		e.mu.Unlock()
		return nil
	}
	e.state = EngineShutdown
	cmd, exited := e.cmd, e.exited
	e.mu.Unlock()
	e.log.Info("engine shutting down", "managed", e.Managed())

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-exited:
		return nil
	default:
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
	}

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		e.log.Warn("engine did not exit in time, killing")
		if err := cmd.Process.Kill(); err != nil {
			return errors.Wrap(err, "engine.Shutdown", "kill engine process")
		}
		<-exited
		return nil
	}
}
