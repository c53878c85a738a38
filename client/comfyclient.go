package client

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
)

const (
	DefaultPollInterval           = 2 * time.Second
	DefaultJobTimeout             = 600 * time.Second
	DefaultMaxTransientFailures   = 5
	DefaultProgressConnectTimeout = 15 * time.Second
)

type QueuedItemStoppedReason string

const (
	QueuedItemStoppedReasonFinished    QueuedItemStoppedReason = "finished"
	QueuedItemStoppedReasonInterrupted QueuedItemStoppedReason = "interrupted"
	QueuedItemStoppedReasonError       QueuedItemStoppedReason = "error"
	QueuedItemStoppedReasonTimeout     QueuedItemStoppedReason = "timeout"
)

// ComfyClientCallbacks are optional hooks. They are informational: completion is
// always decided by polling history, never by the progress stream.
type ComfyClientCallbacks struct {
	ClientQueueCountChanged func(*ComfyClient, int)
	QueuedItemStarted       func(*ComfyClient, *RemoteJob)
	QueuedItemStopped       func(*ComfyClient, *RemoteJob, QueuedItemStoppedReason)
	QueuedItemProgress      func(*ComfyClient, *RemoteJob, ProgressEvent)
}

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend
type ComfyClient struct {
	engine          *Engine
	clientid        string
	httpclient      *http.Client
	callbacks       *ComfyClientCallbacks
	log             *logger.Logger
	pollInterval    time.Duration
	backoffMax      time.Duration
	maxTransient    int
	progressConnect time.Duration

	mu          sync.Mutex
	queueditems map[string]*RemoteJob
	queuecount  int
	progress    *ProgressStream
}

type Option func(*ComfyClient)

// WithPollInterval sets the history poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *ComfyClient) { c.pollInterval = d }
}

// WithBackoffMax enables exponential poll backoff capped at d. Zero keeps a fixed interval.
func WithBackoffMax(d time.Duration) Option {
	return func(c *ComfyClient) { c.backoffMax = d }
}

// WithMaxTransientFailures caps consecutive failed polls before AwaitCompletion gives up.
func WithMaxTransientFailures(n int) Option {
	return func(c *ComfyClient) { c.maxTransient = n }
}

// WithProgressConnectTimeout bounds how long StartProgress waits for the first
// websocket connection.
func WithProgressConnectTimeout(d time.Duration) Option {
	return func(c *ComfyClient) { c.progressConnect = d }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *ComfyClient) { c.httpclient = h }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *ComfyClient) { c.log = l }
}

func WithCallbacks(cb *ComfyClientCallbacks) Option {
	return func(c *ComfyClient) { c.callbacks = cb }
}

func WithClientID(id string) Option {
	return func(c *ComfyClient) { c.clientid = id }
}

// NewComfyClient creates a client bound to an engine handle.
func NewComfyClient(engine *Engine, opts ...Option) *ComfyClient {
	c := &ComfyClient{
		engine:       engine,
		clientid:     uuid.New().String(),
		httpclient:   &http.Client{Timeout: 60 * time.Second},
		pollInterval: DefaultPollInterval,
		maxTransient: DefaultMaxTransientFailures,
		queueditems:  make(map[string]*RemoteJob),
	}
	for _, o := range opts {
		o(c)
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.maxTransient <= 0 {
		c.maxTransient = DefaultMaxTransientFailures
	}
	if c.progressConnect <= 0 {
		c.progressConnect = DefaultProgressConnectTimeout
	}
	if c.log == nil {
		c.log = logger.Discard()
	}
	c.log = c.log.WithComponent("comfyclient")
	return c
}

// ClientID returns the unique client ID for the connection to the ComfyUI backend
func (c *ComfyClient) ClientID() string {
	return c.clientid
}

// Engine returns the engine handle the client talks to.
func (c *ComfyClient) Engine() *Engine {
	return c.engine
}

// return the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

// set the underlying http client
func (c *ComfyClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

// QueueCount is the engine queue depth last reported on the progress stream.
func (c *ComfyClient) QueueCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuecount
}

// GetQueuedItem returns a RemoteJob submitted by this client that has not reached
// a terminal state yet.
func (c *ComfyClient) GetQueuedItem(promptID string) *RemoteJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueditems[promptID]
}

func (c *ComfyClient) track(job *RemoteJob) {
	c.mu.Lock()
	c.queueditems[job.PromptID] = job
	c.mu.Unlock()
}

// finish drops a terminal job from the in-flight set and fires QueuedItemStopped.
func (c *ComfyClient) finish(job *RemoteJob, reason QueuedItemStoppedReason) {
	c.mu.Lock()
	delete(c.queueditems, job.PromptID)
	c.mu.Unlock()
	if c.callbacks != nil && c.callbacks.QueuedItemStopped != nil {
		c.callbacks.QueuedItemStopped(c, job, reason)
	}
}

func (c *ComfyClient) markRunning(job *RemoteJob) {
	if job.transition(JobRunning) && c.callbacks != nil && c.callbacks.QueuedItemStarted != nil {
		c.callbacks.QueuedItemStarted(c, job)
	}
}
