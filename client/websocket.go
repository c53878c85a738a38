package client

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
)

// Callback interface for handling incoming WebSocket messages
type WebSocketCallback interface {
	OnMessage(message string)
}

// WebSocketConnection keeps a websocket open, reconnecting with exponential
// backoff until its context is cancelled or MaxRetry consecutive dials fail.
type WebSocketConnection struct {
	WebSocketURL string
	MaxRetry     int
	Callback     WebSocketCallback

	// Exponential backoff configuration
	BaseDelay time.Duration // The initial delay, e.g., 1 second
	MaxDelay  time.Duration // The maximum delay, e.g., 1 minute
	Dialer    websocket.Dialer

	log        *logger.Logger
	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	retryCount int
}

// IsConnected reports whether a connection is currently open.
func (w *WebSocketConnection) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Run dials and reads messages until ctx is done. It returns when ctx is done or
// the retry budget is exhausted. firstConnect is closed after the first successful dial.
func (w *WebSocketConnection) Run(ctx context.Context, firstConnect chan<- struct{}) error {
	if w.log == nil {
		w.log = logger.Discard()
	}
	signalled := false

	for {
		conn, _, err := w.Dialer.DialContext(ctx, w.WebSocketURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("websocket connection attempt failed", "url", w.WebSocketURL, "error", err.Error())
			if w.MaxRetry >= 0 && w.retryCount >= w.MaxRetry {
				w.log.Error("websocket retries exhausted", "max_retry", w.MaxRetry)
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.getReconnectDelay()):
			}
			continue
		}

		w.mu.Lock()
		w.conn = conn
		w.connected = true
		w.retryCount = 0
		w.mu.Unlock()
		if !signalled && firstConnect != nil {
			close(firstConnect)
			signalled = true
		}

		w.handleMessages(ctx, conn)

		w.mu.Lock()
		w.connected = false
		w.conn = nil
		w.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Handle incoming WebSocket messages
func (w *WebSocketConnection) handleMessages(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("websocket read error", "error", err.Error())
			}
			return
		}
		// binary frames carry preview images
		if mt == websocket.TextMessage && w.Callback != nil {
			w.Callback.OnMessage(string(message))
		}
	}
}

// Ping sends a ping control frame on the open connection.
func (w *WebSocketConnection) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return websocket.ErrCloseSent
	}
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// exponential backoff calculation
func (w *WebSocketConnection) getReconnectDelay() time.Duration {
	// Calculate the delay as BaseDelay * 2^(RetryCount), capped at MaxDelay
	delay := w.BaseDelay * time.Duration(math.Pow(2, float64(w.retryCount)))
	if delay > w.MaxDelay || delay <= 0 {
		delay = w.MaxDelay
	}
	w.retryCount++ // Increment the retry counter for the next attempt
	return delay
}
