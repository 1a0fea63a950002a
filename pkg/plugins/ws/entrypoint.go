// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/logging"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
	"golang.org/x/time/rate"
)

type Config struct {
	Port            int
	Path            string
	ReadLimit       int64
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	SendBuffer      int
	RateLimit       float64
	RateBurst       int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Entrypoint serves chat clients over WebSocket and doubles as the delivery
// channel the dispatcher answers through.
type Entrypoint struct {
	name     string
	cfg      Config
	upgrader websocket.Upgrader
	handler  core.EventHandler
	server   *http.Server
	logger   *slog.Logger
	frames   *logging.FrameLogger
	conns    sync.Map
	active   atomic.Int64
	wg       sync.WaitGroup
}

type closeFrame struct {
	code   int
	reason string
}

type outbound struct {
	payload []byte
	close   *closeFrame
}

type conn struct {
	id        string
	ws        *websocket.Conn
	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func New(name string, cfg Config, logger *slog.Logger, frames *logging.FrameLogger) *Entrypoint {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	e := &Entrypoint{
		name:   name,
		cfg:    cfg,
		logger: logger.With("component", "ws", "entrypoint", name),
		frames: frames,
	}
	e.upgrader = websocket.Upgrader{CheckOrigin: e.checkOrigin}
	return e
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "websocket" }

// Handler binds handler and returns the upgrade endpoint for mounting on an
// existing server.
func (e *Entrypoint) Handler(handler core.EventHandler) http.Handler {
	e.handler = handler
	return e
}

func (e *Entrypoint) Start(ctx context.Context, handler core.EventHandler) error {
	mux := http.NewServeMux()
	mux.Handle(e.cfg.Path, e.Handler(handler))

	e.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", e.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
		defer cancel()
		if err := e.Stop(shutdownCtx); err != nil {
			e.logger.Warn("websocket shutdown incomplete", "error", err)
		}
	}()

	e.logger.Info("websocket entrypoint starting", "port", e.cfg.Port, "path", e.cfg.Path)
	if err := e.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes every client with 1001 and waits for their handlers to finish.
func (e *Entrypoint) Stop(ctx context.Context) error {
	var err error
	if e.server != nil {
		err = e.server.Shutdown(ctx)
	}
	e.conns.Range(func(_, val any) bool {
		c := val.(*conn)
		_ = e.enqueue(ctx, c, outbound{close: &closeFrame{code: core.CloseGoingAway, reason: "server shutting down"}})
		return true
	})

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// ActiveConnections counts connections currently open.
func (e *Entrypoint) ActiveConnections() int {
	return int(e.active.Load())
}

// Send queues payload for connectionID. It blocks while the connection's
// buffer is full.
func (e *Entrypoint) Send(ctx context.Context, connectionID string, payload []byte) error {
	c, ok := e.lookup(connectionID)
	if !ok {
		return fmt.Errorf("%w: connection_id=%s", core.ErrConnectionNotFound, connectionID)
	}
	return e.enqueue(ctx, c, outbound{payload: payload})
}

// Close sends a close frame after everything already queued and then drops
// the connection.
func (e *Entrypoint) Close(ctx context.Context, connectionID string, code int, reason string) error {
	c, ok := e.lookup(connectionID)
	if !ok {
		return fmt.Errorf("%w: connection_id=%s", core.ErrConnectionNotFound, connectionID)
	}
	return e.enqueue(ctx, c, outbound{close: &closeFrame{code: code, reason: reason}})
}

func (e *Entrypoint) lookup(connectionID string) (*conn, bool) {
	val, ok := e.conns.Load(connectionID)
	if !ok {
		return nil, false
	}
	return val.(*conn), true
}

func (e *Entrypoint) enqueue(ctx context.Context, c *conn, out outbound) error {
	select {
	case c.send <- out:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: connection_id=%s", core.ErrConnectionNotFound, c.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Entrypoint) checkOrigin(r *http.Request) bool {
	if len(e.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(e.cfg.AllowedOrigins, "*") || slices.Contains(e.cfg.AllowedOrigins, origin)
}

func (e *Entrypoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("ws upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	e.wg.Add(1)
	defer e.wg.Done()

	ctx := r.Context()
	id := core.NewConnectionID()
	remote := core.ClientAddress(r)

	if err := e.handler.OnConnect(ctx, id, remote); err != nil {
		e.logger.Error("session creation failed", "connection_id", id, "error", err)
		deadline := time.Now().Add(e.cfg.WriteTimeout)
		_ = socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(core.CloseTryAgainLater, "session unavailable"), deadline)
		socket.Close()
		return
	}

	c := &conn{
		id:   id,
		ws:   socket,
		send: make(chan outbound, e.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	if e.cfg.RateLimit > 0 {
		burst := e.cfg.RateBurst
		if burst <= 0 {
			burst = int(e.cfg.RateLimit) + 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(e.cfg.RateLimit), burst)
	}
	e.conns.Store(id, c)
	e.active.Add(1)

	defer func() {
		e.conns.Delete(id)
		e.active.Add(-1)
		c.shutdown()
		e.handler.OnDisconnect(context.WithoutCancel(ctx), id)
		e.logger.Info("ws client disconnected", "connection_id", id)
	}()

	e.logger.Info("ws client connected", "connection_id", id, "remote_addr", remote)

	go e.writePump(c)
	e.readLoop(ctx, c)
}

// readLoop hands frames to the handler one at a time, so a connection's
// frames are processed in arrival order.
func (e *Entrypoint) readLoop(ctx context.Context, c *conn) {
	if e.cfg.ReadLimit > 0 {
		c.ws.SetReadLimit(e.cfg.ReadLimit)
	}
	if e.cfg.PingInterval > 0 {
		wait := 2 * e.cfg.PingInterval
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					e.logger.Warn("ws read error", "connection_id", c.id, "error", err)
				}
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			e.handler.OnRejected(ctx, c.id, core.Validation("rate limit exceeded"))
			continue
		}
		e.handler.OnMessage(ctx, c.id, payload)
	}
}

func (e *Entrypoint) writePump(c *conn) {
	var tick <-chan time.Time
	if e.cfg.PingInterval > 0 {
		ticker := time.NewTicker(e.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.shutdown()

	for {
		select {
		case out := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
			if out.close != nil {
				msg := websocket.FormatCloseMessage(out.close.code, out.close.reason)
				if err := c.ws.WriteMessage(websocket.CloseMessage, msg); err != nil {
					e.logger.Debug("ws close write failed", "connection_id", c.id, "error", err)
				}
				return
			}
			err := c.ws.WriteMessage(websocket.TextMessage, out.payload)
			e.frames.Outbound(c.id, len(out.payload), err)
			if err != nil {
				e.logger.Warn("ws write failed", "connection_id", c.id, "error", err)
				return
			}
		case <-tick:
			_ = c.ws.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
