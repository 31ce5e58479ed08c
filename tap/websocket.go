package tap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState describes where the client is in its connection lifecycle.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateStreaming
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// HandlerFunc processes one event. A nil return acknowledges the event;
// an error leaves it unacknowledged for the relay to redeliver.
type HandlerFunc func(context.Context, *Event) error

// Websocket maintains exactly one logical subscription to a tap channel.
type Websocket struct {
	addr              string
	password          string
	userAgent         string
	connectTimeout    time.Duration
	reconnectInterval time.Duration
	parallelism       int
	logger            *slog.Logger
	handler           HandlerFunc

	state atomic.Int32

	// guards concurrent ack writes from handler workers
	writeMu sync.Mutex
}

type WebsocketOption func(*Websocket)

// WithConnectTimeout sets the websocket handshake timeout.
func WithConnectTimeout(timeout time.Duration) WebsocketOption {
	return func(ws *Websocket) {
		ws.connectTimeout = timeout
	}
}

// WithReconnectInterval sets the fixed delay between a connection failure
// and the next dial attempt.
func WithReconnectInterval(interval time.Duration) WebsocketOption {
	return func(ws *Websocket) {
		ws.reconnectInterval = interval
	}
}

// WithLogger sets the client logger. Passing nil discards log output.
func WithLogger(logger *slog.Logger) WebsocketOption {
	return func(ws *Websocket) {
		ws.logger = logger
		if ws.logger == nil {
			ws.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
	}
}

// WithParallelism bounds the number of concurrently in-flight handler
// invocations. Events for the same DID are always applied in arrival
// order regardless of the bound.
func WithParallelism(n int) WebsocketOption {
	return func(ws *Websocket) {
		if n > 0 {
			ws.parallelism = n
		}
	}
}

// WithPassword sets the admin password sent as HTTP Basic auth on the
// channel dial.
func WithPassword(password string) WebsocketOption {
	return func(ws *Websocket) {
		ws.password = password
	}
}

// WithUserAgent overrides the User-Agent header sent on the dial.
func WithUserAgent(ua string) WebsocketOption {
	return func(ws *Websocket) {
		ws.userAgent = ua
	}
}

// NewWebsocket validates the channel address and constructs a client.
// Run must be called to start consuming.
func NewWebsocket(addr string, handler HandlerFunc, opts ...WebsocketOption) (*Websocket, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse websocket url %q: %w", addr, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		// ok
	default:
		return nil, fmt.Errorf("invalid websocket protocol scheme: wanted ws or wss, got %q", u.Scheme)
	}

	if handler == nil {
		return nil, fmt.Errorf("a websocket event handler func is required")
	}

	ws := &Websocket{
		addr:              addr,
		userAgent:         "gifdex-tap/unknown",
		connectTimeout:    15 * time.Second,
		reconnectInterval: 10 * time.Second,
		parallelism:       10,
		logger:            slog.Default().With("system", "tap"),
		handler:           handler,
	}

	for _, opt := range opts {
		opt(ws)
	}

	return ws, nil
}

// State reports the current connection lifecycle state.
func (ws *Websocket) State() ConnState {
	return ConnState(ws.state.Load())
}

func (ws *Websocket) setState(s ConnState) {
	ws.state.Store(int32(s))
	connState.Set(float64(s))
}

// Run consumes the channel until ctx is cancelled. Any dial failure or
// stream termination moves the client back to disconnected, sleeps the
// fixed reconnect interval, and dials again. There is no retry cap and
// no circuit breaker; a dead relay just means the client keeps knocking.
func (ws *Websocket) Run(ctx context.Context) error {
	defer ws.setState(StateDisconnected)

	for {
		select {
		case <-ctx.Done():
			ws.logger.Debug("tap consumer shutting down")
			return nil
		default:
		}

		err := ws.runOnce(ctx)
		ws.setState(StateDisconnected)
		if errors.Is(err, context.Canceled) {
			ws.logger.Debug("tap consumer shutting down")
			return nil
		}

		if err == nil {
			ws.logger.Info("tap connection closed, reconnecting", "interval", ws.reconnectInterval)
		} else {
			ws.logger.Warn("tap connection failed, reconnecting", "error", err, "interval", ws.reconnectInterval)
		}
		reconnects.Inc()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(ws.reconnectInterval):
		}
	}
}

func (ws *Websocket) close(conn *websocket.Conn) {
	if err := conn.Close(); err != nil {
		ws.logger.Debug("failed to close websocket connection", "error", err)
	}
}

func (ws *Websocket) runOnce(ctx context.Context) error {
	ws.setState(StateConnecting)

	header := http.Header{"User-Agent": []string{ws.userAgent}}
	dialer := websocket.Dialer{HandshakeTimeout: ws.connectTimeout}
	if ws.password != "" {
		req, err := http.NewRequest("GET", ws.addr, nil)
		if err != nil {
			return err
		}
		req.SetBasicAuth("admin", ws.password)
		header.Set("Authorization", req.Header.Get("Authorization"))
	}

	conn, _, err := dialer.DialContext(ctx, ws.addr, header)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket at %q: %w", ws.addr, err)
	}
	defer ws.close(conn)

	ws.setState(StateStreaming)
	ws.logger.Info("connected to tap channel", "addr", ws.addr)

	// unblock the read loop when the context is cancelled
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		select {
		case <-ctx.Done():
			ws.close(conn)
		case <-readerDone:
		}
	}()

	pool := newDispatchPool(ws.parallelism, func(ev *Event) {
		if err := ws.handler(ctx, ev); err != nil {
			handlerFailures.Inc()
			ws.logger.Error("event handler failed, leaving event unacked", "id", ev.ID, "error", err)
			return
		}
		ws.sendAck(conn, ev.ID)
	})
	defer pool.Shutdown()

	for {
		msgType, buf, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil // normal remote closure
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read websocket message: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var event Event
		if err := json.Unmarshal(buf, &event); err != nil {
			ws.logger.Error("failed to unmarshal event json", "error", err)
			continue
		}
		eventsReceived.Inc()

		if err := pool.Add(ctx, eventKey(&event), &event); err != nil {
			return err
		}
	}
}

func (ws *Websocket) sendAck(conn *websocket.Conn, id uint64) {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if err := conn.WriteJSON(newACKPayload(id)); err != nil {
		ws.logger.Debug("failed to write ack, connection likely closed", "id", id, "error", err)
		return
	}
	eventsAcked.Inc()
}

// eventKey picks the dispatch ordering key for an event: the owning DID,
// so one account's events never interleave across handler slots.
func eventKey(ev *Event) string {
	switch {
	case ev.Record != nil:
		return ev.Record.Did
	case ev.Identity != nil:
		return ev.Identity.Did
	default:
		return ""
	}
}
