// Package transport implements the single-socket WebSocket transport used by
// the connection core: one gorilla/websocket connection framing both JSON
// control messages and raw binary PCM16 audio, with a ping/pong heartbeat.
//
// The dial-and-read-loop skeleton is grounded on the teacher's
// runSignalingSession (internal/heartbeat/websocket.go): a websocket.Dialer
// with a handshake timeout, a ping/pong liveness check, and a
// blocking ReadMessage loop run on its own goroutine. The Socket.IO/Engine.IO
// framing that loop used to speak is not carried forward — this transport's
// server is a plain JSON/binary WebSocket endpoint, so frames are dispatched
// by OnMessage/OnBinary callbacks instead of packet-type prefixes.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ReadyState mirrors the browser WebSocket readyState enum so application
// code familiar with that model maps directly onto this transport.
type ReadyState int

const (
	Closed ReadyState = iota
	Connecting
	Open
	Closing
)

// Options configures a Transport instance.
type Options struct {
	URL              string
	Protocols        []string
	Headers          http.Header
	PingInterval     time.Duration // 0 disables the heartbeat
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// DefaultOptions returns the SDK's baseline transport timings.
func DefaultOptions() Options {
	return Options{
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		HandshakeTimeout: 15 * time.Second,
	}
}

// Callbacks receives lifecycle and data notifications from the transport.
// Any field left nil is simply not invoked.
type Callbacks struct {
	OnOpen    func()
	OnClose   func(code int, reason string)
	OnError   func(err error)
	OnMessage func(data []byte) // text frames
	OnBinary  func(data []byte)
}

// Transport owns exactly one WebSocket connection at a time.
type Transport struct {
	opts Options
	cb   Callbacks

	mu         sync.Mutex
	conn       *websocket.Conn
	state      ReadyState
	writeMu    sync.Mutex
	queueDepth int64

	heartbeatDone chan struct{}
	alive         atomic.Bool
}

// New returns a Transport configured with opts and cb.
func New(opts Options, cb Callbacks) *Transport {
	return &Transport{opts: opts, cb: cb, state: Closed}
}

// ReadyState returns the current connection state.
func (t *Transport) ReadyState() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// URLOverride replaces the URL used by the next Connect call, without
// disturbing an already-open connection. The connection core uses this to
// rebuild the URL (auth token, ui_session_id, chat_session_id/agent_key)
// before each connect attempt.
func (t *Transport) URLOverride(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opts.URL = url
}

// BufferedAmount approximates the number of outbound frames not yet flushed
// to the OS socket. gorilla/websocket exposes no native buffered-amount
// accessor, so this is a queue-depth counter incremented before each write
// and decremented once WriteMessage returns.
func (t *Transport) BufferedAmount() int64 {
	return atomic.LoadInt64(&t.queueDepth)
}

// Connect dials opts.URL, replacing any existing connection first.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	existing := t.conn
	t.mu.Unlock()
	if existing != nil {
		t.Disconnect(websocket.CloseNormalClosure, "reconnecting")
	}

	t.mu.Lock()
	t.state = Connecting
	targetURL := t.opts.URL
	headers := t.opts.Headers
	dialer := websocket.Dialer{
		HandshakeTimeout: t.opts.HandshakeTimeout,
		Subprotocols:     t.opts.Protocols,
	}
	t.mu.Unlock()

	conn, _, err := dialer.DialContext(ctx, targetURL, headers)
	if err != nil {
		t.mu.Lock()
		t.state = Closed
		t.mu.Unlock()
		if t.cb.OnError != nil {
			t.cb.OnError(fmt.Errorf("transport: dial failed: %w", err))
		}
		return fmt.Errorf("transport: dial failed: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.state = Open
	t.mu.Unlock()

	t.alive.Store(true)
	conn.SetPongHandler(func(string) error {
		t.alive.Store(true)
		return nil
	})

	if t.opts.PingInterval > 0 {
		t.heartbeatDone = make(chan struct{})
		go t.runHeartbeat(conn, t.heartbeatDone)
	}

	if t.cb.OnOpen != nil {
		t.cb.OnOpen()
	}

	go t.readLoop(conn)

	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			t.handleClose(conn, code, reason)
			return
		}
		t.alive.Store(true)

		switch msgType {
		case websocket.TextMessage:
			if t.cb.OnMessage != nil {
				t.cb.OnMessage(data)
			}
		case websocket.BinaryMessage:
			if t.cb.OnBinary != nil {
				t.cb.OnBinary(data)
			}
		}
	}
}

func (t *Transport) runHeartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !t.alive.Load() {
				slog.Warn("transport: ping timeout, closing connection")
				t.handleClose(conn, 4000, "ping timeout")
				return
			}
			t.alive.Store(false)
			t.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(t.opts.PongTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				slog.Warn("transport: failed to send ping", "error", err)
				t.handleClose(conn, websocket.CloseAbnormalClosure, err.Error())
				return
			}
		}
	}
}

func (t *Transport) handleClose(conn *websocket.Conn, code int, reason string) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return // already superseded by a newer connection
	}
	t.conn = nil
	t.state = Closed
	hbDone := t.heartbeatDone
	t.heartbeatDone = nil
	t.mu.Unlock()

	if hbDone != nil {
		close(hbDone)
	}
	_ = conn.Close()

	if t.cb.OnClose != nil {
		t.cb.OnClose(code, reason)
	}
}

// Disconnect closes the active connection, if any, sending a close frame
// with code/reason. Safe to call repeatedly or when not connected.
func (t *Transport) Disconnect(code int, reason string) {
	t.mu.Lock()
	conn := t.conn
	t.state = Closing
	t.mu.Unlock()

	if conn == nil {
		t.mu.Lock()
		t.state = Closed
		t.mu.Unlock()
		return
	}

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	t.writeMu.Unlock()

	t.handleClose(conn, code, reason)
}

var errNotConnected = errors.New("transport: not connected to server")

// SendText sends s as a WebSocket text frame.
func (t *Transport) SendText(s string) error {
	return t.write(websocket.TextMessage, []byte(s))
}

// SendJSON marshals v and sends it as a text frame.
func (t *Transport) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshalling JSON payload: %w", err)
	}
	return t.write(websocket.TextMessage, data)
}

// SendBinary sends data verbatim as a WebSocket binary frame.
func (t *Transport) SendBinary(data []byte) error {
	return t.write(websocket.BinaryMessage, data)
}

func (t *Transport) write(msgType int, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	state := t.state
	t.mu.Unlock()

	if conn == nil || state != Open {
		return errNotConnected
	}

	atomic.AddInt64(&t.queueDepth, 1)
	defer atomic.AddInt64(&t.queueDepth, -1)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(msgType, data); err != nil {
		return fmt.Errorf("transport: write failed: %w", err)
	}
	return nil
}
