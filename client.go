// Package agentrt is the core of a Go client SDK for a bidirectional
// realtime agent service: a single authenticated WebSocket multiplexing JSON
// control events and raw binary PCM16 audio, plus an out-of-band HTTP file
// uploader.
//
// ConnectionCore (the Client type below) is the top-level orchestrator: it
// builds the connect URL, drives the connect state machine, starts
// reconnection on unexpected closes, fans inbound events out to the
// StreamProcessor and the EventBus, gates application code behind a
// six-event initialization barrier, and keeps FileUploader's identity in
// sync with its own.
package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrt/agentrt-go/eventbus"
	"github.com/agentrt/agentrt-go/internal/ratelimit"
	"github.com/agentrt/agentrt-go/reconnect"
	"github.com/agentrt/agentrt-go/session"
	"github.com/agentrt/agentrt-go/stream"
	"github.com/agentrt/agentrt-go/transport"
	"github.com/agentrt/agentrt-go/upload"
)

// State is the connection core's top-level connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// initEvents are the six server-pushed catalogs that must all arrive once
// before the client is considered initialized.
var initEvents = []string{
	"chat_user_data",
	"avatar_list",
	"voice_list",
	"agent_list",
	"tool_catalog",
	"chat_session_changed",
}

// Options configures a Client at construction time.
type Options struct {
	APIURL            string
	AuthToken         string
	UISessionID       string
	PreferredAgentKey string

	AutoReconnect     bool
	Reconnection      reconnect.Policy
	ConnectionTimeout time.Duration
	Transport         transport.Options
	UploadLimits      upload.Limits
}

// DefaultOptions returns baseline settings matching the wire contract's
// defaults.
func DefaultOptions() Options {
	return Options{
		AutoReconnect:     true,
		Reconnection:      reconnect.DefaultPolicy(),
		ConnectionTimeout: 10 * time.Second,
		Transport:         transport.DefaultOptions(),
		UploadLimits:      upload.DefaultLimits(),
	}
}

// Client is the connection core: one WebSocket, one reconnection loop, one
// stream processor, one session store, and one file uploader, wired
// together per the wire contract.
type Client struct {
	opts Options

	bus       *eventbus.Bus
	transport *transport.Transport
	reconnect *reconnect.Loop
	processor *stream.Processor
	sessions  *session.Store
	uploader  *upload.Uploader
	limiter   *ratelimit.Limiter

	mu                sync.Mutex
	state             State
	authToken         string
	uiSessionID       string
	preferredAgentKey string
	isReconnecting    bool
	isInitialized     bool
	seenInitEvents    map[string]bool
	initWaiters       []chan struct{}
	pendingDeletes    map[string]*session.Entry
}

// New constructs a Client from opts. Connect must be called to actually open
// the socket.
func New(opts Options) *Client {
	bus := eventbus.New()

	c := &Client{
		opts:              opts,
		bus:               bus,
		uploader:          upload.New(opts.UploadLimits),
		limiter:           ratelimit.New(ratelimit.DefaultLimits()),
		state:             StateDisconnected,
		authToken:         opts.AuthToken,
		uiSessionID:       opts.UISessionID,
		preferredAgentKey: opts.PreferredAgentKey,
		seenInitEvents:    make(map[string]bool),
		pendingDeletes:    make(map[string]*session.Entry),
	}
	c.processor = stream.New(bus)
	c.sessions = session.New(bus, c.processor)

	c.transport = transport.New(opts.Transport, transport.Callbacks{
		OnOpen:    c.handleOpen,
		OnClose:   c.handleClose,
		OnError:   c.handleTransportError,
		OnMessage: c.handleTextMessage,
		OnBinary:  c.handleBinaryMessage,
	})

	c.reconnect = reconnect.New(opts.Reconnection, reconnect.Events{
		OnReconnecting: func(attempt int, delay time.Duration) {
			bus.Emit("reconnecting", map[string]any{"attempt": attempt, "delay": delay})
		},
		OnReconnected: func() {
			bus.Emit("reconnected", nil)
		},
		OnReconnectionFailed: func(attempts int, reason error) {
			bus.Emit("reconnection_failed", map[string]any{"attempts": attempts, "reason": reason})
			bus.Emit("disconnected", map[string]any{"code": 1006, "reason": "reconnection exhausted"})
		},
	})

	return c
}

// On subscribes handler to every future emission of name.
func (c *Client) On(name string, handler eventbus.Handler) eventbus.Subscription {
	return c.bus.On(name, handler)
}

// Once subscribes handler to the next emission of name only.
func (c *Client) Once(name string, handler eventbus.Handler) eventbus.Subscription {
	return c.bus.Once(name, handler)
}

// Off removes a subscription returned by On or Once.
func (c *Client) Off(name string, sub eventbus.Subscription) {
	c.bus.Off(name, sub)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsFullyInitialized reports whether all six initialization events have been
// observed since the last socket open.
func (c *Client) IsFullyInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isInitialized
}

// WaitForInitialization blocks until IsFullyInitialized becomes true or ctx
// is cancelled.
func (c *Client) WaitForInitialization(ctx context.Context) error {
	c.mu.Lock()
	if c.isInitialized {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.initWaiters = append(c.initWaiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildURL constructs the WebSocket URL per the mutual-exclusion rule
// between chat_session_id and agent_key.
func (c *Client) buildURL() (string, error) {
	c.mu.Lock()
	apiURL := c.opts.APIURL
	token := c.authToken
	uiSessionID := c.uiSessionID
	agentKey := c.preferredAgentKey
	reconnecting := c.isReconnecting
	currentSessionID := c.sessions.CurrentSessionID()
	c.mu.Unlock()

	parsed, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("agentrt: parsing api_url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("agentrt: unsupported api_url scheme %q", parsed.Scheme)
	}
	parsed.Path = "/api/rt/ws"

	q := url.Values{}
	q.Set("token", token)
	if uiSessionID != "" {
		q.Set("ui_session_id", uiSessionID)
	}
	if reconnecting && currentSessionID != "" {
		q.Set("chat_session_id", currentSessionID)
	} else if agentKey != "" {
		q.Set("agent_key", agentKey)
	}
	parsed.RawQuery = q.Encode()

	return parsed.String(), nil
}

// Connect opens the WebSocket. It is a no-op if already connected, and
// returns an error immediately if a connect attempt is already in flight.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return fmt.Errorf("agentrt: already connecting")
	}

	if c.uiSessionID == "" {
		c.uiSessionID = uuid.NewString()
	}
	token := c.authToken
	c.mu.Unlock()

	if token == "" {
		c.bus.Emit("error", map[string]any{"message": "authentication token is required for connection", "source": "auth"})
		return fmt.Errorf("agentrt: authentication token is required for connection")
	}

	wsURL, err := c.buildURL()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	connectCtx := ctx
	var cancel context.CancelFunc
	if c.opts.ConnectionTimeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, c.opts.ConnectionTimeout)
		defer cancel()
	}

	c.transport.URLOverride(wsURL)
	if err := c.transport.Connect(connectCtx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		if connectCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("agentrt: connection timeout: %w", err)
		}
		return fmt.Errorf("agentrt: connect failed: %w", err)
	}
	return nil
}

func (c *Client) handleOpen() {
	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()
	c.reconnect.Stop()
	c.bus.Emit("connected", nil)
}

func (c *Client) handleTransportError(err error) {
	c.bus.Emit("error", map[string]any{"message": err.Error(), "source": "transport"})
}

func (c *Client) handleClose(code int, reason string) {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.mu.Unlock()

	c.bus.Emit("disconnected", map[string]any{"code": code, "reason": reason})

	if !wasConnected || code == 1000 || !c.opts.AutoReconnect {
		return
	}

	c.mu.Lock()
	token := c.authToken
	c.mu.Unlock()
	if token == "" {
		c.bus.Emit("error", map[string]any{"message": "cannot reconnect without an auth token", "source": "auth"})
		return
	}

	c.mu.Lock()
	c.isReconnecting = true
	c.mu.Unlock()
	c.bus.Emit("reconnecting", nil)

	go func() {
		_ = c.reconnect.Start(context.Background(), func(ctx context.Context) error {
			err := c.Connect(ctx)
			if err != nil && reconnect.IsAuthFailure(err) {
				// An authentication failure ends the loop instead of being retried.
				c.reconnect.Stop()
			}
			return err
		})
	}()
}

// Disconnect closes the socket cleanly and stops any reconnection attempt.
func (c *Client) Disconnect() {
	c.reconnect.Stop()
	c.mu.Lock()
	c.isReconnecting = false
	c.mu.Unlock()
	c.processor.Reset()
	c.resetInitBarrier()
	c.transport.Disconnect(1000, "client disconnect")
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

func (c *Client) resetInitBarrier() {
	c.mu.Lock()
	c.isInitialized = false
	c.seenInitEvents = make(map[string]bool)
	c.mu.Unlock()
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (c *Client) handleTextMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.bus.Emit("error", map[string]any{"message": err.Error(), "source": "message_parser"})
		return
	}

	switch env.Type {
	case "ping":
		_ = c.transport.SendJSON(map[string]string{"type": "pong"})
		return
	case "pong":
		return
	}

	if !c.limiter.Allow(env.Type) {
		slog.Debug("agentrt: dropping rate-limited event", "type", env.Type)
		return
	}

	c.maybeObserveInitEvent(env.Type)

	switch env.Type {
	case "chat_session_changed":
		var cs struct {
			SessionID   string `json:"session_id"`
			SessionName string `json:"session_name"`
		}
		if err := json.Unmarshal(env.Payload, &cs); err != nil {
			c.bus.Emit("error", map[string]any{"message": err.Error(), "source": "message_parser"})
			return
		}
		// SetCurrentSession resets the accumulator via the Resetter it was
		// constructed with, so the stream processor does not also handle
		// this event type directly.
		c.sessions.SetCurrentSession(cs.SessionID, cs.SessionName)
		return

	case "get_user_sessions_response":
		c.handleUserSessionsResponse(env.Payload)
		return

	case "chat_session_delete_failed":
		c.handleChatSessionDeleteFailed(env.Payload)
		return

	case "ui_session_id_changed":
		// Adopt the server-issued id locally and in the uploader; the event
		// is still forwarded to the bus below.
		var changed struct {
			UISessionID string `json:"ui_session_id"`
		}
		if err := json.Unmarshal(env.Payload, &changed); err == nil && changed.UISessionID != "" {
			c.mu.Lock()
			c.uiSessionID = changed.UISessionID
			c.mu.Unlock()
			c.uploader.SetUISessionID(changed.UISessionID)
		}
	}

	if stream.Whitelist[env.Type] {
		if err := c.processor.Handle(env.Type, env.Payload); err != nil {
			c.bus.Emit("error", map[string]any{"message": err.Error(), "source": "stream_processor"})
		}
		return
	}

	c.bus.Emit(env.Type, env.Payload)
}

func (c *Client) handleBinaryMessage(data []byte) {
	c.bus.Emit("audio:output", data)
	c.bus.Emit("binary_audio", data) // legacy alias
}

// handleUserSessionsResponse merges a server-pushed page of the session
// index into SessionStore; a non-zero offset is treated as a later page to
// append rather than a fresh first page to replace.
func (c *Client) handleUserSessionsResponse(payload json.RawMessage) {
	var resp struct {
		Sessions []struct {
			SessionID   string `json:"session_id"`
			SessionName string `json:"session_name"`
			CreatedAt   string `json:"created_at"`
			UpdatedAt   string `json:"updated_at"`
			UserID      string `json:"user_id"`
			AgentKey    string `json:"agent_key"`
			AgentName   string `json:"agent_name"`
		} `json:"sessions"`
		Offset int `json:"offset"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.bus.Emit("error", map[string]any{"message": err.Error(), "source": "message_parser"})
		return
	}

	entries := make([]session.Entry, len(resp.Sessions))
	for i, s := range resp.Sessions {
		entries[i] = session.Entry{
			SessionID:   s.SessionID,
			SessionName: s.SessionName,
			CreatedAt:   session.ParseTimestamp(s.CreatedAt),
			UpdatedAt:   session.ParseTimestamp(s.UpdatedAt),
			UserID:      s.UserID,
			AgentKey:    s.AgentKey,
			AgentName:   s.AgentName,
		}
	}
	c.sessions.SetSessionIndex(entries, resp.Offset > 0)
}

// handleChatSessionDeleteFailed rolls back an optimistic DeleteChatSession
// whose server-side delete turned out not to have gone through.
func (c *Client) handleChatSessionDeleteFailed(payload json.RawMessage) {
	var fail struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(payload, &fail); err != nil {
		c.bus.Emit("error", map[string]any{"message": err.Error(), "source": "message_parser"})
		return
	}

	c.mu.Lock()
	removed := c.pendingDeletes[fail.SessionID]
	delete(c.pendingDeletes, fail.SessionID)
	c.mu.Unlock()

	c.sessions.Restore(removed)
}

func (c *Client) maybeObserveInitEvent(eventType string) {
	isInitEvent := false
	for _, e := range initEvents {
		if e == eventType {
			isInitEvent = true
			break
		}
	}
	if !isInitEvent {
		return
	}

	c.mu.Lock()
	c.seenInitEvents[eventType] = true
	allSeen := len(c.seenInitEvents) == len(initEvents)
	alreadyInitialized := c.isInitialized
	if allSeen {
		c.isInitialized = true
	}
	waiters := c.initWaiters
	if allSeen {
		c.initWaiters = nil
	}
	c.mu.Unlock()

	if allSeen && !alreadyInitialized {
		c.bus.Emit("initialized", nil)
		for _, ch := range waiters {
			close(ch)
		}
		go c.postInitRecovery()
	}
}

func (c *Client) postInitRecovery() {
	c.mu.Lock()
	reconnecting := c.isReconnecting
	currentSessionID := c.sessions.CurrentSessionID()
	agentKey := c.preferredAgentKey
	c.mu.Unlock()

	if reconnecting {
		if currentSessionID == "" && agentKey != "" {
			c.bus.Emit("new_chat_session", map[string]string{"agent_key": agentKey})
		}
	} else if currentSessionID == "" && agentKey != "" {
		c.bus.Emit("new_chat_session", map[string]string{"agent_key": agentKey})
	}

	c.mu.Lock()
	c.isReconnecting = false
	c.mu.Unlock()
}

// SetAuthToken updates the bearer token, forwards it to the FileUploader,
// and cycles the connection if currently connected.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	c.authToken = token
	connected := c.state == StateConnected
	c.mu.Unlock()

	c.uploader.SetAuthToken(token)

	if connected {
		c.cycleConnection()
	}
}

// SetUISessionID updates the client-instance identifier, forwards it to the
// FileUploader, and cycles the connection if currently connected. An empty id
// is ignored.
func (c *Client) SetUISessionID(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.uiSessionID = id
	connected := c.state == StateConnected
	c.mu.Unlock()
	c.uploader.SetUISessionID(id)
	c.bus.Emit("ui_session_id_changed", map[string]string{"ui_session_id": id})

	if connected {
		c.cycleConnection()
	}
}

func (c *Client) cycleConnection() {
	c.transport.Disconnect(1000, "identity changed")
	go func() {
		_ = c.Connect(context.Background())
	}()
}

// SendBinaryFrame sends data verbatim as a WebSocket binary frame. It
// requires an open connection.
func (c *Client) SendBinaryFrame(data []byte) error {
	if c.State() != StateConnected {
		return fmt.Errorf("agentrt: not connected to server")
	}
	return c.transport.SendBinary(data)
}

// Close releases all resources held by the client. Idempotent.
func (c *Client) Close() {
	c.Disconnect()
}
