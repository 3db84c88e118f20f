package agentrt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testServer upgrades every request to a WebSocket and hands the connection
// and the request's query string back to the test over channels, so tests
// can both inspect what Connect sent and script what the server sends back.
type testServer struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	queries chan url.Values
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		conns:   make(chan *websocket.Conn, 4),
		queries: make(chan url.Values, 4),
	}
	upgrader := websocket.Upgrader{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.queries <- r.URL.Query()
		ts.conns <- conn
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to accept a connection")
		return nil
	}
}

func (ts *testServer) nextQuery(t *testing.T) url.Values {
	t.Helper()
	select {
	case q := <-ts.queries:
		return q
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connect request")
		return nil
	}
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshalling test payload: %v", err)
	}
	env := envelope{Type: eventType, Payload: raw}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("writing test event: %v", err)
	}
}

func newTestClient(apiURL string) *Client {
	opts := DefaultOptions()
	opts.APIURL = apiURL
	opts.AuthToken = "tok-123"
	opts.Transport.HandshakeTimeout = 2 * time.Second
	opts.ConnectionTimeout = 2 * time.Second
	return New(opts)
}

func TestBuildURLUsesAgentKeyWhenNoCurrentSession(t *testing.T) {
	c := newTestClient("http://example.com")
	c.preferredAgentKey = "agent-1"

	raw, err := c.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Scheme != "ws" {
		t.Fatalf("scheme = %q, want ws", u.Scheme)
	}
	if u.Path != "/api/rt/ws" {
		t.Fatalf("path = %q, want /api/rt/ws", u.Path)
	}
	q := u.Query()
	if q.Get("token") != "tok-123" {
		t.Fatalf("token = %q, want tok-123", q.Get("token"))
	}
	if q.Get("agent_key") != "agent-1" {
		t.Fatalf("agent_key = %q, want agent-1", q.Get("agent_key"))
	}
	if q.Get("chat_session_id") != "" {
		t.Fatal("chat_session_id should be absent when agent_key is set")
	}
}

func TestBuildURLPrefersSessionIDOverAgentKeyWhenReconnecting(t *testing.T) {
	c := newTestClient("https://example.com")
	c.preferredAgentKey = "agent-1"
	c.isReconnecting = true
	c.sessions.SetCurrentSession("sess-1", "My Chat")

	raw, err := c.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Scheme != "wss" {
		t.Fatalf("scheme = %q, want wss", u.Scheme)
	}
	q := u.Query()
	if q.Get("chat_session_id") != "sess-1" {
		t.Fatalf("chat_session_id = %q, want sess-1", q.Get("chat_session_id"))
	}
	if q.Get("agent_key") != "" {
		t.Fatal("agent_key must be absent when chat_session_id is present")
	}
}

func TestConnectFailsWithoutAuthToken(t *testing.T) {
	opts := DefaultOptions()
	opts.APIURL = "http://example.com"
	c := New(opts)

	errCh := make(chan map[string]any, 1)
	c.On("error", func(payload any) { errCh <- payload.(map[string]any) })

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected an error connecting without a token")
	}
	select {
	case payload := <-errCh:
		if payload["source"] != "auth" {
			t.Fatalf("error source = %v, want auth", payload["source"])
		}
	case <-time.After(time.Second):
		t.Fatal("expected an auth error event")
	}
}

func TestConnectNoopWhenAlreadyConnected(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts.wsURL())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ts.nextConn(t)
	waitForState(t, c, StateConnected)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect should be a no-op, got: %v", err)
	}
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("State never reached %v (last was %v)", want, c.State())
}

func TestInitializationBarrierAndRecovery(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts.wsURL())

	initialized := make(chan struct{})
	c.Once("initialized", func(any) { close(initialized) })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := ts.nextConn(t)

	if c.IsFullyInitialized() {
		t.Fatal("should not be initialized before any init events arrive")
	}

	sendEvent(t, conn, "chat_user_data", map[string]string{})
	sendEvent(t, conn, "avatar_list", []string{})
	sendEvent(t, conn, "voice_list", []string{})
	sendEvent(t, conn, "agent_list", []string{})
	sendEvent(t, conn, "tool_catalog", []string{})
	sendEvent(t, conn, "chat_session_changed", map[string]string{"session_id": "sess-9", "session_name": "hi"})

	select {
	case <-initialized:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initialized event")
	}

	if !c.IsFullyInitialized() {
		t.Fatal("expected IsFullyInitialized to be true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WaitForInitialization(ctx); err != nil {
		t.Fatalf("WaitForInitialization: %v", err)
	}

	if got := c.sessions.CurrentSessionID(); got != "sess-9" {
		t.Fatalf("CurrentSessionID = %q, want sess-9 (chat_session_changed should update the session store)", got)
	}
}

func TestWaitForInitializationRespectsContextCancellation(t *testing.T) {
	opts := DefaultOptions()
	opts.APIURL = "http://example.com"
	c := New(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.WaitForInitialization(ctx); err == nil {
		t.Fatal("expected a context deadline error")
	}
}

func TestSetAuthTokenCyclesConnectionWithNewToken(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts.wsURL())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ts.nextConn(t)
	ts.nextQuery(t) // the first connect's query, made with the original token
	waitForState(t, c, StateConnected)

	c.SetAuthToken("new-token")

	// cycleConnection disconnects then reconnects; the server should see a
	// second connect attempt using the new token.
	ts.nextConn(t)
	q := ts.nextQuery(t)
	if q.Get("token") != "new-token" {
		t.Fatalf("reconnect token = %q, want new-token", q.Get("token"))
	}
}

func TestSendBinaryFrameRequiresConnection(t *testing.T) {
	opts := DefaultOptions()
	opts.APIURL = "http://example.com"
	c := New(opts)

	if err := c.SendBinaryFrame([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error sending binary data while disconnected")
	}
}

func TestDisconnectIsIdempotentAndResetsInitBarrier(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts.wsURL())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := ts.nextConn(t)
	waitForState(t, c, StateConnected)

	sendEvent(t, conn, "chat_user_data", map[string]string{})
	sendEvent(t, conn, "avatar_list", []string{})
	sendEvent(t, conn, "voice_list", []string{})
	sendEvent(t, conn, "agent_list", []string{})
	sendEvent(t, conn, "tool_catalog", []string{})
	sendEvent(t, conn, "chat_session_changed", map[string]string{"session_id": "s1"})

	time.Sleep(50 * time.Millisecond)
	if !c.IsFullyInitialized() {
		t.Fatal("expected initialization to complete before disconnecting")
	}

	c.Disconnect()
	c.Disconnect() // must not panic or block

	if c.IsFullyInitialized() {
		t.Fatal("Disconnect should reset the initialization barrier")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("State = %v, want StateDisconnected", c.State())
	}
}

func TestHandleCloseDoesNotReconnectOnNormalClosure(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts.wsURL())

	reconnecting := make(chan struct{}, 1)
	c.On("reconnecting", func(any) {
		select {
		case reconnecting <- struct{}{}:
		default:
		}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ts.nextConn(t)
	waitForState(t, c, StateConnected)

	c.Disconnect()

	select {
	case <-reconnecting:
		t.Fatal("should not attempt to reconnect after a clean disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransportErrorEmitsErrorEvent(t *testing.T) {
	opts := DefaultOptions()
	opts.APIURL = "http://example.com"
	c := New(opts)

	errCh := make(chan map[string]any, 1)
	c.On("error", func(payload any) { errCh <- payload.(map[string]any) })

	c.handleTransportError(assertIsError("boom"))

	select {
	case payload := <-errCh:
		if payload["source"] != "transport" {
			t.Fatalf("source = %v, want transport", payload["source"])
		}
	case <-time.After(time.Second):
		t.Fatal("expected an error event")
	}
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertIsError(s string) error { return simpleError(s) }
