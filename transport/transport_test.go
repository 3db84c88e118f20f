package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newEchoServer starts a WebSocket server that echoes every text and binary
// frame it receives back to the caller, until the connection closes.
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectSendReceiveText(t *testing.T) {
	srv := newEchoServer(t)

	received := make(chan string, 1)
	tr := New(Options{URL: wsURL(srv), HandshakeTimeout: 2 * time.Second}, Callbacks{
		OnMessage: func(data []byte) { received <- string(data) },
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect(websocket.CloseNormalClosure, "test done")

	if err := tr.SendText("hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	select {
	case msg := <-received:
		if msg != "hello" {
			t.Fatalf("got %q, want %q", msg, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}

	if tr.ReadyState() != Open {
		t.Fatalf("ReadyState = %v, want Open", tr.ReadyState())
	}
}

func TestSendBinaryRoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	received := make(chan []byte, 1)
	tr := New(Options{URL: wsURL(srv), HandshakeTimeout: 2 * time.Second}, Callbacks{
		OnBinary: func(data []byte) { received <- data },
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect(websocket.CloseNormalClosure, "done")

	payload := []byte{1, 2, 3, 4}
	if err := tr.SendBinary(payload); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}

	select {
	case got := <-received:
		if len(got) != len(payload) {
			t.Fatalf("got %v, want %v", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for binary echo")
	}
}

func TestSendWhileNotConnectedFails(t *testing.T) {
	tr := New(DefaultOptions(), Callbacks{})
	if err := tr.SendText("nope"); err == nil {
		t.Fatal("expected an error sending while disconnected")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := newEchoServer(t)
	tr := New(Options{URL: wsURL(srv), HandshakeTimeout: 2 * time.Second}, Callbacks{})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.Disconnect(websocket.CloseNormalClosure, "first")
	tr.Disconnect(websocket.CloseNormalClosure, "second") // must not panic or block

	if tr.ReadyState() != Closed {
		t.Fatalf("ReadyState = %v, want Closed", tr.ReadyState())
	}
}

func TestOnCloseCalledAfterServerCloses(t *testing.T) {
	// The server sends a close frame and drops the socket right after the
	// upgrade. (httptest's CloseClientConnections cannot do this: it stops
	// tracking a connection once the upgrade hijacks it.)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"), time.Now().Add(time.Second))
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	closed := make(chan struct{})
	tr := New(Options{URL: wsURL(srv), HandshakeTimeout: 2 * time.Second}, Callbacks{
		OnClose: func(code int, reason string) { close(closed) },
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose was not invoked after server closed the connection")
	}
}
