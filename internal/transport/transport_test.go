package transport_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/USA-RedDragon/rpc-gateway/internal/apimodels"
	"github.com/USA-RedDragon/rpc-gateway/internal/transport"
	"github.com/gorilla/websocket"
)

// echoServer upgrades every request and echoes raw text frames back, with an
// optional hook run on each inbound frame instead of the echo.
type echoServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
}

func newEchoServer(t *testing.T, onFrame func(conn *websocket.Conn, data []byte) bool) *echoServer {
	t.Helper()
	s := &echoServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("unexpected upgrade error: %v", err)
			return
		}
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if onFrame != nil && onFrame(conn, data) {
				continue
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *echoServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func collectMessages() (transport.MessageHandler, chan apimodels.RPCMessage) {
	messages := make(chan apimodels.RPCMessage, 16)
	return func(msg apimodels.RPCMessage) {
		messages <- msg
	}, messages
}

func collectChanges() (transport.ConnectionHandler, chan bool) {
	changes := make(chan bool, 16)
	return func(connected bool, _ error) {
		changes <- connected
	}, changes
}

func TestSendBeforeConnect(t *testing.T) {
	t.Parallel()
	tr := transport.New()
	err := tr.Send("test.method", nil, 1)
	if !errors.Is(err, apimodels.ErrNotConnected) {
		t.Errorf("expected NotConnected, got %v", err)
	}
}

func TestConnectDisconnectRoundTrip(t *testing.T) {
	t.Parallel()
	server := newEchoServer(t, nil)
	tr := transport.New()
	onMessage, _ := collectMessages()
	onChange, changes := collectChanges()

	if err := tr.Connect(server.url(), onMessage, onChange, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case connected := <-changes:
		if !connected {
			t.Error("expected a connected transition")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection change within 2s")
	}
	if tr.State() != transport.StateConnected {
		t.Errorf("unexpected state: %v", tr.State())
	}

	if err := tr.Disconnect(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if tr.State() != transport.StateNotStarted {
		t.Errorf("unexpected state after disconnect: %v", tr.State())
	}
	// A second disconnect after a completed one is a no-op.
	if err := tr.Disconnect(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConnectTwice(t *testing.T) {
	t.Parallel()
	server := newEchoServer(t, nil)
	tr := transport.New()
	onMessage, _ := collectMessages()
	onChange, _ := collectChanges()

	if err := tr.Connect(server.url(), onMessage, onChange, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		_ = tr.Disconnect()
	}()
	err := tr.Connect(server.url(), onMessage, onChange, nil, nil)
	if !errors.Is(err, apimodels.ErrAlreadyConnected) {
		t.Errorf("expected AlreadyConnected, got %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	t.Parallel()
	tr := transport.New()
	onMessage, _ := collectMessages()
	onChange, _ := collectChanges()
	err := tr.Connect("ws://127.0.0.1:1", onMessage, onChange, nil, nil)
	if !errors.Is(err, apimodels.ErrNotConnected) {
		t.Errorf("expected NotConnected, got %v", err)
	}
}

func TestSendEchoedBack(t *testing.T) {
	t.Parallel()
	server := newEchoServer(t, nil)
	tr := transport.New()
	onMessage, messages := collectMessages()
	onChange, _ := collectChanges()

	if err := tr.Connect(server.url(), onMessage, onChange, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		_ = tr.Disconnect()
	}()

	id := tr.NextMessageID()
	if err := tr.Send("test.method", json.RawMessage(`{"k":"v"}`), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case msg := <-messages:
		if msg.Method != "test.method" {
			t.Errorf("unexpected method: %s", msg.Method)
		}
		if msg.ID == nil || *msg.ID != id {
			t.Errorf("unexpected id: %v", msg.ID)
		}
		if string(msg.Params) != `{"k":"v"}` {
			t.Errorf("unexpected params: %s", msg.Params)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message within 2s")
	}
}

func TestEmptyParamsOmitted(t *testing.T) {
	t.Parallel()
	frames := make(chan []byte, 1)
	server := newEchoServer(t, func(_ *websocket.Conn, data []byte) bool {
		frames <- data
		return true
	})
	tr := transport.New()
	onMessage, _ := collectMessages()
	onChange, _ := collectChanges()

	if err := tr.Connect(server.url(), onMessage, onChange, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		_ = tr.Disconnect()
	}()

	if err := tr.Send("test.method", json.RawMessage(`{}`), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case data := <-frames:
		if strings.Contains(string(data), "params") {
			t.Errorf("expected params to be omitted, got %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame within 2s")
	}
}

func TestNextMessageIDMonotonic(t *testing.T) {
	t.Parallel()
	tr := transport.New()
	last := tr.NextMessageID()
	if last != 1 {
		t.Errorf("expected ids to start at 1, got %d", last)
	}
	for i := 0; i < 1000; i++ {
		next := tr.NextMessageID()
		if next != last+1 {
			t.Errorf("expected %d, got %d", last+1, next)
		}
		last = next
	}
}

func TestMalformedFrameTolerated(t *testing.T) {
	t.Parallel()
	server := newEchoServer(t, func(conn *websocket.Conn, data []byte) bool {
		// Reply with a truncated frame first, then echo the original.
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":{"valid":true}`)); err != nil {
			return true
		}
		return false
	})
	tr := transport.New()
	onMessage, messages := collectMessages()
	onChange, _ := collectChanges()

	if err := tr.Connect(server.url(), onMessage, onChange, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		_ = tr.Disconnect()
	}()

	if err := tr.Send("test.method", nil, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case msg := <-messages:
		// Only the valid echoed frame is delivered.
		if msg.ID == nil || *msg.ID != 5 {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message within 2s")
	}
}

func TestBinaryFramesIgnored(t *testing.T) {
	t.Parallel()
	server := newEchoServer(t, func(conn *websocket.Conn, data []byte) bool {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte(`{"jsonrpc":"2.0","id":9,"result":1}`)); err != nil {
			return true
		}
		return false
	})
	tr := transport.New()
	onMessage, messages := collectMessages()
	onChange, _ := collectChanges()

	if err := tr.Connect(server.url(), onMessage, onChange, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		_ = tr.Disconnect()
	}()

	if err := tr.Send("test.method", nil, 9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case msg := <-messages:
		if msg.Method != "test.method" {
			t.Errorf("expected only the echoed text frame, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message within 2s")
	}
}

func TestServerInitiatedClose(t *testing.T) {
	t.Parallel()
	server := newEchoServer(t, func(conn *websocket.Conn, _ []byte) bool {
		_ = conn.Close()
		return true
	})
	tr := transport.New()
	onMessage, _ := collectMessages()
	onChange, changes := collectChanges()

	if err := tr.Connect(server.url(), onMessage, onChange, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		_ = tr.Disconnect()
	}()
	<-changes // connected

	if err := tr.Send("test.method", nil, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case connected := <-changes:
		if connected {
			t.Error("expected a disconnected transition")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection change within 2s")
	}

	err := tr.Send("test.method", nil, 2)
	if !errors.Is(err, apimodels.ErrNotConnected) {
		t.Errorf("expected NotConnected after close, got %v", err)
	}
}

func TestSendResponse(t *testing.T) {
	t.Parallel()
	frames := make(chan []byte, 1)
	server := newEchoServer(t, func(_ *websocket.Conn, data []byte) bool {
		frames <- data
		return true
	})
	tr := transport.New()
	onMessage, _ := collectMessages()
	onChange, _ := collectChanges()

	if err := tr.Connect(server.url(), onMessage, onChange, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		_ = tr.Disconnect()
	}()

	if err := tr.SendResponse(3, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case data := <-frames:
		var resp apimodels.RPCResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.ID != 3 || string(resp.Result) != `{"ok":true}` || resp.JSONRPCVersion != "2.0" {
			t.Errorf("unexpected response frame: %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame within 2s")
	}
}
