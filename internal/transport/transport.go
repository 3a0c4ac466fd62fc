package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/USA-RedDragon/rpc-gateway/internal/apimodels"
	"github.com/gorilla/websocket"
)

const (
	bufferSize       = 1024
	handshakeTimeout = 5 * time.Second
	closeGracePeriod = 2 * time.Second
)

// State tracks the connection lifecycle. NotStarted means no connect has
// happened yet (or a disconnect completed); Disconnected means the background
// machinery ran but the socket is down.
type State int32

const (
	StateNotStarted State = iota
	StateDisconnected
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Frame log mask bits, combined into the include/exclude masks of the log
// config. The default excludes payload and control logging.
const (
	LogConnection uint32 = 1 << iota
	LogFrameText
	LogFramePayload
	LogControl
)

const LogAll = LogConnection | LogFrameText | LogFramePayload | LogControl

// MessageHandler receives every successfully parsed inbound frame, invoked
// synchronously on the read pump goroutine.
type MessageHandler func(msg apimodels.RPCMessage)

// ConnectionHandler is invoked on every Connected<->Disconnected transition.
type ConnectionHandler func(connected bool, err error)

// Transport drives a single WebSocket connection. Connect, Disconnect, Send
// and NextMessageID are callable from any goroutine; inbound dispatch happens
// on one dedicated read pump goroutine.
type Transport struct {
	state     atomic.Int32
	idCounter atomic.Uint32
	logMask   uint32

	onMessage          MessageHandler
	onConnectionChange ConnectionHandler

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	pumpDone chan struct{}
}

func New() *Transport {
	return &Transport{}
}

func (t *Transport) State() State {
	return State(t.state.Load())
}

// NextMessageID returns a session-unique message id. Ids start at 1 and wrap
// only after the 32-bit range is exhausted.
func (t *Transport) NextMessageID() uint64 {
	return uint64(t.idCounter.Add(1))
}

// Connect dials the service and starts the read pump. A second connect while
// connected is refused with AlreadyConnected. The include/exclude masks gate
// the transport's frame-level debug logging; nil selects the defaults
// (everything except payload and control frames).
func (t *Transport) Connect(url string, onMessage MessageHandler, onConnectionChange ConnectionHandler, logInclude, logExclude *uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() == StateConnected {
		slog.Warn("Connect called when already connected. Ignoring.")
		return apimodels.ErrAlreadyConnected
	}

	include := LogAll
	exclude := LogFramePayload | LogControl
	if logInclude != nil {
		include = *logInclude
	}
	if logExclude != nil {
		exclude = *logExclude
	}
	t.logMask = include &^ exclude

	t.onMessage = onMessage
	t.onConnectionChange = onConnectionChange

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   bufferSize,
		WriteBufferSize:  bufferSize,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		slog.Error("Could not create connection", "url", url, "error", err)
		t.state.Store(int32(StateDisconnected))
		if isTimeout(err) {
			return apimodels.ErrTimedout
		}
		return apimodels.ErrNotConnected
	}

	t.conn = conn
	t.pumpDone = make(chan struct{})
	t.state.Store(int32(StateConnected))
	if t.logMask&LogConnection != 0 {
		slog.Debug("Transport connected", "url", url)
	}
	t.onConnectionChange(true, nil)

	go t.readPump(conn, t.pumpDone)

	return nil
}

// Disconnect performs a graceful close and joins the read pump. Safe to call
// when never connected.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() == StateNotStarted {
		return nil
	}

	if t.State() == StateConnected {
		deadline := time.Now().Add(closeGracePeriod)
		t.writeMu.Lock()
		err := t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
		t.writeMu.Unlock()
		if err != nil {
			slog.Error("Error closing connection", "error", err)
		}
	}

	if t.conn != nil {
		_ = t.conn.Close()
	}
	if t.pumpDone != nil {
		<-t.pumpDone
		t.pumpDone = nil
	}
	t.conn = nil
	t.state.Store(int32(StateNotStarted))
	return nil
}

// Send serializes a request frame and writes it as a single text frame.
func (t *Transport) Send(method string, params json.RawMessage, id uint64) error {
	if t.State() != StateConnected {
		return apimodels.ErrNotConnected
	}

	call := apimodels.NewRPCCall(id, method, params)
	data, err := json.Marshal(call)
	if err != nil {
		slog.Error("Error marshalling call", "method", method, "error", err)
		return apimodels.ErrGeneral
	}
	return t.write(data)
}

// SendResponse answers a server-originated provider request. The result is a
// JSON document produced by the provider dispatcher.
func (t *Transport) SendResponse(id uint64, result json.RawMessage) error {
	if t.State() != StateConnected {
		return apimodels.ErrNotConnected
	}

	response := apimodels.RPCResponse{
		JSONRPCVersion: apimodels.JSONRPCVersion,
		ID:             id,
		Result:         result,
	}
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Error marshalling response", "id", id, "error", err)
		return apimodels.ErrGeneral
	}
	return t.write(data)
}

func (t *Transport) write(data []byte) error {
	if t.logMask&LogFramePayload != 0 {
		slog.Debug("Send", "msg", string(data))
	} else if t.logMask&LogFrameText != 0 {
		slog.Debug("Send", "bytes", len(data))
	}

	t.writeMu.Lock()
	conn := t.conn
	var err error
	if conn == nil {
		err = apimodels.ErrNotConnected
	} else {
		err = conn.WriteMessage(websocket.TextMessage, data)
	}
	t.writeMu.Unlock()

	if err != nil {
		if err == apimodels.ErrNotConnected {
			return err
		}
		slog.Error("Error sending message", "error", err)
		if isTimeout(err) {
			return apimodels.ErrTimedout
		}
		return apimodels.ErrGeneral
	}
	return nil
}

func (t *Transport) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if t.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
				if t.logMask&LogConnection != 0 {
					slog.Debug("Transport disconnected", "error", err)
				}
				t.onConnectionChange(false, mapReadError(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			if t.logMask&LogControl != 0 {
				slog.Debug("Ignoring non-text frame", "type", msgType)
			}
			continue
		}
		if t.logMask&LogFramePayload != 0 {
			slog.Debug("Received", "msg", string(data))
		} else if t.logMask&LogFrameText != 0 {
			slog.Debug("Received", "bytes", len(data))
		}

		var msg apimodels.RPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Error("Cannot parse payload", "payload", string(data), "error", err)
			continue
		}
		t.onMessage(msg)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func mapReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	if isTimeout(err) {
		return apimodels.ErrTimedout
	}
	return apimodels.ErrGeneral
}
