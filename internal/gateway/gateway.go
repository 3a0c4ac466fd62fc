// Package gateway mediates between in-process callers and the platform
// service: it multiplexes request/response calls over the transport, fans
// server-pushed events out to subscribers, and dispatches server-originated
// provider requests.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/USA-RedDragon/rpc-gateway/internal/apimodels"
	"github.com/USA-RedDragon/rpc-gateway/internal/config"
	"github.com/USA-RedDragon/rpc-gateway/internal/logging"
	"github.com/USA-RedDragon/rpc-gateway/internal/metrics"
	"github.com/USA-RedDragon/rpc-gateway/internal/pending"
	"github.com/USA-RedDragon/rpc-gateway/internal/subscription"
	"github.com/USA-RedDragon/rpc-gateway/internal/transport"
)

// ConnectionChangeCallback is invoked for every observable transition of the
// transport's connection state. It runs on the transport's read pump
// goroutine (except for the initial connect) and must return quickly.
type ConnectionChangeCallback func(connected bool, err error)

// Gateway composes the transport, the pending-call registry with its
// watchdog, and the subscription registry. One instance drives one
// connection; Instance returns the process-wide default.
type Gateway struct {
	mu sync.Mutex

	transport *transport.Transport
	pending   *pending.Registry
	subs      *subscription.Registry

	watchdog *pending.Watchdog
	metrics  *metrics.Metrics

	providerDisabled   bool
	onConnectionChange ConnectionChangeCallback
}

func New() *Gateway {
	return &Gateway{
		transport: transport.New(),
		pending:   pending.NewRegistry(),
		subs:      subscription.NewRegistry(),
	}
}

//nolint:golint,gochecknoglobals
var (
	instance     *Gateway
	instanceOnce sync.Once
)

// Instance returns the process-wide gateway, created lazily on first use.
// Its lifetime is bound to Connect/Disconnect.
func Instance() *Gateway {
	instanceOnce.Do(func() {
		instance = New()
	})
	return instance
}

// SetMetrics attaches prometheus instrumentation. Optional; a nil receiver
// field disables it.
func (g *Gateway) SetMetrics(m *metrics.Metrics) {
	g.metrics = m
}

// connectionURL appends the RPCv2 marker, with & when the configured URL
// already carries a query.
func connectionURL(wsURL string) string {
	if strings.Contains(wsURL, "?") {
		return wsURL + "&RPCv2=true"
	}
	return wsURL + "?RPCv2=true"
}

// Connect validates the config, applies the log settings, dials the service
// and starts the watchdog.
func (g *Gateway) Connect(cfg *config.Config, onConnectionChange ConnectionChangeCallback) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	logging.Apply(cfg.Log)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.providerDisabled = cfg.Provider.Disabled
	g.onConnectionChange = onConnectionChange

	url := connectionURL(cfg.WS.URL)
	slog.Info("Connecting", "url", url)
	err := g.transport.Connect(url, g.onMessage, g.onTransportChange, cfg.Log.TransportInclude, cfg.Log.TransportExclude)
	if err != nil {
		return err
	}

	g.watchdog = pending.NewWatchdog(
		g.pending,
		time.Duration(cfg.WS.WatchdogCycleMS)*time.Millisecond,
		time.Duration(cfg.WS.WaitTimeMS)*time.Millisecond,
		func(count int) {
			if g.metrics != nil {
				g.metrics.AddWatchdogEvicted(count)
			}
		},
	)
	g.watchdog.Start()
	return nil
}

// Disconnect stops the watchdog, closes the transport, fails every
// outstanding call with NotConnected and clears the subscription registry.
func (g *Gateway) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.watchdog != nil {
		g.watchdog.Stop()
		g.watchdog = nil
	}
	err := g.transport.Disconnect()
	g.pending.FailAll(apimodels.ErrNotConnected)
	g.subs.Clear()
	return err
}

// Request issues a JSON-RPC call and blocks until the response arrives, the
// watchdog times the call out, or the connection drops. params may be nil,
// a json.RawMessage, or any marshallable value.
func (g *Gateway) Request(method string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		slog.Error("Error marshalling params", "method", method, "error", err)
		return nil, apimodels.ErrGeneral
	}

	id := g.transport.NextMessageID()
	call := g.pending.Insert(id)
	if g.metrics != nil {
		g.metrics.IncrementInflight()
		defer g.metrics.DecrementInflight()
	}

	if err := g.transport.Send(method, raw, id); err != nil {
		g.pending.Remove(id)
		g.countRequest(err)
		return nil, err
	}

	result, err := call.Wait()
	g.pending.Remove(id)
	g.countRequest(err)
	return result, err
}

func (g *Gateway) countRequest(err error) {
	if g.metrics == nil {
		return
	}
	g.metrics.IncrementRequests(apimodels.CodeOf(err).String())
}

// Subscribe registers a listener for event. The first listener for a
// normalized event key triggers a server-side listen request; on any failure
// of that handshake the registration is rolled back.
func (g *Gateway) Subscribe(event string, callback subscription.EventCallback, userData any) error {
	alreadySubscribed := g.subs.AnySubscriber(event)
	if err := g.subs.Subscribe(event, callback, userData); err != nil {
		return err
	}
	if alreadySubscribed {
		return nil
	}

	result, err := g.Request(event, map[string]bool{"listen": true})
	if err == nil && !listeningEquals(result, true) {
		err = apimodels.ErrGeneral
	}
	if err != nil {
		_ = g.subs.Unsubscribe(event, userData)
		return err
	}
	return nil
}

// Unsubscribe removes the listener identified by (event, userData). When the
// last listener for the key goes away, a listen=false request is issued and
// the response must acknowledge with listening=false.
func (g *Gateway) Unsubscribe(event string, userData any) error {
	if err := g.subs.Unsubscribe(event, userData); err != nil {
		return err
	}
	if g.subs.AnySubscriber(event) {
		return nil
	}

	result, err := g.Request(event, map[string]bool{"listen": false})
	if err == nil && !listeningEquals(result, false) {
		err = apimodels.ErrGeneral
	}
	return err
}

// RegisterProvider registers a server-callable method ("Interface.method").
func (g *Gateway) RegisterProvider(fullMethod string, callback subscription.ProviderCallback, userData any) error {
	if g.providerDisabled {
		return apimodels.ErrGeneral
	}
	return g.subs.RegisterProvider(fullMethod, callback, userData)
}

// UnregisterProvider removes a previously registered provider method.
func (g *Gateway) UnregisterProvider(iface, method string, userData any) error {
	if g.providerDisabled {
		return apimodels.ErrGeneral
	}
	return g.subs.UnregisterProvider(iface, method, userData)
}

// onMessage classifies every inbound frame and routes it. Runs on the read
// pump goroutine; one frame is fully dispatched before the next is read.
func (g *Gateway) onMessage(msg apimodels.RPCMessage) {
	switch {
	case msg.Method != "" && msg.ID != nil:
		if g.providerDisabled {
			slog.Warn("Dropping provider request, provider support is disabled", "method", msg.Method)
			return
		}
		g.subs.DispatchProvider(*msg.ID, msg.Method, msg.Params, func(id uint64, result json.RawMessage) {
			if err := g.transport.SendResponse(id, result); err != nil {
				slog.Error("Error sending provider response", "id", id, "error", err)
			}
		})
	case msg.Method != "":
		delivered := g.subs.Notify(msg.Method, msg.Params)
		if g.metrics != nil && delivered > 0 {
			g.metrics.AddEventsDelivered(subscription.NormalizeEventKey(msg.Method), delivered)
		}
	case msg.ID != nil && msg.Error != nil:
		if !g.pending.Fail(*msg.ID, apimodels.FromRPCError(msg.Error)) {
			slog.Warn("No receiver for message-id", "id", *msg.ID)
		}
	case msg.ID != nil:
		if !g.pending.Complete(*msg.ID, msg.Result) {
			slog.Warn("No receiver for message-id", "id", *msg.ID)
		}
	default:
		slog.Warn("Unknown message shape, dropping")
	}
}

// onTransportChange adapts transport state transitions: a drop fails every
// outstanding call so no caller is left waiting, then the change is forwarded
// to the user callback.
func (g *Gateway) onTransportChange(connected bool, err error) {
	if g.metrics != nil {
		g.metrics.SetConnected(connected)
	}
	if !connected {
		g.pending.FailAll(apimodels.ErrNotConnected)
	}
	if g.onConnectionChange != nil {
		g.onConnectionChange(connected, err)
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(params)
	}
}

func listeningEquals(result json.RawMessage, want bool) bool {
	var response struct {
		Listening *bool `json:"listening"`
	}
	if err := json.Unmarshal(result, &response); err != nil {
		return false
	}
	return response.Listening != nil && *response.Listening == want
}
