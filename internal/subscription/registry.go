// Package subscription tracks in-process event listeners and server-callable
// provider methods.
package subscription

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/USA-RedDragon/rpc-gateway/internal/apimodels"
	"github.com/puzpuzpuz/xsync/v3"
)

// EventCallback receives a notification payload together with the user data
// registered alongside it. Callbacks run on the transport's read pump
// goroutine and must return quickly; calling back into the gateway's Request
// from a callback deadlocks the pump.
type EventCallback func(userData any, params json.RawMessage)

// ProviderCallback handles a server-originated request and returns the JSON
// document used as the response result.
type ProviderCallback func(userData any, params json.RawMessage) string

// NormalizeEventKey converts a wire event name such as "Device.onFooChanged"
// into the internal lookup key "device.fooChanged": the module segment is
// lower-cased and an "on" prefix on the remainder is stripped with the
// following character lower-cased. Names without a dot pass through
// unchanged. Applying it to its own output changes nothing, except when the
// stripped remainder itself starts with "on" and at least one more
// character: "Device.onOnline" gives "device.online", which normalizes
// again to "device.line".
func NormalizeEventKey(event string) string {
	dot := strings.IndexByte(event, '.')
	if dot < 0 {
		return event
	}
	module := strings.ToLower(event[:dot])
	rest := event[dot+1:]
	if len(rest) > 2 && rest[:2] == "on" {
		rest = strings.ToLower(rest[2:3]) + rest[3:]
	}
	return module + "." + rest
}

type listener struct {
	key      string
	callback EventCallback
	userData any
}

type providerMethod struct {
	name     string
	callback ProviderCallback
	userData any
}

type providerInterface struct {
	mu      sync.Mutex
	methods []providerMethod
}

// Registry stores per-event listener lists and per-interface provider
// dispatch tables. The two live in independent mutex domains; listener
// callbacks are always invoked outside the listener lock.
type Registry struct {
	mu        sync.Mutex
	listeners []listener

	providers *xsync.MapOf[string, *providerInterface]
}

func NewRegistry() *Registry {
	return &Registry{
		providers: xsync.NewMapOf[string, *providerInterface](),
	}
}

// Subscribe registers a callback for the normalized event key. An exact
// (key, userData) duplicate is rejected with General.
func (r *Registry) Subscribe(event string, callback EventCallback, userData any) error {
	key := NormalizeEventKey(event)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		if l.key == key && l.userData == userData {
			return apimodels.ErrGeneral
		}
	}
	r.listeners = append(r.listeners, listener{key: key, callback: callback, userData: userData})
	return nil
}

// Unsubscribe removes the single listener identified by (key, userData).
func (r *Registry) Unsubscribe(event string, userData any) error {
	key := NormalizeEventKey(event)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l.key == key && l.userData == userData {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return nil
		}
	}
	return apimodels.ErrGeneral
}

// AnySubscriber reports whether at least one listener is registered for the
// event. The gateway uses this to decide when to toggle server-side listen.
func (r *Registry) AnySubscriber(event string) bool {
	key := NormalizeEventKey(event)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		if l.key == key {
			return true
		}
	}
	return false
}

// Notify fans an inbound notification out to every matching listener in
// registration order. A single-key {"value": X} payload is unwrapped to X.
// Returns the number of callbacks invoked.
func (r *Registry) Notify(method string, params json.RawMessage) int {
	key := NormalizeEventKey(method)
	payload := unwrapValue(params)

	r.mu.Lock()
	matched := make([]listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		if l.key == key {
			matched = append(matched, l)
		}
	}
	r.mu.Unlock()

	// Callbacks run outside the lock so they may subscribe or unsubscribe.
	for _, l := range matched {
		l.callback(l.userData, payload)
	}
	return len(matched)
}

// Clear drops every listener and every provider registration. Used on
// gateway disconnect.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.listeners = nil
	r.mu.Unlock()
	r.providers.Clear()
}

func unwrapValue(params json.RawMessage) json.RawMessage {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(params, &wrapper); err != nil {
		return params
	}
	if value, ok := wrapper["value"]; ok && len(wrapper) == 1 {
		return value
	}
	return params
}

// RegisterProvider registers a dispatcher for fullMethod ("Interface.method").
// A leading "on" in the method segment is stripped the same way event keys
// are normalized. Duplicate (method, userData) pairs are ignored.
func (r *Registry) RegisterProvider(fullMethod string, callback ProviderCallback, userData any) error {
	dot := strings.IndexByte(fullMethod, '.')
	if dot < 0 {
		return apimodels.ErrGeneral
	}
	iface := fullMethod[:dot]
	method := fullMethod[dot+1:]
	if len(method) > 2 && method[:2] == "on" {
		method = strings.ToLower(method[2:3]) + method[3:]
	}

	provider, _ := r.providers.LoadOrCompute(iface, func() *providerInterface {
		return &providerInterface{}
	})
	provider.mu.Lock()
	defer provider.mu.Unlock()
	for _, m := range provider.methods {
		if m.name == method && m.userData == userData {
			return nil
		}
	}
	provider.methods = append(provider.methods, providerMethod{
		name:     method,
		callback: callback,
		userData: userData,
	})
	return nil
}

// UnregisterProvider removes the dispatcher identified by (iface, method,
// userData). Unknown entries are ignored.
func (r *Registry) UnregisterProvider(iface, method string, userData any) error {
	provider, loaded := r.providers.Load(iface)
	if !loaded {
		return nil
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	for i, m := range provider.methods {
		if m.name == method && m.userData == userData {
			provider.methods = append(provider.methods[:i], provider.methods[i+1:]...)
			break
		}
	}
	return nil
}

// DispatchProvider routes a server-originated request to the first matching
// provider method and hands the dispatcher's return value to respond.
// Requests with no registered dispatcher are dropped.
func (r *Registry) DispatchProvider(id uint64, method string, params json.RawMessage, respond func(id uint64, result json.RawMessage)) {
	dot := strings.IndexByte(method, '.')
	if dot < 0 {
		return
	}
	iface := method[:dot]
	methodName := method[dot+1:]

	provider, loaded := r.providers.Load(iface)
	if !loaded {
		slog.Warn("No provider registered for interface", "interface", iface)
		return
	}

	provider.mu.Lock()
	var match *providerMethod
	for i := range provider.methods {
		if provider.methods[i].name == methodName {
			match = &provider.methods[i]
			break
		}
	}
	var callback ProviderCallback
	var userData any
	if match != nil {
		callback = match.callback
		userData = match.userData
	}
	provider.mu.Unlock()

	if callback == nil {
		slog.Warn("No provider registered for method", "method", method)
		return
	}
	result := callback(userData, params)
	respond(id, json.RawMessage(result))
}
