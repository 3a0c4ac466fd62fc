// Package helpers is the typed layer above the gateway used by generated
// façades: property get/set, fire-and-observe invokes, and id-keyed event
// subscriptions that unmarshal payloads into caller types.
package helpers

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/USA-RedDragon/rpc-gateway/internal/apimodels"
	"github.com/USA-RedDragon/rpc-gateway/internal/gateway"
)

// SubscriptionID identifies one helper-level subscription. Ids are unique
// within a Helper and stable, unlike the registry's (event, user data) pairs.
type SubscriptionID uint64

type subscriptionData struct {
	owner any
	event string
}

// Helper wraps a gateway with typed accessors and subscription id
// bookkeeping.
type Helper struct {
	gw *gateway.Gateway

	mu            sync.Mutex
	nextID        SubscriptionID
	subscriptions map[SubscriptionID]*subscriptionData
}

func New(gw *gateway.Gateway) *Helper {
	return &Helper{
		gw:            gw,
		subscriptions: make(map[SubscriptionID]*subscriptionData),
	}
}

//nolint:golint,gochecknoglobals
var (
	defaultHelper     *Helper
	defaultHelperOnce sync.Once
)

// Default returns the helper bound to the process-wide gateway.
func Default() *Helper {
	defaultHelperOnce.Do(func() {
		defaultHelper = New(gateway.Instance())
	})
	return defaultHelper
}

// Invoke calls a method and discards the result.
func (h *Helper) Invoke(method string, params any) error {
	_, err := h.gw.Request(method, params)
	return err
}

// Set writes a property. Non-object values are wrapped as {"value": v}, the
// shape property setters expect.
func (h *Helper) Set(method string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return apimodels.ErrGeneral
	}
	var params json.RawMessage
	if len(raw) > 0 && raw[0] == '{' {
		params = raw
	} else {
		params, err = json.Marshal(map[string]json.RawMessage{"value": raw})
		if err != nil {
			return apimodels.ErrGeneral
		}
	}
	_, err = h.gw.Request(method, params)
	return err
}

// Get reads a property or getter result into T. A result that does not
// unmarshal into T reports InvalidParams.
func Get[T any](h *Helper, method string, params any) (T, error) {
	var value T
	result, err := h.gw.Request(method, params)
	if err != nil {
		return value, err
	}
	if err := json.Unmarshal(result, &value); err != nil {
		slog.Error("Cannot parse data for a getter", "method", method, "payload", string(result))
		return value, apimodels.ErrInvalidParams
	}
	return value, nil
}

// SubscribeOwned registers a typed notification for an event on behalf of
// owner and returns its subscription id. Payloads that fail to unmarshal
// into T are logged and dropped.
func SubscribeOwned[T any](h *Helper, owner any, event string, notify func(T)) (SubscriptionID, error) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	data := &subscriptionData{owner: owner, event: event}
	h.subscriptions[id] = data
	h.mu.Unlock()

	callback := func(_ any, params json.RawMessage) {
		var value T
		if err := json.Unmarshal(params, &value); err != nil {
			slog.Error("Cannot parse event data", "event", event, "payload", string(params))
			return
		}
		notify(value)
	}

	if err := h.gw.Subscribe(event, callback, data); err != nil {
		h.mu.Lock()
		delete(h.subscriptions, id)
		h.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// Unsubscribe removes the subscription with the given id.
func (h *Helper) Unsubscribe(id SubscriptionID) error {
	h.mu.Lock()
	data, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()
	if !ok {
		return apimodels.ErrGeneral
	}
	return h.gw.Unsubscribe(data.event, data)
}

// UnsubscribeAll removes every subscription registered on behalf of owner.
func (h *Helper) UnsubscribeAll(owner any) {
	h.mu.Lock()
	var owned []*subscriptionData
	for id, data := range h.subscriptions {
		if data.owner == owner {
			owned = append(owned, data)
			delete(h.subscriptions, id)
		}
	}
	h.mu.Unlock()
	for _, data := range owned {
		if err := h.gw.Unsubscribe(data.event, data); err != nil {
			slog.Warn("Error unsubscribing", "event", data.event, "error", err)
		}
	}
}

// SubscriptionManager scopes subscriptions to a single owner so a façade can
// drop them all at teardown.
type SubscriptionManager struct {
	helper *Helper
	owner  *subscriptionOwner
}

type subscriptionOwner struct{ _ byte }

func NewSubscriptionManager(helper *Helper) *SubscriptionManager {
	return &SubscriptionManager{
		helper: helper,
		owner:  &subscriptionOwner{},
	}
}

// Subscribe registers a typed notification through the manager's owner.
func Subscribe[T any](m *SubscriptionManager, event string, notify func(T)) (SubscriptionID, error) {
	return SubscribeOwned(m.helper, m.owner, event, notify)
}

func (m *SubscriptionManager) Unsubscribe(id SubscriptionID) error {
	return m.helper.Unsubscribe(id)
}

func (m *SubscriptionManager) UnsubscribeAll() {
	m.helper.UnsubscribeAll(m.owner)
}
