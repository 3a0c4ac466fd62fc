// Package pending pairs outbound request ids with in-process waiters and
// times out the ones the service never answers.
package pending

import (
	"encoding/json"
	"sync"
	"time"
)

// Call is one outstanding request. The creating goroutine blocks in Wait
// until the dispatcher, the watchdog, or a shutdown signals it. The signal
// fires exactly once.
type Call struct {
	ID uint64

	created time.Time
	once    sync.Once
	done    chan struct{}

	result json.RawMessage
	err    error
}

// Wait blocks until the call reaches a terminal state, then returns its
// result or error.
func (c *Call) Wait() (json.RawMessage, error) {
	<-c.done
	return c.result, c.err
}

func (c *Call) complete(result json.RawMessage) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Fail moves the call to a terminal error state. Used by the registry and by
// the watchdog after eviction.
func (c *Call) Fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Registry owns the id -> waiter map. Lookup, insert and eviction are
// mutually exclusive; the completion channel orders the result write before
// the waiter's read.
type Registry struct {
	mu    sync.Mutex
	calls map[uint64]*Call
}

func NewRegistry() *Registry {
	return &Registry{
		calls: make(map[uint64]*Call),
	}
}

// Insert creates a pending entry timestamped now.
func (r *Registry) Insert(id uint64) *Call {
	call := &Call{
		ID:      id,
		created: time.Now(),
		done:    make(chan struct{}),
	}
	r.mu.Lock()
	r.calls[id] = call
	r.mu.Unlock()
	return call
}

// Complete signals the waiter for id with a result. Returns false when no
// entry exists, which happens when the watchdog already evicted it.
func (r *Registry) Complete(id uint64, result json.RawMessage) bool {
	r.mu.Lock()
	call, ok := r.calls[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	call.complete(result)
	return true
}

// Fail signals the waiter for id with an error.
func (r *Registry) Fail(id uint64, err error) bool {
	r.mu.Lock()
	call, ok := r.calls[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	call.Fail(err)
	return true
}

// Remove drops the entry for id. Called by the waiter once it has observed
// completion, so the registry never holds terminal entries.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	delete(r.calls, id)
	r.mu.Unlock()
}

// EvictOlderThan atomically removes every entry older than the threshold and
// returns the removed calls. The caller fails each one.
func (r *Registry) EvictOlderThan(threshold time.Duration) []*Call {
	cutoff := time.Now().Add(-threshold)
	var outdated []*Call
	r.mu.Lock()
	for id, call := range r.calls {
		if call.created.Before(cutoff) {
			outdated = append(outdated, call)
			delete(r.calls, id)
		}
	}
	r.mu.Unlock()
	return outdated
}

// FailAll removes every entry and signals each waiter with err. Used when the
// connection drops or the gateway shuts down so no caller deadlocks.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	calls := make([]*Call, 0, len(r.calls))
	for id, call := range r.calls {
		calls = append(calls, call)
		delete(r.calls, id)
	}
	r.mu.Unlock()
	for _, call := range calls {
		call.Fail(err)
	}
}

// Len reports the number of outstanding calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
