// Package pubsub implements the per-key subscriber registry: ordered
// subscriber lists keyed by document name, plus the two reserved internal
// channels the bridge and LLM adapters attach to.
package pubsub

import (
	"errors"
	"sync"
)

// Reserved channel names. Unlike document keys these are never created by
// SET; they exist from process start so the bridge/LLM handshake can
// always subscribe to them.
const (
	ChannelNotifications = "notifications"
	ChannelLLMRequests   = "llm_requests"
)

// ErrUnknownKey is returned by Subscribe when the key has no registry
// entry: a SET creates the entry, not a SUBSCRIBE, so subscribing to a key
// that has never existed on this node is rejected.
var ErrUnknownKey = errors.New("pubsub: unknown key")

// Registry is the mutex-guarded map of key -> ordered, deduplicated list of
// subscriber client addresses.
type Registry struct {
	mu   sync.Mutex
	subs map[string][]string
}

func New() *Registry {
	r := &Registry{subs: make(map[string][]string)}
	r.EnsureKey(ChannelNotifications)
	r.EnsureKey(ChannelLLMRequests)
	return r
}

// EnsureKey creates an empty subscriber entry for key if one does not
// already exist. Called whenever the store creates a key (first SET), so
// the invariant "a registry entry exists iff the store has, or has ever
// had, that key" holds without the registry needing to watch the store.
func (r *Registry) EnsureKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[key]; !ok {
		r.subs[key] = nil
	}
}

// Subscribe appends addr to key's subscriber list if absent. Returns
// ErrUnknownKey if key has no registry entry.
func (r *Registry) Subscribe(key, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.subs[key]
	if !ok {
		return ErrUnknownKey
	}
	for _, a := range list {
		if a == addr {
			return nil
		}
	}
	r.subs[key] = append(list, addr)
	return nil
}

// Unsubscribe removes addr from key's subscriber list, if present.
// Idempotent: unsubscribing an address that isn't subscribed is a no-op.
func (r *Registry) Unsubscribe(key, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.subs[key]
	if !ok {
		return
	}
	for i, a := range list {
		if a == addr {
			r.subs[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// RemoveClient strips addr from every key's subscriber list, used on
// client disconnect.
func (r *Registry) RemoveClient(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, list := range r.subs {
		for i, a := range list {
			if a == addr {
				r.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Subscribers returns a snapshot of key's current subscriber list.
func (r *Registry) Subscribers(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[key]
	out := make([]string, len(list))
	copy(out, list)
	return out
}

// Publish delivers payload to every current subscriber of key via deliver,
// which the caller wires to the client session's write handle. A failing
// deliver call is skipped (the caller is expected to log it) — it never
// aborts delivery to the remaining subscribers, and it does not remove the
// subscriber from the registry; only an explicit UNSUBSCRIBE or disconnect
// does that. Returns the count of subscribers deliver accepted without
// error.
func (r *Registry) Publish(key string, deliver func(addr string) error) int {
	delivered := 0
	for _, addr := range r.Subscribers(key) {
		if err := deliver(addr); err == nil {
			delivered++
		}
	}
	return delivered
}
