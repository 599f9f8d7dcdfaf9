package copilot

import (
	"sync"

	"github.com/zhouzirui/z-copilot/backend/internal/model/chat"
)

// Registry hands out one Accumulator per session so that concurrent clients
// of the same session share its in-flight guard.
type Registry struct {
	streamer Streamer
	store    Transcripts
	mode     chat.Mode

	mu    sync.Mutex
	items map[string]*Accumulator
}

// NewRegistry creates an empty registry.
func NewRegistry(streamer Streamer, store Transcripts, mode chat.Mode) *Registry {
	return &Registry{
		streamer: streamer,
		store:    store,
		mode:     mode,
		items:    make(map[string]*Accumulator),
	}
}

// For returns the accumulator bound to sessionID, creating it on first use.
func (r *Registry) For(sessionID string) *Accumulator {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.items[sessionID]
	if !ok {
		acc = NewAccumulator(r.streamer, r.store, r.mode)
		r.items[sessionID] = acc
	}
	return acc
}

// Forget cancels and drops the accumulator of a deleted session.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	acc, ok := r.items[sessionID]
	delete(r.items, sessionID)
	r.mu.Unlock()

	if ok {
		acc.Cancel()
	}
}

// Mode is the default request mode for new accumulators.
func (r *Registry) Mode() chat.Mode {
	return r.mode
}
