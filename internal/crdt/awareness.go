package crdt

import (
	"encoding/json"
	"sort"
	"sync"
)

// Awareness is the ephemeral per-peer presence container. States live only
// in memory: they are never part of EncodeState and vanish with the
// process. Remote states arrive through SetRemote (driven by a sync
// provider), local state through SetLocal.
type Awareness struct {
	doc *Doc

	mu       sync.Mutex
	states   map[string]json.RawMessage
	handlers map[int]AwarenessHandler
	next     int
}

// AwarenessChange reports which actors changed presence in one update.
type AwarenessChange struct {
	Actors []string
	Local  bool
}

// AwarenessHandler observes presence changes.
type AwarenessHandler func(AwarenessChange)

func newAwareness(d *Doc) *Awareness {
	return &Awareness{
		doc:      d,
		states:   make(map[string]json.RawMessage),
		handlers: make(map[int]AwarenessHandler),
	}
}

// SetLocal publishes this document's presence state. A nil state clears it.
func (a *Awareness) SetLocal(state json.RawMessage) {
	a.set(a.doc.actor, state, true)
}

// SetRemote records a peer's presence state. A nil state clears it.
func (a *Awareness) SetRemote(actor string, state json.RawMessage) {
	a.set(actor, state, false)
}

func (a *Awareness) set(actor string, state json.RawMessage, local bool) {
	a.mu.Lock()
	if state == nil {
		delete(a.states, actor)
	} else {
		a.states[actor] = state
	}
	handlers := a.handlersSnapshotLocked()
	a.mu.Unlock()

	change := AwarenessChange{Actors: []string{actor}, Local: local}
	for _, h := range handlers {
		h(change)
	}
}

// States returns a copy of every known presence state keyed by actor id.
func (a *Awareness) States() map[string]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]json.RawMessage, len(a.states))
	for k, v := range a.states {
		out[k] = v
	}
	return out
}

// Local returns this document's own presence state, or nil.
func (a *Awareness) Local() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[a.doc.actor]
}

// OnChange registers a presence handler and returns a handle for OffChange.
func (a *Awareness) OnChange(fn AwarenessHandler) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.next
	a.next++
	a.handlers[h] = fn
	return h
}

// OffChange removes a presence handler.
func (a *Awareness) OffChange(handle int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.handlers, handle)
}

func (a *Awareness) dropHandlers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = make(map[int]AwarenessHandler)
}

func (a *Awareness) handlersSnapshotLocked() []AwarenessHandler {
	keys := make([]int, 0, len(a.handlers))
	for k := range a.handlers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]AwarenessHandler, 0, len(keys))
	for _, k := range keys {
		out = append(out, a.handlers[k])
	}
	return out
}
