// Package crdt defines the replicated-document contract the storage layer
// builds on, together with an in-memory reference implementation.
//
// The reference Doc keeps named append-only sequences whose items carry
// globally unique (actor, counter) ids and tombstone flags. Deltas are
// therefore idempotent and commutative: applying the same delta twice is a
// no-op, and two documents that exchange their deltas in either order
// converge to the same item set. Conflict resolution between surviving
// items (e.g. last-write-wins per key) belongs to the layer above.
//
// Concurrency: mutation is cooperative. One goroutine drives a Doc at a
// time; a mutex serializes provider goroutines (sync, persistence) against
// the application, but nested transactions must stay on the goroutine that
// opened the outermost one.
package crdt

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// ItemID uniquely identifies a sequence item across replicas.
type ItemID struct {
	Actor   string `json:"actor"`
	Counter uint64 `json:"counter"`
}

func (id ItemID) String() string {
	return fmt.Sprintf("%s:%d", id.Actor, id.Counter)
}

// Item is one element of a sequence. Value is opaque to this package.
// Deleted items are tombstones: logically removed, physically retained so
// concurrent references to them still resolve.
type Item struct {
	ID      ItemID          `json:"id"`
	Value   json.RawMessage `json:"value"`
	Deleted bool            `json:"deleted,omitempty"`
}

// Update is emitted once per outermost transaction (local) or once per
// applied remote delta.
type Update struct {
	// Delta holds the transaction's operations, encoded for replication.
	Delta []byte
	// Origin is the identity the transaction was tagged with, nil for
	// untagged local edits and remote applies without an origin.
	Origin any
	// Local reports whether the mutations originated on this document
	// rather than arriving from a peer or a storage load.
	Local bool
}

// UpdateHandler observes committed transactions. Handlers run after the
// document lock is released and may mutate other documents, but must not
// mutate the emitting document synchronously.
type UpdateHandler func(Update)

// SeqChange is the per-transaction change feed of one sequence.
type SeqChange struct {
	Added  []Item
	Killed []ItemID
	Origin any
	Local  bool
}

// SeqHandler observes one sequence's committed changes.
type SeqHandler func(SeqChange)

// Doc is the in-memory reference document.
type Doc struct {
	actor string
	// name is a stable identity across runs, unlike actor. Persistence
	// scopes its storage by it.
	name string

	// txMu serializes whole transactions; mu guards document state for
	// readers and handler registration within one.
	txMu    sync.Mutex
	mu      sync.Mutex
	counter uint64
	seqs    map[string]*Seq
	closed  bool

	tx *txState

	updateHandlers map[int]UpdateHandler
	nextHandler    int

	awareness *Awareness
}

// NewDoc creates an empty document with a fresh ULID actor id.
func NewDoc() *Doc {
	return NewDocWithActor(ulid.MustNew(ulid.Now(), rand.Reader).String())
}

// NewDocWithActor creates a document with an explicit actor id.
// Tests use fixed actors for deterministic stamps and tie-breaks.
func NewDocWithActor(actor string) *Doc {
	d := &Doc{
		actor:          actor,
		seqs:           make(map[string]*Seq),
		updateHandlers: make(map[int]UpdateHandler),
	}
	d.awareness = newAwareness(d)
	return d
}

// NewNamedDoc creates a document carrying a stable identity name.
func NewNamedDoc(name string) *Doc {
	d := NewDoc()
	d.name = name
	return d
}

// ActorID returns the replica identity items created by this document carry.
func (d *Doc) ActorID() string { return d.actor }

// Name returns the document's stable identity name, empty when unnamed.
func (d *Doc) Name() string { return d.name }

// Seq returns the named sequence, creating it on first use.
func (d *Doc) Seq(name string) *Seq {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seqLocked(name)
}

func (d *Doc) seqLocked(name string) *Seq {
	s, ok := d.seqs[name]
	if !ok {
		s = &Seq{
			doc:      d,
			name:     name,
			byID:     make(map[ItemID]int),
			handlers: make(map[int]SeqHandler),
			pending:  make(map[ItemID]struct{}),
		}
		d.seqs[name] = s
	}
	return s
}

// Awareness returns the document's ephemeral presence container.
func (d *Doc) Awareness() *Awareness { return d.awareness }

// OnUpdate registers an update handler and returns a handle for OffUpdate.
func (d *Doc) OnUpdate(fn UpdateHandler) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.nextHandler
	d.nextHandler++
	d.updateHandlers[h] = fn
	return h
}

// OffUpdate removes a previously registered update handler.
func (d *Doc) OffUpdate(handle int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.updateHandlers, handle)
}

// Close releases the document. Further mutations panic; handlers are
// dropped so late provider callbacks become no-ops.
func (d *Doc) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.updateHandlers = make(map[int]UpdateHandler)
	for _, s := range d.seqs {
		s.handlers = make(map[int]SeqHandler)
	}
	d.awareness.dropHandlers()
}

// Closed reports whether Close has been called.
func (d *Doc) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Doc) nextID() ItemID {
	d.counter++
	return ItemID{Actor: d.actor, Counter: d.counter}
}
