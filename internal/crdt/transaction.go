package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// wireOp is one replicated operation. Exactly one of Add or Del is set.
type wireOp struct {
	Seq string  `json:"seq"`
	Add *Item   `json:"add,omitempty"`
	Del *ItemID `json:"del,omitempty"`
}

type wireDelta struct {
	Ops []wireOp `json:"ops"`
}

// txState accumulates one outermost transaction's operations and the
// per-sequence change feed, in issue order.
type txState struct {
	origin any
	local  bool

	ops []wireOp

	changes map[*Seq]*SeqChange
	touched []*Seq
}

func newTx(origin any, local bool) *txState {
	return &txState{
		origin:  origin,
		local:   local,
		changes: make(map[*Seq]*SeqChange),
	}
}

func (tx *txState) change(s *Seq) *SeqChange {
	c, ok := tx.changes[s]
	if !ok {
		c = &SeqChange{Origin: tx.origin, Local: tx.local}
		tx.changes[s] = c
		tx.touched = append(tx.touched, s)
	}
	return c
}

func (tx *txState) noteAdd(s *Seq, it Item) {
	item := it
	tx.ops = append(tx.ops, wireOp{Seq: s.name, Add: &item})
	c := tx.change(s)
	c.Added = append(c.Added, it)
}

func (tx *txState) noteKill(s *Seq, id ItemID) {
	killed := id
	tx.ops = append(tx.ops, wireOp{Seq: s.name, Del: &killed})
	c := tx.change(s)
	c.Killed = append(c.Killed, id)
}

// Transact groups every mutation issued by fn into one transaction tagged
// with origin. Observers fire once, after fn returns, with the coalesced
// changes. Nested Transact calls are absorbed into the outermost
// transaction and the outermost origin wins.
//
// There is no rollback: mutations applied before fn returns an error stay
// applied, and the error propagates to the caller. A panic in fn commits
// the mutations already issued, then propagates.
func (d *Doc) Transact(fn func() error, origin any) error {
	if d.tx != nil {
		return fn()
	}

	d.txMu.Lock()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.txMu.Unlock()
		panic("crdt: transact on closed document")
	}
	tx := newTx(origin, true)
	d.tx = tx
	d.mu.Unlock()

	defer d.commit(tx)
	return fn()
}

// mutate runs fn inside the open transaction, or inside a fresh implicit
// one-operation transaction when none is open.
func (d *Doc) mutate(fn func(*txState)) {
	if tx := d.tx; tx != nil {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			panic("crdt: mutation on closed document")
		}
		fn(tx)
		d.mu.Unlock()
		return
	}

	d.txMu.Lock()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.txMu.Unlock()
		panic("crdt: mutation on closed document")
	}
	tx := newTx(nil, true)
	d.tx = tx
	// Deferred in reverse: unlock first, then commit, so a panic in fn
	// still releases both locks.
	defer d.commit(tx)
	defer d.mu.Unlock()
	fn(tx)
}

// commit finalizes the transaction, releases the transaction lock, and
// dispatches change and update handlers outside every lock.
func (d *Doc) commit(tx *txState) {
	d.mu.Lock()
	d.tx = nil

	type seqDispatch struct {
		handlers []SeqHandler
		change   SeqChange
	}
	var dispatches []seqDispatch
	var updates []UpdateHandler

	if len(tx.ops) > 0 {
		for _, s := range tx.touched {
			c := tx.changes[s]
			if len(c.Added) == 0 && len(c.Killed) == 0 {
				continue
			}
			dispatches = append(dispatches, seqDispatch{
				handlers: s.handlersSnapshot(),
				change:   *c,
			})
		}
		updates = d.updateHandlersSnapshot()
	}
	d.mu.Unlock()
	d.txMu.Unlock()

	if len(tx.ops) == 0 {
		return
	}

	for _, sd := range dispatches {
		for _, h := range sd.handlers {
			h(sd.change)
		}
	}

	if len(updates) > 0 {
		delta, err := json.Marshal(wireDelta{Ops: tx.ops})
		if err != nil {
			// Ops hold raw JSON and plain structs; this cannot fail.
			panic(fmt.Sprintf("crdt: encode delta: %v", err))
		}
		u := Update{Delta: delta, Origin: tx.origin, Local: tx.local}
		for _, h := range updates {
			h(u)
		}
	}
}

// ApplyUpdate merges a delta produced by another document (or a prior run
// of this one). Application is idempotent: already-seen items and
// tombstones are skipped, and a fully duplicate delta emits nothing.
// Handlers observe the applied subset with Local: false.
func (d *Doc) ApplyUpdate(delta []byte, origin any) error {
	var wire wireDelta
	if err := json.Unmarshal(delta, &wire); err != nil {
		return fmt.Errorf("decode delta: %w", err)
	}

	d.txMu.Lock()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.txMu.Unlock()
		return fmt.Errorf("apply update: document closed")
	}
	tx := newTx(origin, false)
	d.tx = tx
	for _, op := range wire.Ops {
		s := d.seqLocked(op.Seq)
		switch {
		case op.Add != nil:
			d.observeID(op.Add.ID)
			s.apply(tx, *op.Add)
		case op.Del != nil:
			s.kill(tx, *op.Del)
		}
	}
	d.mu.Unlock()
	d.commit(tx)
	return nil
}

// observeID fast-forwards the local counter past items this actor created
// in a previous run, so reloaded state never yields colliding ids.
// Caller holds the doc lock.
func (d *Doc) observeID(id ItemID) {
	if id.Actor == d.actor && id.Counter > d.counter {
		d.counter = id.Counter
	}
}

func (s *Seq) handlersSnapshot() []SeqHandler {
	keys := make([]int, 0, len(s.handlers))
	for k := range s.handlers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]SeqHandler, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.handlers[k])
	}
	return out
}

func (d *Doc) updateHandlersSnapshot() []UpdateHandler {
	keys := make([]int, 0, len(d.updateHandlers))
	for k := range d.updateHandlers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]UpdateHandler, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.updateHandlers[k])
	}
	return out
}
