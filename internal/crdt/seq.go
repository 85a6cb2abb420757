package crdt

import "encoding/json"

// Seq is a named ordered container of items. Items are appended locally or
// merged in from remote deltas; deletion only tombstones.
type Seq struct {
	doc  *Doc
	name string

	items []Item
	byID  map[ItemID]int

	// pending holds tombstones that arrived before their item. When the
	// item itself is merged in, it lands already dead.
	pending map[ItemID]struct{}

	handlers    map[int]SeqHandler
	nextHandler int
}

// Name returns the sequence's container name.
func (s *Seq) Name() string { return s.name }

// Push appends a new item with a fresh id inside the current transaction
// (an implicit one-operation transaction when none is open).
func (s *Seq) Push(value json.RawMessage) ItemID {
	var id ItemID
	s.doc.mutate(func(tx *txState) {
		id = s.doc.nextID()
		it := Item{ID: id, Value: value}
		s.apply(tx, it)
	})
	return id
}

// Tombstone logically deletes the item with the given id. Unknown ids are
// recorded so a later-arriving item merges in already deleted.
func (s *Seq) Tombstone(id ItemID) {
	s.doc.mutate(func(tx *txState) {
		s.kill(tx, id)
	})
}

// Len returns the number of items including tombstones.
func (s *Seq) Len() int {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	return len(s.items)
}

// Iter calls fn for every item, tombstones included, in container order.
// Iteration stops when fn returns false.
func (s *Seq) Iter(fn func(Item) bool) {
	s.doc.mu.Lock()
	snapshot := make([]Item, len(s.items))
	copy(snapshot, s.items)
	s.doc.mu.Unlock()

	for _, it := range snapshot {
		if !fn(it) {
			return
		}
	}
}

// OnChange registers a per-transaction change handler for this sequence.
func (s *Seq) OnChange(fn SeqHandler) int {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	h := s.nextHandler
	s.nextHandler++
	s.handlers[h] = fn
	return h
}

// OffChange removes a change handler.
func (s *Seq) OffChange(handle int) {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	delete(s.handlers, handle)
}

// apply inserts the item if its id is unknown, honoring pending tombstones.
// Caller holds the doc lock via the transaction.
func (s *Seq) apply(tx *txState, it Item) {
	if _, seen := s.byID[it.ID]; seen {
		return
	}
	if _, dead := s.pending[it.ID]; dead {
		delete(s.pending, it.ID)
		it.Deleted = true
	}
	s.byID[it.ID] = len(s.items)
	s.items = append(s.items, it)
	tx.noteAdd(s, it)
}

// kill tombstones the item with the given id. Caller holds the doc lock.
func (s *Seq) kill(tx *txState, id ItemID) {
	slot, ok := s.byID[id]
	if !ok {
		s.pending[id] = struct{}{}
		tx.noteKill(s, id)
		return
	}
	if s.items[slot].Deleted {
		return
	}
	s.items[slot].Deleted = true
	tx.noteKill(s, id)
}
