package crdt

import (
	"encoding/json"
	"fmt"
)

// docState is the opaque persisted form of a document: every sequence with
// every item, tombstones included. Awareness is ephemeral and never
// encoded.
type docState struct {
	Seqs map[string][]Item `json:"seqs"`
}

// EncodeState serializes the full document state as an opaque byte buffer
// for persistence or initial sync.
func (d *Doc) EncodeState() ([]byte, error) {
	d.mu.Lock()
	state := docState{Seqs: make(map[string][]Item, len(d.seqs))}
	for name, s := range d.seqs {
		items := make([]Item, len(s.items))
		copy(items, s.items)
		state.Seqs[name] = items
	}
	d.mu.Unlock()

	buf, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return buf, nil
}

// ApplyState merges an encoded state buffer into this document. Unknown
// items are inserted, known items pick up tombstones, and everything else
// is left alone, so merging the same state twice is a no-op. Handlers
// observe only the newly merged subset, with Local: false.
func (d *Doc) ApplyState(buf []byte, origin any) error {
	var state docState
	if err := json.Unmarshal(buf, &state); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}

	d.txMu.Lock()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.txMu.Unlock()
		return fmt.Errorf("apply state: document closed")
	}
	tx := newTx(origin, false)
	d.tx = tx
	for name, items := range state.Seqs {
		s := d.seqLocked(name)
		for _, it := range items {
			d.observeID(it.ID)
			if slot, seen := s.byID[it.ID]; seen {
				if it.Deleted && !s.items[slot].Deleted {
					s.kill(tx, it.ID)
				}
				continue
			}
			s.apply(tx, it)
		}
	}
	d.mu.Unlock()
	d.commit(tx)
	return nil
}
