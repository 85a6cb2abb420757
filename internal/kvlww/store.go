// Package kvlww presents unique-key last-write-wins map semantics over one
// ordered-sequence container of a replicated document.
//
// The sequence intrinsically has no map operation: a write appends a fresh
// stamped entry and tombstones the entries it supersedes. Concurrent
// writes to one key from different replicas therefore coexist as sibling
// entries until merge, where the highest stamp wins deterministically.
// The store maintains an incrementally-updated key index from the
// sequence's change feed; after construction the hot path never rescans.
package kvlww

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/driftdoc/driftdoc/internal/crdt"
)

// Entry is the stored form of one write.
type Entry struct {
	Key   string          `json:"k"`
	Value json.RawMessage `json:"v"`
	Stamp Stamp           `json:"t"`
}

// Kind classifies a key's change within one transaction.
type Kind int

const (
	KindAdd Kind = iota
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Change is one key's classified transition. Old and New carry the raw
// stored values; validity of those bytes is a higher-layer concern.
type Change struct {
	Key  string
	Kind Kind
	Old  json.RawMessage
	New  json.RawMessage
}

// Event is the batched per-transaction notification: the full set of
// changed keys, each classified, ordered by key.
type Event struct {
	Changes []Change
	Origin  any
	Local   bool
}

// Observer receives one Event per underlying transaction.
type Observer func(Event)

type winner struct {
	id    crdt.ItemID
	entry Entry
}

// stagedEntry is one key's uncommitted view: the value of the latest
// write in the open transaction, or a tombstone when the key was
// superseded without a replacement.
type stagedEntry struct {
	value   json.RawMessage
	deleted bool
}

// Store wraps one sequence as a last-write-wins map.
type Store struct {
	doc *crdt.Doc
	seq *crdt.Seq

	clock *Clock

	mu         sync.Mutex
	candidates map[string]map[crdt.ItemID]Entry
	winners    map[string]winner
	itemKey    map[crdt.ItemID]string
	// pendingByKey tracks entries pushed earlier in the open transaction,
	// before the change feed has folded them into the index.
	pendingByKey map[string][]crdt.ItemID
	// staged overlays winners with the open transaction's own writes, so
	// reads inside a transaction observe them before commit.
	staged map[string]stagedEntry

	observers map[int]Observer
	nextObs   int
}

// New builds a store over the named sequence of doc. Construction performs
// the one and only full scan; afterwards the index follows the change feed.
func New(doc *crdt.Doc, name string) *Store {
	s := &Store{
		doc:          doc,
		seq:          doc.Seq(name),
		clock:        NewClock(),
		candidates:   make(map[string]map[crdt.ItemID]Entry),
		winners:      make(map[string]winner),
		itemKey:      make(map[crdt.ItemID]string),
		pendingByKey: make(map[string][]crdt.ItemID),
		staged:       make(map[string]stagedEntry),
		observers:    make(map[int]Observer),
	}

	s.seq.Iter(func(it crdt.Item) bool {
		s.indexItem(it)
		return true
	})
	for key := range s.candidates {
		s.repickWinner(key)
	}

	s.seq.OnChange(s.onSeqChange)
	return s
}

// Name returns the underlying container name.
func (s *Store) Name() string { return s.seq.Name() }

// Doc returns the document the store lives on, for transaction scoping.
func (s *Store) Doc() *crdt.Doc { return s.doc }

// Set writes value under key: it tombstones every superseded entry and
// appends a freshly stamped one, all inside the current transaction.
func (s *Store) Set(key string, value json.RawMessage) {
	_ = s.doc.Transact(func() error {
		s.supersede(key)

		e := Entry{
			Key:   key,
			Value: value,
			Stamp: Stamp{Counter: s.clock.Next(), Actor: s.doc.ActorID()},
		}
		raw, err := json.Marshal(e)
		if err != nil {
			// Entry wraps raw JSON; this cannot fail for valid values.
			panic(fmt.Sprintf("kvlww: encode entry: %v", err))
		}
		id := s.seq.Push(raw)

		s.mu.Lock()
		s.pendingByKey[key] = append(s.pendingByKey[key], id)
		s.staged[key] = stagedEntry{value: value}
		s.mu.Unlock()
		return nil
	}, nil)
}

// Delete tombstones the key's entries. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) {
	_ = s.doc.Transact(func() error {
		s.supersede(key)
		return nil
	}, nil)
}

// supersede tombstones every entry currently standing for key, including
// ones pushed earlier in the same open transaction.
func (s *Store) supersede(key string) {
	s.mu.Lock()
	var ids []crdt.ItemID
	for id := range s.candidates[key] {
		ids = append(ids, id)
	}
	ids = append(ids, s.pendingByKey[key]...)
	s.pendingByKey[key] = nil
	if len(ids) > 0 {
		// Superseding an absent key touches nothing, so no commit would
		// clear a staged tombstone; stage only real supersessions.
		s.staged[key] = stagedEntry{deleted: true}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.seq.Tombstone(id)
	}
}

// Get returns the key's winning raw value. Inside an open transaction
// the transaction's own writes are visible before commit.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.staged[key]; ok {
		if st.deleted {
			return nil, false
		}
		return st.value, true
	}
	w, ok := s.winners[key]
	if !ok {
		return nil, false
	}
	return w.entry.Value, true
}

// Has reports whether the key currently has a live entry.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.staged[key]; ok {
		return !st.deleted
	}
	_, ok := s.winners[key]
	return ok
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.winners)
	for key, st := range s.staged {
		_, committed := s.winners[key]
		switch {
		case st.deleted && committed:
			n--
		case !st.deleted && !committed:
			n++
		}
	}
	return n
}

// Keys returns the live keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.winners)+len(s.staged))
	for k := range s.winners {
		if st, ok := s.staged[k]; ok && st.deleted {
			continue
		}
		keys = append(keys, k)
	}
	for k, st := range s.staged {
		if st.deleted {
			continue
		}
		if _, ok := s.winners[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Snapshot returns a copy of every live key's raw value.
func (s *Store) Snapshot() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.winners))
	for k, w := range s.winners {
		out[k] = w.entry.Value
	}
	for k, st := range s.staged {
		if st.deleted {
			delete(out, k)
		} else {
			out[k] = st.value
		}
	}
	return out
}

// Observe registers an observer and returns a handle for Unobserve.
// Observation never fails; observers see raw values as stored.
func (s *Store) Observe(fn Observer) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.nextObs
	s.nextObs++
	s.observers[h] = fn
	return h
}

// Unobserve removes an observer. Unknown handles are ignored.
func (s *Store) Unobserve(handle int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, handle)
}

// indexItem folds one sequence item into the candidate index without
// picking winners. Used during the construction scan.
func (s *Store) indexItem(it crdt.Item) {
	var e Entry
	if err := json.Unmarshal(it.Value, &e); err != nil {
		// Foreign bytes in the container; a higher layer surfaces them.
		return
	}
	s.clock.Observe(e.Stamp.Counter)
	s.itemKey[it.ID] = e.Key
	if it.Deleted {
		return
	}
	m, ok := s.candidates[e.Key]
	if !ok {
		m = make(map[crdt.ItemID]Entry)
		s.candidates[e.Key] = m
	}
	m[it.ID] = e
}

// repickWinner recomputes one key's winner from its candidates.
// Construction calls it before the store is shared; every other caller
// holds s.mu.
func (s *Store) repickWinner(key string) {
	m := s.candidates[key]
	if len(m) == 0 {
		delete(s.candidates, key)
		delete(s.winners, key)
		return
	}
	var best winner
	first := true
	for id, e := range m {
		if first || best.entry.Stamp.Less(e.Stamp) {
			best = winner{id: id, entry: e}
			first = false
		}
	}
	s.winners[key] = best
}

// onSeqChange folds one committed transaction into the index and emits a
// single classified Event.
func (s *Store) onSeqChange(c crdt.SeqChange) {
	s.mu.Lock()

	// Winners stay untouched while the transaction's items fold into the
	// candidate index, so s.winners still reflects the pre-transaction
	// view when classification runs below.
	affected := make(map[string]struct{})
	note := func(key string) {
		affected[key] = struct{}{}
	}

	for _, it := range c.Added {
		var e Entry
		if err := json.Unmarshal(it.Value, &e); err != nil {
			continue
		}
		note(e.Key)
		s.clock.Observe(e.Stamp.Counter)
		s.itemKey[it.ID] = e.Key
		if !it.Deleted {
			m, ok := s.candidates[e.Key]
			if !ok {
				m = make(map[crdt.ItemID]Entry)
				s.candidates[e.Key] = m
			}
			m[it.ID] = e
		}
	}
	for _, id := range c.Killed {
		key, ok := s.itemKey[id]
		if !ok {
			continue
		}
		note(key)
		if m, ok := s.candidates[key]; ok {
			delete(m, id)
		}
	}

	var changes []Change
	for key := range affected {
		oldWinner, hadOld := s.winners[key]
		s.repickWinner(key)
		newWinner, hasNew := s.winners[key]

		switch {
		case !hadOld && hasNew:
			changes = append(changes, Change{Key: key, Kind: KindAdd, New: newWinner.entry.Value})
		case hadOld && !hasNew:
			changes = append(changes, Change{Key: key, Kind: KindDelete, Old: oldWinner.entry.Value})
		case hadOld && hasNew:
			if newWinner.id == oldWinner.id {
				// A losing sibling changed; the visible value did not.
				continue
			}
			changes = append(changes, Change{Key: key, Kind: KindUpdate, Old: oldWinner.entry.Value, New: newWinner.entry.Value})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })

	// The transaction is over; nothing pushed within it is pending or
	// staged now.
	s.pendingByKey = make(map[string][]crdt.ItemID)
	s.staged = make(map[string]stagedEntry)

	observers := make([]Observer, 0, len(s.observers))
	keys := make([]int, 0, len(s.observers))
	for k := range s.observers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		observers = append(observers, s.observers[k])
	}
	s.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	ev := Event{Changes: changes, Origin: c.Origin, Local: c.Local}
	for _, fn := range observers {
		fn(ev)
	}
}
