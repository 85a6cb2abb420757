package workspace

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/driftdoc/driftdoc/internal/kvlww"
	"github.com/driftdoc/driftdoc/internal/schema"
)

// KV exposes the declared key-value slots. All slots share one underlying
// store keyed by slot name, so a batch touching several slots still
// produces a single observer notification.
//
// Accessing an undeclared slot is a programmer error and panics: the slot
// set is fixed by the definition, not discovered at runtime.
type KV struct {
	slots map[string]SlotDef
	store *kvlww.Store

	mu        sync.Mutex
	observers map[int]func(keys map[string]struct{})
	nextObs   int
	observing bool
}

func newKV(slots map[string]SlotDef, store *kvlww.Store) *KV {
	return &KV{
		slots:     slots,
		store:     store,
		observers: make(map[int]func(keys map[string]struct{})),
	}
}

func (kv *KV) chain(key string) *schema.Chain {
	sd, ok := kv.slots[key]
	if !ok {
		panic(fmt.Sprintf("workspace: undeclared kv slot %q", key))
	}
	return sd.Chain
}

// Set writes value into the slot as a full overwrite.
func (kv *KV) Set(key string, value Row) {
	kv.chain(key)
	raw, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("workspace: kv slot %q: value not JSON-encodable: %v", key, err))
	}
	kv.store.Set(key, raw)
}

// Get reads the slot, validating and migrating under its chain.
func (kv *KV) Get(key string) GetResult {
	chain := kv.chain(key)
	raw, ok := kv.store.Get(key)
	if !ok {
		return GetResult{Status: GetNotFound, ID: key}
	}
	res := chain.ParseJSON(raw)
	if res.Status == schema.StatusValid {
		return GetResult{Status: GetValid, ID: key, Row: res.Row}
	}
	return GetResult{Status: GetInvalid, ID: key, Issues: res.Issues, Raw: res.Raw}
}

// Update shallow-merges partial over the slot's current value and
// re-validates before writing. The target must parse as valid, and so
// must the merged result; an invalid slot is never repaired by Update.
func (kv *KV) Update(key string, partial Row) UpdateResult {
	chain := kv.chain(key)
	current := kv.Get(key)
	switch current.Status {
	case GetNotFound:
		return UpdateResult{Status: UpdateNotFound}
	case GetInvalid:
		return UpdateResult{Status: UpdateInvalid, Issues: current.Issues}
	}

	merged := make(Row, len(current.Row)+len(partial))
	for k, v := range current.Row {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}

	res := chain.Parse(merged)
	if res.Status != schema.StatusValid {
		return UpdateResult{Status: UpdateInvalid, Issues: res.Issues}
	}
	kv.Set(key, res.Row)
	return UpdateResult{Status: Updated, Row: res.Row}
}

// Count returns the number of slots currently holding a value.
func (kv *KV) Count() int {
	return kv.store.Len()
}

// Has reports whether the slot currently holds a value.
func (kv *KV) Has(key string) bool {
	kv.chain(key)
	return kv.store.Has(key)
}

// Delete clears the slot.
func (kv *KV) Delete(key string) DeleteStatus {
	kv.chain(key)
	if !kv.store.Has(key) {
		return NotFoundLocally
	}
	kv.store.Delete(key)
	return Deleted
}

// Observe registers a batched observer receiving the set of changed slot
// names once per underlying transaction.
func (kv *KV) Observe(fn func(keys map[string]struct{})) int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if !kv.observing {
		kv.store.Observe(kv.fanout)
		kv.observing = true
	}
	h := kv.nextObs
	kv.nextObs++
	kv.observers[h] = fn
	return h
}

// Unobserve removes a previously registered observer.
func (kv *KV) Unobserve(handle int) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.observers, handle)
}

func (kv *KV) fanout(ev kvlww.Event) {
	keys := make(map[string]struct{}, len(ev.Changes))
	for _, c := range ev.Changes {
		keys[c.Key] = struct{}{}
	}

	kv.mu.Lock()
	fns := make([]func(map[string]struct{}), 0, len(kv.observers))
	for _, fn := range kv.observers {
		fns = append(fns, fn)
	}
	kv.mu.Unlock()

	for _, fn := range fns {
		fn(keys)
	}
}
