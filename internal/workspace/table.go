// Package workspace binds table, key-value, and awareness definitions to
// one shared replicated document and exposes typed helpers over them.
//
// Helpers validate and migrate on every read and write full rows on every
// write. Writes are trusted: a malformed write surfaces on the next read
// as an invalid result instead of being rejected up front, keeping repair
// tooling possible without hiding data.
package workspace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/driftdoc/driftdoc/internal/kvlww"
	"github.com/driftdoc/driftdoc/internal/schema"
)

// Row is one table row: opaque decoded JSON until validated.
type Row = map[string]any

// IDColumn is the row field every table keys on.
const IDColumn = "id"

// GetStatus discriminates read outcomes.
type GetStatus int

const (
	GetValid GetStatus = iota
	GetInvalid
	GetNotFound
)

func (s GetStatus) String() string {
	switch s {
	case GetValid:
		return "valid"
	case GetInvalid:
		return "invalid"
	case GetNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("GetStatus(%d)", int(s))
	}
}

// GetResult is a tagged read result. Invalid rows keep their raw value and
// issues so callers can repair instead of losing data.
type GetResult struct {
	Status GetStatus
	ID     string
	Row    Row
	Issues []schema.Issue
	Raw    any
}

// UpdateStatus discriminates update outcomes.
type UpdateStatus int

const (
	Updated UpdateStatus = iota
	UpdateNotFound
	UpdateInvalid
)

func (s UpdateStatus) String() string {
	switch s {
	case Updated:
		return "updated"
	case UpdateNotFound:
		return "not_found"
	case UpdateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("UpdateStatus(%d)", int(s))
	}
}

// UpdateResult reports an Update outcome with the written row on success.
type UpdateResult struct {
	Status UpdateStatus
	Row    Row
	Issues []schema.Issue
}

// DeleteStatus discriminates delete outcomes. NotFoundLocally is distinct
// from a read's not_found: deletes are idempotent by intent, and the
// caller only learns the row was already gone here.
type DeleteStatus int

const (
	Deleted DeleteStatus = iota
	NotFoundLocally
)

func (s DeleteStatus) String() string {
	switch s {
	case Deleted:
		return "deleted"
	case NotFoundLocally:
		return "not_found_locally"
	default:
		return fmt.Sprintf("DeleteStatus(%d)", int(s))
	}
}

// Table is CRUD plus linear query over one KeyValueLWW store.
type Table struct {
	name  string
	chain *schema.Chain
	store *kvlww.Store
	log   *slog.Logger

	mu        sync.Mutex
	observers map[int]func(ids map[string]struct{})
	nextObs   int
	rawHandle int
	observing bool
}

func newTable(name string, chain *schema.Chain, store *kvlww.Store, log *slog.Logger) *Table {
	return &Table{
		name:      name,
		chain:     chain,
		store:     store,
		log:       log,
		observers: make(map[int]func(ids map[string]struct{})),
	}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Parse validates and migrates input under this table's chain without
// writing, for pre-commit validation of external data. The id is forced
// onto the row before validation.
func (t *Table) Parse(id string, input Row) schema.Result {
	row := make(Row, len(input)+1)
	for k, v := range input {
		row[k] = v
	}
	row[IDColumn] = id
	return t.chain.Parse(row)
}

// Set writes row unconditionally as a full-row overwrite. No field merge
// happens at the store level and no validation happens on write. A row
// without a string id is a programmer error and panics.
func (t *Table) Set(row Row) {
	id := rowID(t.name, row)
	raw, err := json.Marshal(row)
	if err != nil {
		panic(fmt.Sprintf("workspace: table %q: row not JSON-encodable: %v", t.name, err))
	}
	t.store.Set(id, raw)
}

// Get reads one row, validating and migrating it.
func (t *Table) Get(id string) GetResult {
	raw, ok := t.store.Get(id)
	if !ok {
		return GetResult{Status: GetNotFound, ID: id}
	}
	return t.classify(id, raw)
}

func (t *Table) classify(id string, raw json.RawMessage) GetResult {
	res := t.chain.ParseJSON(raw)
	if res.Status == schema.StatusValid {
		return GetResult{Status: GetValid, ID: id, Row: res.Row}
	}
	return GetResult{Status: GetInvalid, ID: id, Issues: res.Issues, Raw: res.Raw}
}

// GetAll returns every row classified valid or invalid, ordered by id.
func (t *Table) GetAll() []GetResult {
	snapshot := t.store.Snapshot()
	keys := t.store.Keys()
	out := make([]GetResult, 0, len(keys))
	for _, id := range keys {
		out = append(out, t.classify(id, snapshot[id]))
	}
	return out
}

// GetAllValid returns the migrated form of every valid row, ordered by id.
func (t *Table) GetAllValid() []Row {
	var out []Row
	for _, res := range t.GetAll() {
		if res.Status == GetValid {
			out = append(out, res.Row)
		}
	}
	return out
}

// GetAllInvalid returns every invalid row with its issues, ordered by id.
// Invalid rows stay visible here rather than silently disappearing.
func (t *Table) GetAllInvalid() []GetResult {
	var out []GetResult
	for _, res := range t.GetAll() {
		if res.Status == GetInvalid {
			out = append(out, res)
		}
	}
	return out
}

// Filter returns the valid rows pred accepts. Invalid rows are skipped
// silently and never reach the predicate.
func (t *Table) Filter(pred func(Row) bool) []Row {
	var out []Row
	for _, row := range t.GetAllValid() {
		if pred(row) {
			out = append(out, row)
		}
	}
	return out
}

// Find returns the first valid row pred accepts, in id order.
func (t *Table) Find(pred func(Row) bool) (Row, bool) {
	for _, row := range t.GetAllValid() {
		if pred(row) {
			return row, true
		}
	}
	return nil, false
}

// Update reads the row (which must be valid), shallow-merges partial over
// the migrated view with the id immutable, re-validates, and writes the
// full result. An already-invalid target returns UpdateInvalid without
// attempting repair.
func (t *Table) Update(id string, partial Row) UpdateResult {
	current := t.Get(id)
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
		if k == IDColumn {
			continue
		}
		merged[k] = v
	}
	merged[IDColumn] = id

	res := t.chain.Parse(merged)
	if res.Status != schema.StatusValid {
		return UpdateResult{Status: UpdateInvalid, Issues: res.Issues}
	}
	t.Set(res.Row)
	return UpdateResult{Status: Updated, Row: res.Row}
}

// Delete removes the row. Deleting an id absent locally reports
// NotFoundLocally so idempotent callers can tell the cases apart.
func (t *Table) Delete(id string) DeleteStatus {
	if !t.store.Has(id) {
		return NotFoundLocally
	}
	t.store.Delete(id)
	return Deleted
}

// Clear deletes every row in one transaction. Table structure and
// observers survive.
func (t *Table) Clear() {
	_ = t.Store().Doc().Transact(func() error {
		for _, id := range t.store.Keys() {
			t.store.Delete(id)
		}
		return nil
	}, nil)
}

// Count returns the number of rows, valid or not.
func (t *Table) Count() int { return t.store.Len() }

// Has reports whether the id currently has a row.
func (t *Table) Has(id string) bool { return t.store.Has(id) }

// Observe registers a batched observer receiving the set of changed ids
// once per underlying transaction.
func (t *Table) Observe(fn func(ids map[string]struct{})) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.observing {
		t.rawHandle = t.store.Observe(t.fanout)
		t.observing = true
	}
	h := t.nextObs
	t.nextObs++
	t.observers[h] = fn
	return h
}

// Unobserve removes a previously registered observer.
func (t *Table) Unobserve(handle int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.observers, handle)
}

func (t *Table) fanout(ev kvlww.Event) {
	ids := make(map[string]struct{}, len(ev.Changes))
	for _, c := range ev.Changes {
		ids[c.Key] = struct{}{}
	}

	t.mu.Lock()
	fns := make([]func(map[string]struct{}), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(ids)
	}
}

// Store exposes the underlying KeyValueLWW store for lower layers
// (document bindings observe raw change classification through it).
func (t *Table) Store() *kvlww.Store { return t.store }

func rowID(table string, row Row) string {
	id, ok := row[IDColumn].(string)
	if !ok || id == "" {
		panic(fmt.Sprintf("workspace: table %q: row requires a non-empty string %q column", table, IDColumn))
	}
	return id
}
