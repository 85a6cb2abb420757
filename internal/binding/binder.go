// Package binding manages per-row bound documents: rows of an owning
// table reference secondary replicated documents by guid, and the binder
// runs each one's lifecycle from open through close or purge.
//
// A bound document passes CLOSED -> OPENING -> OPEN and back to CLOSED,
// or terminally through purge. Concurrent opens of one guid share a
// single in-flight attempt; a failed attempt is forgotten so the next
// open starts fresh.
package binding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftdoc/driftdoc/internal/crdt"
	"github.com/driftdoc/driftdoc/internal/extension"
	"github.com/driftdoc/driftdoc/internal/kvlww"
)

// BumpOrigin tags the owning-row updatedAt write-back so observers can
// tell it from a user edit and the binder never re-triggers itself.
type BumpOrigin struct{}

// ErrAbandoned reports that an in-flight open was cancelled by a close
// (or a row-delete cascade) before it could complete.
var ErrAbandoned = errors.New("binding: open abandoned by concurrent close")

// Config wires a binder to its owning table.
type Config struct {
	// OwnerDoc is the document the owning table lives on. The updatedAt
	// write-back runs inside its transactions.
	OwnerDoc *crdt.Doc

	// Store is the owning table's underlying key-value store.
	Store *kvlww.Store

	// GuidColumn names the row column holding the bound document's guid.
	GuidColumn string

	// UpdatedAtColumn, when non-empty, is bumped to the current time on
	// every local edit of the bound document.
	UpdatedAtColumn string

	// Tags filters Registry: only registrations matching these tags run
	// on documents of this table.
	Tags []string

	// Registry is the full document-scoped registration set.
	Registry []extension.Registration

	Log *slog.Logger

	// Now and NewDoc exist for tests; nil means time.Now and a fresh
	// document per guid.
	Now    func() time.Time
	NewDoc func(guid string) *crdt.Doc
}

type call struct {
	done   chan struct{}
	handle *Handle
	err    error
}

// Handle is one open bound document.
type Handle struct {
	guid    string
	doc     *crdt.Doc
	stack   *extension.Stack
	updateH int
}

// Guid returns the document's identity.
func (h *Handle) Guid() string { return h.guid }

// Doc returns the bound document.
func (h *Handle) Doc() *crdt.Doc { return h.doc }

// Exports returns the composed extension exports, keyed by registration.
func (h *Handle) Exports() map[string]any { return h.stack.Exports() }

// Binder tracks the open documents of one owning table.
type Binder struct {
	cfg  Config
	regs []extension.Registration
	log  *slog.Logger

	mu        sync.Mutex
	open      map[string]*call
	rowByGuid map[string]string
	destroyed bool

	storeObs int
}

// New builds a binder over an owning table. It scans current rows once to
// seed the guid index, then follows the store's change feed.
func New(cfg Config) *Binder {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewDoc == nil {
		cfg.NewDoc = crdt.NewNamedDoc
	}

	b := &Binder{
		cfg:       cfg,
		log:       cfg.Log,
		open:      make(map[string]*call),
		rowByGuid: make(map[string]string),
	}
	for _, reg := range cfg.Registry {
		if extension.TagsMatch(reg.Tags, cfg.Tags) {
			b.regs = append(b.regs, reg)
		}
	}

	for id, raw := range cfg.Store.Snapshot() {
		if guid := b.guidOf(raw); guid != "" {
			b.rowByGuid[guid] = id
		}
	}
	b.storeObs = cfg.Store.Observe(b.onStoreEvent)
	return b
}

func (b *Binder) guidOf(raw json.RawMessage) string {
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return ""
	}
	guid, _ := row[b.cfg.GuidColumn].(string)
	return guid
}

// Open returns the bound document for guid, creating it if needed. A
// second open while the first is still in flight joins it and both
// callers receive the same handle. A failed open leaves no trace, so the
// next call starts a fresh attempt.
func (b *Binder) Open(ctx context.Context, guid string) (*Handle, error) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil, errors.New("binding: binder destroyed")
	}
	if c, ok := b.open[guid]; ok {
		b.mu.Unlock()
		select {
		case <-c.done:
			return c.handle, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	b.open[guid] = c
	b.mu.Unlock()

	h, err := b.build(ctx, guid)

	b.mu.Lock()
	current := b.open[guid] == c
	if err != nil {
		if current {
			delete(b.open, guid)
		}
		c.err = err
	} else if !current {
		// Closed while opening: the handle is ours to dismantle and the
		// waiters learn the open went nowhere.
		c.err = ErrAbandoned
	} else {
		c.handle = h
	}
	close(c.done)
	b.mu.Unlock()

	if c.err != nil {
		if h != nil {
			if terr := b.teardown(h); terr != nil {
				b.log.Error("bound document teardown after abandoned open",
					slog.String("guid", guid), slog.Any("error", terr))
			}
		}
		return nil, c.err
	}
	return h, nil
}

func (b *Binder) build(ctx context.Context, guid string) (*Handle, error) {
	doc := b.cfg.NewDoc(guid)

	stack, err := extension.Run(ctx, doc, b.regs, extension.NewStack(b.log))
	if err == nil {
		err = stack.Await(ctx)
	}
	if err != nil {
		doc.Close()
		return nil, fmt.Errorf("open document %q: %w", guid, err)
	}

	h := &Handle{guid: guid, doc: doc, stack: stack}
	h.updateH = doc.OnUpdate(func(u crdt.Update) {
		if !u.Local {
			return
		}
		if _, ok := u.Origin.(BumpOrigin); ok {
			return
		}
		b.bump(guid)
	})
	return h, nil
}

// bump writes the current time into the owning row's updatedAt column,
// inside the owning document's own transaction and tagged so the write
// never cascades.
func (b *Binder) bump(guid string) {
	if b.cfg.UpdatedAtColumn == "" {
		return
	}
	b.mu.Lock()
	rowID, ok := b.rowByGuid[guid]
	b.mu.Unlock()
	if !ok {
		return
	}

	_ = b.cfg.OwnerDoc.Transact(func() error {
		raw, ok := b.cfg.Store.Get(rowID)
		if !ok {
			return nil
		}
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil
		}
		row[b.cfg.UpdatedAtColumn] = b.cfg.Now().UnixMilli()
		buf, err := json.Marshal(row)
		if err != nil {
			return nil
		}
		b.cfg.Store.Set(rowID, buf)
		return nil
	}, BumpOrigin{})
}

// onStoreEvent keeps the guid index current and cascades row deletion
// into a close (not a purge) of the row's bound document.
func (b *Binder) onStoreEvent(ev kvlww.Event) {
	var cascade []string

	b.mu.Lock()
	for _, ch := range ev.Changes {
		oldGuid := ""
		if ch.Old != nil {
			oldGuid = b.guidOf(ch.Old)
		}
		switch ch.Kind {
		case kvlww.KindDelete:
			if oldGuid != "" && b.rowByGuid[oldGuid] == ch.Key {
				delete(b.rowByGuid, oldGuid)
				if _, open := b.open[oldGuid]; open {
					cascade = append(cascade, oldGuid)
				}
			}
		default:
			newGuid := b.guidOf(ch.New)
			if oldGuid != "" && oldGuid != newGuid && b.rowByGuid[oldGuid] == ch.Key {
				delete(b.rowByGuid, oldGuid)
			}
			if newGuid != "" {
				b.rowByGuid[newGuid] = ch.Key
			}
		}
	}
	b.mu.Unlock()

	for _, guid := range cascade {
		if err := b.Close(guid); err != nil {
			b.log.Error("close after row delete",
				slog.String("guid", guid), slog.Any("error", err))
		}
	}
}

// IsOpen reports whether guid currently has an open (or opening) entry.
func (b *Binder) IsOpen(guid string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.open[guid]
	return ok
}

// Close tears down guid's bound document. Closing a document that is not
// open is a no-op; closing one that is still opening abandons the
// in-flight attempt.
func (b *Binder) Close(guid string) error {
	b.mu.Lock()
	c := b.open[guid]
	delete(b.open, guid)
	b.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.done:
		if c.err != nil {
			return nil
		}
		return b.teardown(c.handle)
	default:
		// Still opening: the opener sees its entry gone and dismantles
		// its own handle.
		return nil
	}
}

// Purge permanently erases guid's document: every extension's purge hook
// runs in reverse order, then the document is torn down. A closed
// document is opened first so its extensions can reach their persisted
// state.
func (b *Binder) Purge(ctx context.Context, guid string) error {
	h, err := b.Open(ctx, guid)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if c := b.open[guid]; c != nil && c.handle == h {
		delete(b.open, guid)
	}
	b.mu.Unlock()

	perr := h.stack.Purge()
	return errors.Join(perr, b.teardown(h))
}

func (b *Binder) teardown(h *Handle) error {
	h.doc.OffUpdate(h.updateH)
	err := h.stack.Destroy()
	h.doc.Close()
	return err
}

// CloseAll closes every open document in no particular order.
func (b *Binder) CloseAll() error {
	b.mu.Lock()
	guids := make([]string, 0, len(b.open))
	for guid := range b.open {
		guids = append(guids, guid)
	}
	b.mu.Unlock()

	var errs []error
	for _, guid := range guids {
		if err := b.Close(guid); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", guid, err))
		}
	}
	return errors.Join(errs...)
}

// Destroy closes every open document and detaches from the owning table.
func (b *Binder) Destroy() error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	b.mu.Unlock()

	err := b.CloseAll()
	b.cfg.Store.Unobserve(b.storeObs)
	return err
}
