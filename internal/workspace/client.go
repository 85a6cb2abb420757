package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/driftdoc/driftdoc/internal/binding"
	"github.com/driftdoc/driftdoc/internal/crdt"
	"github.com/driftdoc/driftdoc/internal/extension"
	"github.com/driftdoc/driftdoc/internal/kvlww"
)

// tableContainer namespaces each table's sequence on the shared document.
func tableContainer(name string) string { return "table/" + name }

// kvContainer holds every declared slot.
const kvContainer = "kv"

// Config configures a client over one workspace definition.
type Config struct {
	Definition *Definition

	// Doc, when non-nil, is an externally owned document the client
	// attaches to; Destroy then leaves it alive. Nil creates an owned
	// document released on Destroy.
	Doc *crdt.Doc

	Log *slog.Logger
}

// Client is the workspace facade: typed tables and slots, workspace
// extensions, and per-table document binders over one shared document.
type Client struct {
	def     *Definition
	doc     *crdt.Doc
	ownsDoc bool
	log     *slog.Logger

	tables  map[string]*Table
	kv      *KV
	binders map[string]*binding.Binder
	// binderOrder is creation order; Destroy walks it backwards.
	binderOrder []string

	stack     *extension.Stack
	destroyed bool
}

// New materializes the definition: one store per table, the shared slot
// store, workspace extensions, and a binder per bound table. A factory
// error during extension composition unwinds everything already built.
func New(ctx context.Context, cfg Config) (*Client, error) {
	def := cfg.Definition
	if def == nil {
		return nil, errors.New("workspace: nil definition")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	doc := cfg.Doc
	owns := false
	if doc == nil {
		name := def.Name
		if name == "" {
			name = "workspace"
		}
		doc = crdt.NewNamedDoc(name)
		owns = true
	}

	c := &Client{
		def:     def,
		doc:     doc,
		ownsDoc: owns,
		log:     log,
		tables:  make(map[string]*Table, len(def.Tables)),
		binders: make(map[string]*binding.Binder),
	}

	names := make([]string, 0, len(def.Tables))
	for name := range def.Tables {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		td := def.Tables[name]
		store := kvlww.New(doc, tableContainer(name))
		c.tables[name] = newTable(name, td.Chain, store, log)
	}

	c.kv = newKV(def.Slots, kvlww.New(doc, kvContainer))

	stack, err := extension.Run(ctx, doc, def.Extensions, extension.NewStack(log))
	if err != nil {
		if owns {
			doc.Close()
		}
		return nil, err
	}
	c.stack = stack

	for _, name := range names {
		td := def.Tables[name]
		if td.Binding == nil {
			continue
		}
		c.binders[name] = binding.New(binding.Config{
			OwnerDoc:        doc,
			Store:           c.tables[name].Store(),
			GuidColumn:      td.Binding.GuidColumn,
			UpdatedAtColumn: td.Binding.UpdatedAtColumn,
			Tags:            td.Binding.Tags,
			Registry:        def.DocExtensions,
			Log:             log,
		})
		c.binderOrder = append(c.binderOrder, name)
	}

	return c, nil
}

// Doc returns the shared document.
func (c *Client) Doc() *crdt.Doc { return c.doc }

// Table returns the named table. An undeclared name is a programmer
// error and panics.
func (c *Client) Table(name string) *Table {
	t, ok := c.tables[name]
	if !ok {
		panic(fmt.Sprintf("workspace: undeclared table %q", name))
	}
	return t
}

// KV returns the slot helper.
func (c *Client) KV() *KV { return c.kv }

// Docs returns the document binder of a bound table. Panics if the table
// is undeclared or declares no binding.
func (c *Client) Docs(table string) *binding.Binder {
	b, ok := c.binders[table]
	if !ok {
		panic(fmt.Sprintf("workspace: table %q has no document binding", table))
	}
	return b
}

// Awareness returns the shared document's presence channel. Panics when
// the definition does not declare awareness.
func (c *Client) Awareness() *crdt.Awareness {
	if !c.def.Awareness {
		panic("workspace: awareness not declared")
	}
	return c.doc.Awareness()
}

// Batch runs fn inside one transaction of the shared document: every
// write fn performs, across any number of tables and slots, commits and
// notifies as a single change set. Errors from fn propagate; the writes
// made before the error stay, as the document has no rollback.
func (c *Client) Batch(fn func() error) error {
	return c.doc.Transact(fn, nil)
}

// Exports returns the workspace extensions' composed exports.
func (c *Client) Exports() map[string]any {
	return c.stack.Exports()
}

// Await resolves once every workspace extension reports ready.
func (c *Client) Await(ctx context.Context) error {
	return c.stack.Await(ctx)
}

// Destroy tears the client down: open document bindings first, then
// workspace extensions in reverse registration order, then the shared
// document if owned. Idempotent.
func (c *Client) Destroy() error {
	if c.destroyed {
		return nil
	}
	c.destroyed = true

	var errs []error
	for i := len(c.binderOrder) - 1; i >= 0; i-- {
		name := c.binderOrder[i]
		if err := c.binders[name].Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("binder %q: %w", name, err))
		}
	}
	if err := c.stack.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if c.ownsDoc {
		c.doc.Close()
	}
	return errors.Join(errs...)
}
