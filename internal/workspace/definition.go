package workspace

import (
	"fmt"

	"github.com/driftdoc/driftdoc/internal/extension"
	"github.com/driftdoc/driftdoc/internal/schema"
)

// TableDef declares one table: its version chain and, optionally, a
// document binding over one of its columns.
type TableDef struct {
	Chain   *schema.Chain
	Binding *BindingDef
}

// BindingDef declares that rows of a table own bound documents.
//
// GuidColumn names the column holding the bound document's identity.
// UpdatedAtColumn, when non-empty, names the column bumped on every local
// edit of the bound document. Tags select which document-scoped extension
// registrations apply to documents of this table.
type BindingDef struct {
	GuidColumn      string
	UpdatedAtColumn string
	Tags            []string
}

// SlotDef declares one key-value slot with its own version chain.
type SlotDef struct {
	Chain *schema.Chain
}

// Definition is the full workspace shape: what tables and slots exist,
// which extensions run at workspace scope, and which registrations are
// available to bound documents.
type Definition struct {
	// Name identifies the workspace; persistence extensions scope their
	// storage by it. Empty defaults to "workspace".
	Name string

	Tables map[string]TableDef
	Slots  map[string]SlotDef

	// Extensions run once over the shared workspace document.
	Extensions []extension.Registration
	// DocExtensions is the registry bound documents draw from, filtered
	// per table by binding tags at open time.
	DocExtensions []extension.Registration

	// Awareness enables the ephemeral presence channel on the shared
	// document's client surface.
	Awareness bool
}

// Validate rejects structurally broken definitions before any document
// work happens.
func (d *Definition) Validate() error {
	for name, td := range d.Tables {
		if name == "" {
			return fmt.Errorf("workspace: table with empty name")
		}
		if td.Chain == nil {
			return fmt.Errorf("workspace: table %q has no version chain", name)
		}
		if b := td.Binding; b != nil {
			if b.GuidColumn == "" {
				return fmt.Errorf("workspace: table %q binding has no guid column", name)
			}
			if b.GuidColumn == IDColumn {
				return fmt.Errorf("workspace: table %q binding guid column may not be %q", name, IDColumn)
			}
		}
	}
	for name, sd := range d.Slots {
		if name == "" {
			return fmt.Errorf("workspace: slot with empty name")
		}
		if sd.Chain == nil {
			return fmt.Errorf("workspace: slot %q has no version chain", name)
		}
	}
	return nil
}
