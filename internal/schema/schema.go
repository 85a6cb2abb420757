// Package schema declares evolving row/value shapes as an ordered chain of
// versions plus a pure migrate function to the latest shape.
//
// Data-shape problems are values, not errors: Parse returns a tagged
// Result, never panics and never fails. Malformed or legacy rows are
// expected steady state in a store that never rewrites old data, so
// callers always see either the migrated latest shape or the raw value
// with field-level issues attached.
package schema

import (
	"encoding/json"
	"fmt"
)

// DefaultVersionField is the row field carrying the version discriminator.
const DefaultVersionField = "_v"

// Issue is one field-level validation finding.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// Status discriminates Parse outcomes.
type Status int

const (
	StatusValid Status = iota
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result is the outcome of validating and migrating one value.
//
// StatusValid: Row holds the latest shape, Version the version the input
// validated as before migration. StatusInvalid: Issues explain the
// failure and Raw preserves the input for repair tooling.
type Result struct {
	Status  Status
	Row     map[string]any
	Version int
	Issues  []Issue
	Raw     any
}

// MigrateFunc maps any validated prior-version value to the latest shape.
// It must be a total function over the declared versions, must not mutate
// its input, and must be idempotent on already-latest input.
type MigrateFunc func(map[string]any) map[string]any

// Chain is an ordered schema-version chain with its migrate function.
type Chain struct {
	versions     []Version
	migrate      MigrateFunc
	versionField string
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithVersionField overrides the discriminator field name.
func WithVersionField(name string) ChainOption {
	return func(c *Chain) {
		c.versionField = name
	}
}

// NewChain builds a chain from versions in ascending declaration order.
// A nil migrate is allowed for single-version chains and acts as the
// identity. Duplicate or out-of-order discriminators and empty chains are
// definition mistakes and panic.
func NewChain(migrate MigrateFunc, versions []Version, opts ...ChainOption) *Chain {
	if len(versions) == 0 {
		panic("schema: chain requires at least one version")
	}
	seen := make(map[int]bool)
	prev := 0
	for i, v := range versions {
		d := v.Discriminator()
		if seen[d] {
			panic(fmt.Sprintf("schema: duplicate version discriminator %d", d))
		}
		if i > 0 && d <= prev {
			panic(fmt.Sprintf("schema: version discriminators must ascend, got %d after %d", d, prev))
		}
		seen[d] = true
		prev = d
	}
	if migrate == nil {
		migrate = func(row map[string]any) map[string]any { return row }
	}
	c := &Chain{
		versions:     versions,
		migrate:      migrate,
		versionField: DefaultVersionField,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Latest returns the newest declared version.
func (c *Chain) Latest() Version {
	return c.versions[len(c.versions)-1]
}

// VersionField returns the discriminator field name.
func (c *Chain) VersionField() string {
	return c.versionField
}

// Parse validates raw against the declared versions and migrates a match
// to the latest shape. The stored value is never touched: migration only
// shapes the read-time view.
//
// Version selection: a declared discriminator on the row is tried first,
// then the remaining versions newest-first. On failure the reported
// issues come from the discriminator-matched version when one exists,
// otherwise from the latest version.
func (c *Chain) Parse(raw any) Result {
	row, ok := raw.(map[string]any)
	if !ok {
		return Result{
			Status: StatusInvalid,
			Issues: []Issue{{Message: fmt.Sprintf("value is %T, not an object", raw)}},
			Raw:    raw,
		}
	}

	order := c.tryOrder(row)
	var firstIssues []Issue
	for i, v := range order {
		issues := v.Validate(row)
		if len(issues) == 0 {
			migrated := c.migrate(cloneRow(row))
			return Result{Status: StatusValid, Row: migrated, Version: v.Discriminator()}
		}
		if i == 0 {
			firstIssues = issues
		}
	}
	return Result{Status: StatusInvalid, Issues: firstIssues, Raw: row}
}

// ParseJSON decodes raw JSON bytes and parses the result.
func (c *Chain) ParseJSON(raw json.RawMessage) Result {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{
			Status: StatusInvalid,
			Issues: []Issue{{Message: fmt.Sprintf("malformed JSON: %v", err)}},
			Raw:    string(raw),
		}
	}
	return c.Parse(decoded)
}

// tryOrder returns the versions to attempt: the row's declared version
// first when it matches the chain, then the rest newest-first.
func (c *Chain) tryOrder(row map[string]any) []Version {
	declared, hasDeclared := discriminatorOf(row, c.versionField)

	order := make([]Version, 0, len(c.versions))
	if hasDeclared {
		for _, v := range c.versions {
			if v.Discriminator() == declared {
				order = append(order, v)
				break
			}
		}
	}
	for i := len(c.versions) - 1; i >= 0; i-- {
		v := c.versions[i]
		if hasDeclared && v.Discriminator() == declared {
			continue
		}
		order = append(order, v)
	}
	return order
}

func discriminatorOf(row map[string]any, field string) (int, bool) {
	v, ok := row[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// cloneRow shallow-copies a row so migrate functions can build the latest
// shape without mutating the stored view.
func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
