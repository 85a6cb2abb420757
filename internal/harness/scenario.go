package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one declarative conformance scenario: a workspace
// definition, a sequence of steps against it, and the trace they must
// produce.
type Scenario struct {
	// Name uniquely identifies the scenario; golden files are named
	// after it.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Workspace is an inline workspace definition in the standard YAML
	// definition format.
	Workspace yaml.Node `yaml:"workspace"`

	// Observe lists tables (or "kv") whose change notifications are
	// recorded into the trace.
	Observe []string `yaml:"observe,omitempty"`

	// Steps is the operation sequence.
	Steps []Step `yaml:"steps"`
}

// Step is one operation. Which fields apply depends on Op.
type Step struct {
	// Op is one of: set, get, get_all, update, delete, clear, count,
	// parse, kv_set, kv_get, kv_delete, batch.
	Op string `yaml:"op"`

	Table string         `yaml:"table,omitempty"`
	Slot  string         `yaml:"slot,omitempty"`
	ID    string         `yaml:"id,omitempty"`
	Row   map[string]any `yaml:"row,omitempty"`
	Patch map[string]any `yaml:"patch,omitempty"`
	Value map[string]any `yaml:"value,omitempty"`

	// Steps nests operations inside a batch step.
	Steps []Step `yaml:"steps,omitempty"`

	// Expect subset-matches against the trace event this step records.
	// A mismatch fails the run.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Step op constants.
const (
	OpSet      = "set"
	OpGet      = "get"
	OpGetAll   = "get_all"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpClear    = "clear"
	OpCount    = "count"
	OpParse    = "parse"
	OpKVSet    = "kv_set"
	OpKVGet    = "kv_get"
	OpKVDelete = "kv_delete"
	OpBatch    = "batch"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly instead of silently skipping steps.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Workspace.IsZero() {
		return fmt.Errorf("workspace definition is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	return validateSteps("steps", s.Steps)
}

func validateSteps(prefix string, steps []Step) error {
	for i, step := range steps {
		at := fmt.Sprintf("%s[%d]", prefix, i)
		switch step.Op {
		case OpSet:
			if step.Table == "" || step.Row == nil {
				return fmt.Errorf("%s: set requires table and row", at)
			}
		case OpGet, OpDelete:
			if step.Table == "" || step.ID == "" {
				return fmt.Errorf("%s: %s requires table and id", at, step.Op)
			}
		case OpGetAll, OpClear, OpCount:
			if step.Table == "" {
				return fmt.Errorf("%s: %s requires table", at, step.Op)
			}
		case OpUpdate:
			if step.Table == "" || step.ID == "" || step.Patch == nil {
				return fmt.Errorf("%s: update requires table, id and patch", at)
			}
		case OpParse:
			if step.Table == "" || step.ID == "" || step.Row == nil {
				return fmt.Errorf("%s: parse requires table, id and row", at)
			}
		case OpKVSet:
			if step.Slot == "" || step.Value == nil {
				return fmt.Errorf("%s: kv_set requires slot and value", at)
			}
		case OpKVGet, OpKVDelete:
			if step.Slot == "" {
				return fmt.Errorf("%s: %s requires slot", at, step.Op)
			}
		case OpBatch:
			if len(step.Steps) == 0 {
				return fmt.Errorf("%s: batch requires nested steps", at)
			}
			if err := validateSteps(at+".steps", step.Steps); err != nil {
				return err
			}
		case "":
			return fmt.Errorf("%s: op is required", at)
		default:
			return fmt.Errorf("%s: unknown op %q", at, step.Op)
		}
	}
	return nil
}
