package workspace

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/driftdoc/driftdoc/internal/schema"
)

// YAML definition format. Each table and slot declares its version chain
// inline; a version body is one of three validator styles:
//
//	cue:        CUE source, compiled at load time
//	jsonschema: JSON Schema source, compiled at load time
//	require:    declarative field -> type map checked directly
//
// Migration to the latest version is declarative: defaults fill fields
// the old shape lacked, drop removes retired ones.

type yamlDefinition struct {
	Name      string               `yaml:"name"`
	Awareness bool                 `yaml:"awareness,omitempty"`
	Tables    map[string]yamlTable `yaml:"tables,omitempty"`
	Slots     map[string]yamlSlot  `yaml:"slots,omitempty"`
}

type yamlTable struct {
	Versions     []yamlVersion `yaml:"versions"`
	Migrate      *yamlMigrate  `yaml:"migrate,omitempty"`
	VersionField string        `yaml:"version_field,omitempty"`
	Binding      *yamlBinding  `yaml:"binding,omitempty"`
}

type yamlSlot struct {
	Versions     []yamlVersion `yaml:"versions"`
	Migrate      *yamlMigrate  `yaml:"migrate,omitempty"`
	VersionField string        `yaml:"version_field,omitempty"`
}

type yamlBinding struct {
	GuidColumn      string   `yaml:"guid_column"`
	UpdatedAtColumn string   `yaml:"updated_at_column,omitempty"`
	Tags            []string `yaml:"tags,omitempty"`
}

type yamlVersion struct {
	V          int               `yaml:"v"`
	CUE        string            `yaml:"cue,omitempty"`
	JSONSchema string            `yaml:"jsonschema,omitempty"`
	Require    map[string]string `yaml:"require,omitempty"`
	Optional   map[string]string `yaml:"optional,omitempty"`
}

type yamlMigrate struct {
	Defaults map[string]any `yaml:"defaults,omitempty"`
	Drop     []string       `yaml:"drop,omitempty"`
}

// ParseDefinition decodes a YAML workspace definition. Unknown fields are
// rejected so typos surface at load time, not as silently missing tables.
func ParseDefinition(data []byte) (*Definition, error) {
	var yd yamlDefinition
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&yd); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}

	def := &Definition{
		Name:      yd.Name,
		Awareness: yd.Awareness,
		Tables:    make(map[string]TableDef, len(yd.Tables)),
		Slots:     make(map[string]SlotDef, len(yd.Slots)),
	}

	for name, yt := range yd.Tables {
		chain, err := buildChain(yt.Versions, yt.Migrate, yt.VersionField)
		if err != nil {
			return nil, fmt.Errorf("table %q: %w", name, err)
		}
		td := TableDef{Chain: chain}
		if yb := yt.Binding; yb != nil {
			td.Binding = &BindingDef{
				GuidColumn:      yb.GuidColumn,
				UpdatedAtColumn: yb.UpdatedAtColumn,
				Tags:            yb.Tags,
			}
		}
		def.Tables[name] = td
	}
	for name, ys := range yd.Slots {
		chain, err := buildChain(ys.Versions, ys.Migrate, ys.VersionField)
		if err != nil {
			return nil, fmt.Errorf("slot %q: %w", name, err)
		}
		def.Slots[name] = SlotDef{Chain: chain}
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadDefinition reads and parses a YAML definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return ParseDefinition(data)
}

func buildChain(yvs []yamlVersion, ym *yamlMigrate, versionField string) (*schema.Chain, error) {
	if len(yvs) == 0 {
		return nil, fmt.Errorf("no versions declared")
	}
	field := versionField
	if field == "" {
		field = schema.DefaultVersionField
	}

	versions := make([]schema.Version, 0, len(yvs))
	for _, yv := range yvs {
		v, err := buildVersion(yv)
		if err != nil {
			return nil, fmt.Errorf("version %d: %w", yv.V, err)
		}
		versions = append(versions, v)
	}

	latest := yvs[len(yvs)-1].V
	var migrate schema.MigrateFunc
	if ym != nil {
		defaults := ym.Defaults
		drop := ym.Drop
		migrate = func(row map[string]any) map[string]any {
			if d, ok := discriminator(row[field]); ok && d >= latest {
				return row
			}
			for k, v := range defaults {
				if _, present := row[k]; !present {
					row[k] = cloneValue(v)
				}
			}
			for _, k := range drop {
				delete(row, k)
			}
			row[field] = latest
			return row
		}
	}

	var opts []schema.ChainOption
	if versionField != "" {
		opts = append(opts, schema.WithVersionField(versionField))
	}
	return newChainChecked(migrate, versions, opts...)
}

// cloneValue deep-copies map and slice values. Defaults are shared by
// every row the chain migrates; handing out the same map would alias
// one row's mutations into all the others.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// newChainChecked wraps NewChain's panics into errors: a definition file
// is user input, not program source.
func newChainChecked(migrate schema.MigrateFunc, versions []schema.Version, opts ...schema.ChainOption) (c *schema.Chain, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return schema.NewChain(migrate, versions, opts...), nil
}

func buildVersion(yv yamlVersion) (schema.Version, error) {
	declared := 0
	if yv.CUE != "" {
		declared++
	}
	if yv.JSONSchema != "" {
		declared++
	}
	if len(yv.Require) > 0 {
		declared++
	}
	if declared == 0 {
		return nil, fmt.Errorf("one of cue, jsonschema, require is required")
	}
	if declared > 1 {
		return nil, fmt.Errorf("cue, jsonschema and require are mutually exclusive")
	}

	switch {
	case yv.CUE != "":
		return schema.NewCueVersion(yv.V, yv.CUE)
	case yv.JSONSchema != "":
		return schema.NewJSONVersion(yv.V, yv.JSONSchema)
	default:
		return requireVersion(yv)
	}
}

func requireVersion(yv yamlVersion) (schema.Version, error) {
	for field, typ := range yv.Require {
		if !validFieldType(typ) {
			return nil, fmt.Errorf("field %q: unknown type %q", field, typ)
		}
	}
	for field, typ := range yv.Optional {
		if !validFieldType(typ) {
			return nil, fmt.Errorf("optional field %q: unknown type %q", field, typ)
		}
	}
	required := yv.Require
	optional := yv.Optional
	return schema.FuncVersion{V: yv.V, Fn: func(row map[string]any) []schema.Issue {
		var issues []schema.Issue
		for field, typ := range required {
			v, present := row[field]
			if !present {
				issues = append(issues, schema.Issue{Field: field, Message: "required field missing"})
				continue
			}
			if !typeMatches(v, typ) {
				issues = append(issues, schema.Issue{Field: field, Message: fmt.Sprintf("expected %s", typ)})
			}
		}
		for field, typ := range optional {
			if v, present := row[field]; present && !typeMatches(v, typ) {
				issues = append(issues, schema.Issue{Field: field, Message: fmt.Sprintf("expected %s", typ)})
			}
		}
		return issues
	}}, nil
}

func validFieldType(typ string) bool {
	switch typ {
	case "string", "number", "bool", "object", "array", "any":
		return true
	}
	return false
}

func typeMatches(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "any":
		return true
	}
	return false
}

func discriminator(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
