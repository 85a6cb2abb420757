package schema

import (
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// issuePrinter renders jsonschema error kinds to plain English.
var issuePrinter = message.NewPrinter(language.English)

// JSONVersion validates rows against a compiled JSON Schema (draft 2020-12
// by default). It serves definitions authored as JSON Schema documents;
// CUE-minded definitions use CueVersion instead.
type JSONVersion struct {
	v      int
	schema *jsonschema.Schema
}

// NewJSONVersion compiles a JSON Schema document into a version with the
// given discriminator.
func NewJSONVersion(v int, source string) (*JSONVersion, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("decode json schema v%d: %w", v, err)
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("inline://v%d/schema.json", v)
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add json schema v%d: %w", v, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile json schema v%d: %w", v, err)
	}
	return &JSONVersion{v: v, schema: compiled}, nil
}

// MustJSONVersion is NewJSONVersion for statically known sources.
func MustJSONVersion(v int, source string) *JSONVersion {
	jv, err := NewJSONVersion(v, source)
	if err != nil {
		panic(err)
	}
	return jv
}

// Discriminator implements Version.
func (j *JSONVersion) Discriminator() int { return j.v }

// Validate implements Version.
func (j *JSONVersion) Validate(row map[string]any) []Issue {
	err := j.schema.Validate(anyMap(row))
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []Issue{{Message: err.Error()}}
	}
	var issues []Issue
	collectJSONIssues(verr, &issues)
	return issues
}

// collectJSONIssues flattens the cause tree into leaf issues.
func collectJSONIssues(verr *jsonschema.ValidationError, issues *[]Issue) {
	if len(verr.Causes) == 0 {
		field := ""
		if len(verr.InstanceLocation) > 0 {
			field = strings.Join(verr.InstanceLocation, ".")
		}
		*issues = append(*issues, Issue{
			Field:   field,
			Message: verr.ErrorKind.LocalizedString(issuePrinter),
		})
		return
	}
	for _, cause := range verr.Causes {
		collectJSONIssues(cause, issues)
	}
}

// anyMap re-types the row so the validator sees plain decoded JSON.
func anyMap(row map[string]any) any {
	return map[string]any(row)
}
