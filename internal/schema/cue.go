package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueVersion validates rows against a compiled CUE definition.
//
// The source is any CUE struct expression, e.g.
//
//	{id: string, title: string, "_v": 1}
//
// Note the quoted "_v": unquoted identifiers starting with an underscore
// are hidden fields in CUE and would not constrain row data.
type CueVersion struct {
	v      int
	schema cue.Value
}

// NewCueVersion compiles source into a version with the given
// discriminator.
func NewCueVersion(v int, source string) (*CueVersion, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("compile cue schema v%d: %w", v, err)
	}
	return &CueVersion{v: v, schema: val}, nil
}

// MustCueVersion is NewCueVersion for statically known sources.
func MustCueVersion(v int, source string) *CueVersion {
	cv, err := NewCueVersion(v, source)
	if err != nil {
		panic(err)
	}
	return cv
}

// Discriminator implements Version.
func (c *CueVersion) Discriminator() int { return c.v }

// Validate implements Version. The row round-trips through JSON before
// unification: JSON is a subset of CUE, and the detour keeps integral
// float64 values (the shape json.Unmarshal produces) unifiable with CUE
// int constraints.
func (c *CueVersion) Validate(row map[string]any) []Issue {
	buf, err := json.Marshal(row)
	if err != nil {
		return []Issue{{Message: fmt.Sprintf("row not encodable: %v", err)}}
	}

	data := c.schema.Context().CompileBytes(buf)
	if err := data.Err(); err != nil {
		return cueIssues(err)
	}

	unified := c.schema.Unify(data)
	if err := unified.Err(); err != nil {
		return cueIssues(err)
	}
	if err := unified.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return cueIssues(err)
	}
	return nil
}

func cueIssues(err error) []Issue {
	var issues []Issue
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		issues = append(issues, Issue{
			Field:   strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	if len(issues) == 0 {
		issues = append(issues, Issue{Message: err.Error()})
	}
	return issues
}
