package schema

// Version is one link of a schema chain: a validator plus its
// discriminator. Validation is synchronous by contract; there is no
// asynchronous variant and none will be accepted.
type Version interface {
	// Discriminator identifies this version in the chain and in rows'
	// version field.
	Discriminator() int

	// Validate checks a row against this version's shape. An empty result
	// means the row conforms. Validate never panics on odd input; findings
	// are reported as issues.
	Validate(row map[string]any) []Issue
}

// FuncVersion adapts a plain Go function as a schema version, for
// programmatic schemas and tests.
type FuncVersion struct {
	V  int
	Fn func(row map[string]any) []Issue
}

// Discriminator implements Version.
func (f FuncVersion) Discriminator() int { return f.V }

// Validate implements Version.
func (f FuncVersion) Validate(row map[string]any) []Issue {
	return f.Fn(row)
}
