package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settingsV1 = `{
	"type": "object",
	"properties": {
		"theme": {"type": "string", "enum": ["light", "dark"]},
		"_v": {"const": 1}
	},
	"required": ["theme", "_v"]
}`

func TestJSONVersion_Valid(t *testing.T) {
	v := MustJSONVersion(1, settingsV1)

	issues := v.Validate(map[string]any{"theme": "dark", "_v": float64(1)})
	assert.Empty(t, issues)
}

func TestJSONVersion_Invalid(t *testing.T) {
	v := MustJSONVersion(1, settingsV1)

	issues := v.Validate(map[string]any{"theme": "neon", "_v": float64(1)})
	require.NotEmpty(t, issues)
	assert.Equal(t, "theme", issues[0].Field)
}

func TestJSONVersion_MissingRequired(t *testing.T) {
	v := MustJSONVersion(1, settingsV1)

	issues := v.Validate(map[string]any{"_v": float64(1)})
	require.NotEmpty(t, issues)
}

func TestJSONVersion_InChain(t *testing.T) {
	v1 := MustJSONVersion(1, settingsV1)
	v2 := MustJSONVersion(2, `{
		"type": "object",
		"properties": {
			"theme": {"type": "string"},
			"fontSize": {"type": "number"},
			"_v": {"const": 2}
		},
		"required": ["theme", "fontSize", "_v"]
	}`)
	migrate := func(row map[string]any) map[string]any {
		if v, _ := row["_v"].(float64); v >= 2 {
			return row
		}
		row["fontSize"] = float64(14)
		row["_v"] = float64(2)
		return row
	}
	chain := NewChain(migrate, []Version{v1, v2})

	res := chain.Parse(map[string]any{"theme": "light", "_v": float64(1)})
	require.Equal(t, StatusValid, res.Status)
	assert.Equal(t, float64(14), res.Row["fontSize"])
	assert.Equal(t, float64(2), res.Row["_v"])
}

func TestNewJSONVersion_BadDocument(t *testing.T) {
	_, err := NewJSONVersion(1, `{"type": ["not-a-type"]}`)
	assert.Error(t, err)
}
