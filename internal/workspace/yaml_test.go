package workspace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdoc/driftdoc/internal/schema"
)

const postsYAML = `
name: blog
awareness: true
tables:
  posts:
    versions:
      - v: 1
        require: {id: string, title: string}
      - v: 2
        require: {id: string, title: string, views: number}
    migrate:
      defaults: {views: 0}
    binding:
      guid_column: contentGuid
      updated_at_column: updatedAt
      tags: [posts]
slots:
  settings:
    versions:
      - v: 1
        require: {theme: string}
        optional: {fontSize: number}
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(postsYAML))
	require.NoError(t, err)
	assert.Equal(t, "blog", def.Name)
	assert.True(t, def.Awareness)

	td, ok := def.Tables["posts"]
	require.True(t, ok)
	require.NotNil(t, td.Binding)
	assert.Equal(t, "contentGuid", td.Binding.GuidColumn)
	assert.Equal(t, "updatedAt", td.Binding.UpdatedAtColumn)

	c, err := New(context.Background(), Config{Definition: def})
	require.NoError(t, err)
	defer c.Destroy()

	posts := c.Table("posts")
	posts.Set(Row{"id": "p1", "title": "legacy", "_v": 1})

	res := posts.Get("p1")
	require.Equal(t, GetValid, res.Status)
	assert.Equal(t, 0, res.Row["views"])
	assert.Equal(t, 2, res.Row["_v"])

	c.KV().Set("settings", Row{"theme": "dark"})
	assert.Equal(t, GetValid, c.KV().Get("settings").Status)

	c.KV().Set("settings", Row{"theme": "dark", "fontSize": "big"})
	assert.Equal(t, GetInvalid, c.KV().Get("settings").Status)
}

func TestParseDefinitionCueVersion(t *testing.T) {
	src := `
name: ws
tables:
  posts:
    versions:
      - v: 1
        cue: '{id: string, title: string, "_v": 1}'
`
	def, err := ParseDefinition([]byte(src))
	require.NoError(t, err)

	c, err := New(context.Background(), Config{Definition: def})
	require.NoError(t, err)
	defer c.Destroy()

	posts := c.Table("posts")
	posts.Set(Row{"id": "p1", "title": "ok", "_v": 1})
	assert.Equal(t, GetValid, posts.Get("p1").Status)

	posts.Set(Row{"id": "p2", "title": 3, "_v": 1})
	assert.Equal(t, GetInvalid, posts.Get("p2").Status)
}

func TestParseDefinitionJSONSchemaVersion(t *testing.T) {
	src := `
name: ws
slots:
  settings:
    versions:
      - v: 1
        jsonschema: '{"type":"object","required":["theme"],"properties":{"theme":{"enum":["light","dark"]}}}'
`
	def, err := ParseDefinition([]byte(src))
	require.NoError(t, err)

	c, err := New(context.Background(), Config{Definition: def})
	require.NoError(t, err)
	defer c.Destroy()

	c.KV().Set("settings", Row{"theme": "dark"})
	assert.Equal(t, GetValid, c.KV().Get("settings").Status)

	c.KV().Set("settings", Row{"theme": "purple"})
	assert.Equal(t, GetInvalid, c.KV().Get("settings").Status)
}

func TestParseDefinitionDefaultsNotAliased(t *testing.T) {
	src := `
name: blog
tables:
  posts:
    versions:
      - v: 1
        require: {id: string}
      - v: 2
        require: {id: string, labels: array}
    migrate:
      defaults:
        labels: [draft]
`
	def, err := ParseDefinition([]byte(src))
	require.NoError(t, err)
	chain := def.Tables["posts"].Chain

	first := chain.Parse(Row{"id": "p1", "_v": 1})
	require.Equal(t, schema.StatusValid, first.Status)
	second := chain.Parse(Row{"id": "p2", "_v": 1})
	require.Equal(t, schema.StatusValid, second.Status)

	// Each migrated row owns its defaulted value; mutating one must not
	// leak into another.
	first.Row["labels"].([]any)[0] = "mutated"
	assert.Equal(t, []any{"draft"}, second.Row["labels"])

	third := chain.Parse(Row{"id": "p3", "_v": 1})
	require.Equal(t, schema.StatusValid, third.Status)
	assert.Equal(t, []any{"draft"}, third.Row["labels"])
}

func TestParseDefinitionErrors(t *testing.T) {
	cases := map[string]string{
		"unknown field": `
name: ws
tables:
  posts:
    version: []
`,
		"no versions": `
name: ws
tables:
  posts:
    versions: []
`,
		"unknown type": `
name: ws
tables:
  posts:
    versions:
      - v: 1
        require: {id: uuid}
`,
		"exclusive validators": `
name: ws
tables:
  posts:
    versions:
      - v: 1
        require: {id: string}
        cue: '{id: string}'
`,
		"duplicate discriminator": `
name: ws
tables:
  posts:
    versions:
      - v: 1
        require: {id: string}
      - v: 1
        require: {id: string}
`,
		"bad cue source": `
name: ws
tables:
  posts:
    versions:
      - v: 1
        cue: '{id: string'
`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(src))
			assert.Error(t, err)
		})
	}
}
