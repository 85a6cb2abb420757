package harness

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func mustScenario(t *testing.T, src string) *Scenario {
	t.Helper()
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(src)))
	decoder.KnownFields(true)
	require.NoError(t, decoder.Decode(&s))
	require.NoError(t, validateScenario(&s))
	return &s
}

const inlineWorkspace = `
workspace:
  name: ws
  tables:
    tasks:
      versions:
        - v: 1
          require: {id: string, done: bool}
`

func TestRunProducesTrace(t *testing.T) {
	scenario := mustScenario(t, `
name: basic
description: set then get
`+inlineWorkspace+`
steps:
  - op: set
    table: tasks
    row: {id: t1, done: false, _v: 1}
  - op: get
    table: tasks
    id: t1
`)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, "set", result.Trace[0]["op"])
	assert.Equal(t, "get", result.Trace[1]["op"])
	assert.Equal(t, "valid", result.Trace[1]["status"])
}

func TestRunIsDeterministic(t *testing.T) {
	scenario := mustScenario(t, `
name: repeat
description: identical runs produce identical snapshots
`+inlineWorkspace+`
observe: [tasks]
steps:
  - op: batch
    steps:
      - op: set
        table: tasks
        row: {id: b, done: true, _v: 1}
      - op: set
        table: tasks
        row: {id: a, done: false, _v: 1}
  - op: get_all
    table: tasks
`)

	r1, err := Run(scenario)
	require.NoError(t, err)
	r2, err := Run(scenario)
	require.NoError(t, err)

	s1, err := Snapshot(scenario.Name, r1)
	require.NoError(t, err)
	s2, err := Snapshot(scenario.Name, r2)
	require.NoError(t, err)
	assert.Equal(t, string(s1), string(s2))
}

func TestRunExpectMismatch(t *testing.T) {
	scenario := mustScenario(t, `
name: mismatch
description: failing expectation aborts the run
`+inlineWorkspace+`
steps:
  - op: get
    table: tasks
    id: missing
    expect: {status: valid}
`)

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expectation failed")
}

func TestRunUndeclaredTableIsError(t *testing.T) {
	scenario := mustScenario(t, `
name: bad-table
description: helper panics surface as step errors
`+inlineWorkspace+`
steps:
  - op: count
    table: ghost
`)

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestRunBatchNotifiesOnce(t *testing.T) {
	// A row created and deleted inside one batch nets out to no visible
	// change: only b appears in the single notification.
	scenario := mustScenario(t, `
name: batching
description: one notification per container per batch
`+inlineWorkspace+`
observe: [tasks]
steps:
  - op: batch
    steps:
      - op: set
        table: tasks
        row: {id: a, done: false, _v: 1}
      - op: set
        table: tasks
        row: {id: b, done: true, _v: 1}
      - op: delete
        table: tasks
        id: a
        expect: {status: deleted}
`)

	result, err := Run(scenario)
	require.NoError(t, err)

	var notifies []Event
	for _, ev := range result.Trace {
		if ev["op"] == "notify" {
			notifies = append(notifies, ev)
		}
	}
	require.Len(t, notifies, 1)
	assert.Equal(t, []any{"b"}, notifies[0]["keys"])
}

func TestLoadScenarioRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	_, err := LoadScenario(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)

	_, err = LoadScenario(write("typo.yaml", `
name: x
description: y
workspace: {name: ws}
stepz: []
`))
	assert.Error(t, err)

	_, err = LoadScenario(write("no-steps.yaml", `
name: x
description: y
workspace: {name: ws}
steps: []
`))
	assert.Error(t, err)

	_, err = LoadScenario(write("bad-op.yaml", `
name: x
description: y
workspace: {name: ws}
steps:
  - op: explode
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown op")

	_, err = LoadScenario(write("bad-batch.yaml", `
name: x
description: y
workspace: {name: ws}
steps:
  - op: batch
    steps:
      - op: set
        table: tasks
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set requires")
}
