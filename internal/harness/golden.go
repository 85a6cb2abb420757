package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/driftdoc/driftdoc/internal/canon"
)

// Snapshot renders a run as canonical JSON: scenario name plus the full
// trace. Canonical form keeps goldens byte-stable across runs and
// platforms.
func Snapshot(name string, result *Result) ([]byte, error) {
	trace := make([]any, len(result.Trace))
	for i, ev := range result.Trace {
		trace[i] = ev
	}
	return canon.Marshal(map[string]any{
		"scenario": name,
		"trace":    trace,
	})
}

// RunGolden executes the scenario and compares its trace snapshot against
// testdata/golden/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}

	buf, err := Snapshot(scenario.Name, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, buf)
	return nil
}
