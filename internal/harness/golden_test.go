package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScenarioGoldens replays every scenario under testdata/scenarios and
// compares its trace snapshot against the matching golden file. Run with
// -update to regenerate the goldens after an intentional behavior change.
func TestScenarioGoldens(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err, path)

		t.Run(scenario.Name, func(t *testing.T) {
			require.NoError(t, RunGolden(t, scenario))
		})
	}
}
