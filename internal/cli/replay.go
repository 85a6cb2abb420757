package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftdoc/driftdoc/internal/harness"
)

// ReplayResult holds a scenario run.
type ReplayResult struct {
	Scenario string          `json:"scenario"`
	Steps    int             `json:"steps"`
	Trace    []harness.Event `json:"trace"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Replay a conformance scenario and print its trace",
		Long: `Replay a declarative scenario against a fresh in-memory workspace.

Each step's expectations are checked as the run proceeds; the first
mismatch aborts the replay. The printed trace is deterministic, so two
replays of the same file produce identical output.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, args[0], cmd)
		},
	}
}

func runReplay(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		_ = formatter.Error(ErrCodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "load scenario", err)
	}
	formatter.VerboseLog("replaying %q: %d step(s)", scenario.Name, len(scenario.Steps))

	result, err := harness.Run(scenario)
	if err != nil {
		_ = formatter.Error(ErrCodeInput, err.Error(), nil)
		return WrapExitError(ExitFailure, "replay failed", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(ReplayResult{
			Scenario: scenario.Name,
			Steps:    len(scenario.Steps),
			Trace:    result.Trace,
		})
	}

	fmt.Fprintf(formatter.Writer, "✓ %s: %d event(s)\n", scenario.Name, len(result.Trace))
	for _, ev := range result.Trace {
		fmt.Fprintf(formatter.Writer, "  %v\n", ev)
	}
	return nil
}
