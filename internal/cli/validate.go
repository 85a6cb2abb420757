package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/driftdoc/driftdoc/internal/workspace"
)

// ValidationResult holds the outcome of definition validation.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Name   string   `json:"name,omitempty"`
	Tables []string `json:"tables,omitempty"`
	Slots  []string `json:"slots,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition.yaml>",
		Short: "Validate a workspace definition file",
		Long: `Validate a workspace definition without opening any data.

Parses the YAML, builds every table's and slot's version chain, and
reports the first problem found.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	def, err := workspace.LoadDefinition(path)
	if err != nil {
		_ = formatter.Error(ErrCodeDefinition, err.Error(), nil)
		return WrapExitError(ExitFailure, "definition invalid", err)
	}

	result := ValidationResult{Valid: true, Name: def.Name}
	for name := range def.Tables {
		result.Tables = append(result.Tables, name)
	}
	for name := range def.Slots {
		result.Slots = append(result.Slots, name)
	}
	slices.Sort(result.Tables)
	slices.Sort(result.Slots)

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ %s: %d table(s), %d slot(s)\n",
		def.Name, len(result.Tables), len(result.Slots))
	return nil
}
