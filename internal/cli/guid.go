package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// GuidResult holds freshly minted guids.
type GuidResult struct {
	Guids []string `json:"guids"`
}

// NewGuidCommand creates the guid command.
func NewGuidCommand(rootOpts *RootOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "guid",
		Short: "Mint guids for bound-document columns",
		Long: `Mint fresh guids, suitable for a table's guid column.

Guids are UUIDv7, so they sort by creation time.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGuid(rootOpts, count, cmd)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of guids to mint")

	return cmd
}

func runGuid(opts *RootOptions, count int, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if count < 1 {
		_ = formatter.Error(ErrCodeInput, "count must be at least 1", nil)
		return NewExitError(ExitCommandError, "count must be at least 1")
	}

	guids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id, err := uuid.NewV7()
		if err != nil {
			return WrapExitError(ExitCommandError, "mint guid", err)
		}
		guids = append(guids, id.String())
	}

	if formatter.Format == "json" {
		return formatter.Success(GuidResult{Guids: guids})
	}
	for _, g := range guids {
		fmt.Fprintln(formatter.Writer, g)
	}
	return nil
}
