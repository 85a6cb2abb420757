package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// CountResult holds a table's row count.
type CountResult struct {
	Table string `json:"table"`
	Count int    `json:"count"`
}

// NewCountCommand creates the count command.
func NewCountCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:           "count <definition.yaml> <table>",
		Short:         "Count a table's rows, valid and invalid alike",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCount(rootOpts, args[0], args[1], dbPath, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database file (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runCount(opts *RootOptions, defPath, table, dbPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	client, done, err := openWorkspace(defPath, dbPath, formatter)
	if err != nil {
		return err
	}
	defer done()

	if !hasTable(client, table) {
		_ = formatter.Error(ErrCodeInput, fmt.Sprintf("undeclared table %q", table), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("undeclared table %q", table))
	}

	n := client.Table(table).Count()
	if formatter.Format == "json" {
		return formatter.Success(CountResult{Table: table, Count: n})
	}
	fmt.Fprintf(formatter.Writer, "%s: %d row(s)\n", table, n)
	return nil
}
