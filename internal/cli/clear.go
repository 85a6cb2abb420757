package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ClearResult holds the outcome of a clear.
type ClearResult struct {
	Table   string `json:"table"`
	Cleared int    `json:"cleared"`
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "clear <definition.yaml> <table>",
		Short: "Delete every row of a table",
		Long: `Delete every row of a table in one transaction.

The table itself stays declared and observable; only its rows go.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(rootOpts, args[0], args[1], dbPath, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database file (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runClear(opts *RootOptions, defPath, table, dbPath string, cmd *cobra.Command) error {
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

	t := client.Table(table)
	n := t.Count()
	t.Clear()
	formatter.VerboseLog("cleared %d row(s) from table %q", n, table)

	if formatter.Format == "json" {
		return formatter.Success(ClearResult{Table: table, Cleared: n})
	}
	fmt.Fprintf(formatter.Writer, "✓ cleared %s: %d row(s)\n", table, n)
	return nil
}
