package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftdoc/driftdoc/internal/workspace"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "get <definition.yaml> <table> <id>",
		Short: "Read one row, migrated to its latest version",
		Long: `Read one row from a table.

The stored bytes are parsed through the table's version chain, so rows
written under older versions come back in the latest shape. Stored data
is never modified.`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(rootOpts, args[0], args[1], args[2], dbPath, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database file (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runGet(opts *RootOptions, defPath, table, id, dbPath string, cmd *cobra.Command) error {
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

	res := client.Table(table).Get(id)
	switch res.Status {
	case workspace.GetValid:
		if formatter.Format == "json" {
			return formatter.Success(summarize(res))
		}
		textRow(formatter, summarize(res))
		return nil

	case workspace.GetInvalid:
		_ = formatter.Error(ErrCodeRowInvalid, fmt.Sprintf("row %q is invalid", id), issueDetails(res.Issues))
		return NewExitError(ExitFailure, fmt.Sprintf("row %q is invalid", id))

	default:
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("row %q not found", id), nil)
		return NewExitError(ExitFailure, fmt.Sprintf("row %q not found", id))
	}
}

// hasTable probes for a declared table without tripping the helper's
// undeclared-name panic.
func hasTable(client *workspace.Client, name string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	client.Table(name)
	return true
}
