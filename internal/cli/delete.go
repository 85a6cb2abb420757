package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftdoc/driftdoc/internal/workspace"
)

// DeleteResult holds the outcome of a delete.
type DeleteResult struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "deleted" or "not_found_locally"
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "delete <definition.yaml> <table> <id>",
		Short: "Delete one row",
		Long: `Delete one row from a table.

Absence is reported as not_found_locally: the row may never have
existed, or may simply not have synced here yet.`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(rootOpts, args[0], args[1], args[2], dbPath, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database file (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runDelete(opts *RootOptions, defPath, table, id, dbPath string, cmd *cobra.Command) error {
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

	status := client.Table(table).Delete(id)
	if status != workspace.Deleted {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("row %q not found locally", id), nil)
		return NewExitError(ExitFailure, fmt.Sprintf("row %q not found locally", id))
	}

	if formatter.Format == "json" {
		return formatter.Success(DeleteResult{ID: id, Status: status.String()})
	}
	fmt.Fprintf(formatter.Writer, "✓ deleted %s/%s\n", table, id)
	return nil
}
