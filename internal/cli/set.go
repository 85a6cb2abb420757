package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftdoc/driftdoc/internal/schema"
)

// SetResult holds the outcome of a write.
type SetResult struct {
	ID     string         `json:"id"`
	Row    map[string]any `json:"row"`
	Stored string         `json:"stored"` // "written" or "rejected"
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		dbPath string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "set <definition.yaml> <table> <row-json>",
		Short: "Write one row",
		Long: `Write one row into a table.

The row is checked against the table's version chain first; an invalid
row is rejected unless --force is given. The bytes written are the input
as given, not the migrated form.`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSet(rootOpts, args[0], args[1], args[2], dbPath, force, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database file (required)")
	cmd.Flags().BoolVar(&force, "force", false, "write even if the row fails validation")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runSet(opts *RootOptions, defPath, table, rowJSON, dbPath string, force bool, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	var row map[string]any
	if err := json.Unmarshal([]byte(rowJSON), &row); err != nil {
		_ = formatter.Error(ErrCodeInput, fmt.Sprintf("row is not a JSON object: %v", err), nil)
		return WrapExitError(ExitCommandError, "parse row", err)
	}
	id, ok := row["id"].(string)
	if !ok || id == "" {
		_ = formatter.Error(ErrCodeInput, `row needs a non-empty string "id"`, nil)
		return NewExitError(ExitCommandError, "row needs an id")
	}

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

	res := t.Parse(id, row)
	if res.Status != schema.StatusValid && !force {
		_ = formatter.Error(ErrCodeRowInvalid, fmt.Sprintf("row %q fails validation", id), issueDetails(res.Issues))
		return NewExitError(ExitFailure, fmt.Sprintf("row %q fails validation", id))
	}

	t.Set(row)
	formatter.VerboseLog("wrote row %q to table %q", id, table)

	if formatter.Format == "json" {
		return formatter.Success(SetResult{ID: id, Row: row, Stored: "written"})
	}
	fmt.Fprintf(formatter.Writer, "✓ wrote %s/%s\n", table, id)
	return nil
}
