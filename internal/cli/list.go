package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftdoc/driftdoc/internal/workspace"
)

// ListResult holds the rows of one table.
type ListResult struct {
	Table string       `json:"table"`
	Count int          `json:"count"`
	Rows  []rowSummary `json:"rows"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		dbPath    string
		validOnly bool
	)

	cmd := &cobra.Command{
		Use:   "list <definition.yaml> <table>",
		Short: "List a table's rows in id order",
		Long: `List every row of a table, migrated to the latest version.

Rows that fail their version chain are listed with their issues instead
of a body; --valid hides them.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(rootOpts, args[0], args[1], dbPath, validOnly, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database file (required)")
	cmd.Flags().BoolVar(&validOnly, "valid", false, "hide rows that fail validation")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runList(opts *RootOptions, defPath, table, dbPath string, validOnly bool, cmd *cobra.Command) error {
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

	all := client.Table(table).GetAll()
	result := ListResult{Table: table, Rows: []rowSummary{}}
	for _, res := range all {
		if validOnly && res.Status != workspace.GetValid {
			continue
		}
		result.Rows = append(result.Rows, summarize(res))
	}
	result.Count = len(result.Rows)

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "%s: %d row(s)\n", table, result.Count)
	for _, s := range result.Rows {
		textRow(formatter, s)
	}
	return nil
}
