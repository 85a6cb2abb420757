package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftdoc/driftdoc/internal/provider"
	"github.com/driftdoc/driftdoc/internal/schema"
	"github.com/driftdoc/driftdoc/internal/workspace"
)

// Error codes shared by every command.
const (
	ErrCodeDefinition = "E001" // definition file missing or malformed
	ErrCodeDatabase   = "E002" // database cannot be opened or loaded
	ErrCodeInput      = "E003" // malformed command input (row JSON, scenario file)
	ErrCodeRowInvalid = "E101" // row fails its version chain
	ErrCodeNotFound   = "E102" // row absent from local state
)

// openTimeout bounds waiting for persistence to load stored state.
const openTimeout = 10 * time.Second

// openWorkspace builds a client over the definition file, persisted into
// the SQLite database at dbPath. The returned closer tears the client
// down; persisted deltas are written synchronously, so plain Destroy is
// durable.
func openWorkspace(defPath, dbPath string, formatter *OutputFormatter) (*workspace.Client, func(), error) {
	def, err := workspace.LoadDefinition(defPath)
	if err != nil {
		_ = formatter.Error(ErrCodeDefinition, err.Error(), nil)
		return nil, nil, WrapExitError(ExitCommandError, "load definition", err)
	}
	formatter.VerboseLog("loaded definition %q: %d table(s), %d slot(s)",
		def.Name, len(def.Tables), len(def.Slots))

	def.Extensions = append(def.Extensions, provider.SQLite(provider.SQLiteOptions{
		Path: dbPath,
		Log:  quietLogger(formatter),
	}))

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	client, err := workspace.New(ctx, workspace.Config{
		Definition: def,
		Log:        quietLogger(formatter),
	})
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return nil, nil, WrapExitError(ExitCommandError, "open workspace", err)
	}
	if err := client.Await(ctx); err != nil {
		client.Destroy()
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return nil, nil, WrapExitError(ExitCommandError, "load stored state", err)
	}

	return client, func() { client.Destroy() }, nil
}

// quietLogger routes workspace logs to the diagnostic writer in verbose
// mode and discards them otherwise.
func quietLogger(formatter *OutputFormatter) *slog.Logger {
	if !formatter.Verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w := formatter.ErrWriter
	if w == nil {
		w = formatter.Writer
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

// newFormatter builds the formatter every command starts from.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// issueDetails renders chain issues for error output.
func issueDetails(issues []schema.Issue) []map[string]string {
	out := make([]map[string]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, map[string]string{"field": issue.Field, "message": issue.Message})
	}
	return out
}

// rowSummary is the JSON shape list and get emit per row.
type rowSummary struct {
	ID     string              `json:"id"`
	Status string              `json:"status"`
	Row    map[string]any      `json:"row,omitempty"`
	Issues []map[string]string `json:"issues,omitempty"`
}

func summarize(res workspace.GetResult) rowSummary {
	s := rowSummary{ID: res.ID, Status: res.Status.String()}
	switch res.Status {
	case workspace.GetValid:
		s.Row = res.Row
	case workspace.GetInvalid:
		s.Issues = issueDetails(res.Issues)
	}
	return s
}

func textRow(formatter *OutputFormatter, s rowSummary) {
	switch s.Status {
	case "valid":
		fmt.Fprintf(formatter.Writer, "%s: %v\n", s.ID, s.Row)
	case "invalid":
		fmt.Fprintf(formatter.Writer, "%s: invalid\n", s.ID)
		for _, issue := range s.Issues {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n", issue["field"], issue["message"])
		}
	default:
		fmt.Fprintf(formatter.Writer, "%s: %s\n", s.ID, s.Status)
	}
}
