package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/driftdoc/driftdoc/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// Commands print their own diagnostics; only flag and usage
		// errors reach stderr here.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
