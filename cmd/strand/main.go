package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/strand/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	cmd.SilenceErrors = true
	err := cmd.ExecuteContext(context.Background())

	// Commands report their own failures as ExitErrors; anything else is
	// a usage error from cobra.
	var exitErr *cli.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCommandError)
	}
	os.Exit(cli.GetExitCode(err))
}
