package main

import (
	"errors"
	"os"

	"github.com/rshade/batchmeter/internal/batch"
	"github.com/rshade/batchmeter/internal/cli"
	"github.com/rshade/batchmeter/internal/cost"
	"github.com/rshade/batchmeter/pkg/version"
)

// Exit codes distinguish why a run stopped so wrapper scripts can react:
// resume after topping up the budget, or page someone on a fatal error.
const (
	exitOK     = 0
	exitError  = 1
	exitBudget = 2
	exitFatal  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	root := cli.NewRootCmd(version.GetVersion())
	return exitCodeFor(root.Execute())
}

// exitCodeFor maps a command error to the process exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, cost.ErrBudgetExceeded):
		return exitBudget
	case errors.Is(err, batch.ErrFatalJob):
		return exitFatal
	default:
		return exitError
	}
}
