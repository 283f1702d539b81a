// Command migrate applies ordered, tracked SQL migrations to a database.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/aatuh/sqlmigrate"
)

// exitTempFail is EX_TEMPFAIL from sysexits.h: another runner holds the lock
// and the run can be retried.
const exitTempFail = 75

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := createRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err != nil {
		fmt.Fprintf(stderr, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("error:"), err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var concurrent *sqlmigrate.ConcurrentRunError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &concurrent):
		return exitTempFail
	default:
		return 1
	}
}
