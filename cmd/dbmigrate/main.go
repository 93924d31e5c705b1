// Command dbmigrate is the command-line front end for the migration
// engine: migrate, validate, info, baseline, clean and repair, each
// mapped to an exit code a CI pipeline can branch on.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}
