// Command stepsync keeps a multi-step wizard's drafts in a local store and
// syncs them with the remote authority.
package main

import (
	"context"
	"os"

	"github.com/roach88/stepsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
