// Command pyrod runs the daemon described by spec.md as a standalone
// process.
package main

import (
	"os"

	"github.com/c4dt-edu/pyrod"
	"github.com/c4dt-edu/pyrod/cli"
)

func main() {
	if err := cli.App().Run(os.Args); err != nil {
		pyrod.Logger.Fatal().Err(err).Msg("pyrod exited")
	}
}
