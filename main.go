// docpipe is a multi-tenant document ingestion pipeline: documents come in
// as uploads or origin-platform references and leave as contextualized,
// knowledge-graph-backed chunks. See the cli package for the subcommands.
package main

import (
	"os"

	"github.com/graphworks/docpipe/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
