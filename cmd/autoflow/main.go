// Command autoflow runs the automation integrations agent and its tooling.
package main

import (
	"fmt"
	"os"

	"github.com/dmadigital/autoflow/internal/cli"
)

func main() {
	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
