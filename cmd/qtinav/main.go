// Command qtinav compiles assessment test maps, serves candidate navigation
// and delivers executions offline.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/qtinav/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
