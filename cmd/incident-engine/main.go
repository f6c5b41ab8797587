// Command incident-engine runs the incident lifecycle API and its maintenance tools.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bissquit/incident-engine/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
