// Command ferry is the offline-first sync and backend rotation engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ferry/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ferry:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
