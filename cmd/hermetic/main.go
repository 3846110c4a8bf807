// Command hermetic runs pip graphs with sandbox-observed caching.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/hermetic/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		code := cli.ExitCodeOf(err)
		// A failed build has already printed its report.
		if code != cli.ExitFailure {
			fmt.Fprintln(os.Stderr, "hermetic:", err)
		}
		os.Exit(code)
	}
}
