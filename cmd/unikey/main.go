// Command unikey validates unique key policies and replays document writes against them.
package main

import (
	"fmt"
	"os"

	"github.com/jacentio/unikey/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
