// Command falcon-gas is the entry point for the falcon-gas runtime: run a
// node, inspect the configuration it would run with, or drive an
// in-process token ring for local smoke-testing.
package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/falcon-gas/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
