package main

import (
	"os"

	"github.com/opensandbox/runbox/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
