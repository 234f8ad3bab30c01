package main

import (
	"os"

	"github.com/psantana5/bisect-farm/cmd/bisectctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
