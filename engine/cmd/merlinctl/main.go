package main

import (
	"os"

	"github.com/merlinhq/merlin/engine/cmd/merlinctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
