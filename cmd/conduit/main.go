package main

import (
	"os"

	"github.com/conduit-labs/conduit/cmd/conduit/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
