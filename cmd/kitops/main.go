package main

import (
	"os"

	"github.com/bittrance/kitops/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
