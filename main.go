package main

import (
	"os"

	"github.com/blackbox-obs/blackbox/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
