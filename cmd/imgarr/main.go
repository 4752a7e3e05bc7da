// Package main is the entry point for the imgarr application.
package main

import (
	"os"

	"github.com/jmylchreest/imgarr/cmd/imgarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
