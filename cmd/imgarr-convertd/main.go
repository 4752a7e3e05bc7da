// Package main is the entry point for the imgarr-convertd daemon.
//
// imgarr-convertd is a remote conversion daemon that connects to an
// imgarr coordinator to provide image transform capacity. It reports
// its backend capabilities (transform backend, pixel bounds, decodable
// formats) and accepts bidirectional streaming of raster frames for
// conversion.
package main

import (
	"os"

	"github.com/jmylchreest/imgarr/cmd/imgarr-convertd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
