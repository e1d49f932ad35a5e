// Package main is the entry point for the chunkrec recorder.
package main

import (
	"os"

	"github.com/jmylchreest/chunkrec/cmd/chunkrec/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
