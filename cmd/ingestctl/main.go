// Package main provides the entry point for the ingestctl admin CLI.
package main

import (
	"os"

	"doc-ingest/cmd/ingestctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
