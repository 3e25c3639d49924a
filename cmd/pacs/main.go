// Command pacs runs a small DIMSE PACS node: verification, storage and
// query/retrieve over one TCP listener. Storage Commitment is not served
// over DIMSE.
package main

import (
	"os"

	"github.com/tinypacs/tinypacs/cmd/pacs/internal/cli"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := cli.Run(version); err != nil {
		os.Exit(1)
	}
}
