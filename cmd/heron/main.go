// Heron - customer segmentation rules over a live customer store.
package main

import (
	"os"

	"github.com/opensource-finance/heron/cmd/heron/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
