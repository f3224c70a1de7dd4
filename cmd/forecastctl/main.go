// Command forecastctl administers the bite index scoring engine: schema
// migrations, single writes, training and forecast backfills.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
