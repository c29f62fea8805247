// Package main provides threatctl, the operator CLI for inspecting sessions
// and running scans against the local database.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(defaultOpener).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
