// Package main provides the entry point for the Amplifier CLI.
package main

import (
	"fmt"
	"os"

	"github.com/amplifier-run/amplifier/cmd/amplifier/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
