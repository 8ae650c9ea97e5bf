// cmd/chainforge/main.go
//
// Entry point for the chainforge CLI. Every subcommand resolves the project
// directory, loads .chainforge/config.yaml and opens the project log before
// doing its work.

package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
