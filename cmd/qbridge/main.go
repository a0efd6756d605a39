package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	rootCmd := newRootCmd(&rootOptions{})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.OutOrStdout(), "ERROR: "+err.Error())
		os.Exit(1)
	}
}
