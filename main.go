// Package main is the entry point for the magic-reboot listener.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/magicreboot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
