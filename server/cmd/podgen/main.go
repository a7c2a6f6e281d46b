package main

import (
	"fmt"
	"os"

	"podgen/server/cmd/podgen/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
