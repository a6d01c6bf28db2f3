package main

import (
	"fmt"
	"os"

	"github.com/RobPruzan/zenbu-daemon/pkg/launcher"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if suggestion := launcher.GetSuggestion(err); suggestion != "" {
			fmt.Fprintf(os.Stderr, "\n%s\n", suggestion)
		}
		os.Exit(1)
	}
}
