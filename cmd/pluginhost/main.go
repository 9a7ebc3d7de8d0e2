package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	_ "pluginhost/internal/plugins/audit"
	_ "pluginhost/internal/plugins/echo"
)

func main() {
	// Load environment variables
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
