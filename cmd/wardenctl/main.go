package main

import (
	"os"

	"github.com/triage-ai/warden/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
