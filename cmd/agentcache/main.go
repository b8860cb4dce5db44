package main

import (
	"os"

	"github.com/agentcache/agentcache/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
