// Package main is the entry point for the portal sync service.
package main

import (
	"os"

	"github.com/aligntrack/portal-sync/cmd/portal-sync/app"
	"github.com/aligntrack/portal-sync/internal/logger"
)

func main() {
	// Commands that load a config file re-initialize with the configured
	// options; this covers flag parsing and early failures.
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
