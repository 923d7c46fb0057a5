package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
)

var version = "dev"

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runner := NewRunner(RunnerOpts{Logger: logger, Output: os.Stdout})

	if err := runner.App().Run(ctx, os.Args); err != nil {
		logger.Fatal("bulkctl failed", "err", err)
	}
}
