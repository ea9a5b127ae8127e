package main

import (
	"context"
	"fmt"
	"os"

	"savings/internal/cli"
	"savings/internal/log"
)

func main() {
	logger := log.New(log.Config{Output: os.Stderr, Component: log.ComponentCLI})
	ctx, cancel := cli.ShutdownContext(context.Background(), logger)
	defer cancel()

	cmd := cli.NewRootCommand(cli.DefaultBuilder(os.Stderr))
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}
