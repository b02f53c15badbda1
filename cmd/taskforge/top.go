package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ironvale/taskforge/internal/config"
	"github.com/ironvale/taskforge/internal/tui"
)

func runTopCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskforge top")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	client := tui.NewClient(gatewayBaseURL(cfg), cfg.AuthToken)
	if err := tui.Run(ctx, client); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "top: %v\n", err)
		return 1
	}
	return 0
}
