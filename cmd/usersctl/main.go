package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkiryanov/usermanager/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Getenv, os.Getwd, os.Args[1:]); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Env values become flag defaults, so flags still win
func run(ctx context.Context, getenv func(string) string, getwd func() (string, error), args []string) error {
	c := config.NewConfig()
	if err := c.LoadDotEnv(getwd); err != nil {
		return fmt.Errorf("can't load .env file. Err: %w", err)
	}
	if err := c.LoadEnv(getenv); err != nil {
		return fmt.Errorf("can't load environment. Err: %w", err)
	}

	cmd := NewRootCommand(c)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
