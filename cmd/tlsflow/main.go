// Package main is the tlsflow CLI entry point: it wires a bootstrap
// logger and a viper instance into the command tree and runs it to
// completion, exiting non-zero on failure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/flowkit-dev/tlsflow/internal/cli"
	"github.com/flowkit-dev/tlsflow/internal/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "tlsflow:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	bootLogger, err := utils.NewLogger("info", false)
	if err != nil {
		return fmt.Errorf("tlsflow: building bootstrap logger: %w", err)
	}
	defer bootLogger.Sync() //nolint:errcheck

	v := viper.New()
	root := cli.NewRootCommand(bootLogger, v)
	return root.ExecuteContext(ctx)
}
