// Command boxctl is the operator tool for the mystery box service: catalog
// publication, account and ledger inspection, audit queries and DLQ handling.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"mystery-box-service/internal/config"
	"mystery-box-service/internal/observability"
)

var (
	okMark   = color.New(color.FgGreen, color.Bold).SprintFunc()
	failMark = color.New(color.FgRed, color.Bold).SprintFunc()
	dim      = color.New(color.FgHiBlack).SprintFunc()
)

// app carries what every subcommand needs; cfg is loaded on first use so
// offline commands such as validate work without a config file.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

func main() {
	a := &app{logger: observability.SetupLogger("development")}

	rootCmd := &cobra.Command{
		Use:           "boxctl",
		Short:         "Operate the mystery box service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", config.Path(), "Path to the service config file")

	rootCmd.AddCommand(
		newValidateCmd(),
		newPublishCmd(a),
		newOpenAccountCmd(a),
		newLedgerCmd(a),
		newReconcileCmd(a),
		newStatsCmd(a),
		newFlaggedCmd(a),
		newDLQCmd(a),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", failMark("FAIL"), err)
		os.Exit(1)
	}
}
