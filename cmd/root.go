// Package cmd is the tork-perf command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tork-perf/internal/failure"
	"tork-perf/internal/logging"
	"tork-perf/internal/metrics"
	"tork-perf/internal/runstate"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	logLevel    string
	logFormat   string
	metricsAddr string
}

// Execute runs the command line and returns the error that decides the exit
// status. An exhausted run index is not an error.
func Execute() error {
	logger := logging.GetLogger()
	loadEnvironment()

	var g globalOptions
	root := &cobra.Command{
		Use:           "tork-perf",
		Short:         "Tor/TorK performance experiment controller",
		Long:          "Runs throughput, streaming and download experiments through tor, TorK or the direct path and records per-second counters",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.logLevel != "" {
				if err := logging.SetLogLevel(g.logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			if err := logging.SetLogFormat(g.logFormat); err != nil {
				return err
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "Log output format (text, json)")
	root.PersistentFlags().StringVar(&g.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")

	root.AddCommand(
		newRunCommand(&g),
		newStreamCommand(&g),
		newDownloadCommand(&g),
		newValidateCommand(),
		newStateCommand(),
	)

	err := root.Execute()
	if errors.Is(err, runstate.ErrExhausted) {
		logger.Info("No further runs: index is at its maximum")
		return nil
	}
	if err != nil {
		logger.WithError(err).WithField("exit_code", failure.ExitCode(err)).Error("Command execution failed")
	}
	return err
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	logger := logging.GetLogger()
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func serveMetrics(g *globalOptions) func() {
	if g.metricsAddr == "" {
		return func() {}
	}
	srv := metrics.Serve(g.metricsAddr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
