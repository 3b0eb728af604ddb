package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raymondelooff/device-reading-aggregator/aggregator"
)

// Version is set at build time
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "aggregator",
		Short:         "Aggregate counter readings of remote devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file location (YAML)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the readings API and consume AMQP batches",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(configPath)
			},
		},
		verifyCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "aggregator %s\n", Version)
			},
		},
	)

	return cmd
}

func setup(configPath string) (aggregator.Config, *zap.Logger, error) {
	c, err := aggregator.LoadConfig(configPath)
	if err != nil {
		return c, nil, err
	}

	logger, err := aggregator.NewLogger(c.Env, c.Logging)
	if err != nil {
		return c, nil, err
	}

	return c, logger, nil
}

func serve(configPath string) error {
	c, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, c, sugar)
	if err != nil {
		return err
	}

	if err := app.Run(ctx); err != nil {
		return err
	}

	sugar.Info("aggregator: shutdown OK")

	return nil
}

func verifyCmd(configPath *string) *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "verify [device...]",
		Short: "Compare persisted counts with the stored readings",
		Long: `Verify recomputes the cumulative count and latest timestamp of every
persisted device (or only the given ones) from its stored readings and
reports mismatches. With --repair the recomputed values are written back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			return verify(cmd.Context(), cmd, c, logger.Sugar(), args, repair)
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "write recomputed values back")

	return cmd
}

func verify(ctx context.Context, cmd *cobra.Command, c aggregator.Config, logger *zap.SugaredLogger, deviceIDs []string, repair bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	store := aggregator.NewFileStore(c.Storage.DataDir, logger)

	if len(deviceIDs) == 0 {
		var err error
		deviceIDs, err = store.DeviceIDs()
		if err != nil {
			return err
		}
	}

	storage := c.Storage
	storage.RestoreOnAccess = true
	storage.PersistOnWrite = false
	storage.FlushOnShutdown = false
	registry := aggregator.NewRegistry(storage, store, nil, aggregator.NewMetrics(prometheus.NewRegistry()), logger)

	out := cmd.OutOrStdout()
	inconsistent := 0
	for _, id := range deviceIDs {
		discrepancies, err := registry.Verify(ctx, id, repair)
		if err != nil {
			return err
		}

		if len(discrepancies) == 0 {
			fmt.Fprintf(out, "%s: ok\n", id)
			continue
		}

		inconsistent++
		for _, d := range discrepancies {
			fmt.Fprintf(out, "%s: %s\n", id, d)
		}
	}

	if inconsistent > 0 && !repair {
		return fmt.Errorf("%d of %d devices are inconsistent", inconsistent, len(deviceIDs))
	}

	return nil
}
