// Package run implements the command that executes one acquisition batch.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/birdimage-go/internal/conf"
	"github.com/tphakala/birdimage-go/internal/logging"
	"github.com/tphakala/birdimage-go/internal/observability/metrics"
	"github.com/tphakala/birdimage-go/internal/pipeline"
	"github.com/tphakala/birdimage-go/internal/source"
)

// Command creates the run command for one batch image acquisition.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch and normalize one image per input record",
		Long:  "Read the input CSV, download one image per species, normalize each to a fixed-size JPEG and report the records that could not be acquired.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), settings)
		},
	}

	// Set up flags specific to the 'run' command
	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the run command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVarP(&settings.Input.CSV, "input", "i", viper.GetString("input.csv"), "Path to the input CSV file")
	cmd.Flags().StringVarP(&settings.Export.Path, "output", "o", viper.GetString("export.path"), "Base directory for normalized images")

	// Bind flags to the viper settings
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %v", err)
	}

	return nil
}

// runBatch executes the whole batch and logs the failure ledger. Individual
// record failures are part of a normal batch outcome and do not produce a
// non-zero exit; only setup failures do.
func runBatch(ctx context.Context, settings *conf.Settings) error {
	// Ctrl+C stops the batch between records.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.ForService("pipeline")

	if settings.Main.Log.Enabled {
		fileLogger, closeLogger, err := logging.NewFileLogger(settings.Main.Log.Path, "pipeline", slog.LevelInfo)
		if err != nil {
			logger.Warn("File logging disabled", "path", settings.Main.Log.Path, "error", err)
		} else {
			logger = fileLogger
			defer func() { _ = closeLogger() }()
		}
	}

	records, err := source.ReadRecords(settings.Input.CSV)
	if err != nil {
		return fmt.Errorf("error reading input records: %w", err)
	}
	logger.Info("Input records loaded", "path", settings.Input.CSV, "records", len(records))

	registry := prometheus.NewRegistry()
	pipelineMetrics, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		return fmt.Errorf("error creating metrics: %w", err)
	}

	p := pipeline.New(settings, pipelineMetrics, logger)
	failed := p.Run(ctx, records)

	for _, f := range failed {
		logger.Warn("Failed to acquire image",
			"species", f.ScientificName,
			"url", f.ImageURL)
	}
	logger.Info("Run finished",
		"records", len(records),
		"succeeded", len(records)-len(failed),
		"failed", len(failed))

	return nil
}
