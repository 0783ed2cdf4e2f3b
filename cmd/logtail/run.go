package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/SteelMorgan/logtail/internal/config"
	"github.com/SteelMorgan/logtail/internal/observability"
	"github.com/SteelMorgan/logtail/internal/service"
)

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run [config]",
		Short: "Start shipping",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(resolveConfigPath(configPath, args))
		},
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return err
	}

	logCloser := observability.InitLogger(observability.LogConfig{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	defer logCloser.Close()

	log.Info().
		Str("version", version).
		Str("config", path).
		Msg("Starting logtail")

	shutdownTracer, err := observability.InitTracer(observability.TracerConfig{
		ServiceName:    "logtail",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		Protocol:       cfg.Tracing.Protocol,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer shutdownTracer(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.NewShipperService(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create shipper service")
		return err
	}

	if err := svc.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start shipper service")
		return err
	}
	log.Info().Msg("Shipper service started successfully")

	<-ctx.Done()
	log.Info().Msg("Received shutdown signal, shutting down gracefully...")

	waitErr := svc.Wait()
	if err := svc.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	if waitErr != nil {
		log.Error().Err(waitErr).Msg("Tail loop finished with error")
		return waitErr
	}

	log.Info().Msg("Shipper service stopped")
	return nil
}
