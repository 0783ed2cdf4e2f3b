package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logtail/internal/config"
	"github.com/SteelMorgan/logtail/internal/discovery"
	"github.com/SteelMorgan/logtail/internal/metrics"
	"github.com/SteelMorgan/logtail/internal/offset"
	"github.com/SteelMorgan/logtail/internal/retry"
	"github.com/SteelMorgan/logtail/internal/tail"
	"github.com/SteelMorgan/logtail/internal/transport"
)

// ShipperService wires discovery, the tail loop and the collector client
type ShipperService struct {
	cfg      *config.Config
	store    offset.Store
	tailer   *tail.Tailer
	registry *prometheus.Registry

	wg   sync.WaitGroup
	errs chan error
}

// Option configures a ShipperService
type Option func(*options)

type options struct {
	tailOpts  []tail.Option
	retryOpts []retry.Option
}

// WithTailOptions passes options to the tailer
func WithTailOptions(opts ...tail.Option) Option {
	return func(o *options) {
		o.tailOpts = append(o.tailOpts, opts...)
	}
}

// WithRetryOptions passes options to the backoff controller
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *options) {
		o.retryOpts = append(o.retryOpts, opts...)
	}
}

// OpenStore opens the position store selected by the config
func OpenStore(cfg *config.Config) (offset.Store, error) {
	switch cfg.PositionBackend {
	case config.BackendBolt:
		return offset.NewBoltDBStore(cfg.PositionFile)
	case config.BackendFile, "":
		return offset.NewFileStore(cfg.PositionFile), nil
	default:
		return nil, fmt.Errorf("unknown position backend: %s", cfg.PositionBackend)
	}
}

// NewShipperService creates a new shipper service. Saved positions are
// loaded here so a broken checkpoint stops the agent before any file is
// opened.
func NewShipperService(ctx context.Context, cfg *config.Config, opts ...Option) (*ShipperService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open position store: %w", err)
	}
	saved, err := store.Load(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	log.Info().
		Str("position_file", cfg.PositionFile).
		Str("backend", cfg.PositionBackend).
		Int("positions", len(saved)).
		Msg("Positions loaded")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		store.Close()
		return nil, err
	}

	backoff := retry.NewController(retry.Config{
		Floor:      cfg.IncTimeoutMin.Std(),
		Ceiling:    cfg.IncTimeoutMax.Std(),
		Multiplier: cfg.IncTimeoutMultiplier,
	}, o.retryOpts...)

	client := transport.NewClient(transport.Config{
		Proxy:          cfg.Proxy,
		ConnectTimeout: cfg.ConnectTimeout.Std(),
		WaitTimeout:    cfg.WaitTimeout.Std(),
		MaxLines:       cfg.MaxLines,
		MaxBytes:       int64(cfg.MaxBytes),
		LogLineMaxSize: cfg.LogLineMaxSize,
	}, backoff, m)

	tailOpts := append([]tail.Option{tail.WithMetrics(m)}, o.tailOpts...)
	tailer := tail.NewTailer(tail.Config{
		Interval:          cfg.TimeoutIterations.Std(),
		RotatedTimeoutMin: cfg.RotatedTimeoutMin.Std(),
		RotatedTimeoutMax: cfg.RotatedTimeoutMax.Std(),
	}, discovery.New(cfg.Files, cfg), client, store, saved, tailOpts...)

	return &ShipperService{
		cfg:      cfg,
		store:    store,
		tailer:   tailer,
		registry: registry,
		errs:     make(chan error, 2),
	}, nil
}

// Start starts the tail loop and the metrics endpoint
func (s *ShipperService) Start(ctx context.Context) error {
	log.Info().
		Str("collector", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)).
		Str("proxy", s.cfg.Proxy).
		Int("protocol", s.cfg.Protocol).
		Strs("groups", s.cfg.Groups()).
		Msg("Shipper service starting...")

	if s.cfg.MetricsListen != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := metrics.Serve(ctx, s.cfg.MetricsListen, s.registry); err != nil {
				log.Error().Err(err).Msg("Metrics endpoint stopped")
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.tailer.Run(ctx); err != nil {
			s.errs <- err
		}
	}()

	return nil
}

// Wait blocks until the tail loop and the metrics endpoint have returned
func (s *ShipperService) Wait() error {
	s.wg.Wait()
	select {
	case err := <-s.errs:
		return err
	default:
		return nil
	}
}

// Stop closes the position store. The tail loop must have returned.
func (s *ShipperService) Stop() error {
	log.Info().Msg("Shipper service stopping...")
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close position store: %w", err)
	}
	return nil
}

// Tailer returns the tail loop
func (s *ShipperService) Tailer() *tail.Tailer {
	return s.tailer
}
