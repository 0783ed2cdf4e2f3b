package tail

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logtail/internal/discovery"
	"github.com/SteelMorgan/logtail/internal/domain"
	"github.com/SteelMorgan/logtail/internal/metrics"
	"github.com/SteelMorgan/logtail/internal/offset"
	"github.com/SteelMorgan/logtail/internal/transport"
)

// Discoverer finds files that are not tracked yet
type Discoverer interface {
	Discover(known func(path string) bool) []discovery.Match
}

// Sender runs one collector exchange
type Sender interface {
	Send(ctx context.Context, req transport.Request) transport.Outcome
	Rotate(ctx context.Context, req transport.Request) transport.Outcome
}

// Config holds tail loop timing
type Config struct {
	Interval          time.Duration // Sleep between polls (timeout_iterations)
	RotatedTimeoutMin time.Duration
	RotatedTimeoutMax time.Duration
}

// Tailer polls tracked files and ships what was appended to them
type Tailer struct {
	cfg        Config
	registry   *Registry
	discoverer Discoverer
	sender     Sender
	store      offset.Store
	clock      clock.Clock
	metrics    *metrics.Metrics
}

// Option configures a Tailer
type Option func(*Tailer)

// WithClock sets the clock used for rotation timeouts and the poll sleep
func WithClock(clk clock.Clock) Option {
	return func(t *Tailer) {
		t.clock = clk
	}
}

// WithMetrics sets the metrics the tailer updates
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tailer) {
		t.metrics = m
	}
}

// NewTailer creates a new tailer. saved holds the positions loaded from
// store at startup.
func NewTailer(cfg Config, d Discoverer, s Sender, store offset.Store, saved map[string]int64, opts ...Option) *Tailer {
	t := &Tailer{
		cfg:        cfg,
		registry:   NewRegistry(saved),
		discoverer: d,
		sender:     s,
		store:      store,
		clock:      clock.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = metrics.NewUnregistered()
	}
	return t
}

// Registry returns the tracked entries
func (t *Tailer) Registry() *Registry {
	return t.registry
}

// Run polls until ctx is cancelled, then flushes the checkpoint and
// releases file handles
func (t *Tailer) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", t.cfg.Interval).
		Int("saved_positions", len(t.registry.saved)).
		Msg("Starting tailer")

	for {
		sleep := t.Poll(ctx)
		if ctx.Err() != nil {
			break
		}
		if !sleep {
			continue
		}

		timer := t.clock.Timer(t.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	err := t.Flush(context.Background())
	t.logSummary()
	t.registry.CloseAll()
	return err
}

// Poll runs one iteration: discovery, then one send cycle plus lifecycle
// update per tracked file in path order. It returns false when a cycle hit
// a per-cycle limit and the loop should not sleep.
func (t *Tailer) Poll(ctx context.Context) bool {
	for _, m := range t.discoverer.Discover(t.registry.Known) {
		t.registry.Add(m)
	}

	sleep := true
	for _, path := range t.registry.Paths() {
		if ctx.Err() != nil {
			return false
		}
		e := t.registry.Get(path)

		inspected := false
		if e.IsOpen() {
			out := t.transfer(ctx, e)
			if out.Capped {
				sleep = false
			} else {
				t.inspect(e, out, t.clock.Now())
				inspected = true
			}
		}
		if !inspected {
			t.openIfNeeded(e, t.clock.Now())
		}
	}

	t.metrics.ObserveFiles(t.registry.Snapshot())
	return sleep
}

// transfer runs the send cycle of one open entry and commits its outcome
func (t *Tailer) transfer(ctx context.Context, e *Entry) transport.Outcome {
	size, err := e.handleSize()
	if err != nil {
		log.Error().Err(err).Str("file", e.Path).Msg("Failed to read file size")
		return transport.Outcome{Kind: transport.Failed, Reason: err}
	}

	req := transport.Request{
		Path:     e.Path,
		Group:    e.Group,
		Settings: e.Settings,
		File:     e.file,
		Offset:   e.pos,
		Size:     size,
	}
	if req.Available() <= 0 {
		return transport.Outcome{Kind: transport.NoData}
	}

	// First data of a replacement file: announce the rotation, send nothing
	if e.Rotated() && e.reopened && e.pos == 0 {
		e.rotatedAt = time.Time{}
		e.reopened = false
		if e.Settings.SyncRotate {
			t.sender.Rotate(ctx, req)
		}
		return transport.Outcome{Kind: transport.NoData}
	}

	out := t.sender.Send(ctx, req)
	if out.Kind == transport.Sent {
		t.commit(ctx, e, e.pos+out.Bytes)
	}
	return out
}

// commit advances the entry and persists the checkpoint when it moved
func (t *Tailer) commit(ctx context.Context, e *Entry, pos int64) {
	if pos == e.pos {
		return
	}
	e.pos = pos
	e.hasPos = true
	if err := t.save(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to save positions")
	}
}

func (t *Tailer) save(ctx context.Context) error {
	if err := t.store.Save(ctx, t.registry.Records()); err != nil {
		t.metrics.CheckpointErr.Inc()
		return err
	}
	return nil
}

// Flush writes the checkpoint
func (t *Tailer) Flush(ctx context.Context) error {
	if err := t.save(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to flush positions")
		return err
	}
	log.Info().Int("files", t.registry.Len()).Msg("Positions flushed")
	return nil
}

// Snapshot returns the progress of every tracked file
func (t *Tailer) Snapshot() []domain.FileProgress {
	return t.registry.Snapshot()
}

func (t *Tailer) logSummary() {
	for _, p := range t.registry.Snapshot() {
		if !p.Open {
			continue
		}
		log.Info().
			Str("file", p.Path).
			Int64("offset", p.OffsetBytes).
			Str("pending", humanize.IBytes(uint64(p.Pending()))).
			Msg("File state at shutdown")
	}
}
