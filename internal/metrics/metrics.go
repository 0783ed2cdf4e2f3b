package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logtail/internal/domain"
)

const namespace = "logtail"

// Failure reasons used as the "reason" label
const (
	ReasonConnect  = "connect"
	ReasonProxy    = "proxy"
	ReasonNotReady = "not_ready"
	ReasonSend     = "send"
	ReasonReply    = "reply"
	ReasonRejected = "rejected"
	ReasonRotate   = "rotate"
)

// Metrics holds the agent's Prometheus collectors
type Metrics struct {
	BytesSent     *prometheus.CounterVec
	LinesSent     *prometheus.CounterVec
	LinesSkipped  *prometheus.CounterVec
	Transfers     *prometheus.CounterVec
	Failures      *prometheus.CounterVec
	Rotations     *prometheus.CounterVec
	CheckpointErr prometheus.Counter
	TrackedFiles  prometheus.Gauge
	OpenFiles     prometheus.Gauge
	PendingBytes  prometheus.Gauge
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Bytes consumed from tracked files and acknowledged by the collector.",
		}, []string{"group"}),
		LinesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_lines_total",
			Help:      "Lines sent in line mode.",
		}, []string{"group"}),
		LinesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_lines_total",
			Help:      "Lines dropped by line filters.",
		}, []string{"group"}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Committed transfers.",
		}, []string{"group"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_failures_total",
			Help:      "Failed transfer attempts by reason.",
		}, []string{"group", "reason"}),
		Rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotate_notifications_total",
			Help:      "ROTATE notifications acknowledged by the collector.",
		}, []string{"group"}),
		CheckpointErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_errors_total",
			Help:      "Failed position checkpoint writes.",
		}),
		TrackedFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_files",
			Help:      "Files known to the agent.",
		}),
		OpenFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_files",
			Help:      "Tracked files with an open handle.",
		}),
		PendingBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_bytes",
			Help:      "Bytes written to open files but not yet committed.",
		}),
	}

	collectors := []prometheus.Collector{
		m.BytesSent, m.LinesSent, m.LinesSkipped, m.Transfers, m.Failures,
		m.Rotations, m.CheckpointErr, m.TrackedFiles, m.OpenFiles, m.PendingBytes,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// NewUnregistered creates collectors that are not exposed anywhere
func NewUnregistered() *Metrics {
	m, _ := New(prometheus.NewRegistry())
	return m
}

// ObserveFiles refreshes the file gauges from a snapshot
func (m *Metrics) ObserveFiles(files []domain.FileProgress) {
	var open, pending int64
	for _, f := range files {
		if f.Open {
			open++
			pending += f.Pending()
		}
	}
	m.TrackedFiles.Set(float64(len(files)))
	m.OpenFiles.Set(float64(open))
	m.PendingBytes.Set(float64(pending))
}

// Serve exposes gatherer on addr until ctx is done
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Metrics endpoint listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
