package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Config holds backoff configuration
type Config struct {
	Floor      time.Duration // First delay after a success (inc_timeout_min)
	Ceiling    time.Duration // Upper bound of any delay (inc_timeout_max)
	Multiplier float64       // Growth factor per consecutive failure (inc_timeout_multipler)
}

// DefaultConfig returns default backoff configuration
func DefaultConfig() Config {
	return Config{
		Floor:      1 * time.Second,
		Ceiling:    120 * time.Second,
		Multiplier: 2.0,
	}
}

// Counter selects one of the two independent delay counters
type Counter int

const (
	// Connection is escalated when the collector or proxy cannot be reached
	Connection Counter = iota
	// Readiness is escalated when the collector rejects a handshake
	Readiness
)

func (c Counter) String() string {
	switch c {
	case Connection:
		return "connection"
	case Readiness:
		return "readiness"
	default:
		return fmt.Sprintf("counter(%d)", int(c))
	}
}

// SleepFunc blocks for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Controller couples a blocking wait with the escalation of its counter:
// a caller cannot make the next delay longer without having waited the
// current one.
type Controller struct {
	counters [2]*backoff.ExponentialBackOff
	sleep    SleepFunc
}

// Option configures a Controller
type Option func(*Controller)

// WithSleep replaces the function used to wait between attempts
func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) {
		c.sleep = fn
	}
}

// WithClock makes the controller sleep on the given clock
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		c.sleep = clockSleep(clk)
	}
}

// NewController creates a controller with both counters at the floor
func NewController(cfg Config, opts ...Option) *Controller {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.Ceiling < cfg.Floor {
		cfg.Ceiling = cfg.Floor
	}

	c := &Controller{sleep: clockSleep(clock.New())}
	for i := range c.counters {
		c.counters[i] = newExponential(cfg)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newExponential builds a deterministic sequence floor, floor*m, ... capped at ceiling
func newExponential(cfg Config) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.Floor,
		RandomizationFactor: 0,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         cfg.Ceiling,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Wait sleeps for the counter's current delay, then escalates it.
// It returns early with the context error when ctx is cancelled; the
// counter is escalated either way.
func (c *Controller) Wait(ctx context.Context, counter Counter) error {
	d := c.counters[counter].NextBackOff()

	log.Warn().
		Str("counter", counter.String()).
		Dur("delay", d).
		Msg("Backing off")

	if err := c.sleep(ctx, d); err != nil {
		return fmt.Errorf("backoff interrupted: %w", err)
	}
	return nil
}

// Reset puts the counter back to the floor
func (c *Controller) Reset(counter Counter) {
	c.counters[counter].Reset()
}

// ConnFailed waits on the connection counter
func (c *Controller) ConnFailed(ctx context.Context) error {
	return c.Wait(ctx, Connection)
}

// ConnOK resets the connection counter
func (c *Controller) ConnOK() {
	c.Reset(Connection)
}

// NotReady waits on the readiness counter
func (c *Controller) NotReady(ctx context.Context) error {
	return c.Wait(ctx, Readiness)
}

// Ready resets the readiness counter
func (c *Controller) Ready() {
	c.Reset(Readiness)
}

func clockSleep(clk clock.Clock) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		timer := clk.Timer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}

// connectionErrors are message fragments of dial and socket failures
var connectionErrors = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"network is unreachable",
	"no route to host",
	"no such host",
	"temporary failure",
}

// IsConnectionError reports whether err comes from reaching the peer
// rather than from the peer's answer
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range connectionErrors {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
