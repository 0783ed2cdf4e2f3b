package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	delays []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestController_EscalatesToCeiling(t *testing.T) {
	rec := &recorder{}
	c := NewController(Config{Floor: time.Second, Ceiling: 10 * time.Second, Multiplier: 2}, WithSleep(rec.sleep))

	for i := 0; i < 6; i++ {
		require.NoError(t, c.ConnFailed(context.Background()))
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}, rec.delays)
}

func TestController_NonDecreasingAndBounded(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "defaults", cfg: DefaultConfig()},
		{name: "fractional multiplier", cfg: Config{Floor: 300 * time.Millisecond, Ceiling: 7 * time.Second, Multiplier: 1.5}},
		{name: "no growth", cfg: Config{Floor: time.Second, Ceiling: time.Minute, Multiplier: 1}},
		{name: "floor equals ceiling", cfg: Config{Floor: 5 * time.Second, Ceiling: 5 * time.Second, Multiplier: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			c := NewController(tt.cfg, WithSleep(rec.sleep))
			for i := 0; i < 20; i++ {
				require.NoError(t, c.NotReady(context.Background()))
			}

			assert.Equal(t, tt.cfg.Floor, rec.delays[0])
			for i := 1; i < len(rec.delays); i++ {
				assert.GreaterOrEqual(t, rec.delays[i], rec.delays[i-1])
				assert.LessOrEqual(t, rec.delays[i], tt.cfg.Ceiling)
			}
		})
	}
}

func TestController_ResetReturnsToFloor(t *testing.T) {
	rec := &recorder{}
	c := NewController(Config{Floor: time.Second, Ceiling: time.Minute, Multiplier: 2}, WithSleep(rec.sleep))
	ctx := context.Background()

	require.NoError(t, c.ConnFailed(ctx))
	require.NoError(t, c.ConnFailed(ctx))
	require.NoError(t, c.ConnFailed(ctx))
	c.ConnOK()
	require.NoError(t, c.ConnFailed(ctx))

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, time.Second}, rec.delays)
}

func TestController_CountersAreIndependent(t *testing.T) {
	rec := &recorder{}
	c := NewController(Config{Floor: time.Second, Ceiling: time.Minute, Multiplier: 2}, WithSleep(rec.sleep))
	ctx := context.Background()

	require.NoError(t, c.ConnFailed(ctx))
	require.NoError(t, c.ConnFailed(ctx))
	require.NoError(t, c.NotReady(ctx))
	c.Ready()
	require.NoError(t, c.ConnFailed(ctx))

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second, 4 * time.Second}, rec.delays)
}

func TestController_WaitHonoursCancellation(t *testing.T) {
	mock := clock.NewMock()
	c := NewController(Config{Floor: time.Hour, Ceiling: time.Hour, Multiplier: 2}, WithClock(mock))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.ConnFailed(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestController_WaitOnClock(t *testing.T) {
	mock := clock.NewMock()
	c := NewController(Config{Floor: time.Second, Ceiling: time.Minute, Multiplier: 2}, WithClock(mock))

	done := make(chan error, 1)
	go func() {
		done <- c.ConnFailed(context.Background())
	}()

	// Advance until the timer registered by the waiting goroutine fires
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case err := <-done:
			return err == nil
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "op error", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("boom")}, want: true},
		{name: "wrapped op error", err: fmt.Errorf("failed to connect: %w", &net.OpError{Op: "dial", Err: errors.New("x")}), want: true},
		{name: "refused text", err: errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), want: true},
		{name: "collector rejection", err: errors.New("collector replied 500 no"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}
}
