package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteelMorgan/logtail/internal/domain"
)

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestObserveFiles(t *testing.T) {
	m := NewUnregistered()

	m.ObserveFiles([]domain.FileProgress{
		{Path: "/a", Open: true, OffsetBytes: 10, SizeBytes: 25},
		{Path: "/b", Open: true, OffsetBytes: 5, SizeBytes: 5},
		{Path: "/c", Open: false},
	})

	assert.Equal(t, float64(3), testutil.ToFloat64(m.TrackedFiles))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.OpenFiles))
	assert.Equal(t, float64(15), testutil.ToFloat64(m.PendingBytes))
}

func TestCountersByLabel(t *testing.T) {
	m := NewUnregistered()

	m.Failures.WithLabelValues("app", ReasonConnect).Inc()
	m.Failures.WithLabelValues("app", ReasonConnect).Inc()
	m.Failures.WithLabelValues("app", ReasonNotReady).Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Failures.WithLabelValues("app", ReasonConnect)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Failures.WithLabelValues("app", ReasonNotReady)))
}
