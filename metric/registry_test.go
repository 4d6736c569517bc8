package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/errors"
)

func TestNewRegistryRegistersCoreMetrics(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.CoreMetrics())

	// recording through the helpers must surface in the registry
	r.Metrics.RecordFragmentSent("accounting.beta.example")
	r.Metrics.RecordFragmentSent("accounting.beta.example")
	r.Metrics.RecordDocumentBuilt(50 * time.Millisecond)
	r.Metrics.RecordStaleIncomplete(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(
		r.Metrics.FragmentsSent.WithLabelValues("accounting.beta.example")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.DocumentsBuilt))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.Metrics.StaleIncomplete))
}

func TestRegisterCustomCollector(t *testing.T) {
	r := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docrelay_test_custom_total",
		Help: "test counter",
	})

	require.NoError(t, r.Register("reconciler", "custom", counter))
	counter.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(counter))
}

func TestRegisterDuplicateName(t *testing.T) {
	r := NewRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docrelay_test_dup_total", Help: "test",
	})
	require.NoError(t, r.Register("reconciler", "dup", first))

	second := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docrelay_test_other_total", Help: "test",
	})
	err := r.Register("reconciler", "dup", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docrelay_test_unreg_total", Help: "test",
	})
	require.NoError(t, r.Register("reconciler", "unreg", counter))

	assert.True(t, r.Unregister("reconciler", "unreg"))
	assert.False(t, r.Unregister("reconciler", "unreg"))

	// name is free again after unregistering
	require.NoError(t, r.Register("reconciler", "unreg", counter))
}

func TestNATSStatusMetrics(t *testing.T) {
	r := NewRegistry()

	r.Metrics.RecordNATSStatus(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.NATSConnected))

	r.Metrics.RecordNATSStatus(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.Metrics.NATSConnected))

	r.Metrics.RecordCircuitBreakerState(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.NATSCircuitBreaker))
}
