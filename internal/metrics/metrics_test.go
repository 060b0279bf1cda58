package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreRegisteredAndUpdated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Request("maillistmodule", "list")
	m.Request("maillistmodule", "list")
	m.Response("maillistmodule", "list", "ok")
	m.Notification("created", "applied")
	m.SchemaFailure("inbox", 3)
	m.SchemaFailure("inbox", 0)
	m.RoundTrip(20*time.Millisecond, nil)
	m.RoundTrip(time.Second, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("maillistmodule", "list")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responses.WithLabelValues("maillistmodule", "list", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("created", "applied")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.schemaFailures.WithLabelValues("inbox")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Request("m", "a")
		m.Response("m", "a", "ok")
		m.Notification("deleted", "dropped")
		m.SchemaFailure("s", 1)
		m.RoundTrip(time.Second, nil)
	})
}
