package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOperation(t *testing.T) {
	m := NewMetrics(Config{ServiceName: "test"})

	m.ObserveOperation(observability.OperationContext{
		Component: "rabbit",
		Operation: "publish",
		Duration:  10 * time.Millisecond,
		Size:      512,
	})
	m.ObserveOperation(observability.OperationContext{
		Component: "rabbit",
		Operation: "publish",
		Duration:  time.Millisecond,
		Error:     errors.New("nacked"),
	})
	m.ObserveOperation(observability.OperationContext{
		Component: "dispatcher",
		Operation: "command",
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("rabbit", "publish", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("rabbit", "publish", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("dispatcher", "command", "success")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.operationDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.payloadBytes))
}

func TestFactoriesUseNamespaceAndServiceLabel(t *testing.T) {
	m := NewMetrics(Config{ServiceName: "billing", Namespace: "acme"})

	gauge := m.CreateGauge("amqp_connected", "Connection state", []string{"host"})
	gauge.WithLabelValues("rabbit-1:5672").Set(1)
	counter := m.CreateCounter("amqp_confirms_total", "Confirms", []string{"outcome"})
	counter.WithLabelValues("ack").Add(3)
	hist := m.CreateHistogram("amqp_confirm_latency_seconds", "Latency", nil, []float64{0.1, 1})
	hist.WithLabelValues().Observe(0.05)

	expected := `
# HELP acme_amqp_connected Connection state
# TYPE acme_amqp_connected gauge
acme_amqp_connected{host="rabbit-1:5672",service="billing"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "acme_amqp_connected"))

	count, err := testutil.GatherAndCount(m.Registry, "acme_amqp_confirms_total", "acme_amqp_confirm_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	m := NewMetrics(Config{})
	m.CreateCounter("dup_total", "first", nil)
	assert.Panics(t, func() { m.CreateCounter("dup_total", "second", nil) })
}

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics(Config{ServiceName: "test", EnableDefaultCollectors: true})
	assert.Equal(t, DefaultMetricsAddress, m.Server.Addr)

	m.ObserveOperation(observability.OperationContext{Component: "connection", Operation: "connect"})

	rec := httptest.NewRecorder()
	m.Server.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `amqp_operations_total{component="connection",operation="connect",service="test",status="success"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
