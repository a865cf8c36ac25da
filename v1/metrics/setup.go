package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a Prometheus registry and the HTTP server exposing it.
//
// Every operation reported through ObserveOperation is counted and timed,
// labelled by the reporting component and the operation.
type Metrics struct {
	// Server serves the /metrics endpoint.
	Server *http.Server

	// Registry is the Prometheus registry where all metrics are registered.
	// Each service maintains its own isolated registry to prevent metric name collisions.
	Registry *prometheus.Registry

	namespace  string
	registerer prometheus.Registerer

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	payloadBytes      *prometheus.HistogramVec
}

// NewMetrics creates a registry labelled with service=cfg.ServiceName,
// registers the operation metrics and, when enabled, the Go runtime, process
// and build info collectors, and prepares the HTTP server on cfg.Address.
//
// Example:
//
//	m := metrics.NewMetrics(metrics.Config{
//		Address:                 ":9090",
//		ServiceName:             "billing-worker",
//		EnableDefaultCollectors: true,
//	})
//	go m.Server.ListenAndServe()
//
//	client.WithObserver(m).WithMetrics(m)
func NewMetrics(cfg Config) *Metrics {
	if cfg.Address == "" {
		cfg.Address = DefaultMetricsAddress
	}

	registry := prometheus.NewRegistry()

	// all metrics of this service carry service="<cfg.ServiceName>"
	wrappedRegistry := prometheus.WrapRegistererWith(
		prometheus.Labels{"service": cfg.ServiceName},
		registry,
	)

	m := &Metrics{
		Registry:   registry,
		namespace:  cfg.Namespace,
		registerer: wrappedRegistry,
	}

	m.operationsTotal = m.counterVec("amqp_operations_total", "Total number of client operations by outcome", []string{"component", "operation", "status"})
	m.operationDuration = m.histogramVec("amqp_operation_duration_seconds", "Duration of client operations in seconds", []string{"component", "operation"}, prometheus.DefBuckets)
	m.payloadBytes = m.histogramVec("amqp_message_size_bytes", "Size of published and consumed message bodies", []string{"component", "operation"}, prometheus.ExponentialBuckets(64, 4, 8))

	wrappedRegistry.MustRegister(
		m.operationsTotal,
		m.operationDuration,
		m.payloadBytes,
	)

	// Go runtime, process and build info
	if cfg.EnableDefaultCollectors {
		wrappedRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewBuildInfoCollector(),
		)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	m.Server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}
	return m
}
