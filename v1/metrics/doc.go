// Package metrics provides Prometheus metrics for the AMQP client.
//
// # Architecture
//
// This package follows the "accept interfaces, return structs" design pattern:
//   - MetricsCollector interface: observability.Observer plus metric factories
//   - Metrics struct: concrete implementation backed by a dedicated registry
//   - NewMetrics constructor: returns *Metrics
//   - FX module: provides *Metrics, MetricsCollector and observability.Observer
//
// Every component of the client (connection, dispatcher, channel, confirms,
// consumer, rabbit) reports finished operations through
// observability.Observer. *Metrics turns these reports into:
//
//	amqp_operations_total{component, operation, status}
//	amqp_operation_duration_seconds{component, operation}
//	amqp_message_size_bytes{component, operation}
//
// The rabbit client additionally creates connection, blocking, confirm and
// consumer metrics through the factories when given a MetricsCollector.
//
// # Direct Usage (Without FX)
//
//	m := metrics.NewMetrics(metrics.Config{
//		Address:                 ":9090",
//		EnableDefaultCollectors: true,
//		ServiceName:             "billing-worker",
//	})
//	go m.Server.ListenAndServe()
//
//	client, err := rabbit.NewClient(cfg)
//	if err != nil {
//		return err
//	}
//	client.WithObserver(m).WithMetrics(m)
//
// # FX Module Integration
//
//	app := fx.New(
//		logger.FXModule,
//		metrics.FXModule,
//		rabbit.FXModule,
//		fx.Provide(func() metrics.Config {
//			return metrics.Config{Address: ":9090", ServiceName: "billing-worker"}
//		}),
//	)
//	app.Run()
//
// # Configuration
//
// The metrics server can be configured via environment variables:
//
//	METRICS_ADDRESS=:9090                      # Port and address for /metrics endpoint
//	METRICS_ENABLE_DEFAULT_COLLECTORS=true     # Enable runtime and process metrics
//	METRICS_NAMESPACE=billing                  # Optional prefix for all metric names
//	METRICS_SERVICE_NAME=billing-worker        # Adds service label to all metrics
//
// # Thread Safety
//
// All methods on the Metrics struct and Prometheus collectors are safe for
// concurrent use by multiple goroutines.
package metrics
