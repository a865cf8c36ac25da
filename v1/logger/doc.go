// Package logger provides structured logging on top of go.uber.org/zap.
//
// # Architecture
//
// This package follows the "accept interfaces, return structs" design pattern:
//   - Logger interface: the logging contract
//   - LoggerClient struct: zap-backed implementation of Logger
//   - NewLoggerClient constructor: returns *LoggerClient (concrete type)
//   - FX module: provides both *LoggerClient and Logger
//
// Every component of the module accepts an optional logger that satisfies a
// narrow subset of Logger (usually InfoWithContext, WarnWithContext and
// ErrorWithContext). A nil logger disables logging for that component.
//
// # Direct Usage (Without FX)
//
//	log := logger.NewLoggerClient(logger.Config{
//		Level:         logger.Info,
//		ServiceName:   "billing",
//		EnableTracing: true,
//	})
//
//	log.InfoWithContext(ctx, "Connected to broker", nil, map[string]interface{}{
//		"host": "rabbit-0:5672",
//	})
//
// # Tracing Integration
//
// With EnableTracing set, the *WithContext methods add the following fields
// when ctx carries an OpenTelemetry span:
//   - trace_id: The OpenTelemetry trace ID
//   - span_id: The OpenTelemetry span ID
//
// # Testing
//
// mocks.MockLogger is a gomock mock of Logger generated with mockgen.
// For assertions on real output, wrap a zaptest observer core with NewFromZap.
//
// # Configuration
//
//	ZAP_LOGGER_LEVEL=debug          # Log level (debug, info, warning, error)
//	LOGGER_SERVICE_NAME=billing     # "service" field on every entry
//	LOGGER_ENABLE_TRACING=true      # Enable distributed tracing integration
//
// # Thread Safety
//
// All methods on the Logger interface are safe for concurrent use by multiple
// goroutines.
package logger
