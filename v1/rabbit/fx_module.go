package rabbit

import (
	"context"

	"github.com/Aleph-Alpha/amqpbus/v1/logger"
	"github.com/Aleph-Alpha/amqpbus/v1/metrics"
	"github.com/Aleph-Alpha/amqpbus/v1/observability"
	"github.com/Aleph-Alpha/amqpbus/v1/tracer"
	"go.uber.org/fx"
)

// FXModule is an fx.Module that provides and configures the RabbitMQ client.
// This module registers the RabbitMQ client with the Fx dependency injection framework,
// making it available to other components in the application.
//
// The module provides:
// 1. *RabbitClient (concrete type) for direct use
// 2. Client interface for dependency injection
// 3. Lifecycle management for graceful startup and shutdown
//
// Usage:
//
//	app := fx.New(
//	    rabbit.FXModule,
//	    // other modules...
//	)
var FXModule = fx.Module("rabbit",
	fx.Provide(
		NewClientWithDI, // Provides *RabbitClient
		// Also provide the Client interface
		fx.Annotate(
			func(r *RabbitClient) Client { return r },
			fx.As(new(Client)),
		),
	),
	fx.Invoke(RegisterRabbitLifecycle),
)

// RabbitParams groups the dependencies needed to create a Rabbit client
type RabbitParams struct {
	fx.In

	Config   Config
	Logger   logger.Logger            `optional:"true"`
	Observer observability.Observer   `optional:"true"`
	Tracer   *tracer.Tracer           `optional:"true"`
	Metrics  metrics.MetricsCollector `optional:"true"`
}

// NewClientWithDI creates a new RabbitMQ client using dependency injection.
// The optional logger, observer, tracer and metrics collector are attached
// when present in the container.
//
// Example usage with fx:
//
//	app := fx.New(
//	    rabbit.FXModule,
//	    logger.FXModule,  // Optional: provides logger
//	    metrics.FXModule, // Optional: provides the collector and observer
//	    fx.Provide(
//	        func() rabbit.Config {
//	            return loadRabbitConfig() // Your config loading function
//	        },
//	    ),
//	)
func NewClientWithDI(params RabbitParams) (*RabbitClient, error) {
	client, err := NewClient(params.Config)
	if err != nil {
		return nil, err
	}

	if params.Logger != nil {
		client.WithLogger(params.Logger)
	}
	if params.Observer != nil {
		client.WithObserver(params.Observer)
	}
	if params.Tracer != nil {
		client.WithTracer(params.Tracer)
	}
	if params.Metrics != nil {
		client.WithMetrics(params.Metrics)
	}

	return client, nil
}

// RabbitLifecycleParams groups the dependencies needed for RabbitMQ lifecycle management
type RabbitLifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Client    *RabbitClient
}

// RegisterRabbitLifecycle registers the RabbitMQ client with the fx lifecycle system.
//
// The function:
//  1. On application start: starts the background connect loop. Start does not
//     wait for the broker, so an unavailable broker does not block startup.
//  2. On application stop: stops consumers, fails pending publishes and
//     closes the connection.
func RegisterRabbitLifecycle(params RabbitLifecycleParams) {
	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return params.Client.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			params.Client.GracefulShutdown()
			return nil
		},
	})
}
