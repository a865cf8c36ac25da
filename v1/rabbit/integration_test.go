package rabbit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/logger"
	"github.com/Aleph-Alpha/amqpbus/v1/logger/mocks"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/fx"
	"go.uber.org/mock/gomock"
)

// TestIntegrationPublishConsumeRoundTrip runs the client through the fx
// lifecycle against a real broker:
//  1. declares an exchange, a queue and a binding
//  2. consumes the queue
//  3. publishes with publisher confirms and waits for the delivery
//  4. stops the application and verifies the client is closed
func TestIntegrationPublishConsumeRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	host, port, containerInstance := initializeRabbitMQ(ctx)
	defer func() { _ = containerInstance.Terminate(ctx) }()

	ctrl := gomock.NewController(t)
	mockLog := mocks.NewMockLogger(ctrl)
	mockLog.EXPECT().InfoWithContext(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	mockLog.EXPECT().WarnWithContext(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	mockLog.EXPECT().ErrorWithContext(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()

	var client *RabbitClient
	app := fx.New(
		FXModule,
		fx.Provide(
			func() Config { return integrationConfig(host, port) },
			fx.Annotate(func() *mocks.MockLogger { return mockLog }, fx.As(new(logger.Logger))),
		),
		fx.Populate(&client),
	)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, app.Start(startCtx))
	require.NoError(t, client.WaitConnected(startCtx))

	require.NoError(t, client.ExchangeDeclare(ctx, Exchange{Name: "it-orders", Kind: "direct", Durable: true}))
	_, err := client.QueueDeclare(ctx, Queue{Name: "it-orders-created", Durable: true})
	require.NoError(t, err)
	require.NoError(t, client.QueueBind(ctx, Binding{Queue: "it-orders-created", Exchange: "it-orders", RoutingKey: "created"}))

	received := make(chan amqp.Delivery, 1)
	consumer, err := client.Consume(ctx, "it-orders-created", func(_ context.Context, d amqp.Delivery) AckStrategy {
		received <- d
		return Ack
	})
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "it-orders", "created", Message{
		Body:        []byte(`{"id":42}`),
		ContentType: "application/json",
		MessageID:   "order-42",
	}))

	select {
	case d := <-received:
		assert.Equal(t, `{"id":42}`, string(d.Body))
		assert.Equal(t, "order-42", d.MessageId)
		assert.Equal(t, amqp.Persistent, d.DeliveryMode)
	case <-time.After(10 * time.Second):
		t.Fatal("message was not delivered")
	}

	require.NoError(t, consumer.Close())
	require.NoError(t, app.Stop(ctx))
	assert.ErrorIs(t, client.Publish(ctx, "it-orders", "created", Message{}), ErrClientClosed)
}

// TestIntegrationRecoversAfterBrokerRestart stops and starts the broker
// container while a consumer is subscribed to an auto-delete queue. The queue
// only exists again if the client redeclared it, and the consumer only
// receives the second message if it subscribed again after that.
func TestIntegrationRecoversAfterBrokerRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	host, port, containerInstance := initializeRabbitMQ(ctx)
	defer func() { _ = containerInstance.Terminate(ctx) }()

	client, err := NewClient(integrationConfig(host, port))
	require.NoError(t, err)
	defer client.GracefulShutdown()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, client.Start(startCtx))
	require.NoError(t, client.WaitConnected(startCtx))

	require.NoError(t, client.ExchangeDeclare(ctx, Exchange{Name: "it-restart", Kind: "fanout", AutoDelete: true}))
	_, err = client.QueueDeclare(ctx, Queue{Name: "it-restart-queue", AutoDelete: true})
	require.NoError(t, err)
	require.NoError(t, client.QueueBind(ctx, Binding{Queue: "it-restart-queue", Exchange: "it-restart"}))

	received := make(chan string, 4)
	_, err = client.Consume(ctx, "it-restart-queue", func(_ context.Context, d amqp.Delivery) AckStrategy {
		received <- string(d.Body)
		return Ack
	})
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "it-restart", "", Message{Body: []byte("before")}))
	require.Equal(t, "before", <-received)

	require.NoError(t, containerInstance.Stop(ctx, nil))
	require.Eventually(t, func() bool { return !client.IsConnected() }, 30*time.Second, 100*time.Millisecond)
	require.NoError(t, containerInstance.Start(ctx))

	waitCtx, waitCancel := context.WithTimeout(ctx, 60*time.Second)
	defer waitCancel()
	require.NoError(t, client.WaitConnected(waitCtx))

	// publishes may race the redeclaration, so retry until one is routed
	require.Eventually(t, func() bool {
		pubCtx, pubCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pubCancel()
		if err := client.Publish(pubCtx, "it-restart", "", Message{Body: []byte("after")}); err != nil {
			return false
		}
		select {
		case body := <-received:
			return body == "after"
		case <-time.After(2 * time.Second):
			return false
		}
	}, 60*time.Second, time.Second)
}

func integrationConfig(host string, port int) Config {
	cfg := DefaultConfig()
	cfg.Connection.Hosts = []string{host}
	cfg.Connection.Port = uint(port)
	cfg.Connection.RetryInterval = 500 * time.Millisecond
	return cfg
}

// initializeRabbitMQ starts a broker bound to a fixed host port, so the port
// survives a container restart.
func initializeRabbitMQ(ctx context.Context) (string, int, testcontainers.Container) {
	hostPort, err := getFreePort()
	if err != nil {
		log.Fatalf("Failed to find free port: %v", err)
	}

	containerInstance, err := createRabbitMQContainer(ctx, hostPort)
	if err != nil {
		log.Fatalf("Failed to create container: %v", err)
	}

	port, err := containerInstance.MappedPort(ctx, "5672")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}
	host, err := containerInstance.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get host: %v", err)
	}
	return host, port.Int(), containerInstance
}

func createRabbitMQContainer(ctx context.Context, hostPort string) (testcontainers.Container, error) {
	var containerInstance testcontainers.Container
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		portBindings := nat.PortMap{
			"5672/tcp": []nat.PortBinding{{HostPort: hostPort}},
		}

		req := testcontainers.ContainerRequest{
			Image:        "rabbitmq:4-management",
			ExposedPorts: []string{"5672/tcp"},
			HostConfigModifier: func(cfg *container.HostConfig) {
				cfg.PortBindings = portBindings
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5672/tcp").WithStartupTimeout(30*time.Second),
				wait.ForExec([]string{"rabbitmq-diagnostics", "status"}).WithExitCodeMatcher(func(exitCode int) bool {
					return exitCode == 0
				}).WithStartupTimeout(20*time.Second),
			),
		}

		containerInstance, lastErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if lastErr == nil {
			return containerInstance, nil
		}

		// retry only docker socket hiccups
		if strings.Contains(lastErr.Error(), "docker.sock") || errors.Is(lastErr, io.EOF) {
			log.Printf("Attempt %d: Docker socket error, retrying in %d seconds: %v", attempt+1, attempt+1, lastErr)
			time.Sleep(time.Duration(attempt+1) * time.Second)
			continue
		}
		break
	}

	return nil, fmt.Errorf("failed to start RabbitMQ container after %d attempts: %w", 3, lastErr)
}

func getFreePort() (string, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return "", err
	}
	defer func() { _ = l.Close() }()
	return strconv.Itoa(l.Addr().(*net.TCPAddr).Port), nil
}
