package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/Aleph-Alpha/amqpbus/v1/hosts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPDialer opens connections with github.com/rabbitmq/amqp091-go.
type AMQPDialer struct {
	cfg       Config
	tlsConfig *tls.Config
}

// NewAMQPDialer creates a dialer for the given configuration.
//
// TLS material is loaded once here, so a missing certificate surfaces as a
// configuration error at startup instead of as an endless reconnect loop.
// Three modes are supported:
//   - SSL with client certificates (mutual TLS)
//   - SSL without client certificates (server authentication only)
//   - Plain AMQP
func NewAMQPDialer(cfg Config) (*AMQPDialer, error) {
	cfg = cfg.withDefaults()
	d := &AMQPDialer{cfg: cfg}

	if !cfg.IsSSLEnabled {
		return d, nil
	}

	tlsConfig := &tls.Config{
		ServerName: cfg.ServerName,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CACertPath != "" {
		caCert, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read CA cert: %w", ErrCertificateError, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("%w: no certificates found in %s", ErrCertificateError, cfg.CACertPath)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if cfg.UseCert {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load client cert: %w", ErrCertificateError, err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	d.tlsConfig = tlsConfig
	return d, nil
}

// Dial opens a connection to host. The context bounds the TCP connect; the
// AMQP and TLS handshakes are bounded by the dial timeout.
func (d *AMQPDialer) Dial(ctx context.Context, host hosts.Host) (Connection, error) {
	uri := d.uri(host)

	props := amqp.NewConnectionProperties()
	if d.cfg.ConnectionName != "" {
		props.SetClientConnectionName(d.cfg.ConnectionName)
	}

	conn, err := amqp.DialConfig(uri.String(), amqp.Config{
		Vhost:           d.cfg.VirtualHost,
		Heartbeat:       d.cfg.Heartbeat,
		TLSClientConfig: d.tlsConfig,
		Properties:      props,
		Locale:          DefaultLocale,
		Dial:            d.dialFunc(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", host, TranslateError(err))
	}
	return &amqpConnection{conn: conn}, nil
}

func (d *AMQPDialer) uri(host hosts.Host) amqp.URI {
	scheme := "amqp"
	if d.cfg.IsSSLEnabled {
		scheme = "amqps"
	}
	return amqp.URI{
		Scheme:   scheme,
		Host:     host.Name,
		Port:     int(host.Port),
		Username: d.cfg.User,
		Password: d.cfg.Password,
		Vhost:    d.cfg.VirtualHost,
	}
}

// dialFunc mirrors amqp.DefaultDial but lets the caller's context abort the
// TCP connect.
func (d *AMQPDialer) dialFunc(ctx context.Context) func(network, addr string) (net.Conn, error) {
	timeout := d.cfg.DialTimeout
	return func(network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		// cleared by the client library once the handshake completes
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// amqpConnection adapts *amqp.Connection to Connection.
type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	return c.conn.NotifyBlocked(receiver)
}
