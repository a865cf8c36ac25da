package transport

import "time"

const (
	// DefaultHeartbeat is the heartbeat interval negotiated with the broker.
	DefaultHeartbeat = 2 * time.Second

	// DefaultDialTimeout bounds TCP connect plus the TLS and AMQP handshakes.
	DefaultDialTimeout = 30 * time.Second

	// DefaultLocale is the locale sent during connection negotiation.
	DefaultLocale = "en_US"
)

// Config contains the parameters needed to open a physical connection,
// including authentication and TLS settings. The broker hosts themselves are
// chosen by the host selection strategy.
type Config struct {
	// User is the RabbitMQ username for authentication
	User string `yaml:"user" envconfig:"RABBITMQ_USER"`

	// Password is the RabbitMQ password for authentication
	Password string `yaml:"password" envconfig:"RABBITMQ_PASSWORD"`

	// VirtualHost is the vhost to open. Empty means "/".
	VirtualHost string `yaml:"virtual_host" envconfig:"RABBITMQ_VHOST"`

	// IsSSLEnabled determines whether to use the amqps protocol
	IsSSLEnabled bool `yaml:"is_ssl_enabled" envconfig:"RABBITMQ_SSL_ENABLED"`

	// UseCert enables client certificate authentication (mutual TLS).
	// Only used when IsSSLEnabled is true.
	UseCert bool `yaml:"use_cert" envconfig:"RABBITMQ_USE_CERT"`

	// CACertPath is the file path to the CA certificate for verifying the server
	CACertPath string `yaml:"ca_cert_path" envconfig:"RABBITMQ_CA_CERT_PATH"`

	// ClientCertPath is the file path to the client certificate
	ClientCertPath string `yaml:"client_cert_path" envconfig:"RABBITMQ_CLIENT_CERT_PATH"`

	// ClientKeyPath is the file path to the client certificate's private key
	ClientKeyPath string `yaml:"client_key_path" envconfig:"RABBITMQ_CLIENT_KEY_PATH"`

	// ServerName must match a CN or SAN in the server's certificate
	ServerName string `yaml:"server_name" envconfig:"RABBITMQ_SERVER_NAME"`

	// Heartbeat is the heartbeat interval. Zero means DefaultHeartbeat.
	Heartbeat time.Duration `yaml:"heartbeat" envconfig:"RABBITMQ_HEARTBEAT"`

	// DialTimeout bounds a single connection attempt. Zero means DefaultDialTimeout.
	DialTimeout time.Duration `yaml:"dial_timeout" envconfig:"RABBITMQ_DIAL_TIMEOUT"`

	// ConnectionName is shown in the management UI for this connection
	ConnectionName string `yaml:"connection_name" envconfig:"RABBITMQ_CONNECTION_NAME"`
}

// ChannelOptions configures a channel right after it is opened.
type ChannelOptions struct {
	// PublisherConfirms puts the channel into confirm mode
	PublisherConfirms bool

	// PrefetchCount limits unacknowledged deliveries. Zero leaves the broker default.
	PrefetchCount int

	// PrefetchGlobal applies the prefetch limit to the whole connection
	PrefetchGlobal bool
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.VirtualHost == "" {
		c.VirtualHost = "/"
	}
	return c
}
