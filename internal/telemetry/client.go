// Package telemetry connects the host to NATS: it mirrors status records
// to JetStream and accepts remote control requests.
package telemetry

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/svchost/internal/config"
	"go.uber.org/zap"
)

// Publisher sends fire-and-forget telemetry.
type Publisher interface {
	PublishTelemetry(subject string, data []byte) error
}

// Subscriber registers request handlers.
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Client manages the NATS connection
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
	closed chan struct{}
}

// NewClient connects to NATS and verifies JetStream is available
func NewClient(cfg *config.NATSConfig, name string, logger *zap.Logger) (*Client, error) {
	closed := make(chan struct{})
	var closeOnce sync.Once

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
			closeOnce.Do(func() { close(closed) })
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS error", fields...)
		}),
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := createTLSConfig(&cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
		if cfg.TLS.InsecureSkipVerify {
			logger.Warn("TLS certificate verification is disabled")
		}
	}

	authOpt, err := authOption(&cfg.Auth)
	if err != nil {
		return nil, err
	}
	if authOpt != nil {
		opts = append(opts, authOpt)
	}

	logger.Info("Connecting to NATS",
		zap.Strings("urls", cfg.URLs),
		zap.String("auth", cfg.Auth.Type))
	conn, err := nats.Connect(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	// Fail now rather than on the first status publish.
	if _, err := js.AccountInfo(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("JetStream not available on NATS server: %w", err)
	}

	logger.Info("Connected to NATS",
		zap.String("url", conn.ConnectedUrl()),
		zap.String("server_id", conn.ConnectedServerId()),
		zap.Bool("tls", conn.TLSRequired()))

	return &Client{conn: conn, js: js, logger: logger, closed: closed}, nil
}

func authOption(cfg *config.AuthConfig) (nats.Option, error) {
	switch cfg.Type {
	case "creds":
		return nats.UserCredentials(cfg.CredsFile), nil
	case "token":
		return nats.Token(cfg.Token), nil
	case "userpass":
		return nats.UserInfo(cfg.Username, cfg.Password), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid auth type: %s", cfg.Type)
	}
}

func createTLSConfig(cfg *config.TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// PublishTelemetry publishes to JetStream without waiting for the ack.
// Ack failures are logged.
func (c *Client) PublishTelemetry(subject string, data []byte) error {
	future, err := c.js.PublishAsync(subject, data)
	if err != nil {
		return fmt.Errorf("failed to queue publish to %s: %w", subject, err)
	}

	go func() {
		select {
		case <-future.Ok():
			c.logger.Debug("Published telemetry",
				zap.String("subject", subject),
				zap.Int("bytes", len(data)))
		case err := <-future.Err():
			c.logger.Warn("Failed to publish telemetry",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}()
	return nil
}

// Subscribe creates a core NATS subscription for request/reply handlers
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.logger.Info("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Drain closes the connection after in-flight messages are handled,
// forcing it closed after timeout.
func (c *Client) Drain(timeout time.Duration) error {
	if c.conn.IsClosed() {
		return nil
	}
	c.logger.Info("Draining NATS connection", zap.Duration("timeout", timeout))

	// Drain returns at once; the closed handler fires when it completes.
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("drain: %w", err)
	}

	select {
	case <-c.closed:
		return nil
	case <-time.After(timeout):
		c.logger.Warn("NATS drain timeout, forcing close")
		c.conn.Close()
		return fmt.Errorf("drain timeout after %v", timeout)
	}
}

// IsConnected reports whether the connection is up
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}
