// Package gateway manages the lifecycle of one connection to the push
// gateway: environment and protocol selection, credential loading, and
// the bounded connect retry loop.
package gateway

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-push-delivery/internal/protocol/binary"
	"github.com/tinywideclouds/go-push-delivery/internal/protocol/request"
	"github.com/tinywideclouds/go-push-delivery/pkg/push"
)

// Environment selects the gateway deployment a connection targets.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
)

// Protocol selects which of the two mutually exclusive wire protocols
// a connection speaks.
type Protocol string

const (
	ProtocolBinary  Protocol = "binary"
	ProtocolRequest Protocol = "request"
)

// Gateway endpoints per environment.
const (
	binaryHostProduction   = "gateway.push.apple.com:2195"
	binaryHostSandbox      = "gateway.sandbox.push.apple.com:2195"
	feedbackHostProduction = "feedback.push.apple.com:2196"
	feedbackHostSandbox    = "feedback.sandbox.push.apple.com:2196"
)

// Config is the connection-level configuration surface.
type Config struct {
	Environment Environment
	Protocol    Protocol

	// CertFile is a client certificate (.p12 or .pem) for
	// certificate-based sessions. Required for the binary protocol.
	CertFile       string
	CertPassphrase string

	// KeyFile is a .p8 signing key for bearer-token sessions on the
	// request protocol. TeamID and KeyID must accompany it.
	KeyFile string
	TeamID  string
	KeyID   string

	// Topic is the application bundle the notifications belong to.
	Topic string

	// RootCAFile optionally pins the authorities trusted for the
	// gateway's server certificate.
	RootCAFile string

	ConnectTimeout time.Duration
	ConnectRetries int
	RetryInterval  time.Duration
	SelectTimeout  time.Duration
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRetryInterval  = time.Second
	defaultSelectTimeout  = time.Second
	defaultConnectRetries = 3
)

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.SelectTimeout <= 0 {
		c.SelectTimeout = defaultSelectTimeout
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = defaultConnectRetries
	}
	return c
}

// dialFunc is swapped out in tests to avoid real network dials.
type dialFunc func(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error)

// Manager owns one gateway connection on behalf of a single delivery
// engine. It is never shared across workers and is not safe for
// concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	cert    tls.Certificate   // certificate-based sessions
	authKey *ecdsa.PrivateKey // token-based sessions
	rootCAs *x509.CertPool

	dial dialFunc

	transport push.Transport
}

// NewManager validates the configuration and loads credential material
// up front, so bad environments, protocols or unreadable credential
// files fail with a ConfigError at construction rather than at connect
// time.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()

	switch cfg.Environment {
	case EnvironmentProduction, EnvironmentSandbox:
	default:
		return nil, &push.ConfigError{Field: "environment", Reason: fmt.Sprintf("unknown environment %q", cfg.Environment)}
	}
	switch cfg.Protocol {
	case ProtocolBinary, ProtocolRequest:
	default:
		return nil, &push.ConfigError{Field: "protocol", Reason: fmt.Sprintf("unknown protocol %q", cfg.Protocol)}
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger.With("component", "ConnectionManager"),
	}
	m.dial = m.dialTLS

	switch {
	case cfg.KeyFile != "":
		if cfg.Protocol == ProtocolBinary {
			return nil, &push.ConfigError{Field: "key_file", Reason: "the binary protocol only supports certificate sessions"}
		}
		if cfg.TeamID == "" || cfg.KeyID == "" {
			return nil, &push.ConfigError{Field: "key_file", Reason: "team_id and key_id are required for token authentication"}
		}
		authKey, err := token.AuthKeyFromFile(cfg.KeyFile)
		if err != nil {
			return nil, &push.ConfigError{Field: "key_file", Reason: "failed to load signing key", Err: err}
		}
		m.authKey = authKey
	case cfg.CertFile != "":
		var cert tls.Certificate
		var err error
		if filepath.Ext(cfg.CertFile) == ".p12" {
			cert, err = certificate.FromP12File(cfg.CertFile, cfg.CertPassphrase)
		} else {
			cert, err = certificate.FromPemFile(cfg.CertFile, cfg.CertPassphrase)
		}
		if err != nil {
			return nil, &push.ConfigError{Field: "cert_file", Reason: "failed to load client certificate", Err: err}
		}
		m.cert = cert
	default:
		return nil, &push.ConfigError{Field: "credentials", Reason: "either cert_file or key_file is required"}
	}

	if cfg.RootCAFile != "" {
		pem, err := os.ReadFile(cfg.RootCAFile)
		if err != nil {
			return nil, &push.ConfigError{Field: "root_ca_file", Reason: "failed to read root authority file", Err: err}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &push.ConfigError{Field: "root_ca_file", Reason: "no certificates found in root authority file"}
		}
		m.rootCAs = pool
	}

	return m, nil
}

// Connect establishes the transport, retrying the protocol-specific
// connect up to the configured retry count and waiting the retry
// interval between attempts. The last connection error is surfaced
// once every attempt has failed. Calling Connect on an open connection
// returns the existing transport.
func (m *Manager) Connect(ctx context.Context) (push.Transport, error) {
	if m.transport != nil {
		return m.transport, nil
	}

	attempts := m.cfg.ConnectRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		transport, err := m.connectOnce(ctx)
		if err == nil {
			m.transport = transport
			m.logger.Info("connected to gateway",
				"protocol", m.cfg.Protocol,
				"environment", m.cfg.Environment,
				"attempt", attempt,
			)
			return transport, nil
		}
		lastErr = err
		m.logger.Warn("gateway connect attempt failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"err", err,
		)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &push.ConnectionError{Op: "connect", Err: ctx.Err()}
		case <-time.After(m.cfg.RetryInterval):
		}
	}
	return nil, lastErr
}

func (m *Manager) connectOnce(ctx context.Context) (push.Transport, error) {
	switch m.cfg.Protocol {
	case ProtocolBinary:
		addr := binaryHostProduction
		if m.cfg.Environment == EnvironmentSandbox {
			addr = binaryHostSandbox
		}
		conn, err := m.dial(ctx, addr, m.tlsConfig(addr))
		if err != nil {
			return nil, &push.ConnectionError{Op: "dial " + addr, Err: err}
		}
		return binary.NewTransport(conn, m.cfg.SelectTimeout, m.logger), nil
	default:
		var client *apns2.Client
		if m.authKey != nil {
			client = apns2.NewTokenClient(&token.Token{
				AuthKey: m.authKey,
				KeyID:   m.cfg.KeyID,
				TeamID:  m.cfg.TeamID,
			})
		} else {
			client = apns2.NewClient(m.cert)
		}
		if m.cfg.Environment == EnvironmentSandbox {
			client = client.Development()
		} else {
			client = client.Production()
		}
		return request.NewTransport(client, m.cfg.Topic, m.logger), nil
	}
}

// Disconnect releases the transport handle. It is idempotent: calling
// it with no open connection is a no-op returning false.
func (m *Manager) Disconnect() bool {
	if m.transport == nil {
		return false
	}
	if err := m.transport.Close(); err != nil {
		m.logger.Warn("transport close failed", "err", err)
	}
	m.transport = nil
	m.logger.Info("disconnected from gateway")
	return true
}

// FeedbackEndpoint exposes the feedback service address and TLS setup
// for the active environment. Only certificate sessions can consume
// the feedback service.
func (m *Manager) FeedbackEndpoint() (string, *tls.Config, error) {
	if len(m.cert.Certificate) == 0 {
		return "", nil, &push.ConfigError{Field: "cert_file", Reason: "feedback service requires a certificate session"}
	}
	addr := feedbackHostProduction
	if m.cfg.Environment == EnvironmentSandbox {
		addr = feedbackHostSandbox
	}
	return addr, m.tlsConfig(addr), nil
}

func (m *Manager) tlsConfig(addr string) *tls.Config {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	cfg := &tls.Config{
		ServerName: host,
		RootCAs:    m.rootCAs,
	}
	if len(m.cert.Certificate) > 0 {
		cfg.Certificates = []tls.Certificate{m.cert}
	}
	return cfg
}

func (m *Manager) dialTLS(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: m.cfg.ConnectTimeout},
		Config:    tlsCfg,
	}
	return dialer.DialContext(ctx, "tcp", addr)
}
