package mtls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrClosed is returned by Send after Close
var ErrClosed = errors.New("hub client closed")

// Client streams newline-delimited messages to the Hub over mutual TLS
type Client struct {
	hubAddr   string
	tlsConfig *tls.Config
	logger    *slog.Logger

	// retry policy for Connect and reconnects
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	WriteTimeout    time.Duration

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewClient creates a new mTLS client
func NewClient(hubAddr string, cert tls.Certificate, rootCAs *x509.CertPool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		hubAddr: hubAddr,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      rootCAs,
			MinVersion:   tls.VersionTLS13,
			MaxVersion:   tls.VersionTLS13,
		},
		logger:          logger.With("component", "hub", "addr", hubAddr),
		InitialInterval: 2 * time.Second,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  30 * time.Second,
		WriteTimeout:    5 * time.Second,
	}
}

// LoadCredentials reads a client key pair and an optional CA bundle from PEM files
func LoadCredentials(certFile, keyFile, caFile string) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("load client certificate: %w", err)
	}
	if caFile == "" {
		return cert, nil, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return tls.Certificate{}, nil, fmt.Errorf("no certificates in %s", caFile)
	}
	return cert, pool, nil
}

// CommonName returns the subject CN of the leaf certificate, which the hub
// uses as the node identity
func CommonName(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", errors.New("no certificate in key pair")
	}
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return "", fmt.Errorf("parse client certificate: %w", err)
	}
	return parsed.Subject.CommonName, nil
}

// Connect dials the Hub, retrying with exponential backoff.
// Handshake failures are not retried.
func (c *Client) Connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxElapsedTime

	operation := func() error {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return backoff.Permanent(ErrClosed)
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("hub connect failed", "err", err)
			return err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			conn.Close()
			return backoff.Permanent(ErrClosed)
		}
		c.conn = conn
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("connect to hub %s: %w", c.hubAddr, err)
	}
	c.logger.Info("connected to hub")
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	timeout := c.MaxInterval
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", c.hubAddr)
	if err != nil {
		return nil, err
	}

	cfg := c.tlsConfig.Clone()
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(c.hubAddr); err == nil {
			cfg.ServerName = host
		}
	}
	conn := tls.Client(raw, cfg)

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		conn.Close()
		return nil, backoff.Permanent(fmt.Errorf("TLS handshake failed: %w", err))
	}
	return conn, nil
}

// Send writes one message followed by a newline. A failed write drops the
// connection and the message is retried once on a fresh one.
func (c *Client) Send(ctx context.Context, data []byte) error {
	msg := make([]byte, 0, len(data)+1)
	msg = append(msg, data...)
	msg = append(msg, '\n')

	err := c.write(msg)
	if err == nil || errors.Is(err, ErrClosed) {
		return err
	}

	c.logger.Warn("hub write failed, reconnecting", "err", err)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return errors.New("not connected")
	}
	if c.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	if _, err := c.conn.Write(msg); err != nil {
		c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Close closes the connection. Further sends fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
