// Package client speaks the control protocol to a quote server.
package client

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"quote_stream/internal/domain"
	"quote_stream/internal/infra"
	"quote_stream/internal/protocol"
)

const keepAlivePeriod = 15 * time.Second

// Client is an open control connection.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
	logger  *slog.Logger
}

// Dial connects to addr, retrying with exponential backoff, and consumes the
// welcome line.
func Dial(ctx context.Context, addr string, cfg *infra.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", "client"), slog.String("server", addr))

	dialer := net.Dialer{
		Timeout:   cfg.Client.DialTimeout,
		KeepAlive: keepAlivePeriod,
	}

	var conn net.Conn
	attempt := 0
	operation := func() error {
		attempt++
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return domain.NewNetworkError("dial", err)
		}
		conn = c
		return nil
	}
	notify := func(err error, delay time.Duration) {
		logger.Warn("Control dial failed", slog.Any("error", err), slog.Int("attempt", attempt), slog.Duration("retry_in", delay))
	}

	b := backoff.WithContext(infra.NewBackoff(cfg.Client.DialRetries), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, domain.NewFatalNetworkError("dial", err)
	}

	c := &Client{
		conn:    conn,
		r:       bufio.NewReader(conn),
		timeout: cfg.Client.HandshakeTimeout,
		logger:  logger,
	}

	welcome, err := c.readLine()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if welcome != protocol.Welcome {
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected greeting %q", domain.ErrHandshake, welcome)
	}
	logger.Info("Connected to control server", slog.Int("attempts", attempt))
	return c, nil
}

// Hello sends HELLO and returns the reply line. Any reply other than the
// server's greeting is a handshake error.
func (c *Client) Hello() (string, error) {
	line, err := c.roundTrip(string(protocol.VerbHello))
	if err != nil {
		return "", err
	}
	if line != protocol.HelloReply {
		return line, fmt.Errorf("%w: unexpected HELLO reply %q", domain.ErrHandshake, line)
	}
	return line, nil
}

// Stream asks the server to stream tickers to the UDP address local.
func (c *Client) Stream(local string, tickers []string) (protocol.StreamReply, error) {
	line, err := c.roundTrip(protocol.StreamRequest(local, tickers))
	if err != nil {
		return protocol.StreamReply{}, err
	}
	reply, err := protocol.ParseStreamReply(line)
	if err != nil {
		return protocol.StreamReply{}, err
	}
	c.logger.Info("Stream accepted", slog.String("server_udp", reply.Server), slog.Any("tickers", reply.Tickers))
	return reply, nil
}

// Close closes the control connection. Sessions on the server keep running.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(line string) (string, error) {
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return "", domain.NewFatalNetworkError("set deadline", err)
		}
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return "", domain.NewFatalNetworkError("send", err)
	}
	return c.readLine()
}

func (c *Client) readLine() (string, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return "", domain.NewFatalNetworkError("set deadline", err)
		}
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrHandshake, domain.NewFatalNetworkError("receive", err))
	}
	return strings.TrimRight(line, "\r\n"), nil
}
