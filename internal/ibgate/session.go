package ibgate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/optlake/optlake/internal/clientid"
	"github.com/optlake/optlake/internal/model"
)

// SessionConfig describes one broker session.
type SessionConfig struct {
	Host           string
	Port           int
	ClientID       int // 0 = lease one from Pool
	Pool           clientid.Config
	MarketDataType model.MarketDataType
	ConnectTimeout time.Duration
	MaxRetries     int
	WithStream     bool
}

// Session is a connected broker session: a REST client, optionally a
// websocket stream, and the client-id lease backing them. A Session is
// built with Connect and torn down with Close; Close always releases the
// lease, including on panic paths when deferred.
type Session struct {
	Gateway Gateway

	client *Client
	stream *StreamConn
	lease  *clientid.Lease
	logger *slog.Logger
	closed bool
}

// Connect claims a client id, dials the gateway with bounded
// exponential-backoff retries, and applies the market-data type. The lease
// is released on every failure path.
func Connect(ctx context.Context, cfg SessionConfig, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var lease *clientid.Lease
	clientID := cfg.ClientID
	if clientID == 0 {
		var err error
		lease, err = clientid.New(cfg.Pool, logger).Claim()
		if err != nil {
			return nil, fmt.Errorf("claim client id: %w", err)
		}
		clientID = lease.ID
	}

	s := &Session{
		lease:  lease,
		logger: logger.With("client_id", clientID),
	}

	s.client = NewClient(cfg.Host, cfg.Port,
		WithLogger(s.logger),
		WithRetries(cfg.MaxRetries, time.Second),
		WithTimeout(cfg.ConnectTimeout),
	)

	if cfg.WithStream {
		s.stream = NewStreamConn(DefaultStreamConfig(s.client.wsURL), s.logger)
		if err := s.dialStream(ctx, cfg); err != nil {
			s.releaseLease()
			return nil, err
		}
	}

	s.Gateway = NewPortal(s.client, s.stream)

	if cfg.MarketDataType != 0 {
		if err := s.Gateway.SetMarketDataType(ctx, cfg.MarketDataType); err != nil {
			s.teardown()
			return nil, err
		}
	}

	s.logger.Info("broker session established",
		"host", cfg.Host,
		"port", cfg.Port,
		"market_data_type", int(cfg.MarketDataType),
		"streaming", cfg.WithStream,
	)
	return s, nil
}

// dialStream connects the websocket with exponential backoff.
func (s *Session) dialStream(ctx context.Context, cfg SessionConfig) error {
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("stream connect failed, retrying",
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err := s.stream.Connect(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("connect stream after %d retries: %w", cfg.MaxRetries, lastErr)
}

// ClientID returns the id backing the session.
func (s *Session) ClientID() int {
	if s.lease != nil {
		return s.lease.ID
	}
	return 0
}

// EnsureConnected verifies the stream is still live, for long-running
// runners that hold a session across slots.
func (s *Session) EnsureConnected(ctx context.Context) error {
	if s.stream == nil {
		return nil
	}
	if s.stream.IsConnected() {
		return nil
	}
	s.logger.Warn("stream disconnected, reconnecting")
	s.stream = NewStreamConn(s.stream.cfg, s.logger)
	if err := s.stream.Connect(ctx); err != nil {
		return err
	}
	s.Gateway = NewPortal(s.client, s.stream)
	return nil
}

// Close tears the session down and releases the client-id lease. Safe to
// call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.teardown()
	return nil
}

func (s *Session) teardown() {
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.logger.Debug("stream close", "error", err)
		}
	}
	s.releaseLease()
}

func (s *Session) releaseLease() {
	if s.lease == nil {
		return
	}
	if err := s.lease.Release(); err != nil {
		s.logger.Warn("release client id lease", "error", err)
	}
	s.lease = nil
}
