// Package transport owns the client side of the realtime stream: one
// websocket per (document, client) pair carrying JSON envelopes as text frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/types"
)

// Status is reported to Handlers.OnStatus on every connection transition.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

const maxMessageSize = 1 << 20

var errClosed = errors.New("session closed")

// ReconnectConfig enables bounded exponential-backoff redialing after the
// stream drops. It is off unless Enabled is set.
type ReconnectConfig struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     uint
	MaxElapsed      time.Duration
}

// Config identifies the stream and tunes its timeouts.
type Config struct {
	URL              string
	DocumentID       types.DocumentID
	ClientID         types.ClientID
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
	Reconnect        ReconnectConfig
}

// Handlers receive inbound frames and status transitions. Both run on the
// session's reader goroutine, one call at a time.
type Handlers struct {
	OnMessage func(data []byte)
	OnStatus  func(Status)
}

// Session is a single websocket stream. Sends are best effort: they are
// dropped while the stream is not open and never queued.
type Session struct {
	cfg      Config
	endpoint string
	handlers Handlers
	logger   zerolog.Logger
	dialer   *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	opened    bool

	writeMu sync.Mutex
}

// New validates cfg and prepares a session. Nothing is dialed until Open.
func New(cfg Config, handlers Handlers, logger zerolog.Logger) (*Session, error) {
	endpoint, err := Endpoint(cfg.URL, cfg.DocumentID, cfg.ClientID)
	if err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 75 * time.Second
	}
	if cfg.Reconnect.InitialInterval <= 0 {
		cfg.Reconnect.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Reconnect.MaxInterval <= 0 {
		cfg.Reconnect.MaxInterval = 15 * time.Second
	}
	if cfg.Reconnect.MaxElapsed <= 0 {
		cfg.Reconnect.MaxElapsed = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:      cfg,
		endpoint: endpoint,
		handlers: handlers,
		logger:   logger.With().Str("document", string(cfg.DocumentID)).Str("client", string(cfg.ClientID)).Logger(),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Endpoint appends the document_id and client_id query parameters to raw.
func Endpoint(raw string, documentID types.DocumentID, clientID types.ClientID) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse transport url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported transport scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("document_id", string(documentID))
	q.Set("client_id", string(clientID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open starts connecting in the background. Only the first call has effect.
func (s *Session) Open() {
	s.mu.Lock()
	if s.opened || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.opened = true
	s.mu.Unlock()

	go s.run()
}

// Connected reports whether the stream is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Send writes env as a text frame. It returns false when the stream is not
// open or the write fails.
func (s *Session) Send(env types.Envelope) bool {
	data, err := env.Encode()
	if err != nil {
		s.logger.Debug().Err(err).Str("type", string(env.Type)).Msg("encode envelope failed")
		return false
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return false
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug().Err(err).Str("type", string(env.Type)).Msg("write failed")
		_ = conn.Close()
		return false
	}
	return true
}

// Close terminates the stream and stops any reconnection. It does not wait
// for the reader goroutine and is safe to call more than once.
func (s *Session) Close() {
	s.cancel()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(s.cfg.WriteTimeout))
	s.writeMu.Unlock()
	_ = conn.Close()
}

func (s *Session) run() {
	conn, err := s.dial(s.ctx)
	for {
		if err != nil {
			if !errors.Is(err, errClosed) {
				s.logger.Warn().Err(err).Msg("connect failed")
			}
			s.emit(StatusDisconnected)
		} else {
			s.serve(conn)
		}

		if !s.cfg.Reconnect.Enabled || s.ctx.Err() != nil {
			return
		}
		conn, err = backoff.Retry(s.ctx, func() (*websocket.Conn, error) {
			return s.dial(s.ctx)
		}, s.retryOptions()...)
		if err != nil {
			s.logger.Warn().Err(err).Msg("giving up reconnecting")
			return
		}
	}
}

func (s *Session) retryOptions() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Reconnect.InitialInterval
	b.MaxInterval = s.cfg.Reconnect.MaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(s.cfg.Reconnect.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug().Err(err).Dur("retry_in", next).Msg("reconnect attempt failed")
		}),
	}
	if s.cfg.Reconnect.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(s.cfg.Reconnect.MaxAttempts))
	}
	return opts
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	if ctx.Err() != nil {
		return nil, backoff.Permanent(errClosed)
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(errClosed)
		}
		return nil, fmt.Errorf("dial %s: %w", s.endpoint, err)
	}
	return conn, nil
}

func (s *Session) serve(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	s.logger.Info().Msg("connected")
	s.emit(StatusConnected)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("read loop exited")
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if s.ctx.Err() != nil {
			break
		}
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(data)
		}
	}

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connected = false
	s.mu.Unlock()
	_ = conn.Close()

	s.logger.Info().Msg("disconnected")
	s.emit(StatusDisconnected)
}

func (s *Session) emit(status Status) {
	if s.handlers.OnStatus != nil {
		s.handlers.OnStatus(status)
	}
}
