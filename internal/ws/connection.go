package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/doclet/internal/types"
)

const maxMessageSize = 1 << 20

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

// Connection represents an upgraded WebSocket session bound to one document
// and one client.
type Connection struct {
	conn      *websocket.Conn
	identity  ClientIdentity
	registry  *ConnectionRegistry
	logger    zerolog.Logger
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	sendMu    sync.RWMutex
	closed    bool

	opts connectionOptions

	lastPong atomic.Int64
	onClose  func()
}

func newConnection(wsConn *websocket.Conn, id ClientIdentity, registry *ConnectionRegistry, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:     wsConn,
		identity: id,
		registry: registry,
		logger:   logger,
		send:     make(chan []byte, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// DocumentID returns the bound document identifier.
func (c *Connection) DocumentID() types.DocumentID { return c.identity.DocumentID }

// ClientID returns the client identifier taken from the handshake.
func (c *Connection) ClientID() types.ClientID { return c.identity.ClientID }

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// Registry returns the shared connection registry so hooks can broadcast.
func (c *Connection) Registry() *ConnectionRegistry { return c.registry }

// SendEnvelope encodes env before enqueueing it for delivery.
func (c *Connection) SendEnvelope(env types.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.SendText(data)
}

// SendText enqueues a text frame for the writer goroutine. A full buffer
// closes the connection; slow consumers are not allowed to stall a document.
func (c *Connection) SendText(payload []byte) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return context.Canceled
	}
	select {
	case c.send <- payload:
		return nil
	default:
		gatewayBackpressureCloses.Inc()
		c.logger.Warn().Int("buffer", cap(c.send)).Msg("send buffer full; closing connection")
		go c.Close()
		return errSendBufferFull
	}
}

// Run starts the read and write pumps and blocks until the connection closes.
func (c *Connection) Run(hooks Hooks) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	if err := c.readLoop(hooks); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close tears the connection down once and runs the unregister callback.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.sendMu.Lock()
		c.closed = true
		close(c.send)
		c.sendMu.Unlock()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop(hooks Hooks) error {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if kind != websocket.TextMessage {
			gatewayMessages.WithLabelValues("binary", "dropped").Inc()
			continue
		}

		env, err := types.DecodeEnvelope(data)
		if err != nil {
			gatewayMessages.WithLabelValues("invalid", "dropped").Inc()
			c.logger.Debug().Err(err).Msg("invalid client message")
			continue
		}
		// the handshake identity wins over whatever the client claims
		env.DocumentID = c.identity.DocumentID
		env.ClientID = c.identity.ClientID

		if hooks.OnMessage == nil {
			continue
		}
		ctx, span := tracer.Start(c.ctx, "ws.message", trace.WithAttributes(
			attribute.String("document", string(env.DocumentID)),
			attribute.String("type", string(env.Type)),
		))
		err = hooks.OnMessage(ctx, c, env)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			gatewayMessages.WithLabelValues(string(env.Type), "failed").Inc()
			c.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("message hook failed")
		} else {
			gatewayMessages.WithLabelValues(string(env.Type), "handled").Inc()
		}
		span.End()
	}
}

func (c *Connection) writeLoop() {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if c.opts.heartbeatInterval > 0 {
		ticker = time.NewTicker(c.opts.heartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.opts.writeTimeout))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		case <-tick:
			if c.opts.heartbeatTolerance > 0 {
				last := time.Unix(0, c.lastPong.Load())
				allowed := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
				if time.Since(last) > allowed {
					c.logger.Debug().Msg("heartbeat tolerance exceeded")
					c.Close()
					return
				}
			}
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Hooks are invoked by every connection of a gateway.
type Hooks struct {
	OnMessage    MessageHook
	OnConnect    ConnectHook
	OnDisconnect DisconnectHook
}

type MessageHook func(ctx context.Context, conn *Connection, env types.Envelope) error
type ConnectHook func(ctx context.Context, conn *Connection) error
type DisconnectHook func(conn *Connection)

// ClientIdentity is the (document, client) pair a connection is bound to.
type ClientIdentity struct {
	ClientID   types.ClientID
	DocumentID types.DocumentID
}
