package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/types"
)

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	CheckOrigin        func(r *http.Request) bool
}

// Gateway upgrades HTTP requests into WebSocket connections and wires them
// into the ConnectionRegistry. The connection identity comes from the
// document_id and client_id query parameters.
type Gateway struct {
	registry *ConnectionRegistry
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(registry *ConnectionRegistry, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		registry: registry,
		logger:   logger,
		hooks:    hooks,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		gatewayRejected.WithLabelValues("method").Inc()
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	identity := ClientIdentity{
		DocumentID: types.DocumentID(r.URL.Query().Get("document_id")),
		ClientID:   types.ClientID(r.URL.Query().Get("client_id")),
	}
	if identity.DocumentID == "" || identity.ClientID == "" {
		gatewayRejected.WithLabelValues("identity").Inc()
		http.Error(w, "missing document_id or client_id", http.StatusBadRequest)
		return
	}

	start := time.Now()
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		gatewayRejected.WithLabelValues("upgrade").Inc()
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.Observe(time.Since(start).Seconds())

	childLogger := g.logger.With().Str("document", string(identity.DocumentID)).Str("client", string(identity.ClientID)).Logger()
	var connection *Connection
	connection = newConnection(conn, identity, g.registry, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
	}, func() {
		g.registry.Unregister(identity.DocumentID, connection)
	})

	g.registry.Register(identity.DocumentID, connection)
	childLogger.Info().Msg("client joined")

	go g.serve(connection)
}

func (g *Gateway) serve(conn *Connection) {
	if g.hooks.OnConnect != nil {
		if err := g.hooks.OnConnect(conn.Context(), conn); err != nil {
			conn.logger.Warn().Err(err).Msg("connect hook failed")
		}
	}
	conn.Run(g.hooks)
	if g.hooks.OnDisconnect != nil {
		g.hooks.OnDisconnect(conn)
	}
	conn.logger.Info().Msg("client left")
}
