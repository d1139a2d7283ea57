package relay

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/types"
	"github.com/example/doclet/internal/ws"
)

// Publisher hands envelopes to other relay instances and to the snapshot
// consumer. RedisBroadcaster satisfies it.
type Publisher interface {
	Publish(ctx context.Context, env types.Envelope) error
	PublishSnapshot(ctx context.Context, env types.Envelope) error
}

// PresenceTracker keeps the awareness roster for late joiners.
type PresenceTracker interface {
	WrapHooks(base ws.Hooks) ws.Hooks
}

// Options configures a relay Server. Both fields are optional.
type Options struct {
	Publisher Publisher
	Presence  PresenceTracker
}

// Server routes envelopes between the connections of each document.
type Server struct {
	registry  *ws.ConnectionRegistry
	publisher Publisher
	presence  PresenceTracker
	logger    zerolog.Logger
}

// NewServer constructs a relay over the given registry.
func NewServer(registry *ws.ConnectionRegistry, logger zerolog.Logger, opts Options) *Server {
	return &Server{
		registry:  registry,
		publisher: opts.Publisher,
		presence:  opts.Presence,
		logger:    logger.With().Str("component", "relay").Logger(),
	}
}

// Hooks returns the gateway callbacks implementing the relay protocol.
func (s *Server) Hooks() ws.Hooks {
	hooks := ws.Hooks{
		OnConnect: s.handleConnect,
		OnMessage: s.handleMessage,
	}
	if s.presence != nil {
		hooks = s.presence.WrapHooks(hooks)
	}
	return hooks
}

// Router mounts the websocket gateway and a health probe.
func (s *Server) Router(gateway http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/ws", gateway)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

// handleConnect tells the new client its own name and the names of everyone
// already present, then announces it to the others.
func (s *Server) handleConnect(_ context.Context, conn *ws.Connection) error {
	doc := conn.DocumentID()
	self := conn.ClientID()

	if err := conn.SendEnvelope(userNameEnvelope(doc, self)); err != nil {
		return err
	}
	for _, other := range s.registry.ClientIDs(doc) {
		if other == self {
			continue
		}
		if err := conn.SendEnvelope(userNameEnvelope(doc, other)); err != nil {
			return err
		}
	}
	n := s.registry.BroadcastEnvelope(userNameEnvelope(doc, self))
	relayedMessages.WithLabelValues(string(types.MessageUserName), "announce").Inc()
	relayFanout.WithLabelValues(string(types.MessageUserName)).Observe(float64(n))
	return nil
}

func (s *Server) handleMessage(ctx context.Context, conn *ws.Connection, env types.Envelope) error {
	logger := s.logger.With().Str("document", string(env.DocumentID)).Str("client", string(env.ClientID)).Logger()

	switch env.Type {
	case types.MessageUpdate, types.MessagePresence:
		s.fanout(env)
		s.publish(ctx, env, logger)
	case types.MessageSnapshot:
		// Peers merge the full state as an ordinary update.
		forward := env
		forward.Type = types.MessageUpdate
		s.fanout(forward)
		s.publish(ctx, forward, logger)
		if s.publisher != nil {
			if err := s.publisher.PublishSnapshot(ctx, env); err != nil {
				publishFailures.WithLabelValues(string(env.Type)).Inc()
				logger.Warn().Err(err).Msg("snapshot handoff failed")
			}
		}
		relayedMessages.WithLabelValues(string(env.Type), "persist").Inc()
	default:
		relayedMessages.WithLabelValues("other", "drop").Inc()
		logger.Warn().Str("type", string(env.Type)).Msg("unknown message type")
	}
	return nil
}

func (s *Server) fanout(env types.Envelope) {
	n := s.registry.BroadcastEnvelope(env)
	relayedMessages.WithLabelValues(string(env.Type), "broadcast").Inc()
	relayFanout.WithLabelValues(string(env.Type)).Observe(float64(n))
}

func (s *Server) publish(ctx context.Context, env types.Envelope, logger zerolog.Logger) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, env); err != nil {
		publishFailures.WithLabelValues(string(env.Type)).Inc()
		logger.Warn().Err(err).Msg("publish failed")
	}
}

func userNameEnvelope(doc types.DocumentID, client types.ClientID) types.Envelope {
	return types.Envelope{
		Type:       types.MessageUserName,
		DocumentID: doc,
		ClientID:   client,
		Payload:    NameForClient(string(client)),
	}
}
