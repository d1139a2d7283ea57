// Package provider binds a document replica and a presence register to a
// realtime session. Local changes go out as deltas, remote deltas come in
// tagged with the remote origin so they are never echoed back, and a full
// snapshot follows every burst of local edits once the document goes quiet.
package provider

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/awareness"
	"github.com/example/doclet/internal/codec"
	"github.com/example/doclet/internal/crdt"
	"github.com/example/doclet/internal/transport"
	"github.com/example/doclet/internal/types"
)

// DefaultSnapshotDelay is the quiet period after the last local edit before a
// full snapshot is sent.
const DefaultSnapshotDelay = 1500 * time.Millisecond

// Transport is the session the provider drives.
type Transport interface {
	Open()
	Send(env types.Envelope) bool
	Close()
}

// TransportFactory builds the session for a provider.
type TransportFactory func(cfg transport.Config, handlers transport.Handlers, logger zerolog.Logger) (Transport, error)

func dialSession(cfg transport.Config, handlers transport.Handlers, logger zerolog.Logger) (Transport, error) {
	session, err := transport.New(cfg, handlers, logger)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Options configure a Provider. DocumentID, ClientID and Doc are required.
type Options struct {
	DocumentID types.DocumentID
	ClientID   types.ClientID
	URL        string
	Doc        crdt.Replica
	User       types.User

	OnStatus   func(transport.Status)
	OnUserName func(id types.ClientID, name string)

	Logger zerolog.Logger

	// PeerID is the presence identity; a random one is picked when zero.
	PeerID        uint32
	SnapshotDelay time.Duration
	Reconnect     transport.ReconnectConfig
	Scheduler     Scheduler
	NewTransport  TransportFactory
	AwarenessOpts []awareness.Option
}

// Provider is one live sync session for one (document, client) pair.
type Provider struct {
	documentID types.DocumentID
	clientID   types.ClientID
	doc        crdt.Replica
	awareness  *awareness.Awareness
	transport  Transport
	logger     zerolog.Logger
	scheduler  Scheduler
	delay      time.Duration
	onStatus   func(transport.Status)
	onUserName func(types.ClientID, string)

	unsubscribeDoc       func()
	unsubscribeAwareness func()

	mu         sync.Mutex
	names      map[types.ClientID]string
	pending    Stopper
	generation uint64
	destroyed  bool
}

// New wires the listeners, seeds the local presence entry and opens the
// session. The session connects in the background; local edits apply to the
// replica immediately regardless of connection state.
func New(opts Options) (*Provider, error) {
	if opts.DocumentID == "" {
		return nil, errors.New("provider: document id is required")
	}
	if opts.ClientID == "" {
		return nil, errors.New("provider: client id is required")
	}
	if opts.Doc == nil {
		return nil, errors.New("provider: document replica is required")
	}
	if opts.SnapshotDelay <= 0 {
		opts.SnapshotDelay = DefaultSnapshotDelay
	}
	if opts.Scheduler == nil {
		opts.Scheduler = timerScheduler{}
	}
	if opts.NewTransport == nil {
		opts.NewTransport = dialSession
	}
	if opts.PeerID == 0 {
		opts.PeerID = rand.Uint32N(1<<31-1) + 1
	}

	p := &Provider{
		documentID: opts.DocumentID,
		clientID:   opts.ClientID,
		doc:        opts.Doc,
		awareness:  awareness.New(opts.PeerID, opts.AwarenessOpts...),
		logger: opts.Logger.With().
			Str("document", string(opts.DocumentID)).
			Str("client", string(opts.ClientID)).
			Str("peer", strconv.FormatUint(uint64(opts.PeerID), 10)).
			Logger(),
		scheduler:  opts.Scheduler,
		delay:      opts.SnapshotDelay,
		onStatus:   opts.OnStatus,
		onUserName: opts.OnUserName,
		names:      make(map[types.ClientID]string),
	}

	p.unsubscribeDoc = p.doc.OnUpdate(p.handleDocUpdate)
	p.unsubscribeAwareness = p.awareness.OnUpdate(p.handleAwarenessUpdate)
	p.awareness.SetLocalUser(p.stamp(opts.User))

	session, err := opts.NewTransport(transport.Config{
		URL:        opts.URL,
		DocumentID: opts.DocumentID,
		ClientID:   opts.ClientID,
		Reconnect:  opts.Reconnect,
	}, transport.Handlers{
		OnMessage: p.handleMessage,
		OnStatus:  p.handleStatus,
	}, p.logger)
	if err != nil {
		p.unsubscribeDoc()
		p.unsubscribeAwareness()
		return nil, err
	}

	p.mu.Lock()
	p.transport = session
	p.mu.Unlock()

	p.awareness.Start(context.Background())
	session.Open()
	return p, nil
}

// DocumentID returns the bound document.
func (p *Provider) DocumentID() types.DocumentID { return p.documentID }

// ClientID returns the bound client.
func (p *Provider) ClientID() types.ClientID { return p.clientID }

// Awareness exposes the presence register so the editor can read peers.
func (p *Provider) Awareness() *awareness.Awareness { return p.awareness }

// UpdateUser changes the advertised name and color without reconnecting.
func (p *Provider) UpdateUser(user types.User) {
	p.awareness.SetLocalUser(p.stamp(user))
}

// UpdateCursor publishes the local selection; nil clears it.
func (p *Provider) UpdateCursor(cursor *awareness.Cursor) {
	p.awareness.SetLocalCursor(cursor)
}

// UserName returns the relay-assigned display name cached for id.
func (p *Provider) UserName(id types.ClientID) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.names[id]
	return name, ok
}

// Names returns a copy of the display-name cache.
func (p *Provider) Names() map[types.ClientID]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[types.ClientID]string, len(p.names))
	for id, name := range p.names {
		out[id] = name
	}
	return out
}

// Destroy unregisters the listeners, closes the session and cancels any
// pending snapshot. It is safe to call more than once, and before the session
// ever connected.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
	p.generation++
	session := p.transport
	p.mu.Unlock()

	p.unsubscribeDoc()
	p.unsubscribeAwareness()
	p.awareness.Close()
	if session != nil {
		session.Close()
	}
	p.logger.Debug().Msg("provider destroyed")
}

func (p *Provider) stamp(user types.User) types.User {
	user.ClientID = string(p.clientID)
	return user
}

func (p *Provider) handleStatus(status transport.Status) {
	if p.onStatus != nil {
		p.onStatus(status)
	}
	if status != transport.StatusConnected || p.isDestroyed() {
		return
	}
	p.sendSnapshot()
	if update, err := p.awareness.EncodeUpdate([]uint32{p.awareness.PeerID()}); err == nil {
		p.send(types.MessagePresence, codec.Encode(update))
	}
}

func (p *Provider) handleMessage(data []byte) {
	if p.isDestroyed() {
		return
	}
	env, err := types.DecodeEnvelope(data)
	if err != nil {
		p.drop("malformed", err)
		return
	}
	if env.DocumentID != p.documentID {
		p.drop("foreign_document", nil)
		return
	}

	// user_name is not filtered by sender: the relay echoes our own name back.
	if env.Type == types.MessageUserName {
		if env.Payload == "" {
			return
		}
		p.mu.Lock()
		p.names[env.ClientID] = env.Payload
		p.mu.Unlock()
		messagesReceived.WithLabelValues(string(env.Type)).Inc()
		if p.onUserName != nil {
			p.onUserName(env.ClientID, env.Payload)
		}
		return
	}

	if env.ClientID == p.clientID {
		p.drop("self", nil)
		return
	}

	switch env.Type {
	case types.MessageUpdate:
		update, err := codec.Decode(env.Payload)
		if err != nil {
			p.drop("bad_payload", err)
			return
		}
		if err := p.doc.ApplyUpdate(update, types.OriginRemote); err != nil {
			p.drop("apply_failed", err)
			return
		}
	case types.MessagePresence:
		update, err := codec.Decode(env.Payload)
		if err != nil {
			p.drop("bad_payload", err)
			return
		}
		if err := p.awareness.ApplyUpdate(update, types.OriginRemote); err != nil {
			p.drop("apply_failed", err)
			return
		}
	default:
		p.drop("unknown_type", nil)
		return
	}
	messagesReceived.WithLabelValues(string(env.Type)).Inc()
}

func (p *Provider) handleDocUpdate(update []byte, origin types.Origin) {
	if origin == types.OriginRemote {
		return
	}
	p.send(types.MessageUpdate, codec.Encode(update))
	p.scheduleSnapshot()
}

func (p *Provider) handleAwarenessUpdate(change awareness.Change, origin types.Origin) {
	if origin == types.OriginRemote {
		return
	}
	update, err := p.awareness.EncodeUpdate(change.Peers())
	if err != nil {
		p.logger.Warn().Err(err).Msg("encode presence failed")
		return
	}
	p.send(types.MessagePresence, codec.Encode(update))
}

func (p *Provider) scheduleSnapshot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	if p.pending != nil {
		p.pending.Stop()
	}
	p.generation++
	gen := p.generation
	p.pending = p.scheduler.AfterFunc(p.delay, func() { p.fireSnapshot(gen) })
}

// fireSnapshot ignores timers that were superseded after they had already
// started running.
func (p *Provider) fireSnapshot(gen uint64) {
	p.mu.Lock()
	if p.destroyed || gen != p.generation {
		p.mu.Unlock()
		return
	}
	p.pending = nil
	p.mu.Unlock()
	p.sendSnapshot()
}

func (p *Provider) sendSnapshot() {
	p.send(types.MessageSnapshot, codec.Encode(p.doc.EncodeStateAsUpdate()))
}

func (p *Provider) send(kind types.MessageType, payload string) {
	p.mu.Lock()
	session := p.transport
	destroyed := p.destroyed
	p.mu.Unlock()
	if session == nil || destroyed {
		return
	}
	delivered := session.Send(types.Envelope{
		Type:       kind,
		DocumentID: p.documentID,
		ClientID:   p.clientID,
		Payload:    payload,
	})
	messagesSent.WithLabelValues(string(kind), strconv.FormatBool(delivered)).Inc()
}

func (p *Provider) drop(reason string, err error) {
	messagesDropped.WithLabelValues(reason).Inc()
	event := p.logger.Debug().Str("reason", reason)
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("inbound message dropped")
}

func (p *Provider) isDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}
