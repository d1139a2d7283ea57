package presence

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/awareness"
	"github.com/example/doclet/internal/codec"
	"github.com/example/doclet/internal/types"
	"github.com/example/doclet/internal/ws"
)

const (
	defaultTTL    = 45 * time.Second
	keyPrefix     = "doclet:presence:"
	scanBatchSize = 100
)

// Publisher forwards envelopes to other relay instances.
type Publisher interface {
	Publish(ctx context.Context, env types.Envelope) error
}

// Entry is one awareness peer as last announced by a connected client.
type Entry struct {
	ClientID types.ClientID   `json:"client_id"`
	PeerID   uint32           `json:"peer_id"`
	Clock    uint32           `json:"clock"`
	State    *awareness.State `json:"state"`
	SeenAt   time.Time        `json:"seen_at"`
}

// Tracker remembers the awareness entries each connection announced so new
// joiners get the current roster and departures are broadcast as removals.
// Redis is optional; with it the roster also covers other relay instances.
type Tracker struct {
	client    *redis.Client
	registry  *ws.ConnectionRegistry
	publisher Publisher
	logger    zerolog.Logger
	ttl       time.Duration

	mu     sync.Mutex
	roster map[types.DocumentID]map[uint32]Entry
	owners map[*ws.Connection]map[uint32]struct{}
}

// NewTracker constructs a presence tracker. client and publisher may be nil.
func NewTracker(client *redis.Client, registry *ws.ConnectionRegistry, publisher Publisher, ttl time.Duration, logger zerolog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Tracker{
		client:    client,
		registry:  registry,
		publisher: publisher,
		logger:    logger,
		ttl:       ttl,
		roster:    make(map[types.DocumentID]map[uint32]Entry),
		owners:    make(map[*ws.Connection]map[uint32]struct{}),
	}
}

// Start begins background maintenance.
func (t *Tracker) Start(ctx context.Context) {
	go t.expireLoop(ctx)
}

// Observe records the entries carried by a presence envelope sent by conn.
func (t *Tracker) Observe(ctx context.Context, conn *ws.Connection, env types.Envelope) error {
	raw, err := codec.Decode(env.Payload)
	if err != nil {
		return err
	}
	entries, err := awareness.DecodeUpdate(raw)
	if err != nil {
		return err
	}

	now := time.Now()
	var stored []Entry
	var removed []uint32

	t.mu.Lock()
	roster := t.ensureRoster(conn.DocumentID())
	owned := t.owners[conn]
	if owned == nil {
		owned = make(map[uint32]struct{})
		t.owners[conn] = owned
	}
	for _, e := range entries {
		if prev, ok := roster[e.PeerID]; ok && prev.Clock > e.Clock {
			continue
		}
		if e.State == nil {
			delete(roster, e.PeerID)
			delete(owned, e.PeerID)
			removed = append(removed, e.PeerID)
			continue
		}
		entry := Entry{ClientID: conn.ClientID(), PeerID: e.PeerID, Clock: e.Clock, State: e.State, SeenAt: now}
		roster[e.PeerID] = entry
		owned[e.PeerID] = struct{}{}
		stored = append(stored, entry)
	}
	t.mu.Unlock()

	t.persist(ctx, conn.DocumentID(), stored, removed)
	return nil
}

// Replay sends the known roster of the connection's document to it, one
// presence envelope per owning client. Entries owned by the connection's own
// client are skipped.
func (t *Tracker) Replay(ctx context.Context, conn *ws.Connection) error {
	entries, err := t.Roster(ctx, conn.DocumentID())
	if err != nil {
		t.logger.Warn().Err(err).Msg("failed to load shared roster; replaying local entries")
	}

	byClient := make(map[types.ClientID][]awareness.Entry)
	for _, e := range entries {
		if e.ClientID == conn.ClientID() {
			continue
		}
		byClient[e.ClientID] = append(byClient[e.ClientID], awareness.Entry{PeerID: e.PeerID, Clock: e.Clock, State: e.State})
	}

	clients := make([]types.ClientID, 0, len(byClient))
	for id := range byClient {
		clients = append(clients, id)
	}
	slices.Sort(clients)

	for _, id := range clients {
		update, err := awareness.EncodeEntries(byClient[id])
		if err != nil {
			return fmt.Errorf("encode roster for %s: %w", id, err)
		}
		if err := conn.SendEnvelope(types.Envelope{
			Type:       types.MessagePresence,
			DocumentID: conn.DocumentID(),
			ClientID:   id,
			Payload:    codec.Encode(update),
		}); err != nil {
			return fmt.Errorf("send roster entry: %w", err)
		}
	}
	return nil
}

// Roster returns the entries known for a document, merged with the shared
// roster in Redis when configured. The newest clock wins per peer.
func (t *Tracker) Roster(ctx context.Context, documentID types.DocumentID) ([]Entry, error) {
	merged := make(map[uint32]Entry)
	t.mu.Lock()
	for id, e := range t.roster[documentID] {
		merged[id] = e
	}
	t.mu.Unlock()

	var loadErr error
	if t.client != nil {
		shared, err := t.loadShared(ctx, documentID)
		if err != nil {
			loadErr = err
		}
		for _, e := range shared {
			if cur, ok := merged[e.PeerID]; !ok || cur.Clock < e.Clock {
				merged[e.PeerID] = e
			}
		}
	}

	out := make([]Entry, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.PeerID, b.PeerID) })
	return out, loadErr
}

// Disconnect broadcasts the removal of every entry conn announced, with a
// clock one past the last seen so peers accept it.
func (t *Tracker) Disconnect(ctx context.Context, conn *ws.Connection) {
	t.mu.Lock()
	owned := t.owners[conn]
	delete(t.owners, conn)
	roster := t.roster[conn.DocumentID()]
	var removals []awareness.Entry
	var removed []uint32
	for id := range owned {
		e, ok := roster[id]
		if !ok {
			continue
		}
		delete(roster, id)
		removals = append(removals, awareness.Entry{PeerID: id, Clock: e.Clock + 1})
		removed = append(removed, id)
	}
	if len(roster) == 0 {
		delete(t.roster, conn.DocumentID())
	}
	t.mu.Unlock()

	if len(removals) == 0 {
		return
	}
	slices.SortFunc(removals, func(a, b awareness.Entry) int { return cmp.Compare(a.PeerID, b.PeerID) })

	update, err := awareness.EncodeEntries(removals)
	if err != nil {
		t.logger.Warn().Err(err).Msg("failed to encode presence removal")
		return
	}
	env := types.Envelope{
		Type:       types.MessagePresence,
		DocumentID: conn.DocumentID(),
		ClientID:   conn.ClientID(),
		Payload:    codec.Encode(update),
	}
	t.registry.BroadcastEnvelope(env)
	if t.publisher != nil {
		if err := t.publisher.Publish(ctx, env); err != nil {
			t.logger.Warn().Err(err).Msg("failed to publish presence removal")
		}
	}
	t.persist(ctx, conn.DocumentID(), nil, removed)
}

func (t *Tracker) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.pruneExpired(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// pruneExpired forgets entries not refreshed within the ttl. Clients time
// stale peers out on their own, so nothing is broadcast.
func (t *Tracker) pruneExpired(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for doc, roster := range t.roster {
		for id, e := range roster {
			if now.Sub(e.SeenAt) > t.ttl {
				t.logger.Debug().Str("document", string(doc)).Uint32("peer", id).Msg("presence expired")
				delete(roster, id)
			}
		}
		if len(roster) == 0 {
			delete(t.roster, doc)
		}
	}
}

func (t *Tracker) persist(ctx context.Context, documentID types.DocumentID, stored []Entry, removed []uint32) {
	if t.client == nil {
		return
	}
	for _, e := range stored {
		payload, err := json.Marshal(e)
		if err != nil {
			t.logger.Warn().Err(err).Msg("failed to encode presence entry")
			continue
		}
		if err := t.client.Set(ctx, t.key(documentID, e.PeerID), payload, t.ttl).Err(); err != nil {
			t.logger.Warn().Err(err).Msg("failed to cache presence")
		}
	}
	for _, id := range removed {
		key := t.key(documentID, id)
		if err := t.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
			t.logger.Warn().Err(err).Str("key", key).Msg("failed to delete presence key")
		}
	}
}

func (t *Tracker) loadShared(ctx context.Context, documentID types.DocumentID) ([]Entry, error) {
	iter := t.client.Scan(ctx, 0, t.keyPrefix(documentID)+"*", scanBatchSize).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence values: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for _, raw := range values {
		strVal, ok := raw.(string)
		if !ok || strVal == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(strVal), &e); err != nil {
			t.logger.Warn().Err(err).Msg("failed to decode presence value")
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (t *Tracker) keyPrefix(documentID types.DocumentID) string {
	return keyPrefix + string(documentID) + ":peer:"
}

func (t *Tracker) key(documentID types.DocumentID, peerID uint32) string {
	return t.keyPrefix(documentID) + strconv.FormatUint(uint64(peerID), 10)
}

func (t *Tracker) ensureRoster(documentID types.DocumentID) map[uint32]Entry {
	roster, ok := t.roster[documentID]
	if !ok {
		roster = make(map[uint32]Entry)
		t.roster[documentID] = roster
	}
	return roster
}

// WrapHooks installs presence handling into the provided hook set, preserving
// any existing callbacks for composition.
func (t *Tracker) WrapHooks(base ws.Hooks) ws.Hooks {
	baseMessage := base.OnMessage
	base.OnMessage = func(ctx context.Context, conn *ws.Connection, env types.Envelope) error {
		if env.Type == types.MessagePresence {
			if err := t.Observe(ctx, conn, env); err != nil {
				t.logger.Debug().Err(err).Msg("presence payload not tracked")
			}
		}
		if baseMessage != nil {
			return baseMessage(ctx, conn, env)
		}
		return nil
	}

	baseConnect := base.OnConnect
	base.OnConnect = func(ctx context.Context, conn *ws.Connection) error {
		if baseConnect != nil {
			if err := baseConnect(ctx, conn); err != nil {
				return err
			}
		}
		return t.Replay(ctx, conn)
	}

	baseDisconnect := base.OnDisconnect
	base.OnDisconnect = func(conn *ws.Connection) {
		if baseDisconnect != nil {
			baseDisconnect(conn)
		}
		t.Disconnect(context.Background(), conn)
	}

	return base
}
