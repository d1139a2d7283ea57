package ws

import (
	"slices"
	"sync"

	"github.com/example/doclet/internal/types"
)

// ConnectionRegistry tracks active WebSocket connections keyed by document ID
// so downstream services can broadcast efficiently.
type ConnectionRegistry struct {
	mu        sync.RWMutex
	documents map[types.DocumentID]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{documents: make(map[types.DocumentID]map[*Connection]struct{})}
}

// Register associates the connection with a document.
func (r *ConnectionRegistry) Register(documentID types.DocumentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.documents[documentID]
	if conns == nil {
		conns = make(map[*Connection]struct{})
		r.documents[documentID] = conns
		gatewayDocuments.Inc()
	}
	if _, ok := conns[c]; !ok {
		conns[c] = struct{}{}
		gatewayConnections.Inc()
	}
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(documentID types.DocumentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.documents[documentID]
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	gatewayConnections.Dec()
	if len(conns) == 0 {
		delete(r.documents, documentID)
		gatewayDocuments.Dec()
	}
}

// ClientIDs lists the distinct clients connected to a document in sorted order.
func (r *ConnectionRegistry) ClientIDs(documentID types.DocumentID) []types.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]types.ClientID, 0, len(r.documents[documentID]))
	for c := range r.documents[documentID] {
		ids = append(ids, c.ClientID())
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Count returns the number of connections attached to a document.
func (r *ConnectionRegistry) Count(documentID types.DocumentID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.documents[documentID])
}

// Broadcast delivers the payload to every connection currently attached to
// the document. The sender connection can be skipped to avoid echoing.
func (r *ConnectionRegistry) Broadcast(documentID types.DocumentID, payload []byte, skip *Connection) int {
	return r.broadcast(documentID, payload, func(c *Connection) bool { return c == skip })
}

// BroadcastByClientID delivers the payload to every connection for the
// document except those of skipClientID. It serves messages arriving over
// pub/sub where the originating connection is not known locally.
func (r *ConnectionRegistry) BroadcastByClientID(documentID types.DocumentID, payload []byte, skipClientID types.ClientID) int {
	return r.broadcast(documentID, payload, func(c *Connection) bool {
		return skipClientID != "" && c.ClientID() == skipClientID
	})
}

// BroadcastEnvelope encodes env and forwards it to every client but the sender.
func (r *ConnectionRegistry) BroadcastEnvelope(env types.Envelope) int {
	data, err := env.Encode()
	if err != nil {
		return 0
	}
	return r.BroadcastByClientID(env.DocumentID, data, env.ClientID)
}

func (r *ConnectionRegistry) broadcast(documentID types.DocumentID, payload []byte, skip func(*Connection) bool) int {
	r.mu.RLock()
	conns := r.documents[documentID]
	if len(conns) == 0 {
		r.mu.RUnlock()
		return 0
	}
	recipients := make([]*Connection, 0, len(conns))
	for c := range conns {
		if !skip(c) {
			recipients = append(recipients, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.SendText(payload); err == nil {
			sent++
		}
	}
	return sent
}
