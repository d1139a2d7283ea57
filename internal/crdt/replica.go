package crdt

import (
	"slices"

	"github.com/example/doclet/internal/types"
)

// UpdateListener receives every change applied to a replica together with the
// update bytes describing it and the origin of the change.
type UpdateListener func(update []byte, origin types.Origin)

// Replica is the convergent document store the sync provider drives. Local
// edits are made through the concrete implementation; the provider only needs
// to merge remote updates, produce full-state snapshots and observe changes.
type Replica interface {
	ApplyUpdate(update []byte, origin types.Origin) error
	EncodeStateAsUpdate() []byte
	OnUpdate(listener UpdateListener) (unsubscribe func())
}

type listenerSet struct {
	next      int
	listeners map[int]UpdateListener
}

func (s *listenerSet) add(l UpdateListener) int {
	if s.listeners == nil {
		s.listeners = make(map[int]UpdateListener)
	}
	id := s.next
	s.next++
	s.listeners[id] = l
	return id
}

func (s *listenerSet) remove(id int) {
	delete(s.listeners, id)
}

func (s *listenerSet) snapshot() []UpdateListener {
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]UpdateListener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}
