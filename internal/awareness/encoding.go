package awareness

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedUpdate is returned when an awareness update cannot be decoded.
var ErrMalformedUpdate = errors.New("awareness: malformed update")

// Entry is one decoded record of an awareness update. A nil State marks the
// peer as gone.
type Entry struct {
	PeerID uint32
	Clock  uint32
	State  *State
}

// EncodeUpdate serializes the current entries of the given peers as
//
//	varuint(count) { varuint(peer) varuint(clock) varstring(json state) }
//
// Removed peers are encoded with a JSON null state. Peers never seen are skipped.
func (a *Awareness) EncodeUpdate(ids []uint32) ([]byte, error) {
	a.mu.Lock()
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		e := Entry{PeerID: id, Clock: m.clock}
		if s, ok := a.states[id]; ok {
			s = s.clone()
			e.State = &s
		}
		entries = append(entries, e)
	}
	a.mu.Unlock()

	return EncodeEntries(entries)
}

// EncodeEntries serializes entries without consulting a register.
func EncodeEntries(entries []Entry) ([]byte, error) {
	buf := protowire.AppendVarint(nil, uint64(len(entries)))
	for _, e := range entries {
		state := []byte("null")
		if e.State != nil {
			var err error
			if state, err = json.Marshal(e.State); err != nil {
				return nil, fmt.Errorf("encode awareness state %d: %w", e.PeerID, err)
			}
		}
		buf = protowire.AppendVarint(buf, uint64(e.PeerID))
		buf = protowire.AppendVarint(buf, uint64(e.Clock))
		buf = protowire.AppendBytes(buf, state)
	}
	return buf, nil
}

// DecodeUpdate parses an encoded update without applying it.
func DecodeUpdate(update []byte) ([]Entry, error) {
	count, n := protowire.ConsumeVarint(update)
	if n < 0 {
		return nil, fmt.Errorf("%w: count: %v", ErrMalformedUpdate, protowire.ParseError(n))
	}
	update = update[n:]

	// each entry takes at least three bytes
	entries := make([]Entry, 0, min(count, uint64(len(update)/3)))
	for i := uint64(0); i < count; i++ {
		peer, n := protowire.ConsumeVarint(update)
		if n < 0 {
			return nil, fmt.Errorf("%w: peer: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		update = update[n:]

		clock, n := protowire.ConsumeVarint(update)
		if n < 0 {
			return nil, fmt.Errorf("%w: clock: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		update = update[n:]

		raw, n := protowire.ConsumeBytes(update)
		if n < 0 {
			return nil, fmt.Errorf("%w: state: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		update = update[n:]

		if peer > math.MaxUint32 || clock > math.MaxUint32 {
			return nil, fmt.Errorf("%w: peer or clock out of range", ErrMalformedUpdate)
		}

		e := Entry{PeerID: uint32(peer), Clock: uint32(clock)}
		if string(raw) != "null" {
			var s State
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("%w: state of %d: %v", ErrMalformedUpdate, peer, err)
			}
			e.State = &s
		}
		entries = append(entries, e)
	}
	return entries, nil
}
