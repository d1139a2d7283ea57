// Package cursor turns presence entries into what an editor draws for remote
// carets: a label and a stable color.
package cursor

import (
	"fmt"
	"slices"
	"unicode/utf16"

	"github.com/example/doclet/internal/awareness"
	"github.com/example/doclet/internal/types"
)

const (
	// Anonymous labels peers with neither an inline nor a cached name.
	Anonymous = "Anonymous"

	fallbackSeed = "user"
)

// NameLookup resolves a client id to the display name announced by the relay.
type NameLookup interface {
	UserName(id types.ClientID) (string, bool)
}

// Names is a plain map NameLookup.
type Names map[types.ClientID]string

func (n Names) UserName(id types.ClientID) (string, bool) {
	name, ok := n[id]
	return name, ok && name != ""
}

// Label is the rendering of one remote caret.
type Label struct {
	PeerID   uint32
	ClientID types.ClientID
	Text     string
	Color    string
	Cursor   *awareness.Cursor
}

// ColorFromSeed hashes seed to an hsl color. The hash runs over UTF-16 code
// units with 32-bit shifts so it matches the browser clients exactly.
func ColorFromSeed(seed string) string {
	var hash int64
	for _, c := range utf16.Encode([]rune(seed)) {
		shifted := int64(int32(uint32(int32(hash)) << 5))
		hash = int64(c) + (shifted - hash)
	}
	if hash < 0 {
		hash = -hash
	}
	return fmt.Sprintf("hsl(%d, 70%%, 45%%)", hash%360)
}

// UserColor is the color a client advertises for itself.
func UserColor(name string, id types.ClientID) string {
	return ColorFromSeed(name + string(id))
}

// ResolveLabel picks the inline name, then the cached name for the entry's
// client id, then Anonymous.
func ResolveLabel(user types.User, names NameLookup) string {
	if user.Name != "" {
		return user.Name
	}
	if user.ClientID != "" && names != nil {
		if name, ok := names.UserName(types.ClientID(user.ClientID)); ok && name != "" {
			return name
		}
	}
	return Anonymous
}

// Render resolves the label and color for one presence entry.
func Render(peerID uint32, state awareness.State, names NameLookup) Label {
	text := ResolveLabel(state.User, names)
	seed := text
	if seed == "" {
		seed = fallbackSeed
	}
	return Label{
		PeerID:   peerID,
		ClientID: types.ClientID(state.User.ClientID),
		Text:     text,
		Color:    ColorFromSeed(seed),
		Cursor:   state.Cursor,
	}
}

// Peers renders every remote entry of the register, ordered by peer id.
func Peers(reg *awareness.Awareness, names NameLookup) []Label {
	states := reg.States()
	ids := make([]uint32, 0, len(states))
	for id := range states {
		if id != reg.PeerID() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	out := make([]Label, 0, len(ids))
	for _, id := range ids {
		out = append(out, Render(id, states[id], names))
	}
	return out
}
