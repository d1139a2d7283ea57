package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/crdt"
	"github.com/example/doclet/internal/presence"
	"github.com/example/doclet/internal/provider"
	"github.com/example/doclet/internal/types"
	"github.com/example/doclet/internal/ws"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []types.Envelope
	snapshots []types.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, env types.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, env)
	return nil
}

func (p *recordingPublisher) PublishSnapshot(_ context.Context, env types.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, env)
	return nil
}

func (p *recordingPublisher) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published), len(p.snapshots)
}

type fixture struct {
	srv      *httptest.Server
	registry *ws.ConnectionRegistry
}

func startRelay(t *testing.T, opts Options) fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	registry := ws.NewConnectionRegistry()
	if opts.Presence == nil {
		opts.Presence = presence.NewTracker(nil, registry, nil, time.Minute, logger)
	}
	server := NewServer(registry, logger, opts)
	gw, err := ws.NewGateway(registry, logger, server.Hooks(), ws.GatewayConfig{HeartbeatInterval: time.Hour})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	srv := httptest.NewServer(server.Router(gw))
	t.Cleanup(srv.Close)
	return fixture{srv: srv, registry: registry}
}

func (f fixture) dial(t *testing.T, doc, client string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?document_id=" + doc + "&client_id=" + client
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) types.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := types.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func write(t *testing.T, conn *websocket.Conn, env types.Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNameForClientIsStable(t *testing.T) {
	name := NameForClient("client-1")
	if name != NameForClient("client-1") {
		t.Fatalf("name must be deterministic")
	}
	parts := strings.Split(name, " ")
	if len(parts) != 2 {
		t.Fatalf("expected adjective and noun, got %q", name)
	}
	if !contains(adjectives, parts[0]) || !contains(nouns, parts[1]) {
		t.Fatalf("name %q not drawn from the word lists", name)
	}
	// fnv-1a("") is 0x811c9dc5.
	if got := NameForClient(""); got != "Calm Willow" {
		t.Fatalf("unexpected name for empty id: %q", got)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestHealthz(t *testing.T) {
	f := startRelay(t, Options{})
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestConnectAnnouncesNames(t *testing.T) {
	f := startRelay(t, Options{})

	alice := f.dial(t, "d1", "alice")
	env := read(t, alice)
	if env.Type != types.MessageUserName || env.ClientID != "alice" || env.Payload != NameForClient("alice") {
		t.Fatalf("unexpected self name %+v", env)
	}

	bob := f.dial(t, "d1", "bob")
	got := map[types.ClientID]string{}
	for range 2 {
		env := read(t, bob)
		if env.Type != types.MessageUserName {
			t.Fatalf("unexpected envelope %+v", env)
		}
		got[env.ClientID] = env.Payload
	}
	if got["bob"] != NameForClient("bob") || got["alice"] != NameForClient("alice") {
		t.Fatalf("unexpected names for joiner: %v", got)
	}

	env = read(t, alice)
	if env.Type != types.MessageUserName || env.ClientID != "bob" || env.Payload != NameForClient("bob") {
		t.Fatalf("expected bob's name announced to alice, got %+v", env)
	}
}

func TestUpdatesAreRelayedAndPublished(t *testing.T) {
	pub := &recordingPublisher{}
	f := startRelay(t, Options{Publisher: pub})

	alice := f.dial(t, "d1", "alice")
	read(t, alice)
	bob := f.dial(t, "d1", "bob")
	read(t, bob)
	read(t, bob)
	read(t, alice)

	// Ids in the frame are replaced with the handshake identity.
	write(t, alice, types.Envelope{Type: types.MessageUpdate, DocumentID: "other", ClientID: "mallory", Payload: "AQID"})
	env := read(t, bob)
	if env.Type != types.MessageUpdate || env.DocumentID != "d1" || env.ClientID != "alice" || env.Payload != "AQID" {
		t.Fatalf("unexpected relayed update %+v", env)
	}
	waitFor(t, func() bool { n, _ := pub.counts(); return n == 1 })
}

func TestSnapshotForwardedAsUpdateAndHandedOff(t *testing.T) {
	pub := &recordingPublisher{}
	f := startRelay(t, Options{Publisher: pub})

	alice := f.dial(t, "d1", "alice")
	read(t, alice)
	bob := f.dial(t, "d1", "bob")
	read(t, bob)
	read(t, bob)
	read(t, alice)

	write(t, alice, types.Envelope{Type: types.MessageSnapshot, Payload: "BAUG"})
	env := read(t, bob)
	if env.Type != types.MessageUpdate || env.Payload != "BAUG" {
		t.Fatalf("expected snapshot forwarded as update, got %+v", env)
	}
	waitFor(t, func() bool { n, s := pub.counts(); return n == 1 && s == 1 })

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.snapshots[0].Type != types.MessageSnapshot || pub.snapshots[0].DocumentID != "d1" {
		t.Fatalf("unexpected snapshot handoff %+v", pub.snapshots[0])
	}
	if pub.published[0].Type != types.MessageUpdate {
		t.Fatalf("expected published update, got %+v", pub.published[0])
	}
}

func TestUnknownAndUserNameFramesAreDropped(t *testing.T) {
	pub := &recordingPublisher{}
	f := startRelay(t, Options{Publisher: pub})

	alice := f.dial(t, "d1", "alice")
	read(t, alice)
	bob := f.dial(t, "d1", "bob")
	read(t, bob)
	read(t, bob)
	read(t, alice)

	write(t, alice, types.Envelope{Type: "cursor_jump", Payload: "x"})
	write(t, alice, types.Envelope{Type: types.MessageUserName, Payload: "Mallory"})
	write(t, alice, types.Envelope{Type: types.MessageUpdate, Payload: "AA=="})

	env := read(t, bob)
	if env.Type != types.MessageUpdate {
		t.Fatalf("expected only the update to be relayed, got %+v", env)
	}
	if n, s := pub.counts(); n != 1 || s != 0 {
		t.Fatalf("unexpected publishes: %d updates, %d snapshots", n, s)
	}
}

func newProvider(t *testing.T, f fixture, seed []byte, client string) (*provider.Provider, *crdt.TextDoc) {
	t.Helper()
	doc, err := crdt.LoadTextDoc(seed)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, err := provider.New(provider.Options{
		DocumentID:    "d1",
		ClientID:      types.ClientID(client),
		URL:           f.srv.URL + "/ws",
		Doc:           doc,
		User:          types.User{Name: client, Color: "hsl(1, 70%, 45%)"},
		Logger:        zerolog.New(io.Discard),
		SnapshotDelay: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	t.Cleanup(p.Destroy)
	return p, doc
}

func TestProvidersConvergeThroughRelay(t *testing.T) {
	pub := &recordingPublisher{}
	f := startRelay(t, Options{Publisher: pub})
	seed, err := crdt.EmptySnapshot()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	a, docA := newProvider(t, f, seed, "alice")
	waitFor(t, func() bool { return f.registry.Count("d1") == 1 })
	if err := docA.Insert(0, "hello"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// The late joiner catches up from alice's debounced snapshot.
	b, docB := newProvider(t, f, seed, "bob")
	waitFor(t, func() bool { return f.registry.Count("d1") == 2 })
	if err := docA.Insert(5, " world"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	waitFor(t, func() bool { return docB.Text() == "hello world" })

	if err := docB.Insert(0, ">"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	waitFor(t, func() bool { return docA.Text() == ">hello world" })

	waitFor(t, func() bool {
		name, ok := a.UserName("bob")
		return ok && name == NameForClient("bob")
	})
	waitFor(t, func() bool {
		name, ok := b.UserName("bob")
		return ok && name == NameForClient("bob")
	})
	waitFor(t, func() bool { return len(a.Awareness().States()) == 2 })
	waitFor(t, func() bool { _, s := pub.counts(); return s > 0 })
}
