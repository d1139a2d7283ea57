package ws

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/types"
)

func startGateway(t *testing.T, hooks Hooks) (*httptest.Server, *ConnectionRegistry) {
	t.Helper()
	registry := NewConnectionRegistry()
	gw, err := NewGateway(registry, zerolog.New(io.Discard), hooks, GatewayConfig{HeartbeatInterval: time.Hour})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGatewayRequiresIdentity(t *testing.T) {
	srv, _ := startGateway(t, Hooks{})
	for _, query := range []string{"", "document_id=d1", "client_id=c1"} {
		resp, err := http.Get(srv.URL + "/?" + query)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("query %q: expected 400, got %d", query, resp.StatusCode)
		}
	}
}

func TestGatewayOverridesIdentityAndBroadcasts(t *testing.T) {
	received := make(chan types.Envelope, 4)
	hooks := Hooks{
		OnMessage: func(_ context.Context, conn *Connection, env types.Envelope) error {
			received <- env
			conn.Registry().BroadcastEnvelope(env)
			return nil
		},
	}
	srv, registry := startGateway(t, hooks)

	a := dial(t, srv, "document_id=d1&client_id=a1")
	b := dial(t, srv, "document_id=d1&client_id=b1")
	other := dial(t, srv, "document_id=d2&client_id=c1")
	waitFor(t, func() bool { return registry.Count("d1") == 2 && registry.Count("d2") == 1 })

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"yjs_update","document_id":"spoof","client_id":"spoof","payload":"AQ=="}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// garbage is skipped without closing the connection
	if err := a.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case env := <-received:
		if env.DocumentID != "d1" || env.ClientID != "a1" || env.Payload != "AQ==" {
			t.Fatalf("identity not enforced: %+v", env)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("hook not invoked")
	}

	_ = b.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	env, err := types.DecodeEnvelope(data)
	if err != nil || env.ClientID != "a1" {
		t.Fatalf("unexpected broadcast %s (%v)", data, err)
	}

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Fatalf("other document received a broadcast")
	}

	ids := registry.ClientIDs("d1")
	if len(ids) != 2 || ids[0] != "a1" || ids[1] != "b1" {
		t.Fatalf("unexpected client ids %v", ids)
	}
}

func TestGatewayHooksLifecycle(t *testing.T) {
	connected := make(chan types.ClientID, 1)
	disconnected := make(chan types.ClientID, 1)
	srv, registry := startGateway(t, Hooks{
		OnConnect: func(_ context.Context, conn *Connection) error {
			connected <- conn.ClientID()
			return conn.SendEnvelope(types.Envelope{Type: types.MessageUserName, DocumentID: conn.DocumentID(), ClientID: conn.ClientID(), Payload: "Hi"})
		},
		OnDisconnect: func(conn *Connection) { disconnected <- conn.ClientID() },
	})

	conn := dial(t, srv, "document_id=d1&client_id=a1")
	if id := <-connected; id != "a1" {
		t.Fatalf("unexpected connect id %q", id)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil || !strings.Contains(string(data), `"user_name"`) {
		t.Fatalf("greeting not delivered: %s %v", data, err)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case id := <-disconnected:
		if id != "a1" {
			t.Fatalf("unexpected disconnect id %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("disconnect hook not invoked")
	}
	waitFor(t, func() bool { return registry.Count("d1") == 0 })
}
