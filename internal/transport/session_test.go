package transport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/types"
)

type recorder struct {
	mu       sync.Mutex
	statuses []Status
	messages [][]byte
	changed  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{changed: make(chan struct{}, 64)}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnMessage: func(data []byte) {
			r.mu.Lock()
			r.messages = append(r.messages, data)
			r.mu.Unlock()
			r.changed <- struct{}{}
		},
		OnStatus: func(s Status) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
			r.changed <- struct{}{}
		},
	}
}

func (r *recorder) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		r.mu.Lock()
		ok := cond()
		r.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-r.changed:
		case <-deadline:
			t.Fatalf("condition not met in time")
		}
	}
}

type echoServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	queries []string
	frames  chan []byte
	conns   chan *websocket.Conn
}

func newEchoServer(t *testing.T) *echoServer {
	s := &echoServer{frames: make(chan []byte, 16), conns: make(chan *websocket.Conn, 4)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.queries = append(s.queries, r.URL.RawQuery)
		s.mu.Unlock()
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.frames <- data
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *echoServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func TestEndpointAddsIdentity(t *testing.T) {
	got, err := Endpoint("ws://localhost:8090/ws?token=x", "d1", "c 1")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if got != "ws://localhost:8090/ws?client_id=c+1&document_id=d1&token=x" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	if got, _ := Endpoint("https://example.com/ws", "d", "c"); !strings.HasPrefix(got, "wss://") {
		t.Fatalf("https should map to wss, got %q", got)
	}
	if _, err := Endpoint("ftp://example.com", "d", "c"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestSessionExchangesFrames(t *testing.T) {
	srv := newEchoServer(t)
	rec := newRecorder()
	sess, err := New(Config{URL: srv.wsURL(), DocumentID: "d1", ClientID: "a1"}, rec.handlers(), zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if sess.Send(types.Envelope{Type: types.MessageUpdate}) {
		t.Fatalf("send before open must be dropped")
	}

	sess.Open()
	sess.Open()
	rec.waitFor(t, func() bool { return len(rec.statuses) == 1 })
	if rec.statuses[0] != StatusConnected {
		t.Fatalf("expected connected, got %v", rec.statuses)
	}

	srv.mu.Lock()
	query := srv.queries[0]
	srv.mu.Unlock()
	if !strings.Contains(query, "document_id=d1") || !strings.Contains(query, "client_id=a1") {
		t.Fatalf("identity missing from query %q", query)
	}

	if !sess.Send(types.Envelope{Type: types.MessageUpdate, DocumentID: "d1", ClientID: "a1", Payload: "AQI="}) {
		t.Fatalf("send on open session failed")
	}
	select {
	case frame := <-srv.frames:
		env, err := types.DecodeEnvelope(frame)
		if err != nil || env.Payload != "AQI=" || env.DocumentID != "d1" {
			t.Fatalf("unexpected frame %s (%v)", frame, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not receive frame")
	}

	serverConn := <-srv.conns
	for _, msg := range []string{"one", "two", "three"} {
		if err := serverConn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}
	rec.waitFor(t, func() bool { return len(rec.messages) == 3 })
	for i, want := range []string{"one", "two", "three"} {
		if string(rec.messages[i]) != want {
			t.Fatalf("message %d = %q, want %q", i, rec.messages[i], want)
		}
	}

	sess.Close()
	sess.Close()
	if sess.Send(types.Envelope{Type: types.MessageUpdate}) {
		t.Fatalf("send after close must be dropped")
	}
	rec.waitFor(t, func() bool { return len(rec.statuses) == 2 })
	if rec.statuses[1] != StatusDisconnected {
		t.Fatalf("expected disconnected, got %v", rec.statuses)
	}
}

func TestDialFailureReportsDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	rec := newRecorder()
	sess, err := New(Config{URL: url, DocumentID: "d1", ClientID: "a1"}, rec.handlers(), zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sess.Open()
	defer sess.Close()

	rec.waitFor(t, func() bool { return len(rec.statuses) == 1 })
	if rec.statuses[0] != StatusDisconnected {
		t.Fatalf("expected disconnected, got %v", rec.statuses)
	}
	if sess.Connected() {
		t.Fatalf("session should not be connected")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := newEchoServer(t)
	rec := newRecorder()
	sess, err := New(Config{
		URL:        srv.wsURL(),
		DocumentID: "d1",
		ClientID:   "a1",
		Reconnect:  ReconnectConfig{Enabled: true, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond},
	}, rec.handlers(), zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sess.Open()
	defer sess.Close()

	rec.waitFor(t, func() bool { return len(rec.statuses) == 1 })
	first := <-srv.conns
	_ = first.Close()

	rec.waitFor(t, func() bool { return len(rec.statuses) == 3 })
	want := []Status{StatusConnected, StatusDisconnected, StatusConnected}
	for i := range want {
		if rec.statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", rec.statuses, want)
		}
	}
}
