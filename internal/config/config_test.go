package config

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"DOCLET_COLLAB_ADDR", "DOCLET_DOCUMENT_ADDR", "REDIS_ADDR", "OBJECT_ENDPOINT", "WS_SEND_BUFFER", "SNAPSHOT_ARCHIVE_INTERVAL"} {
		t.Setenv(key, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CollabAddr != ":8090" || cfg.DocumentAddr != ":8080" {
		t.Fatalf("unexpected listen defaults %q %q", cfg.CollabAddr, cfg.DocumentAddr)
	}
	if cfg.RedisAddr != "" || cfg.ObjectEndpoint != "" {
		t.Fatalf("optional dependencies should default to disabled")
	}
	if cfg.ArchiveInterval != time.Minute || cfg.SendBuffer != 256 {
		t.Fatalf("unexpected tuning defaults %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DOCLET_COLLAB_ADDR", ":9999")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("WS_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("OBJECT_USE_SSL", "not-a-bool")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CollabAddr != ":9999" || cfg.RedisDB != 3 || cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ObjectUseSSL {
		t.Fatalf("unparseable bool should fall back to default")
	}
}

func TestLoadRequiresObjectCredentials(t *testing.T) {
	t.Setenv("OBJECT_ENDPOINT", "localhost:9000")
	t.Setenv("OBJECT_ACCESS_KEY", "")
	t.Setenv("OBJECT_SECRET_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected missing credentials error")
	}
}

func TestClientLoaderMemoizes(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"docServiceUrl":"http://docs:8080","collabWsUrl":"ws://collab:8090/ws"}`)
	}))
	defer srv.Close()

	loader := NewClientLoader(srv.URL, srv.Client(), zerolog.New(io.Discard))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := loader.Load(context.Background())
			if cfg.DocServiceURL != "http://docs:8080" || cfg.CollabWSURL != "ws://collab:8090/ws" {
				t.Errorf("unexpected config %+v", cfg)
			}
		}()
	}
	wg.Wait()
	if hits.Load() != 1 {
		t.Fatalf("expected one fetch, got %d", hits.Load())
	}
}

func TestClientLoaderFallsBack(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	loader := NewClientLoader(srv.URL, srv.Client(), zerolog.New(io.Discard))
	if cfg := loader.Load(context.Background()); cfg != DefaultClientConfig() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	loader.Load(context.Background())
	if hits.Load() != 2 {
		t.Fatalf("failed loads should be retried, got %d fetches", hits.Load())
	}
}

func TestClientLoaderUnreachableAndPartial(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()
	if cfg := NewClientLoader(url, nil, zerolog.New(io.Discard)).Load(context.Background()); cfg != DefaultClientConfig() {
		t.Fatalf("expected defaults for unreachable endpoint, got %+v", cfg)
	}

	partial := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"docServiceUrl":"http://docs"}`)
	}))
	defer partial.Close()
	cfg := NewClientLoader(partial.URL, nil, zerolog.New(io.Discard)).Load(context.Background())
	if cfg.DocServiceURL != "http://docs" || cfg.CollabWSURL != DefaultCollabWSURL {
		t.Fatalf("missing fields should take defaults, got %+v", cfg)
	}

	if cfg := NewClientLoader("", nil, zerolog.New(io.Discard)).Load(context.Background()); cfg != DefaultClientConfig() {
		t.Fatalf("empty endpoint should yield defaults")
	}
}
