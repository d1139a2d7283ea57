package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultDocServiceURL = "http://localhost:8080"
	DefaultCollabWSURL   = "ws://localhost:8090/ws"
)

// ClientConfig tells editors where the document service and the relay live.
type ClientConfig struct {
	DocServiceURL string `json:"docServiceUrl"`
	CollabWSURL   string `json:"collabWsUrl"`
}

// DefaultClientConfig is used when no configuration source is reachable.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{DocServiceURL: DefaultDocServiceURL, CollabWSURL: DefaultCollabWSURL}
}

// ClientLoader fetches ClientConfig from a JSON endpoint on first use and
// keeps it for the life of the process. Failed loads fall back to defaults
// and are retried on the next call.
type ClientLoader struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger

	mu     sync.Mutex
	cached *ClientConfig
}

// NewClientLoader builds a loader for endpoint. An empty endpoint always
// yields the defaults.
func NewClientLoader(endpoint string, client *http.Client, logger zerolog.Logger) *ClientLoader {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &ClientLoader{endpoint: endpoint, client: client, logger: logger}
}

// Load returns the memoized configuration, fetching it if needed. Concurrent
// callers wait for a single fetch.
func (l *ClientLoader) Load(ctx context.Context) ClientConfig {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil {
		return *l.cached
	}
	if l.endpoint == "" {
		cfg := DefaultClientConfig()
		l.cached = &cfg
		return cfg
	}

	cfg, err := l.fetch(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Str("endpoint", l.endpoint).Msg("client config unavailable; using defaults")
		return DefaultClientConfig()
	}
	l.cached = &cfg
	return cfg
}

func (l *ClientLoader) fetch(ctx context.Context) (ClientConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint, nil)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("build config request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := l.client.Do(req)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ClientConfig{}, fmt.Errorf("fetch config: unexpected status %d", resp.StatusCode)
	}

	var cfg ClientConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DocServiceURL == "" {
		cfg.DocServiceURL = DefaultDocServiceURL
	}
	if cfg.CollabWSURL == "" {
		cfg.CollabWSURL = DefaultCollabWSURL
	}
	return cfg, nil
}
