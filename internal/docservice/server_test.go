package docservice

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/crdt"
	"github.com/example/doclet/internal/history"
	"github.com/example/doclet/internal/storage"
	"github.com/example/doclet/internal/types"
)

type memoryStore struct {
	mu   sync.Mutex
	docs map[uuid.UUID]storage.Document
	now  time.Time
	fail error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		docs: make(map[uuid.UUID]storage.Document),
		now:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (m *memoryStore) tick() time.Time {
	m.now = m.now.Add(time.Second)
	return m.now
}

func (m *memoryStore) Create(_ context.Context, name string, content []byte) (storage.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return storage.Document{}, m.fail
	}
	if name == "" {
		name = storage.DefaultDisplayName
	}
	now := m.tick()
	doc := storage.Document{ID: uuid.New(), DisplayName: name, Content: content, CreatedAt: now, UpdatedAt: now}
	m.docs[doc.ID] = doc
	return doc, nil
}

func (m *memoryStore) Get(_ context.Context, id uuid.UUID) (storage.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return storage.Document{}, m.fail
	}
	doc, ok := m.docs[id]
	if !ok {
		return storage.Document{}, storage.ErrNotFound
	}
	return doc, nil
}

func (m *memoryStore) List(_ context.Context, query string, limit, offset int) ([]storage.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []storage.Document
	for _, doc := range m.docs {
		if query == "" || strings.Contains(strings.ToLower(doc.DisplayName), strings.ToLower(query)) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) UpdateTitle(_ context.Context, id uuid.UUID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return storage.ErrNotFound
	}
	doc.DisplayName = title
	doc.UpdatedAt = m.tick()
	m.docs[id] = doc
	return nil
}

func (m *memoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.docs, id)
	return nil
}

func startServer(t *testing.T, store Store, hist *history.HTTPHandler) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(NewServer(store, hist, zerolog.New(io.Discard)).Router())
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL, srv.Client())
}

func TestCreateSeedsEmptyReplica(t *testing.T) {
	_, client := startServer(t, newMemoryStore(), nil)
	ctx := context.Background()

	doc, err := client.Create(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if doc.DisplayName != "Untitled" {
		t.Fatalf("expected default title, got %q", doc.DisplayName)
	}
	if _, err := uuid.Parse(doc.ID); err != nil {
		t.Fatalf("expected uuid id, got %q", doc.ID)
	}

	// two editors loading the stored content must converge
	a, err := crdt.LoadTextDoc(doc.Content)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := crdt.LoadTextDoc(doc.Content)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var update []byte
	unsubscribe := a.OnUpdate(func(u []byte, _ types.Origin) { update = u })
	defer unsubscribe()
	if err := a.Insert(0, "hi"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := b.ApplyUpdate(update, types.OriginRemote); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if b.Text() != "hi" {
		t.Fatalf("replicas diverged: %q", b.Text())
	}
}

func TestDocumentLifecycle(t *testing.T) {
	_, client := startServer(t, newMemoryStore(), nil)
	ctx := context.Background()

	plan, err := client.Create(ctx, "Launch plan")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := client.Create(ctx, "Notes"); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := client.Get(ctx, plan.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DisplayName != "Launch plan" || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected document %+v", got)
	}

	items, err := client.List(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].DisplayName != "Notes" {
		t.Fatalf("expected newest first, got %+v", items)
	}

	if err := client.UpdateTitle(ctx, plan.ID, "Launch plan v2"); err != nil {
		t.Fatalf("update title: %v", err)
	}
	items, err = client.List(ctx, "PLAN", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].DisplayName != "Launch plan v2" {
		t.Fatalf("unexpected filtered listing %+v", items)
	}

	if err := client.Delete(ctx, plan.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := client.Get(ctx, plan.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := client.Delete(ctx, plan.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestErrorCodes(t *testing.T) {
	store := newMemoryStore()
	srv, client := startServer(t, store, nil)
	ctx := context.Background()
	missing := uuid.NewString()

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"bad id", http.MethodGet, "/documents/nope", "", http.StatusBadRequest, "invalid_document_id"},
		{"missing", http.MethodGet, "/documents/" + missing, "", http.StatusNotFound, "not_found"},
		{"bad json", http.MethodPost, "/documents", "{", http.StatusBadRequest, "invalid_json"},
		{"empty title", http.MethodPut, "/documents/" + missing + "/title", `{"displayName":""}`, http.StatusBadRequest, "display_name_required"},
		{"rename missing", http.MethodPut, "/documents/" + missing + "/title", `{"displayName":"x"}`, http.StatusNotFound, "not_found"},
		{"history off", http.MethodGet, "/documents/" + missing + "/history", "", http.StatusServiceUnavailable, "history_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequestWithContext(ctx, tc.method, srv.URL+tc.path, strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp, err := srv.Client().Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tc.status || !strings.Contains(string(body), `"`+tc.code+`"`) {
				t.Fatalf("expected %d %s, got %d %s", tc.status, tc.code, resp.StatusCode, body)
			}
		})
	}

	store.fail = errors.New("db down")
	var apiErr *APIError
	if _, err := client.List(ctx, "", 0, 0); !errors.As(err, &apiErr) || apiErr.Code != "list_failed" {
		t.Fatalf("expected list_failed, got %v", err)
	}
	if _, err := client.Create(ctx, "x"); !errors.As(err, &apiErr) || apiErr.Code != "create_failed" {
		t.Fatalf("expected create_failed, got %v", err)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := startServer(t, newMemoryStore(), nil)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/documents", nil)
	req.Header.Set("Origin", "http://editor.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.Fatalf("preflight rejected: %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Fatalf("preflight does not allow POST: %q", got)
	}
}

func TestCORSSimpleRequest(t *testing.T) {
	srv, _ := startServer(t, newMemoryStore(), nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/documents", nil)
	req.Header.Set("Origin", "http://editor.example")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
}

func TestHistoryRoutesMounted(t *testing.T) {
	store := newMemoryStore()
	svc := history.NewService(history.NewMemoryStore(), zerolog.New(io.Discard), history.Config{})
	srv, client := startServer(t, store, history.NewHTTPHandler(svc, zerolog.New(io.Discard)))
	ctx := context.Background()

	doc, err := client.Create(ctx, "Versioned")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := uuid.MustParse(doc.ID)
	if _, err := svc.Archive(ctx, id, doc.Content, time.Now()); err != nil {
		t.Fatalf("archive: %v", err)
	}

	resp, err := srv.Client().Get(srv.URL + "/documents/" + doc.ID + "/history")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"version"`) {
		t.Fatalf("unexpected history response %d %s", resp.StatusCode, body)
	}
}
