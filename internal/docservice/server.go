// Package docservice serves document metadata and stored snapshots over REST.
package docservice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/codec"
	"github.com/example/doclet/internal/crdt"
	"github.com/example/doclet/internal/history"
	"github.com/example/doclet/internal/storage"
)

// Store is the persistence the server needs.
type Store interface {
	Create(ctx context.Context, displayName string, content []byte) (storage.Document, error)
	Get(ctx context.Context, id uuid.UUID) (storage.Document, error)
	List(ctx context.Context, query string, limit, offset int) ([]storage.Document, error)
	UpdateTitle(ctx context.Context, id uuid.UUID, title string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// CreateDocumentRequest is the body of POST /documents.
type CreateDocumentRequest struct {
	DisplayName string `json:"displayName"`
}

// UpdateTitleRequest is the body of PUT /documents/{document_id}/title.
type UpdateTitleRequest struct {
	DisplayName string `json:"displayName"`
}

// DocumentResponse is a full document with base64 content.
type DocumentResponse struct {
	DocumentID  string `json:"document_id"`
	DisplayName string `json:"displayName"`
	Content     string `json:"content"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// DocumentListItem is one entry of GET /documents.
type DocumentListItem struct {
	DocumentID  string `json:"document_id"`
	DisplayName string `json:"displayName"`
	UpdatedAt   string `json:"updated_at"`
}

// ListResponse wraps the listing.
type ListResponse struct {
	Items []DocumentListItem `json:"items"`
}

// Server handles the document REST API.
type Server struct {
	store   Store
	history *history.HTTPHandler
	logger  zerolog.Logger
}

// NewServer builds the API. historyHandler may be nil when no archive is
// configured.
func NewServer(store Store, historyHandler *history.HTTPHandler, logger zerolog.Logger) *Server {
	return &Server{store: store, history: historyHandler, logger: logger}
}

// Router mounts every route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	r.HandleFunc("/documents", s.handleCreateDocument).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/documents", s.handleListDocuments).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/documents/{document_id}", s.handleGetDocument).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/documents/{document_id}", s.handleDeleteDocument).Methods(http.MethodDelete, http.MethodOptions)
	r.HandleFunc("/documents/{document_id}/title", s.handleUpdateTitle).Methods(http.MethodPut, http.MethodOptions)
	if s.history != nil {
		r.HandleFunc("/documents/{document_id}/history", s.history.ListVersions).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/documents/{document_id}/history/{version}", s.history.GetVersion).Methods(http.MethodGet, http.MethodOptions)
	} else {
		r.HandleFunc("/documents/{document_id}/history", s.handleHistoryUnavailable).Methods(http.MethodGet, http.MethodOptions)
	}

	// browser editors call from any origin; preflights need OPTIONS on each route
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	return r
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	// every replica must edit the same text object, so new documents start
	// from a snapshot that already holds it
	seed, err := crdt.EmptySnapshot()
	if err != nil {
		s.logger.Error().Err(err).Msg("seed snapshot failed")
		writeError(w, http.StatusInternalServerError, "create_failed")
		return
	}
	doc, err := s.store.Create(r.Context(), req.DisplayName, seed)
	if err != nil {
		s.logger.Error().Err(err).Msg("create document failed")
		writeError(w, http.StatusInternalServerError, "create_failed")
		return
	}
	writeJSON(w, http.StatusCreated, documentToResponse(doc))
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	docID, ok := documentID(w, r)
	if !ok {
		return
	}
	doc, err := s.store.Get(r.Context(), docID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.logger.Error().Err(err).Str("document", docID.String()).Msg("get document failed")
		writeError(w, http.StatusInternalServerError, "fetch_failed")
		return
	}
	writeJSON(w, http.StatusOK, documentToResponse(doc))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	docs, err := s.store.List(r.Context(), query, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("list documents failed")
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}

	items := make([]DocumentListItem, 0, len(docs))
	for _, doc := range docs {
		items = append(items, DocumentListItem{
			DocumentID:  doc.ID.String(),
			DisplayName: doc.DisplayName,
			UpdatedAt:   formatTime(doc.UpdatedAt),
		})
	}
	writeJSON(w, http.StatusOK, ListResponse{Items: items})
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	docID, ok := documentID(w, r)
	if !ok {
		return
	}

	var req UpdateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "display_name_required")
		return
	}

	if err := s.store.UpdateTitle(r.Context(), docID, req.DisplayName); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.logger.Error().Err(err).Str("document", docID.String()).Msg("update title failed")
		writeError(w, http.StatusInternalServerError, "update_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID, ok := documentID(w, r)
	if !ok {
		return
	}
	if err := s.store.Delete(r.Context(), docID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.logger.Error().Err(err).Str("document", docID.String()).Msg("delete document failed")
		writeError(w, http.StatusInternalServerError, "delete_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistoryUnavailable(w http.ResponseWriter, r *http.Request) {
	if _, ok := documentID(w, r); !ok {
		return
	}
	writeError(w, http.StatusServiceUnavailable, "history_unavailable")
}

func documentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["document_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_document_id")
		return uuid.Nil, false
	}
	return id, true
}

func documentToResponse(doc storage.Document) DocumentResponse {
	return DocumentResponse{
		DocumentID:  doc.ID.String(),
		DisplayName: doc.DisplayName,
		Content:     codec.Encode(doc.Content),
		CreatedAt:   formatTime(doc.CreatedAt),
		UpdatedAt:   formatTime(doc.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
