package history

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// HTTPHandler exposes archived versions over REST. Routes are expected to
// carry a document_id variable and, for single versions, a version variable.
type HTTPHandler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewHTTPHandler builds the handler.
func NewHTTPHandler(svc *Service, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

type versionResponse struct {
	Version
	Content string `json:"content"`
	Text    string `json:"text"`
}

// ListVersions serves GET /documents/{document_id}/history. With at_time it
// returns only the newest version at or before that instant.
func (h *HTTPHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	docID, ok := h.documentID(w, r)
	if !ok {
		return
	}

	if atTime := r.URL.Query().Get("at_time"); atTime != "" {
		t, err := time.Parse(time.RFC3339Nano, atTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_at_time")
			return
		}
		v, err := h.svc.At(r.Context(), docID, t)
		if err != nil {
			h.fail(w, docID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": []Version{v}})
		return
	}

	versions, err := h.svc.Versions(r.Context(), docID)
	if err != nil {
		h.fail(w, docID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": versions})
}

// GetVersion serves GET /documents/{document_id}/history/{version}.
func (h *HTTPHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	docID, ok := h.documentID(w, r)
	if !ok {
		return
	}
	version := mux.Vars(r)["version"]

	data, err := h.svc.Load(r.Context(), docID, version)
	if err != nil {
		h.fail(w, docID, err)
		return
	}
	text, err := h.svc.Text(r.Context(), docID, version)
	if err != nil {
		h.fail(w, docID, err)
		return
	}

	v := Version{ID: version, Size: int64(len(data))}
	if versions, err := h.svc.Versions(r.Context(), docID); err == nil {
		for _, candidate := range versions {
			if candidate.ID == version {
				v = candidate
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, versionResponse{
		Version: v,
		Content: base64.StdEncoding.EncodeToString(data),
		Text:    text,
	})
}

func (h *HTTPHandler) documentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	docID, err := uuid.Parse(mux.Vars(r)["document_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_document_id")
		return uuid.Nil, false
	}
	return docID, true
}

func (h *HTTPHandler) fail(w http.ResponseWriter, docID uuid.UUID, err error) {
	if errors.Is(err, ErrVersionNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	h.logger.Error().Err(err).Str("document", docID.String()).Msg("history lookup failed")
	writeError(w, http.StatusInternalServerError, "history_failed")
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
