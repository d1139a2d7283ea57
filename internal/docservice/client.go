package docservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/example/doclet/internal/codec"
)

// ErrNotFound matches an APIError with status 404.
var ErrNotFound = errors.New("document not found")

// APIError is a non-2xx answer from the document service.
type APIError struct {
	Status int
	Code   string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("document service: status %d", e.Status)
	}
	return fmt.Sprintf("document service: %s (status %d)", e.Code, e.Status)
}

// Is lets errors.Is(err, ErrNotFound) match 404 answers.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Document is a decoded DocumentResponse.
type Document struct {
	ID          string
	DisplayName string
	Content     []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Client calls the document service.
type Client struct {
	baseURL    string
	http       *http.Client
	maxElapsed time.Duration
}

// NewClient returns a client for baseURL. A nil httpClient uses a default
// with a 10s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       httpClient,
		maxElapsed: 5 * time.Second,
	}
}

// Create makes a new document.
func (c *Client) Create(ctx context.Context, displayName string) (Document, error) {
	var resp DocumentResponse
	if err := c.do(ctx, http.MethodPost, "/documents", CreateDocumentRequest{DisplayName: displayName}, &resp); err != nil {
		return Document{}, err
	}
	return fromResponse(resp)
}

// Get fetches one document. Transient failures are retried briefly.
func (c *Client) Get(ctx context.Context, id string) (Document, error) {
	resp, err := backoff.Retry(ctx, func() (DocumentResponse, error) {
		var resp DocumentResponse
		err := c.do(ctx, http.MethodGet, "/documents/"+url.PathEscape(id), nil, &resp)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(c.maxElapsed))
	if err != nil {
		return Document{}, err
	}
	return fromResponse(resp)
}

// List returns documents newest first.
func (c *Client) List(ctx context.Context, query string, limit, offset int) ([]DocumentListItem, error) {
	q := url.Values{}
	if query != "" {
		q.Set("query", query)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/documents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// UpdateTitle renames a document.
func (c *Client) UpdateTitle(ctx context.Context, id, title string) error {
	return c.do(ctx, http.MethodPut, "/documents/"+url.PathEscape(id)+"/title", UpdateTitleRequest{DisplayName: title}, nil)
}

// Delete removes a document.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/documents/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return &APIError{Status: resp.StatusCode, Code: payload.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func fromResponse(resp DocumentResponse) (Document, error) {
	content, err := codec.Decode(resp.Content)
	if err != nil {
		return Document{}, err
	}
	doc := Document{ID: resp.DocumentID, DisplayName: resp.DisplayName, Content: content}
	if resp.CreatedAt != "" {
		if doc.CreatedAt, err = time.Parse(time.RFC3339, resp.CreatedAt); err != nil {
			return Document{}, fmt.Errorf("parse created_at: %w", err)
		}
	}
	if resp.UpdatedAt != "" {
		if doc.UpdatedAt, err = time.Parse(time.RFC3339, resp.UpdatedAt); err != nil {
			return Document{}, fmt.Errorf("parse updated_at: %w", err)
		}
	}
	return doc, nil
}
