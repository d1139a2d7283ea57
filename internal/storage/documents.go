package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultDisplayName is used when a document is created without a title.
const DefaultDisplayName = "Untitled"

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// ErrNotFound is returned when no document matches the given id.
var ErrNotFound = errors.New("document not found")

// Document is the stored record of a shared document. Content is the latest
// full replica snapshot.
type Document struct {
	ID          uuid.UUID
	DisplayName string
	Content     []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DB is the subset of *pgxpool.Pool used by Documents.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Documents persists document metadata and snapshots in Postgres.
type Documents struct {
	db         DB
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
}

// Option configures the document store.
type Option func(*Documents)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(d *Documents) {
		d.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(delay time.Duration) Option {
	return func(d *Documents) {
		d.retryDelay = delay
	}
}

// NewDocuments constructs the store over a Postgres pool.
func NewDocuments(db DB, opts ...Option) *Documents {
	d := &Documents{
		db:         db,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	document_id  uuid PRIMARY KEY,
	display_name text NOT NULL,
	content      bytea NOT NULL,
	created_at   timestamptz NOT NULL,
	updated_at   timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_updated_at_idx ON documents (updated_at DESC);`

// Migrate creates the documents table when missing.
func (d *Documents) Migrate(ctx context.Context) error {
	return d.retry(ctx, func(ctx context.Context) error {
		_, err := d.db.Exec(ctx, schema)
		return err
	})
}

// Create inserts a new document with a fresh id.
func (d *Documents) Create(ctx context.Context, displayName string, content []byte) (Document, error) {
	ctx, span := tracer.Start(ctx, "documents.create")
	defer span.End()
	start := time.Now()

	if displayName == "" {
		displayName = DefaultDisplayName
	}
	if content == nil {
		content = []byte{}
	}
	now := d.now()
	doc := Document{
		ID:          uuid.New(),
		DisplayName: displayName,
		Content:     content,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	span.SetAttributes(attribute.String("document", doc.ID.String()))

	err := d.retry(ctx, func(ctx context.Context) error {
		_, err := d.db.Exec(ctx, `
INSERT INTO documents (document_id, display_name, content, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)`,
			doc.ID, doc.DisplayName, doc.Content, doc.CreatedAt, doc.UpdatedAt,
		)
		return err
	})
	observe("create", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return Document{}, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

// Get loads one document including its content.
func (d *Documents) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	start := time.Now()
	var doc Document
	err := d.retry(ctx, func(ctx context.Context) error {
		return d.db.QueryRow(ctx, `
SELECT document_id, display_name, content, created_at, updated_at
FROM documents WHERE document_id = $1`, id,
		).Scan(&doc.ID, &doc.DisplayName, &doc.Content, &doc.CreatedAt, &doc.UpdatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		observe("get", start, nil)
		return Document{}, ErrNotFound
	}
	observe("get", start, err)
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// List returns documents newest first, optionally filtered by a
// case-insensitive title substring. Content is not loaded.
func (d *Documents) List(ctx context.Context, query string, limit, offset int) ([]Document, error) {
	start := time.Now()
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	sql := `SELECT document_id, display_name, created_at, updated_at FROM documents`
	args := []any{}
	if query != "" {
		sql += ` WHERE display_name ILIKE $1`
		args = append(args, "%"+query+"%")
	}
	sql += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var docs []Document
	err := d.retry(ctx, func(ctx context.Context) error {
		docs = docs[:0]
		rows, err := d.db.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var doc Document
			if err := rows.Scan(&doc.ID, &doc.DisplayName, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return rows.Err()
	})
	observe("list", start, err)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// UpdateContent replaces the stored snapshot.
func (d *Documents) UpdateContent(ctx context.Context, id uuid.UUID, content []byte) error {
	ctx, span := tracer.Start(ctx, "documents.update_content")
	defer span.End()
	span.SetAttributes(attribute.String("document", id.String()), attribute.Int("bytes", len(content)))

	err := d.update(ctx, "update_content",
		`UPDATE documents SET content = $2, updated_at = $3 WHERE document_id = $1`,
		id, content, d.now())
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	if err == nil {
		snapshotBytes.Add(float64(len(content)))
	}
	return err
}

// UpdateTitle renames a document.
func (d *Documents) UpdateTitle(ctx context.Context, id uuid.UUID, title string) error {
	return d.update(ctx, "update_title",
		`UPDATE documents SET display_name = $2, updated_at = $3 WHERE document_id = $1`,
		id, title, d.now())
}

// Delete removes a document.
func (d *Documents) Delete(ctx context.Context, id uuid.UUID) error {
	return d.update(ctx, "delete", `DELETE FROM documents WHERE document_id = $1`, id)
}

func (d *Documents) update(ctx context.Context, op, sql string, args ...any) error {
	start := time.Now()
	var tag pgconn.CommandTag
	err := d.retry(ctx, func(ctx context.Context) error {
		var err error
		tag, err = d.db.Exec(ctx, sql, args...)
		return err
	})
	observe(op, start, err)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *Documents) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := d.retryDelay
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == d.maxRetries {
				return err
			}
			queryRetries.Inc()
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
