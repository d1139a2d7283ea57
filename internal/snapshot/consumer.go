// Package snapshot persists the full document snapshots clients send through
// the relay and archives a bounded number of them as history.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/broadcast"
	"github.com/example/doclet/internal/codec"
	"github.com/example/doclet/internal/history"
	"github.com/example/doclet/internal/storage"
)

const (
	defaultArchiveInterval = time.Minute
	persistTimeout         = 5 * time.Second
	maxBackoffDelay        = 30 * time.Second
)

var (
	// ErrInvalidDocumentID marks a snapshot whose document id is not a UUID.
	ErrInvalidDocumentID = errors.New("invalid document id")
	// ErrInvalidContent marks a snapshot whose content is not base64.
	ErrInvalidContent = errors.New("invalid snapshot content")
)

// ContentStore persists the latest snapshot of a document.
type ContentStore interface {
	UpdateContent(ctx context.Context, id uuid.UUID, content []byte) error
}

// Archiver keeps historical snapshot versions.
type Archiver interface {
	Archive(ctx context.Context, documentID uuid.UUID, content []byte, at time.Time) (history.Version, error)
}

// Config tunes the consumer.
type Config struct {
	// ArchiveInterval is the minimum spacing between archived versions of
	// one document.
	ArchiveInterval time.Duration
}

// Consumer reads snapshots from the Redis snapshot channel.
type Consumer struct {
	client   *redis.Client
	store    ContentStore
	archive  Archiver
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	archived map[uuid.UUID]time.Time
}

// NewConsumer builds a consumer. archive may be nil to skip history.
func NewConsumer(client *redis.Client, store ContentStore, archive Archiver, cfg Config, logger zerolog.Logger) *Consumer {
	interval := cfg.ArchiveInterval
	if interval <= 0 {
		interval = defaultArchiveInterval
	}
	return &Consumer{
		client:   client,
		store:    store,
		archive:  archive,
		interval: interval,
		logger:   logger.With().Str("component", "snapshot").Logger(),
		now:      time.Now,
		archived: make(map[uuid.UUID]time.Time),
	}
}

// Start subscribes to the snapshot channel in the background.
func (c *Consumer) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Consumer) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = maxBackoffDelay

	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := c.client.Subscribe(ctx, broadcast.SnapshotChannel)
		if err := c.consume(ctx, pubsub, bo); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn().Err(err).Msg("snapshot subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (c *Consumer) consume(ctx context.Context, pubsub *redis.PubSub, bo *backoff.ExponentialBackOff) error {
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			bo.Reset()
			if err := c.Handle(ctx, []byte(msg.Payload)); err != nil {
				c.logger.Warn().Err(err).Msg("snapshot rejected")
			}
		}
	}
}

type rawSnapshot struct {
	DocumentID string `json:"document_id"`
	Content    string `json:"content"`
	Payload    string `json:"payload"`
}

// Handle persists one snapshot message. It accepts the relay's pub/sub
// message or a bare {document_id, content|payload} object. Snapshots for
// documents that no longer exist are ignored.
func (c *Consumer) Handle(ctx context.Context, payload []byte) error {
	docParam, encoded, err := decode(payload)
	if err != nil {
		snapshotsConsumed.WithLabelValues("malformed").Inc()
		return err
	}

	docID, err := uuid.Parse(docParam)
	if err != nil {
		snapshotsConsumed.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %q", ErrInvalidDocumentID, docParam)
	}
	content, err := codec.Decode(encoded)
	if err != nil {
		snapshotsConsumed.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	logger := c.logger.With().Str("document", docID.String()).Logger()
	if len(content) == 0 {
		snapshotsConsumed.WithLabelValues("empty").Inc()
		logger.Debug().Msg("ignoring empty snapshot")
		return nil
	}

	persistCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := c.store.UpdateContent(persistCtx, docID, content); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			snapshotsConsumed.WithLabelValues("missing").Inc()
			logger.Info().Msg("snapshot ignored for missing document")
			return nil
		}
		snapshotsConsumed.WithLabelValues("error").Inc()
		return fmt.Errorf("persist snapshot: %w", err)
	}
	snapshotsConsumed.WithLabelValues("stored").Inc()

	c.maybeArchive(persistCtx, docID, content, logger)
	return nil
}

func (c *Consumer) maybeArchive(ctx context.Context, docID uuid.UUID, content []byte, logger zerolog.Logger) {
	if c.archive == nil {
		return
	}
	now := c.now()
	c.mu.Lock()
	last, seen := c.archived[docID]
	due := !seen || now.Sub(last) >= c.interval
	if due {
		c.archived[docID] = now
	}
	c.mu.Unlock()
	if !due {
		return
	}

	v, err := c.archive.Archive(ctx, docID, content, now)
	if err != nil {
		c.mu.Lock()
		if c.archived[docID].Equal(now) {
			if seen {
				c.archived[docID] = last
			} else {
				delete(c.archived, docID)
			}
		}
		c.mu.Unlock()
		logger.Warn().Err(err).Msg("snapshot archive failed")
		return
	}
	logger.Debug().Str("version", v.ID).Msg("snapshot version archived")
}

func decode(payload []byte) (string, string, error) {
	if msg, err := broadcast.DecodeMessage(payload); err == nil {
		return string(msg.Envelope.DocumentID), msg.Envelope.Payload, nil
	}
	var raw rawSnapshot
	if err := json.Unmarshal(payload, &raw); err != nil {
		return "", "", fmt.Errorf("decode snapshot: %w", err)
	}
	encoded := raw.Content
	if encoded == "" {
		encoded = raw.Payload
	}
	return raw.DocumentID, encoded, nil
}
