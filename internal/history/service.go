// Package history archives full document snapshots to object storage and
// serves them back by version.
package history

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/crdt"
)

const (
	objectPrefix     = "snapshots/"
	objectSuffix     = ".bin"
	defaultCacheSize = 8
)

// ErrVersionNotFound is returned for unknown or malformed version ids.
var ErrVersionNotFound = errors.New("version not found")

// Version identifies one archived snapshot. IDs are ULIDs and sort by time.
type Version struct {
	ID        string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Config configures optional behaviours for the archive.
type Config struct {
	CacheSize int
}

// Service writes and reads archived snapshot versions.
type Service struct {
	store  ObjectStore
	cache  *blobCache
	logger zerolog.Logger
}

// NewService constructs the archive over store.
func NewService(store ObjectStore, logger zerolog.Logger, cfg Config) *Service {
	size := cfg.CacheSize
	if size == 0 {
		size = defaultCacheSize
	}
	return &Service{
		store:  store,
		cache:  newBlobCache(size),
		logger: logger,
	}
}

// Archive stores content as a new version stamped with at.
func (s *Service) Archive(ctx context.Context, documentID uuid.UUID, content []byte, at time.Time) (Version, error) {
	id, err := ulid.New(ulid.Timestamp(at), rand.Reader)
	if err != nil {
		return Version{}, fmt.Errorf("version id: %w", err)
	}
	v := Version{ID: id.String(), CreatedAt: ulid.Time(id.Time()).UTC(), Size: int64(len(content))}
	if err := s.store.Put(ctx, objectPath(documentID, v.ID), content); err != nil {
		return Version{}, err
	}
	s.cache.Put(cacheKey{Document: documentID, Version: v.ID}, content)
	archivedVersions.Inc()
	s.logger.Debug().Str("document", documentID.String()).Str("version", v.ID).Int64("bytes", v.Size).Msg("snapshot archived")
	return v, nil
}

// Versions lists archived versions of a document, newest first.
func (s *Service) Versions(ctx context.Context, documentID uuid.UUID) ([]Version, error) {
	objects, err := s.store.List(ctx, documentPrefix(documentID))
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	versions := make([]Version, 0, len(objects))
	for _, obj := range objects {
		name := strings.TrimSuffix(path.Base(obj.Path), objectSuffix)
		id, err := ulid.ParseStrict(name)
		if err != nil {
			s.logger.Warn().Str("path", obj.Path).Msg("skipping unrecognised archive object")
			continue
		}
		versions = append(versions, Version{ID: id.String(), CreatedAt: ulid.Time(id.Time()).UTC(), Size: obj.Size})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].ID > versions[j].ID })
	return versions, nil
}

// Load returns the snapshot bytes of one version.
func (s *Service) Load(ctx context.Context, documentID uuid.UUID, version string) ([]byte, error) {
	if _, err := ulid.ParseStrict(version); err != nil {
		return nil, ErrVersionNotFound
	}
	key := cacheKey{Document: documentID, Version: version}
	if data, ok := s.cache.Get(key); ok {
		cacheHits.Inc()
		return data, nil
	}
	data, err := s.store.Get(ctx, objectPath(documentID, version))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load version %s: %w", version, err)
	}
	s.cache.Put(key, data)
	return data, nil
}

// At returns the newest version created at or before t.
func (s *Service) At(ctx context.Context, documentID uuid.UUID, t time.Time) (Version, error) {
	versions, err := s.Versions(ctx, documentID)
	if err != nil {
		return Version{}, err
	}
	for _, v := range versions {
		if !v.CreatedAt.After(t) {
			return v, nil
		}
	}
	return Version{}, ErrVersionNotFound
}

// Text hydrates a version and returns its document text.
func (s *Service) Text(ctx context.Context, documentID uuid.UUID, version string) (string, error) {
	data, err := s.Load(ctx, documentID, version)
	if err != nil {
		return "", err
	}
	doc, err := crdt.LoadTextDoc(data)
	if err != nil {
		return "", fmt.Errorf("hydrate version %s: %w", version, err)
	}
	return doc.Text(), nil
}

func documentPrefix(documentID uuid.UUID) string {
	return objectPrefix + documentID.String() + "/"
}

func objectPath(documentID uuid.UUID, version string) string {
	return documentPrefix(documentID) + version + objectSuffix
}
