package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
)

// ErrObjectNotFound is returned when a path holds no object.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes one stored blob.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// ObjectStore is the blob storage the archive writes to.
type ObjectStore interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// MinioStore keeps archived snapshots in a MinIO/S3 bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore creates a store backed by MinIO/S3.
func NewMinioStore(client *minio.Client, bucket string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket}
}

// Put implements ObjectStore.
func (m *MinioStore) Put(ctx context.Context, path string, data []byte) error {
	if m.client == nil {
		return errors.New("object storage client is not configured")
	}
	_, err := m.client.PutObject(ctx, m.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

// Get implements ObjectStore.
func (m *MinioStore) Get(ctx context.Context, path string) ([]byte, error) {
	if m.client == nil {
		return nil, errors.New("object storage client is not configured")
	}
	obj, err := m.client.GetObject(ctx, m.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return data, nil
}

// List implements ObjectStore.
func (m *MinioStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if m.client == nil {
		return nil, errors.New("object storage client is not configured")
	}
	var out []ObjectInfo
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		out = append(out, ObjectInfo{Path: obj.Key, Size: obj.Size, ModTime: obj.LastModified})
	}
	return out, nil
}

// MemoryStore is an in-process ObjectStore for tests and single-node setups.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put implements ObjectStore.
func (m *MemoryStore) Put(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = append([]byte(nil), data...)
	return nil
}

// Get implements ObjectStore.
func (m *MemoryStore) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	data, ok := m.objects[path]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

// List implements ObjectStore.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for path, data := range m.objects {
		if strings.HasPrefix(path, prefix) {
			out = append(out, ObjectInfo{Path: path, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Gets reports how many reads reached the store.
func (m *MemoryStore) Gets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}
