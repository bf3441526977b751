package testutil

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
)

// MemoryStore is an in-memory object store with S3 ETag semantics for single-part uploads.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	buckets map[string]bool

	// PutErr, when set, is returned by every PutObject call.
	PutErr error
	// CorruptETag makes PutObject report an ETag that does not match the body.
	CorruptETag bool
	// Puts counts PutObject calls.
	Puts int
	// LastOptions holds the options of the last PutObject call.
	LastOptions minio.PutObjectOptions
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		buckets: make(map[string]bool),
	}
}

// PutObject implements storage.ObjectStore.
func (s *MemoryStore) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Puts++
	s.LastOptions = opts

	if s.PutErr != nil {
		return minio.UploadInfo{}, s.PutErr
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if int64(len(data)) != objectSize {
		return minio.UploadInfo{}, fmt.Errorf("size mismatch: got %d, declared %d", len(data), objectSize)
	}

	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	if s.CorruptETag {
		etag = "00000000000000000000000000000000"
	}

	s.objects[bucketName+"/"+objectName] = data
	return minio.UploadInfo{
		Bucket: bucketName,
		Key:    objectName,
		ETag:   `"` + etag + `"`,
		Size:   objectSize,
	}, nil
}

// BucketExists implements storage.BucketManager.
func (s *MemoryStore) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[bucketName], nil
}

// MakeBucket implements storage.BucketManager.
func (s *MemoryStore) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucketName] = true
	return nil
}

// Get returns a stored object.
func (s *MemoryStore) Get(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	return data, ok
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
