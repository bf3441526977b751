// Package storage persists serialized export pages in S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Sternrassler/woo-export/pkg/export"
	"github.com/Sternrassler/woo-export/pkg/logging"
	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ContentType of every exported page.
const ContentType = "application/x-ndjson"

// ErrChecksumMismatch is returned when the stored object's checksum differs from the payload's.
// It always comes wrapped together with export.ErrWriteFailed.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Prometheus metrics for storage writes.
var (
	storageWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woo_storage_writes_total",
		Help: "Total page writes by entity and outcome",
	}, []string{"entity", "outcome"})

	storageWriteBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woo_storage_write_bytes_total",
		Help: "Total bytes written by entity",
	}, []string{"entity"})

	storageWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "woo_storage_write_duration_seconds",
		Help:    "Page write duration in seconds by entity",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"entity"})
)

// ObjectStore is the subset of *minio.Client the writer needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Object describes a stored page.
type Object struct {
	Bucket string
	Key    string
	MD5    string
	Size   int64
}

// Writer stores serialized pages under deterministic keys.
type Writer struct {
	store      ObjectStore
	registry   *export.Registry
	verifyETag bool
	logger     zerolog.Logger
}

// NewWriter creates a page writer. With verifyETag the ETag returned by the
// store is compared against the payload MD5; disable it for stores whose
// ETags are not content MD5s (e.g. SSE-KMS buckets).
func NewWriter(store ObjectStore, registry *export.Registry, verifyETag bool, logger zerolog.Logger) *Writer {
	if store == nil {
		panic("object store cannot be nil")
	}
	return &Writer{
		store:      store,
		registry:   registry,
		verifyETag: verifyETag,
		logger:     logging.Component(logger, "storage"),
	}
}

// Write stores payload as page of entity. Writing the same page again overwrites the same key.
// The upload carries Content-MD5 so the store rejects corrupted bodies.
func (w *Writer) Write(ctx context.Context, entity export.Entity, page int, payload []byte) (*Object, error) {
	if err := export.ValidatePage(page); err != nil {
		return nil, err
	}
	cfg, err := w.registry.Lookup(entity)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	defer func() {
		storageWriteDuration.WithLabelValues(string(entity)).Observe(time.Since(startTime).Seconds())
	}()

	sum := md5.Sum(payload)
	obj := &Object{
		Bucket: cfg.Bucket,
		Key:    export.PageKey(page),
		MD5:    hex.EncodeToString(sum[:]),
		Size:   int64(len(payload)),
	}

	info, err := w.store.PutObject(ctx, obj.Bucket, obj.Key, bytes.NewReader(payload), obj.Size, minio.PutObjectOptions{
		ContentType:    ContentType,
		SendContentMd5: true,
		UserMetadata: map[string]string{
			"entity":         string(entity),
			"page":           fmt.Sprintf("%d", page),
			"schema-version": fmt.Sprintf("%d", export.SchemaVersion),
		},
	})
	if err != nil {
		storageWritesTotal.WithLabelValues(string(entity), "error").Inc()
		if minio.ToErrorResponse(err).Code == "BadDigest" {
			err = fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
		}
		w.logger.Error().
			Err(err).
			Str("entity", string(entity)).
			Str("bucket", obj.Bucket).
			Str("key", obj.Key).
			Msg("Page write failed")
		return nil, fmt.Errorf("%w: put %s/%s: %w", export.ErrWriteFailed, obj.Bucket, obj.Key, err)
	}

	if w.verifyETag {
		etag := strings.Trim(info.ETag, `"`)
		if !strings.EqualFold(etag, obj.MD5) {
			storageWritesTotal.WithLabelValues(string(entity), "checksum_mismatch").Inc()
			w.logger.Error().
				Str("entity", string(entity)).
				Str("key", obj.Key).
				Str("etag", etag).
				Str("md5", obj.MD5).
				Msg("Stored object checksum mismatch")
			return nil, fmt.Errorf("%w: %s/%s: %w (etag %s, md5 %s)", export.ErrWriteFailed, obj.Bucket, obj.Key, ErrChecksumMismatch, etag, obj.MD5)
		}
	}

	storageWritesTotal.WithLabelValues(string(entity), "ok").Inc()
	storageWriteBytes.WithLabelValues(string(entity)).Add(float64(obj.Size))
	w.logger.Info().
		Str("entity", string(entity)).
		Str("bucket", obj.Bucket).
		Str("key", obj.Key).
		Int64("bytes", obj.Size).
		Msg("Page stored")

	return obj, nil
}
