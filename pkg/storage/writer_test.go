package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/Sternrassler/woo-export/internal/testutil"
	"github.com/Sternrassler/woo-export/pkg/export"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.New(os.Stderr).Level(zerolog.Disabled)

func testRegistry(t *testing.T) *export.Registry {
	t.Helper()
	registry, err := export.NewRegistry(
		export.EntityConfig{Entity: export.EntityOrders, Bucket: "orders-export"},
		export.EntityConfig{Entity: export.EntityProducts, Bucket: "products-export"},
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return registry
}

func TestWriter_KeyDeterminism(t *testing.T) {
	store := testutil.NewMemoryStore()
	writer := NewWriter(store, testRegistry(t), true, testLogger)
	ctx := context.Background()

	payloads := [][]byte{
		[]byte("{\"id\":1}\n"),
		[]byte("{\"id\":2}\n{\"id\":3}\n"),
		{},
	}

	for _, payload := range payloads {
		obj, err := writer.Write(ctx, export.EntityOrders, 7, payload)
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if obj.Key != "page_007.jsonl" {
			t.Errorf("Key = %q, want page_007.jsonl", obj.Key)
		}
		if obj.Bucket != "orders-export" {
			t.Errorf("Bucket = %q, want orders-export", obj.Bucket)
		}
	}
}

func TestWriter_Overwrite(t *testing.T) {
	store := testutil.NewMemoryStore()
	writer := NewWriter(store, testRegistry(t), true, testLogger)
	ctx := context.Background()

	if _, err := writer.Write(ctx, export.EntityProducts, 7, []byte("{\"id\":1}\n")); err != nil {
		t.Fatalf("first Write() error = %v", err)
	}
	second := []byte("{\"id\":2}\n")
	if _, err := writer.Write(ctx, export.EntityProducts, 7, second); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	got, ok := store.Get("products-export", "page_007.jsonl")
	if !ok {
		t.Fatal("object not stored")
	}
	if string(got) != string(second) {
		t.Errorf("stored = %q, want second payload %q", got, second)
	}
	if store.Len() != 1 {
		t.Errorf("store has %d objects, want 1", store.Len())
	}
}

func TestWriter_SendsChecksum(t *testing.T) {
	store := testutil.NewMemoryStore()
	writer := NewWriter(store, testRegistry(t), true, testLogger)

	obj, err := writer.Write(context.Background(), export.EntityOrders, 1, []byte("hello\n"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !store.LastOptions.SendContentMd5 {
		t.Error("upload must request Content-MD5 validation")
	}
	if store.LastOptions.ContentType != ContentType {
		t.Errorf("ContentType = %q, want %q", store.LastOptions.ContentType, ContentType)
	}
	// md5("hello\n")
	if obj.MD5 != "b1946ac92492d2347c6235b4d2611184" {
		t.Errorf("MD5 = %s", obj.MD5)
	}
}

func TestWriter_ChecksumMismatch(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.CorruptETag = true
	writer := NewWriter(store, testRegistry(t), true, testLogger)

	_, err := writer.Write(context.Background(), export.EntityOrders, 2, []byte("{}\n"))
	if !errors.Is(err, export.ErrWriteFailed) {
		t.Errorf("error = %v, want ErrWriteFailed", err)
	}
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("error = %v, want ErrChecksumMismatch", err)
	}
}

func TestWriter_ETagVerificationDisabled(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.CorruptETag = true
	writer := NewWriter(store, testRegistry(t), false, testLogger)

	if _, err := writer.Write(context.Background(), export.EntityOrders, 2, []byte("{}\n")); err != nil {
		t.Errorf("Write() error = %v, want nil with ETag verification off", err)
	}
}

func TestWriter_StoreErrors(t *testing.T) {
	tests := []struct {
		name         string
		putErr       error
		wantChecksum bool
	}{
		{
			name:   "generic failure",
			putErr: errors.New("connection reset"),
		},
		{
			name:         "bad digest",
			putErr:       minio.ErrorResponse{Code: "BadDigest", Message: "The Content-MD5 you specified did not match what we received.", StatusCode: 400},
			wantChecksum: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewMemoryStore()
			store.PutErr = tt.putErr
			writer := NewWriter(store, testRegistry(t), true, testLogger)

			obj, err := writer.Write(context.Background(), export.EntityOrders, 1, []byte("{}\n"))
			if obj != nil {
				t.Error("Write() must not return an object on failure")
			}
			if !errors.Is(err, export.ErrWriteFailed) {
				t.Errorf("error = %v, want ErrWriteFailed", err)
			}
			if got := errors.Is(err, ErrChecksumMismatch); got != tt.wantChecksum {
				t.Errorf("errors.Is(ErrChecksumMismatch) = %v, want %v", got, tt.wantChecksum)
			}
		})
	}
}

func TestWriter_InvalidInput(t *testing.T) {
	store := testutil.NewMemoryStore()
	writer := NewWriter(store, testRegistry(t), true, testLogger)
	ctx := context.Background()

	if _, err := writer.Write(ctx, export.EntityOrders, 0, nil); !errors.Is(err, export.ErrInvalidPage) {
		t.Errorf("page 0 error = %v, want ErrInvalidPage", err)
	}
	if _, err := writer.Write(ctx, export.Entity("coupons"), 1, nil); !errors.Is(err, export.ErrUnsupportedEntity) {
		t.Errorf("unknown entity error = %v, want ErrUnsupportedEntity", err)
	}
	if store.Puts != 0 {
		t.Errorf("invalid input must not reach the store, got %d puts", store.Puts)
	}
}

func TestNewWriter_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewWriter should panic with nil store")
		}
	}()
	NewWriter(nil, testRegistry(t), true, testLogger)
}

func TestEnsureBuckets(t *testing.T) {
	store := testutil.NewMemoryStore()
	ctx := context.Background()

	if err := EnsureBuckets(ctx, store, "us-east-1", testLogger, "orders-export", "products-export"); err != nil {
		t.Fatalf("EnsureBuckets() error = %v", err)
	}
	for _, b := range []string{"orders-export", "products-export"} {
		if ok, _ := store.BucketExists(ctx, b); !ok {
			t.Errorf("bucket %s not created", b)
		}
	}
	if err := EnsureBuckets(ctx, store, "", testLogger, ""); err == nil {
		t.Error("EnsureBuckets() should reject empty bucket names")
	}
}

func TestNewMinioClient_Validation(t *testing.T) {
	if _, err := NewMinioClient(Config{AccessKeyID: "a", SecretAccessKey: "b"}); err == nil {
		t.Error("missing endpoint should fail")
	}
	if _, err := NewMinioClient(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Error("missing credentials should fail")
	}
	client, err := NewMinioClient(Config{Endpoint: "https://s3.example.com", AccessKeyID: "a", SecretAccessKey: "b"})
	if err != nil {
		t.Fatalf("NewMinioClient() error = %v", err)
	}
	if client.EndpointURL().Scheme != "https" {
		t.Errorf("scheme = %q, want https", client.EndpointURL().Scheme)
	}
}
