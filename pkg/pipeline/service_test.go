package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/woo-export/internal/testutil"
	"github.com/Sternrassler/woo-export/pkg/export"
	"github.com/Sternrassler/woo-export/pkg/fanout"
	"github.com/Sternrassler/woo-export/pkg/ledger"
	"github.com/Sternrassler/woo-export/pkg/queue"
	"github.com/Sternrassler/woo-export/pkg/source"
	"github.com/Sternrassler/woo-export/pkg/storage"
)

var testLogger = zerolog.New(os.Stderr).Level(zerolog.Disabled)

type recordingCreator struct {
	mu    sync.Mutex
	tasks []queue.Task
	err   error
}

func (c *recordingCreator) CreateTask(ctx context.Context, task queue.Task) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, task)
	return fmt.Sprintf("task-%d", len(c.tasks)), nil
}

type memoryLedger struct {
	entries []ledger.Entry
	err     error
}

func (l *memoryLedger) Record(ctx context.Context, entry ledger.Entry) error {
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, entry)
	return nil
}

type fixture struct {
	shop    *testutil.MockShop
	store   *testutil.MemoryStore
	creator *recordingCreator
	ledger  *memoryLedger
	service *Service
}

func newFixture(t *testing.T, perPage int) *fixture {
	t.Helper()

	shop := testutil.NewMockShop("ck_test", "cs_test")
	t.Cleanup(shop.Close)

	registry, err := export.NewRegistry(
		export.EntityConfig{Entity: export.EntityOrders, Endpoint: shop.EntityURL("orders"), Bucket: "woo-orders"},
		export.EntityConfig{Entity: export.EntityProducts, Endpoint: shop.EntityURL("products"), Bucket: "woo-products"},
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	cfg := source.DefaultConfig("ck_test", "cs_test")
	cfg.PerPage = perPage
	cfg.RateLimit = 0
	fetcher, err := source.New(registry, cfg, testLogger)
	if err != nil {
		t.Fatalf("source.New() error = %v", err)
	}

	store := testutil.NewMemoryStore()
	writer := storage.NewWriter(store, registry, true, testLogger)

	creator := &recordingCreator{}
	scheduler := fanout.NewScheduler(creator, fanout.DefaultConfig("https://export.example.com"), testLogger)

	l := &memoryLedger{}
	return &fixture{
		shop:    shop,
		store:   store,
		creator: creator,
		ledger:  l,
		service: NewService(registry, fetcher, writer, scheduler, testLogger, WithLedger(l)),
	}
}

func readLines(t *testing.T, data []byte) []map[string]json.RawMessage {
	t.Helper()
	var rows []map[string]json.RawMessage
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var row map[string]json.RawMessage
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			t.Fatalf("line %q is not a JSON object: %v", sc.Text(), err)
		}
		rows = append(rows, row)
	}
	return rows
}

func TestExportPage(t *testing.T) {
	f := newFixture(t, 10)
	f.shop.SetRecords("orders", testutil.Orders(25))

	result, err := f.service.ExportPage(context.Background(), export.EntityOrders, 3)
	if err != nil {
		t.Fatalf("ExportPage() error = %v", err)
	}

	if result.Bucket != "woo-orders" || result.Key != "page_003.jsonl" || result.Records != 5 {
		t.Errorf("result = %+v", result)
	}

	data, ok := f.store.Get("woo-orders", "page_003.jsonl")
	if !ok {
		t.Fatal("object page_003.jsonl not written")
	}
	if int64(len(data)) != result.Bytes {
		t.Errorf("Bytes = %d, object has %d", result.Bytes, len(data))
	}

	rows := readLines(t, data)
	if len(rows) != 5 {
		t.Fatalf("object has %d lines, want 5", len(rows))
	}
	for i, row := range rows {
		if want := fmt.Sprintf("%d", 21+i); string(row["id"]) != want {
			t.Errorf("line %d id = %s, want %s", i, row["id"], want)
		}
	}

	if len(f.ledger.entries) != 1 {
		t.Fatalf("ledger has %d entries, want 1", len(f.ledger.entries))
	}
	entry := f.ledger.entries[0]
	if entry.Page != 3 || entry.MD5 != result.MD5 || entry.Records != 5 {
		t.Errorf("ledger entry = %+v", entry)
	}
}

func TestExportPage_Idempotent(t *testing.T) {
	f := newFixture(t, 10)
	f.shop.SetRecords("products", testutil.Products(12))
	ctx := context.Background()

	first, err := f.service.ExportPage(ctx, export.EntityProducts, 2)
	if err != nil {
		t.Fatalf("first ExportPage() error = %v", err)
	}
	firstData, _ := f.store.Get("woo-products", "page_002.jsonl")

	second, err := f.service.ExportPage(ctx, export.EntityProducts, 2)
	if err != nil {
		t.Fatalf("second ExportPage() error = %v", err)
	}
	secondData, _ := f.store.Get("woo-products", "page_002.jsonl")

	if f.store.Len() != 1 {
		t.Errorf("store holds %d objects, want 1", f.store.Len())
	}
	if first.MD5 != second.MD5 || !bytes.Equal(firstData, secondData) {
		t.Error("re-export produced a different object")
	}
}

func TestExportPage_EmptyPage(t *testing.T) {
	f := newFixture(t, 10)
	f.shop.SetRecords("orders", testutil.Orders(5))

	result, err := f.service.ExportPage(context.Background(), export.EntityOrders, 4)
	if err != nil {
		t.Fatalf("ExportPage() error = %v", err)
	}
	if result.Records != 0 || result.Bytes != 0 {
		t.Errorf("result = %+v, want empty object", result)
	}
	if _, ok := f.store.Get("woo-orders", "page_004.jsonl"); !ok {
		t.Error("empty page should still be written")
	}
}

func TestExportPage_NullBodyKeepsStoredPage(t *testing.T) {
	f := newFixture(t, 10)
	f.shop.SetRecords("orders", testutil.Orders(15))
	ctx := context.Background()

	if _, err := f.service.ExportPage(ctx, export.EntityOrders, 1); err != nil {
		t.Fatalf("ExportPage() error = %v", err)
	}
	stored, _ := f.store.Get("woo-orders", "page_001.jsonl")

	f.shop.SetResponse("orders", testutil.MockShopResponse{StatusCode: http.StatusOK, Body: `null`})
	if _, err := f.service.ExportPage(ctx, export.EntityOrders, 1); !errors.Is(err, export.ErrSourceUnavailable) {
		t.Fatalf("ExportPage() error = %v, want ErrSourceUnavailable", err)
	}

	after, _ := f.store.Get("woo-orders", "page_001.jsonl")
	if !bytes.Equal(stored, after) {
		t.Error("a null source body must not overwrite the stored page")
	}
	if f.store.Puts != 1 {
		t.Errorf("store saw %d puts, want 1", f.store.Puts)
	}
}

func TestEnqueueAll_TooManyPages(t *testing.T) {
	f := newFixture(t, 10)
	f.shop.SetResponse("orders", testutil.MockShopResponse{
		StatusCode: http.StatusOK,
		Body:       `[]`,
		Headers:    map[string]string{"X-WP-TotalPages": "2000000000"},
	})

	_, err := f.service.EnqueueAll(context.Background(), export.EntityOrders)
	if !errors.Is(err, export.ErrSourceUnavailable) {
		t.Fatalf("EnqueueAll() error = %v, want ErrSourceUnavailable", err)
	}
	if len(f.creator.tasks) != 0 {
		t.Error("no tasks may be created for an out-of-range page count")
	}
}

func TestExportPage_Failures(t *testing.T) {
	tests := []struct {
		name     string
		entity   export.Entity
		page     int
		setup    func(f *fixture)
		wantErr  error
		wantPuts int
	}{
		{
			name:    "unsupported entity",
			entity:  export.Entity("coupons"),
			page:    1,
			wantErr: export.ErrUnsupportedEntity,
		},
		{
			name:    "invalid page",
			entity:  export.EntityOrders,
			page:    0,
			wantErr: export.ErrInvalidPage,
		},
		{
			name:   "source unavailable",
			entity: export.EntityOrders,
			page:   1,
			setup: func(f *fixture) {
				f.shop.SetResponse("orders", testutil.MockShopResponse{StatusCode: http.StatusServiceUnavailable})
			},
			wantErr: export.ErrSourceUnavailable,
		},
		{
			name:   "schema mismatch",
			entity: export.EntityOrders,
			page:   1,
			setup: func(f *fixture) {
				f.shop.SetRecords("orders", []json.RawMessage{
					json.RawMessage(`{"id":1,"billing":"not an object"}`),
				})
			},
			wantErr: export.ErrSchemaMismatch,
		},
		{
			name:   "write failed",
			entity: export.EntityOrders,
			page:   1,
			setup: func(f *fixture) {
				f.shop.SetRecords("orders", testutil.Orders(1))
				f.store.PutErr = errors.New("connection reset")
			},
			wantErr:  export.ErrWriteFailed,
			wantPuts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 10)
			if tt.setup != nil {
				tt.setup(f)
			}

			result, err := f.service.ExportPage(context.Background(), tt.entity, tt.page)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ExportPage() error = %v, want %v", err, tt.wantErr)
			}
			if result != nil {
				t.Errorf("result = %+v, want nil", result)
			}
			if f.store.Puts != tt.wantPuts {
				t.Errorf("store saw %d puts, want %d", f.store.Puts, tt.wantPuts)
			}
			if len(f.ledger.entries) != 0 {
				t.Error("failed export must not be recorded")
			}
		})
	}
}

func TestExportPage_LedgerFailureDoesNotFailPage(t *testing.T) {
	f := newFixture(t, 10)
	f.shop.SetRecords("orders", testutil.Orders(1))
	f.ledger.err = errors.New("redis down")

	if _, err := f.service.ExportPage(context.Background(), export.EntityOrders, 1); err != nil {
		t.Fatalf("ExportPage() error = %v", err)
	}
	if _, ok := f.store.Get("woo-orders", "page_001.jsonl"); !ok {
		t.Error("object not written")
	}
}

func TestEnqueueAll_Products(t *testing.T) {
	f := newFixture(t, 10)
	f.shop.SetRecords("products", testutil.Products(45))

	result, err := f.service.EnqueueAll(context.Background(), export.EntityProducts)
	if err != nil {
		t.Fatalf("EnqueueAll() error = %v", err)
	}
	if result.TotalPages != 5 || result.Scheduled != 5 || result.Failed != 0 {
		t.Errorf("result = %+v", result)
	}
	if len(result.TaskIDs) != 5 {
		t.Errorf("TaskIDs = %v", result.TaskIDs)
	}

	if len(f.creator.tasks) != 5 {
		t.Fatalf("created %d tasks, want 5", len(f.creator.tasks))
	}
	for i, task := range f.creator.tasks {
		want := fmt.Sprintf("https://export.example.com/products/%d", i+1)
		if task.URL != want {
			t.Errorf("task %d URL = %q, want %q", i, task.URL, want)
		}
	}

	if f.store.Puts != 0 {
		t.Error("enqueue must not write objects")
	}
	if f.shop.GetRequestCount() != 1 {
		t.Errorf("source requests = %d, want 1", f.shop.GetRequestCount())
	}
}

func TestEnqueueAll_NoPages(t *testing.T) {
	f := newFixture(t, 10)
	f.shop.SetResponse("orders", testutil.MockShopResponse{
		StatusCode: http.StatusOK,
		Body:       `[]`,
		Headers:    map[string]string{"X-WP-TotalPages": "0", "X-WP-Total": "0"},
	})

	result, err := f.service.EnqueueAll(context.Background(), export.EntityOrders)
	if err != nil {
		t.Fatalf("EnqueueAll() error = %v", err)
	}
	if result.Scheduled != 0 || len(f.creator.tasks) != 0 {
		t.Errorf("result = %+v, want nothing scheduled", result)
	}
}

func TestEnqueueAll_SourceUnavailable(t *testing.T) {
	f := newFixture(t, 10)
	f.shop.SetResponse("orders", testutil.MockShopResponse{StatusCode: http.StatusUnauthorized})

	_, err := f.service.EnqueueAll(context.Background(), export.EntityOrders)
	if !errors.Is(err, export.ErrSourceUnavailable) {
		t.Fatalf("EnqueueAll() error = %v, want ErrSourceUnavailable", err)
	}
	if len(f.creator.tasks) != 0 {
		t.Error("no tasks may be created when discovery fails")
	}
}

func TestEnqueueAll_PartialFailure(t *testing.T) {
	f := newFixture(t, 10)
	f.shop.SetRecords("orders", testutil.Orders(30))
	f.creator.err = errors.New("queue unavailable")

	result, err := f.service.EnqueueAll(context.Background(), export.EntityOrders)
	if !errors.Is(err, export.ErrScheduleFailed) {
		t.Fatalf("EnqueueAll() error = %v, want ErrScheduleFailed", err)
	}
	if result == nil || result.TotalPages != 3 || result.Failed != 3 {
		t.Errorf("result = %+v, want 3 failed pages", result)
	}
}

func TestEnqueueAll_UnsupportedEntity(t *testing.T) {
	f := newFixture(t, 10)
	if _, err := f.service.EnqueueAll(context.Background(), export.Entity("coupons")); !errors.Is(err, export.ErrUnsupportedEntity) {
		t.Errorf("EnqueueAll() error = %v, want ErrUnsupportedEntity", err)
	}
}

func TestNewService_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for missing collaborators")
		}
	}()
	NewService(nil, nil, nil, nil, testLogger)
}
