package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/Sternrassler/woo-export/internal/testutil"
	"github.com/Sternrassler/woo-export/pkg/export"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.New(os.Stderr).Level(zerolog.Disabled)

func newTestClient(t *testing.T, shop *testutil.MockShop, perPage int) *Client {
	t.Helper()

	registry, err := export.NewRegistry(
		export.EntityConfig{Entity: export.EntityOrders, Endpoint: shop.EntityURL("orders"), Bucket: "orders"},
		export.EntityConfig{Entity: export.EntityProducts, Endpoint: shop.EntityURL("products"), Bucket: "products"},
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	cfg := DefaultConfig("ck_test", "cs_test")
	cfg.PerPage = perPage
	cfg.RateLimit = 0

	client, err := New(registry, cfg, testLogger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client
}

func TestNew_Validation(t *testing.T) {
	registry, _ := export.NewRegistry(export.EntityConfig{Entity: export.EntityOrders})

	tests := []struct {
		name     string
		registry *export.Registry
		config   Config
		errorMsg string
	}{
		{
			name:     "valid config",
			registry: registry,
			config:   DefaultConfig("ck", "cs"),
		},
		{
			name:     "nil registry",
			config:   DefaultConfig("ck", "cs"),
			errorMsg: "entity registry is required",
		},
		{
			name:     "missing credentials",
			registry: registry,
			config:   DefaultConfig("ck", ""),
			errorMsg: "source credentials are required",
		},
		{
			name:     "per page too large",
			registry: registry,
			config:   Config{Username: "ck", Password: "cs", PerPage: 500},
			errorMsg: "per_page must be between 1 and 100 (got 500)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.registry, tt.config, testLogger)
			if tt.errorMsg != "" {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if client == nil {
				t.Error("Client is nil")
			}
		})
	}
}

func TestFetchPage_Success(t *testing.T) {
	shop := testutil.NewMockShop("ck_test", "cs_test")
	defer shop.Close()
	shop.SetRecords("orders", testutil.Orders(25))

	client := newTestClient(t, shop, 10)

	page, err := client.FetchPage(context.Background(), export.EntityOrders, 3)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if page.TotalPages != 3 {
		t.Errorf("TotalPages = %d, want 3", page.TotalPages)
	}
	if page.TotalRecords != 25 {
		t.Errorf("TotalRecords = %d, want 25", page.TotalRecords)
	}
	if len(page.Records) != 5 {
		t.Errorf("len(Records) = %d, want 5", len(page.Records))
	}
	if shop.LastQuery["per_page"] != "10" || shop.LastQuery["page"] != "3" {
		t.Errorf("query = %v, want per_page=10 page=3", shop.LastQuery)
	}
}

func TestFetchPage_Errors(t *testing.T) {
	tests := []struct {
		name      string
		response  *testutil.MockShopResponse
		password  string
		wantClass ErrorClass
		wantCode  int
	}{
		{
			name:      "unauthorized",
			password:  "wrong",
			wantClass: ErrorClassClient,
			wantCode:  http.StatusUnauthorized,
		},
		{
			name:      "server error",
			response:  &testutil.MockShopResponse{StatusCode: http.StatusInternalServerError, Body: `{"code":"internal"}`},
			wantClass: ErrorClassServer,
			wantCode:  http.StatusInternalServerError,
		},
		{
			name:      "body not an array",
			response:  &testutil.MockShopResponse{StatusCode: http.StatusOK, Body: `{"id":1}`},
			wantClass: ErrorClassDecode,
			wantCode:  http.StatusOK,
		},
		{
			name:      "null body",
			response:  &testutil.MockShopResponse{StatusCode: http.StatusOK, Body: `null`},
			wantClass: ErrorClassDecode,
			wantCode:  http.StatusOK,
		},
		{
			name:      "trailing garbage",
			response:  &testutil.MockShopResponse{StatusCode: http.StatusOK, Body: `[{"id":1}] trailing-garbage`},
			wantClass: ErrorClassDecode,
			wantCode:  http.StatusOK,
		},
		{
			name:      "second value after array",
			response:  &testutil.MockShopResponse{StatusCode: http.StatusOK, Body: `[{"id":1}]{"x":2}`},
			wantClass: ErrorClassDecode,
			wantCode:  http.StatusOK,
		},
		{
			name:      "truncated array",
			response:  &testutil.MockShopResponse{StatusCode: http.StatusOK, Body: `[{"id":1},`},
			wantClass: ErrorClassDecode,
			wantCode:  http.StatusOK,
		},
		{
			name: "total pages above limit",
			response: &testutil.MockShopResponse{
				StatusCode: http.StatusOK,
				Body:       `[]`,
				Headers:    map[string]string{HeaderTotalPages: "2000000000"},
			},
			wantClass: ErrorClassDecode,
			wantCode:  http.StatusOK,
		},
		{
			name: "malformed total pages",
			response: &testutil.MockShopResponse{
				StatusCode: http.StatusOK,
				Body:       `[]`,
				Headers:    map[string]string{HeaderTotalPages: "many"},
			},
			wantClass: ErrorClassDecode,
			wantCode:  http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			password := "cs_test"
			if tt.password != "" {
				password = tt.password
			}
			shop := testutil.NewMockShop("ck_test", password)
			defer shop.Close()
			shop.SetRecords("orders", testutil.Orders(3))
			if tt.response != nil {
				shop.SetResponse("orders", *tt.response)
			}

			client := newTestClient(t, shop, 10)
			page, err := client.FetchPage(context.Background(), export.EntityOrders, 1)
			if page != nil {
				t.Error("FetchPage() must not return a page on failure")
			}
			if !errors.Is(err, export.ErrSourceUnavailable) {
				t.Fatalf("error = %v, want ErrSourceUnavailable", err)
			}

			var srcErr *SourceError
			if !errors.As(err, &srcErr) {
				t.Fatalf("error %T is not a *SourceError", err)
			}
			if srcErr.ErrorClass != tt.wantClass {
				t.Errorf("ErrorClass = %q, want %q", srcErr.ErrorClass, tt.wantClass)
			}
			if srcErr.StatusCode != tt.wantCode {
				t.Errorf("StatusCode = %d, want %d", srcErr.StatusCode, tt.wantCode)
			}
		})
	}
}

func TestFetchPage_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := server.URL + "/orders"
	server.Close()

	registry, _ := export.NewRegistry(export.EntityConfig{Entity: export.EntityOrders, Endpoint: endpoint})
	cfg := DefaultConfig("ck", "cs")
	cfg.Timeout = time.Second
	client, err := New(registry, cfg, testLogger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = client.FetchPage(context.Background(), export.EntityOrders, 1)
	var srcErr *SourceError
	if !errors.As(err, &srcErr) || srcErr.ErrorClass != ErrorClassNetwork {
		t.Errorf("error = %v, want network SourceError", err)
	}
}

func TestFetchPage_MissingTotalPagesHeader(t *testing.T) {
	shop := testutil.NewMockShop("ck_test", "cs_test")
	defer shop.Close()
	shop.SetResponse("products", testutil.MockShopResponse{StatusCode: http.StatusOK, Body: `[{"id":1}]`})

	client := newTestClient(t, shop, 10)
	page, err := client.FetchPage(context.Background(), export.EntityProducts, 1)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if page.TotalPages != 0 {
		t.Errorf("TotalPages = %d, want 0", page.TotalPages)
	}
	if len(page.Records) != 1 {
		t.Errorf("len(Records) = %d, want 1", len(page.Records))
	}
}

func TestFetchPage_EmptyArrayAndTrailingNewline(t *testing.T) {
	shop := testutil.NewMockShop("ck_test", "cs_test")
	defer shop.Close()
	shop.SetResponse("orders", testutil.MockShopResponse{
		StatusCode: http.StatusOK,
		Body:       " [ ]\n",
		Headers:    map[string]string{HeaderTotalPages: "3"},
	})

	client := newTestClient(t, shop, 10)
	page, err := client.FetchPage(context.Background(), export.EntityOrders, 4)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if page.Records == nil || len(page.Records) != 0 {
		t.Errorf("Records = %#v, want empty non-nil slice", page.Records)
	}
	if page.TotalPages != 3 {
		t.Errorf("TotalPages = %d, want 3", page.TotalPages)
	}
}

func TestFetchPage_MaxPages(t *testing.T) {
	shop := testutil.NewMockShop("ck_test", "cs_test")
	defer shop.Close()
	shop.SetResponse("orders", testutil.MockShopResponse{
		StatusCode: http.StatusOK,
		Body:       `[]`,
		Headers:    map[string]string{HeaderTotalPages: "51"},
	})

	registry, _ := export.NewRegistry(export.EntityConfig{Entity: export.EntityOrders, Endpoint: shop.EntityURL("orders")})
	cfg := DefaultConfig("ck_test", "cs_test")
	cfg.RateLimit = 0
	cfg.MaxPages = 50
	client, err := New(registry, cfg, testLogger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := client.FetchPage(context.Background(), export.EntityOrders, 1); !errors.Is(err, export.ErrSourceUnavailable) {
		t.Errorf("error = %v, want ErrSourceUnavailable for 51 > 50 pages", err)
	}

	shop.SetResponse("orders", testutil.MockShopResponse{
		StatusCode: http.StatusOK,
		Body:       `[]`,
		Headers:    map[string]string{HeaderTotalPages: "50"},
	})
	page, err := client.FetchPage(context.Background(), export.EntityOrders, 1)
	if err != nil {
		t.Fatalf("FetchPage() at the limit error = %v", err)
	}
	if page.TotalPages != 50 {
		t.Errorf("TotalPages = %d, want 50", page.TotalPages)
	}
}

func TestFetchPage_InvalidInput(t *testing.T) {
	shop := testutil.NewMockShop("ck_test", "cs_test")
	defer shop.Close()
	client := newTestClient(t, shop, 10)

	if _, err := client.FetchPage(context.Background(), export.EntityOrders, 0); !errors.Is(err, export.ErrInvalidPage) {
		t.Errorf("page 0 error = %v, want ErrInvalidPage", err)
	}
	if _, err := client.FetchPage(context.Background(), export.Entity("coupons"), 1); !errors.Is(err, export.ErrUnsupportedEntity) {
		t.Errorf("unknown entity error = %v, want ErrUnsupportedEntity", err)
	}
	if shop.GetRequestCount() != 0 {
		t.Errorf("invalid input must not reach the source, got %d requests", shop.GetRequestCount())
	}
}

func TestParseCountHeader(t *testing.T) {
	tests := []struct {
		value   string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"7", 7, false},
		{" 12 ", 12, false},
		{"-1", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		h := http.Header{}
		if tt.value != "" {
			h.Set(HeaderTotalPages, tt.value)
		}
		got, err := parseCountHeader(h, HeaderTotalPages)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseCountHeader(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("parseCountHeader(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}
