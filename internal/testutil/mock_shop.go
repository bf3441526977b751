// Package testutil provides testing utilities for the WooCommerce exporter.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// MockShopResponse overrides the response of one request path.
type MockShopResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// MockShop is a configurable mock WooCommerce REST API.
// Records are served under /{entity} with per_page/page query parameters and
// the X-WP-Total / X-WP-TotalPages headers.
type MockShop struct {
	server    *httptest.Server
	mu        sync.RWMutex
	records   map[string][]json.RawMessage
	overrides map[string]MockShopResponse
	username  string
	password  string

	// Tracking
	RequestCount int
	LastQuery    map[string]string
}

// NewMockShop creates a mock shop that accepts the given basic-auth credentials.
func NewMockShop(username, password string) *MockShop {
	mock := &MockShop{
		records:   make(map[string][]json.RawMessage),
		overrides: make(map[string]MockShopResponse),
		username:  username,
		password:  password,
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockShop) URL() string {
	return m.server.URL
}

// EntityURL returns the collection endpoint of entity.
func (m *MockShop) EntityURL(entity string) string {
	return m.server.URL + "/" + entity
}

// Close shuts down the mock server.
func (m *MockShop) Close() {
	m.server.Close()
}

// SetRecords replaces the records served for entity.
func (m *MockShop) SetRecords(entity string, records []json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[entity] = records
}

// SetResponse forces a fixed response for entity regardless of page.
func (m *MockShop) SetResponse(entity string, resp MockShopResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides["/"+entity] = resp
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockShop) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

func (m *MockShop) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastQuery = map[string]string{
		"per_page": r.URL.Query().Get("per_page"),
		"page":     r.URL.Query().Get("page"),
	}
	override, hasOverride := m.overrides[r.URL.Path]
	records, known := m.records[strings.TrimPrefix(r.URL.Path, "/")]
	m.mu.Unlock()

	if hasOverride {
		for key, value := range override.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(override.StatusCode)
		w.Write([]byte(override.Body))
		return
	}

	user, pass, ok := r.BasicAuth()
	if !ok || user != m.username || pass != m.password {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"woocommerce_rest_cannot_view","message":"Sorry, you cannot list resources."}`))
		return
	}
	if !known {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"rest_no_route","message":"No route was found matching the URL and request method."}`))
		return
	}

	perPage, err := strconv.Atoi(r.URL.Query().Get("per_page"))
	if err != nil || perPage <= 0 {
		perPage = 10
	}
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page <= 0 {
		page = 1
	}

	totalPages := (len(records) + perPage - 1) / perPage
	start := (page - 1) * perPage
	end := start + perPage
	if start > len(records) {
		start = len(records)
	}
	if end > len(records) {
		end = len(records)
	}

	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("X-WP-Total", strconv.Itoa(len(records)))
	w.Header().Set("X-WP-TotalPages", strconv.Itoa(totalPages))
	w.WriteHeader(http.StatusOK)

	slice := records[start:end]
	if slice == nil {
		slice = []json.RawMessage{}
	}
	body, _ := json.Marshal(slice)
	w.Write(body)
}

// Orders generates n order records with ids 1..n.
func Orders(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		id := i + 1
		out[i] = json.RawMessage(fmt.Sprintf(`{"id":%d,"status":"completed","total":"%d.00","billing":{"city":"Utrecht","state":"UT","postcode":"3511"},"coupon_lines":[{"id":%d,"code":"WELCOME","discount":"1.00","discount_tax":"0.21"}],"line_items":[{"id":%d,"quantity":1}]}`, id, id, id*10, id*100))
	}
	return out
}

// Products generates n product records with ids 1..n.
func Products(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		id := i + 1
		out[i] = json.RawMessage(fmt.Sprintf(`{"id":%d,"sku":"SKU-%d","name":"Product %d","price":"9.95","virtual":false,"purchasable":true,"images":[],"meta_data":[],"categories":[{"id":1,"name":"Default"}]}`, id, id, id))
	}
	return out
}
