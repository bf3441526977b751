// Package source provides the WooCommerce REST client that fetches one page
// of an entity together with the total page count advertised by the shop.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/woo-export/pkg/export"
	"github.com/Sternrassler/woo-export/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Response headers advertised by the WooCommerce REST API.
const (
	HeaderTotalPages   = "X-WP-TotalPages"
	HeaderTotalRecords = "X-WP-Total"
)

// DefaultMaxPages bounds the page count accepted from the total pages header.
const DefaultMaxPages = 10000

// Prometheus metrics for source requests.
var (
	wooRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woo_requests_total",
		Help: "Total source requests by entity and status",
	}, []string{"entity", "status"})

	wooRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "woo_request_duration_seconds",
		Help:    "Source request duration in seconds by entity",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"entity"})

	wooErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woo_errors_total",
		Help: "Total source errors by class",
	}, []string{"class"})
)

// Config holds the client configuration.
type Config struct {
	// Basic auth credential pair (consumer key / secret)
	Username string
	Password string

	// PerPage is the page size sent as per_page
	PerPage int

	UserAgent string
	Timeout   time.Duration

	// Outbound rate limiting shared by all requests of this process
	RateLimit float64 // Requests per second
	RateBurst int

	// MaxPages is the largest advertised page count accepted (default: 10000)
	MaxPages int

	// HTTPClient overrides the default client (for testing)
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(username, password string) Config {
	return Config{
		Username:  username,
		Password:  password,
		PerPage:   100,
		UserAgent: "woo-export/0.1.0",
		Timeout:   30 * time.Second,
		RateLimit: 2,
		RateBurst: 2,
		MaxPages:  DefaultMaxPages,
	}
}

// Page is one fetched page of raw records.
type Page struct {
	Entity       export.Entity
	Number       int
	Records      []json.RawMessage
	TotalPages   int
	TotalRecords int
}

// Client fetches pages from the source. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	registry   *export.Registry
	config     Config
	logger     zerolog.Logger
}

// New creates a new source client.
func New(registry *export.Registry, cfg Config, logger zerolog.Logger) (*Client, error) {
	if registry == nil {
		return nil, fmt.Errorf("entity registry is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("source credentials are required")
	}
	if cfg.PerPage <= 0 || cfg.PerPage > 100 {
		return nil, fmt.Errorf("per_page must be between 1 and 100 (got %d)", cfg.PerPage)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, cfg.RateBurst),
		registry:   registry,
		config:     cfg,
		logger:     logging.Component(logger, "source"),
	}, nil
}

// FetchPage performs one GET for page of entity. The request is not retried;
// every failure is returned as a *SourceError matching export.ErrSourceUnavailable.
func (c *Client) FetchPage(ctx context.Context, entity export.Entity, page int) (*Page, error) {
	if err := export.ValidatePage(page); err != nil {
		return nil, err
	}
	cfg, err := c.registry.Lookup(entity)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	defer func() {
		wooRequestDuration.WithLabelValues(string(entity)).Observe(time.Since(startTime).Seconds())
	}()

	fail := func(status int, class ErrorClass, msg string, cause error) error {
		wooErrorsTotal.WithLabelValues(string(class)).Inc()
		label := strconv.Itoa(status)
		if status == 0 {
			label = string(class)
		}
		wooRequestsTotal.WithLabelValues(string(entity), label).Inc()
		srcErr := &SourceError{
			Entity:     entity,
			Page:       page,
			StatusCode: status,
			ErrorClass: class,
			Message:    msg,
			Err:        cause,
		}
		c.logger.Error().
			Err(srcErr).
			Str("entity", string(entity)).
			Int("page", page).
			Int("status", status).
			Str("error_class", string(class)).
			Msg("Source request failed")
		return srcErr
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fail(0, ErrorClassNetwork, "rate limiter wait", err)
	}

	req, err := c.newRequest(ctx, cfg.Endpoint, page)
	if err != nil {
		return nil, fail(0, ErrorClassNetwork, "create request", err)
	}

	c.logger.Debug().
		Str("entity", string(entity)).
		Int("page", page).
		Int("per_page", c.config.PerPage).
		Msg("Fetching source page")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fail(0, ErrorClassNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a bounded part of the body so the error carries the shop's message.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := resp.Status
		if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
			msg = resp.Status + ": " + trimmed
		}
		return nil, fail(resp.StatusCode, classifyStatus(resp.StatusCode), msg, nil)
	}

	records, err := decodeRecords(resp.Body)
	if err != nil {
		return nil, fail(resp.StatusCode, ErrorClassDecode, "body is not a JSON array", err)
	}

	totalPages, err := parseCountHeader(resp.Header, HeaderTotalPages)
	if err != nil {
		return nil, fail(resp.StatusCode, ErrorClassDecode, "malformed "+HeaderTotalPages+" header", err)
	}
	if totalPages > c.config.MaxPages {
		return nil, fail(resp.StatusCode, ErrorClassDecode,
			fmt.Sprintf("%s %d exceeds limit %d", HeaderTotalPages, totalPages, c.config.MaxPages), nil)
	}
	totalRecords, err := parseCountHeader(resp.Header, HeaderTotalRecords)
	if err != nil {
		return nil, fail(resp.StatusCode, ErrorClassDecode, "malformed "+HeaderTotalRecords+" header", err)
	}

	wooRequestsTotal.WithLabelValues(string(entity), strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Debug().
		Str("entity", string(entity)).
		Int("page", page).
		Int("records", len(records)).
		Int("total_pages", totalPages).
		Dur("duration", time.Since(startTime)).
		Msg("Fetched source page")

	return &Page{
		Entity:       entity,
		Number:       page,
		Records:      records,
		TotalPages:   totalPages,
		TotalRecords: totalRecords,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, endpoint string, page int) (*http.Request, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("per_page", strconv.Itoa(c.config.PerPage))
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.config.Username, c.config.Password)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	return req, nil
}

// decodeRecords reads exactly one JSON array from r. null, other values and
// trailing content are rejected.
func decodeRecords(r io.Reader) ([]json.RawMessage, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("unexpected %v at start of body", tok)
	}

	records := []json.RawMessage{}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		records = append(records, raw)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}

	if tok, err := dec.Token(); err != io.EOF {
		if err != nil {
			return nil, fmt.Errorf("trailing content: %w", err)
		}
		return nil, fmt.Errorf("trailing content %v after array", tok)
	}
	return records, nil
}

// parseCountHeader reads a non-negative integer header. A missing header yields 0.
func parseCountHeader(h http.Header, name string) (int, error) {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}
