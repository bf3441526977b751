package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/woo-export/pkg/logging"
)

var taskDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "woo_task_deliveries_total",
	Help: "Total task delivery attempts by outcome",
}, []string{"outcome"})

// DeliveryError describes a failed delivery attempt.
type DeliveryError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery %s error (status %d): %s: %v", e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("delivery %s error (status %d): %s", e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// DispatcherConfig holds the dispatcher configuration.
type DispatcherConfig struct {
	// Workers is the number of concurrent deliveries
	Workers int

	// PollInterval between claims when the queue is idle
	PollInterval time.Duration

	// BatchSize is the number of tasks claimed per poll
	BatchSize int

	// Lease is how long a claimed task stays invisible; it must exceed RequestTimeout
	Lease time.Duration

	// MaxAttempts includes the first delivery
	MaxAttempts int

	RequestTimeout time.Duration

	// HTTPClient overrides the default client (for testing)
	HTTPClient *http.Client
}

// DefaultDispatcherConfig returns a safe default configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:        4,
		PollInterval:   time.Second,
		BatchSize:      16,
		Lease:          10 * time.Minute,
		MaxAttempts:    5,
		RequestTimeout: 5 * time.Minute,
	}
}

// Dispatcher delivers due tasks. Delivery is at least once: a task is
// removed only after a 2xx answer, and expired leases are claimed again.
type Dispatcher struct {
	queue      *Queue
	tokens     TokenSource
	httpClient *http.Client
	config     DispatcherConfig
	logger     zerolog.Logger
	now        func() time.Time
}

// NewDispatcher creates a dispatcher for queue. tokens may be nil when targets need no identity token.
func NewDispatcher(queue *Queue, tokens TokenSource, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.Lease <= cfg.RequestTimeout {
		cfg.Lease = 2 * cfg.RequestTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &Dispatcher{
		queue:      queue,
		tokens:     tokens,
		httpClient: httpClient,
		config:     cfg,
		logger:     logging.Component(logger, "dispatcher"),
		now:        time.Now,
	}
}

// Run polls the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().
		Str("queue", d.queue.Name()).
		Int("workers", d.config.Workers).
		Dur("poll_interval", d.config.PollInterval).
		Msg("Dispatcher started")

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		n, err := d.DispatchDue(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Warn().Err(err).Msg("Dispatch cycle failed")
		}

		// A full batch means more work may be due; skip the wait.
		if n < d.config.BatchSize {
			select {
			case <-ctx.Done():
				d.logger.Info().Msg("Dispatcher stopped")
				return ctx.Err()
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// DispatchDue runs one cycle: requeue expired leases, claim due tasks and
// deliver them on the worker pool. It returns the number of tasks claimed.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	now := d.now()

	if n, err := d.queue.RequeueExpired(ctx, now); err != nil {
		return 0, err
	} else if n > 0 {
		d.logger.Warn().Int("tasks", n).Msg("Requeued tasks with expired lease")
	}

	tasks, err := d.queue.Claim(ctx, now, d.config.BatchSize, d.config.Lease)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	work := make(chan Task)
	var wg sync.WaitGroup
	for i := 0; i < d.config.Workers && i < len(tasks); i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for task := range work {
				d.handle(ctx, task, workerID)
			}
		}(i)
	}
	for _, task := range tasks {
		work <- task
	}
	close(work)
	wg.Wait()

	return len(tasks), nil
}

// handle delivers one claimed task and settles it in the queue.
func (d *Dispatcher) handle(ctx context.Context, task Task, workerID int) {
	task.Attempts++
	err := d.deliver(ctx, task)

	logger := d.logger.With().
		Str("task_id", task.ID).
		Str("url", task.URL).
		Int("attempt", task.Attempts).
		Int("worker_id", workerID).
		Logger()

	if err == nil {
		taskDeliveriesTotal.WithLabelValues("delivered").Inc()
		if ackErr := d.queue.Ack(ctx, task.ID); ackErr != nil {
			// The lease will expire and the task is delivered again; targets are idempotent.
			logger.Error().Err(ackErr).Msg("Ack failed")
			return
		}
		logger.Info().Msg("Task delivered")
		return
	}

	task.LastError = err.Error()
	class := ErrorClassNetwork
	if de, ok := err.(*DeliveryError); ok {
		class = de.ErrorClass
	}

	if !shouldRetry(class) || task.Attempts >= d.config.MaxAttempts {
		if shouldRetry(class) {
			taskRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
		}
		taskDeliveriesTotal.WithLabelValues("dead").Inc()
		if buryErr := d.queue.Bury(ctx, task); buryErr != nil {
			logger.Error().Err(buryErr).Msg("Bury failed")
			return
		}
		logger.Error().
			Err(err).
			Str("error_class", string(class)).
			Msg("Task moved to dead letters")
		return
	}

	taskRetriesTotal.WithLabelValues(string(class)).Inc()
	taskDeliveriesTotal.WithLabelValues("retry").Inc()
	backoff := backoffFor(class, task.Attempts)
	if retryErr := d.queue.Retry(ctx, task, d.now().Add(backoff)); retryErr != nil {
		logger.Error().Err(retryErr).Msg("Reschedule failed")
		return
	}
	logger.Warn().
		Err(err).
		Str("error_class", string(class)).
		Dur("backoff", backoff).
		Msg("Task delivery failed, rescheduled")
}

// deliver performs the task's HTTP call once.
func (d *Dispatcher) deliver(ctx context.Context, task Task) error {
	method := task.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, task.URL, bytes.NewReader(task.Body))
	if err != nil {
		return &DeliveryError{ErrorClass: ErrorClassClient, Message: "create request", Err: err}
	}
	for k, v := range task.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && len(task.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Task-ID", task.ID)
	req.Header.Set("X-Task-Attempt", fmt.Sprintf("%d", task.Attempts))

	if d.tokens != nil && task.Audience != "" {
		token, err := d.tokens.Token(ctx, task.Audience)
		if err != nil {
			return &DeliveryError{ErrorClass: ErrorClassNetwork, Message: "issue identity token", Err: err}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &DeliveryError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := resp.Status
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		msg = resp.Status + ": " + trimmed
	}
	return &DeliveryError{
		StatusCode: resp.StatusCode,
		ErrorClass: classifyStatus(resp.StatusCode),
		Message:    msg,
	}
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status == http.StatusRequestTimeout:
		return ErrorClassNetwork
	case status >= 400 && status < 500:
		return ErrorClassClient
	default:
		return ErrorClassServer
	}
}
