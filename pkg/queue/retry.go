package queue

import (
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for delivery retries.
var (
	taskRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woo_task_retries_total",
		Help: "Total number of delivery retries by error class",
	}, []string{"error_class"})

	taskRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "woo_task_retry_backoff_seconds",
		Help:    "Backoff before the next delivery attempt by error class",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900},
	}, []string{"error_class"})

	taskRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woo_task_retry_exhausted_total",
		Help: "Total number of tasks that exhausted their delivery attempts by error class",
	}, []string{"error_class"})
)

// ErrorClass represents a classification of delivery failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses from the target.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses from the target.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses from the target.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// RetryConfig holds the backoff configuration for one error class.
type RetryConfig struct {
	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff:    10 * time.Second,
		MaxBackoff:        10 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigForErrorClass returns the appropriate retry configuration for an error class.
func RetryConfigForErrorClass(errorClass ErrorClass) RetryConfig {
	switch errorClass {
	case ErrorClassServer:
		return RetryConfig{
			InitialBackoff:    10 * time.Second,
			MaxBackoff:        5 * time.Minute,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassRateLimit:
		// The source is overloaded; back off harder.
		return RetryConfig{
			InitialBackoff:    30 * time.Second,
			MaxBackoff:        15 * time.Minute,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassNetwork:
		return RetryConfig{
			InitialBackoff:    5 * time.Second,
			MaxBackoff:        5 * time.Minute,
			BackoffMultiplier: 2.0,
		}
	default:
		return DefaultRetryConfig()
	}
}

// shouldRetry determines if a delivery failure should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx means the task itself is wrong; repeating it cannot help
		return false
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// backoffFor returns the delay before attempt+1, given attempt failed attempts so far.
// The delay grows exponentially, is capped and carries ±20% jitter.
func backoffFor(errorClass ErrorClass, attempt int) time.Duration {
	config := RetryConfigForErrorClass(errorClass)

	backoff := config.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
			break
		}
	}

	jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
	taskRetryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(jitter.Seconds())
	return jitter
}
