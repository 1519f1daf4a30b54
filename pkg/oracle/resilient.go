package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 3)
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`
	// InitialDelay is the delay before the first retry (default: 1 second)
	InitialDelay time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	// MaxDelay caps the delay between retries (default: 30 seconds)
	MaxDelay time.Duration `json:"max_delay" mapstructure:"max_delay"`
	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64 `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// BreakerConfig configures the circuit breaker around the oracle.
type BreakerConfig struct {
	Enabled          bool          `json:"enabled" mapstructure:"enabled"`
	MaxRequests      uint32        `json:"max_requests" mapstructure:"max_requests"`
	Interval         time.Duration `json:"interval" mapstructure:"interval"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
	ReadyToTripRatio float64       `json:"ready_to_trip_ratio" mapstructure:"ready_to_trip_ratio"`
}

// DefaultBreakerConfig trips after 60% failures over at least 3 requests.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		ReadyToTripRatio: 0.6,
	}
}

// ResilientConfig bundles the knobs of Resilient.
type ResilientConfig struct {
	// CallTimeout bounds a single attempt (default: 60 seconds).
	CallTimeout time.Duration `json:"call_timeout" mapstructure:"call_timeout"`
	Retry       RetryConfig   `json:"retry" mapstructure:"retry"`
	Breaker     BreakerConfig `json:"breaker" mapstructure:"breaker"`
}

// Resilient wraps an Oracle with a per-call timeout, retries with
// exponential backoff and a circuit breaker. Every failure it returns,
// except cancellation of the caller's context, wraps types.ErrExtractionFailure.
type Resilient struct {
	inner  Oracle
	config ResilientConfig
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// NewResilient creates a new resilient oracle wrapper.
func NewResilient(inner Oracle, config ResilientConfig, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 60 * time.Second
	}
	defaults := DefaultRetryConfig()
	if config.Retry.MaxRetries < 0 {
		config.Retry.MaxRetries = defaults.MaxRetries
	}
	if config.Retry.InitialDelay <= 0 {
		config.Retry.InitialDelay = defaults.InitialDelay
	}
	if config.Retry.MaxDelay <= 0 {
		config.Retry.MaxDelay = defaults.MaxDelay
	}
	if config.Retry.BackoffMultiplier <= 0 {
		config.Retry.BackoffMultiplier = defaults.BackoffMultiplier
	}

	r := &Resilient{inner: inner, config: config, logger: logger}
	if config.Breaker.Enabled {
		r.cb = newBreaker("extraction-oracle", config.Breaker, logger)
	}
	return r
}

func newBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= cfg.ReadyToTripRatio
		},
		IsSuccessful: func(err error) bool {
			// the caller giving up says nothing about the provider
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrRefusal)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	}
	return gobreaker.NewCircuitBreaker(st)
}

// State reports the breaker state, or "disabled".
func (r *Resilient) State() string {
	if r.cb == nil {
		return "disabled"
	}
	return r.cb.State().String()
}

// Extract implements Oracle with retry logic.
func (r *Resilient) Extract(ctx context.Context, chunkText string, schema *types.SchemaSpec) (*types.Extraction, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		result, err := r.attempt(ctx, chunkText, schema)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		if !isRetryableError(err) {
			return nil, fmt.Errorf("%w: %w", types.ErrExtractionFailure, err)
		}
		r.logger.Debug("extraction attempt failed",
			"attempt", attempt+1,
			"error", err)
	}

	return nil, fmt.Errorf("%w: failed after %d retries: %w", types.ErrExtractionFailure, r.config.Retry.MaxRetries, lastErr)
}

func (r *Resilient) attempt(ctx context.Context, chunkText string, schema *types.SchemaSpec) (*types.Extraction, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	defer cancel()

	if r.cb == nil {
		return r.inner.Extract(callCtx, chunkText, schema)
	}
	out, err := r.cb.Execute(func() (interface{}, error) {
		return r.inner.Extract(callCtx, chunkText, schema)
	})
	if err != nil {
		return nil, err
	}
	return out.(*types.Extraction), nil
}

// calculateDelay calculates the delay for a given retry attempt using exponential backoff
func (r *Resilient) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.Retry.InitialDelay) * math.Pow(r.config.Retry.BackoffMultiplier, float64(attempt-1))
	if delay > float64(r.config.Retry.MaxDelay) {
		delay = float64(r.config.Retry.MaxDelay)
	}
	return time.Duration(delay)
}

// isRetryableError determines if an error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrRefusal):
		return false
	case errors.Is(err, ErrRateLimit),
		errors.Is(err, ErrEmptyResponse),
		errors.Is(err, ErrMalformedResponse),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return true
	}

	type httpErrorWithStatusCode interface {
		HTTPStatusCode() int
	}
	var httpErr httpErrorWithStatusCode
	if errors.As(err, &httpErr) {
		status := httpErr.HTTPStatusCode()
		if status >= 500 || status == http.StatusTooManyRequests {
			return true
		}
	}

	errMsg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"500", "internal server error",
		"502", "bad gateway",
		"503", "service unavailable",
		"504", "gateway timeout",
		"timeout",
		"connection reset",
		"connection refused",
		"temporary failure",
		"rate limit",
		"too many requests",
		"429",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return types.IsTransient(err)
}
