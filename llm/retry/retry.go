// Package retry classifies gateway errors as retryable or fatal and provides
// the shared backoff policy. The policy is loaded once per gateway instance
// and holds no per-call state, so one *Config is shared read-only by all
// concurrent calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/crucible-ai/crucible/llm"
)

// Config is the data-driven retry policy: attempt budget, backoff shape and
// the HTTP status codes considered transient.
type Config struct {
	MaxRetries           int           `json:"max_retries" yaml:"max_retries"`
	InitialDelay         time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay             time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier           float64       `json:"multiplier" yaml:"multiplier"`
	Jitter               bool          `json:"jitter" yaml:"jitter"`
	RetryableStatusCodes []int         `json:"retryable_status_codes" yaml:"retryable_status_codes"`
}

// UnmarshalYAML accepts Go duration strings for the delay fields and merges
// into the values already present instead of zeroing absent keys.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxRetries           *int     `yaml:"max_retries"`
		InitialDelay         string   `yaml:"initial_delay"`
		MaxDelay             string   `yaml:"max_delay"`
		Multiplier           *float64 `yaml:"multiplier"`
		Jitter               *bool    `yaml:"jitter"`
		RetryableStatusCodes []int    `yaml:"retryable_status_codes"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.MaxRetries != nil {
		c.MaxRetries = *raw.MaxRetries
	}
	for _, f := range []struct {
		raw string
		dst *time.Duration
	}{
		{raw.InitialDelay, &c.InitialDelay},
		{raw.MaxDelay, &c.MaxDelay},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	if raw.Multiplier != nil {
		c.Multiplier = *raw.Multiplier
	}
	if raw.Jitter != nil {
		c.Jitter = *raw.Jitter
	}
	if raw.RetryableStatusCodes != nil {
		c.RetryableStatusCodes = raw.RetryableStatusCodes
	}
	return nil
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:           3,
		InitialDelay:         1 * time.Second,
		MaxDelay:             30 * time.Second,
		Multiplier:           2.0,
		Jitter:               true,
		RetryableStatusCodes: []int{429, 500, 502, 503, 504, 529},
	}
}

// RetryableError marks an error the caller may retry under the policy that
// classified it. The wrapped error keeps its full diagnostic content.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err was classified retryable.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Classify wraps err with a retryable/fatal verdict without altering its
// diagnostic content. It is applied uniformly to the models call, the chat
// stream open, and every item pulled from a normalized stream.
//
// Verdicts: nil stays nil; context cancellation is fatal (the caller gave
// up); typed *llm.Error follows its Retryable flag or the configured status
// list; plain network errors are transient.
func (c *Config) Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if IsRetryable(err) {
		return err
	}

	var gatewayErr *llm.Error
	if errors.As(err, &gatewayErr) {
		if gatewayErr.Retryable || c.statusRetryable(gatewayErr.HTTPStatus) {
			return &RetryableError{Err: err}
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &RetryableError{Err: err}
	}
	return err
}

func (c *Config) statusRetryable(status int) bool {
	for _, code := range c.RetryableStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// Delay computes the backoff before the given 1-based attempt: exponential
// growth capped at MaxDelay, with optional ±25% jitter to avoid retry
// stampedes.
func (c *Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := c.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	multiplier := c.Multiplier
	if multiplier < 1.0 {
		multiplier = 2.0
	}
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if c.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(initial) {
		delay = float64(initial)
	}
	return time.Duration(delay)
}

// Do runs fn, retrying classified-retryable failures up to MaxRetries with
// the configured backoff. The gateway itself never calls this; it exists for
// callers (the CLI, simple orchestrators) that want the policy applied
// locally instead of at the agent level.
func Do(ctx context.Context, cfg *Config, logger *zap.Logger, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.Delay(attempt)
			logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", cfg.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = cfg.Classify(fn())
		if lastErr == nil {
			if attempt > 0 {
				logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}

	logger.Warn("retries exhausted",
		zap.Int("attempts", cfg.MaxRetries+1),
		zap.Error(lastErr),
	)
	return lastErr
}
