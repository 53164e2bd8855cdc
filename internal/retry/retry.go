// Package retry runs operations under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

var (
	// ErrNetwork marks a generic network failure.
	ErrNetwork = errors.New("network error")
	// ErrNoData is returned when an operation succeeded but produced nothing.
	ErrNoData = errors.New("no data returned")
	// ErrNetworkUnavailable is returned without attempting the operation while offline.
	ErrNetworkUnavailable = errors.New("network unavailable")
)

const maxJitter = 0.1

// Config controls the retry policy. Zero values take the defaults.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	ShouldRetry   func(error) bool
	OnRetry       func(attempt int, err error)

	// Jitter returns a value in [0, 0.1). Defaults to a uniform random draw.
	Jitter func() float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	switch {
	case c.BackoffFactor <= 0:
		c.BackoffFactor = 2
	case c.BackoffFactor < 1:
		// Delays never shrink between attempts.
		c.BackoffFactor = 1
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = DefaultShouldRetry
	}
	if c.Jitter == nil {
		c.Jitter = func() float64 { return rand.Float64() * maxJitter }
	}
	return c
}

// Delay returns the sleep before the n-th retry (1-indexed) for the given jitter fraction.
func (c Config) Delay(n int, jitter float64) time.Duration {
	c = c.withDefaults()
	if n < 1 {
		n = 1
	}
	d := float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(n-1)) * (1 + jitter)
	if d >= float64(c.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// jitteredBackOff implements backoff.BackOff with positive-only jitter and an attempt budget.
type jitteredBackOff struct {
	cfg     Config
	retries int
}

func (b *jitteredBackOff) NextBackOff() time.Duration {
	if b.retries >= b.cfg.MaxAttempts-1 {
		return backoff.Stop
	}
	b.retries++
	return b.cfg.Delay(b.retries, b.cfg.Jitter())
}

func (b *jitteredBackOff) Reset() {
	b.retries = 0
}

// Do runs op until it succeeds, returns a non-retryable error, or the attempt budget is spent.
// The error of the last attempt is returned.
func Do(ctx context.Context, cfg Config, op func(context.Context) error) error {
	cfg = cfg.withDefaults()

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if attempt < cfg.MaxAttempts && !cfg.ShouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, _ time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
	}

	b := backoff.WithContext(&jitteredBackOff{cfg: cfg}, ctx)
	return backoff.RetryNotify(operation, b, notify)
}

// Fetch is Do for operations returning a single record. A nil record with a nil error
// counts as a transient ErrNoData failure.
func Fetch[T any](ctx context.Context, cfg Config, op func(context.Context) (*T, error)) (*T, error) {
	base := cfg.ShouldRetry
	if base == nil {
		base = DefaultShouldRetry
	}
	cfg.ShouldRetry = func(err error) bool {
		return errors.Is(err, ErrNoData) || base(err)
	}

	var out *T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		if v == nil {
			return ErrNoData
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Connectivity reports whether the caller currently has a usable network link.
// A connected paho MQTT client satisfies it.
type Connectivity interface {
	IsConnected() bool
}

// DoOnline is Do that fails fast with ErrNetworkUnavailable while conn reports itself offline.
func DoOnline(ctx context.Context, conn Connectivity, cfg Config, op func(context.Context) error) error {
	if conn != nil && !conn.IsConnected() {
		return ErrNetworkUnavailable
	}

	base := cfg.ShouldRetry
	if base == nil {
		base = DefaultShouldRetry
	}
	cfg.ShouldRetry = func(err error) bool {
		return !errors.Is(err, ErrNetworkUnavailable) && base(err)
	}

	return Do(ctx, cfg, func(ctx context.Context) error {
		if conn != nil && !conn.IsConnected() {
			return ErrNetworkUnavailable
		}
		return op(ctx)
	})
}

type statusCoder interface {
	HTTPStatus() int
}

// DefaultShouldRetry reports whether err looks transient.
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrNoData) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() >= 500 {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "fetch") || strings.Contains(msg, "timeout")
}

// StatusError carries an HTTP status code from a remote call.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return e.Op + ": unexpected status " + strconv.Itoa(e.Status)
}

// HTTPStatus returns the status code.
func (e *StatusError) HTTPStatus() int {
	return e.Status
}
