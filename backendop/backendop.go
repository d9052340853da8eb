// Package backendop is the retry-with-deadline envelope every store
// interaction in kcvlog goes through, so the rest of the package can be
// written as if the KCV store never failed transiently. See spec.md §4.B.
package backendop

import (
	"context"
	"fmt"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/streamkv/kcvlog/kcverrors"
	"github.com/streamkv/kcvlog/store"
)

var metricRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kcvlog",
	Name:      "backend_retries_total",
	Help:      "Total number of retried backend operation attempts, by kind.",
}, []string{"kind"})

var metricBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "kcvlog",
	Name:      "backend_circuit_breaker_state",
	Help:      "Circuit breaker state by kind: 0=closed, 1=half-open, 2=open.",
}, []string{"kind"})

// Kind distinguishes read-path from write-path backend operations so each
// gets its own backoff/circuit-breaker bookkeeping.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// Op is an idempotent closure run against a fresh transaction.
type Op[T any] func(ctx context.Context, tx store.Tx) (T, error)

// Config tunes one Kind's retry loop and circuit breaker.
type Config struct {
	// Backoff bounds the delay between retry attempts.
	Backoff backoff.Config
	// BreakerMaxFailures trips the breaker open after this many
	// consecutive failures; 0 disables the breaker for this Kind.
	BreakerMaxFailures uint32
	// BreakerOpenTimeout is how long the breaker stays open before
	// allowing a half-open probe.
	BreakerOpenTimeout time.Duration
}

// DefaultConfig returns sane defaults: unbounded retries within the
// deadline, and a breaker that opens after 5 consecutive failures and
// probes again after 30s.
func DefaultConfig() Config {
	return Config{
		Backoff: backoff.Config{
			MinBackoff: 10 * time.Millisecond,
			MaxBackoff: 1 * time.Second,
			MaxRetries: 0, // bounded by deadline, not attempt count
		},
		BreakerMaxFailures: 5,
		BreakerOpenTimeout: 30 * time.Second,
	}
}

// Harness executes operations against a store.Provider, retrying transient
// failures until a per-call deadline, with a circuit breaker per Kind that
// fails fast once a kind has been unhealthy for a while.
type Harness struct {
	provider store.Provider
	txConfig store.TxConfig

	breakers map[Kind]*gobreaker.CircuitBreaker
}

// New builds a Harness. cfgByKind supplies the circuit-breaker settings for
// each Kind; a Kind with no entry in cfgByKind runs without a circuit
// breaker. The retry loop always uses the Config passed to Execute.
func New(provider store.Provider, txConfig store.TxConfig, cfgByKind map[Kind]Config) *Harness {
	h := &Harness{
		provider: provider,
		txConfig: txConfig,
		breakers: make(map[Kind]*gobreaker.CircuitBreaker),
	}
	for kind, cfg := range cfgByKind {
		h.breakers[kind] = newBreaker(kind, cfg)
	}
	return h
}

func newBreaker(kind Kind, cfg Config) *gobreaker.CircuitBreaker {
	if cfg.BreakerMaxFailures == 0 {
		return nil
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(kind),
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			metricBreakerState.WithLabelValues(string(kind)).Set(float64(to))
		},
	})
}

func (h *Harness) breakerFor(kind Kind) *gobreaker.CircuitBreaker {
	return h.breakers[kind]
}

// Execute runs op inside a freshly opened transaction, retrying on error
// until deadline elapses, then commits. On deadline exhaustion it returns
// ErrBackendUnavailable wrapping the last cause.
func Execute[T any](ctx context.Context, h *Harness, kind Kind, cfg Config, deadline time.Duration, op Op[T]) (T, error) {
	var zero T

	if b := h.breakerFor(kind); b != nil {
		result, err := b.Execute(func() (interface{}, error) {
			return executeWithRetry(ctx, h, kind, cfg, deadline, op)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return zero, fmt.Errorf("%w: circuit breaker open for %s: %v", kcverrors.ErrBackendUnavailable, kind, err)
			}
			return zero, err
		}
		return result.(T), nil
	}

	return executeWithRetry(ctx, h, kind, cfg, deadline, op)
}

func executeWithRetry[T any](ctx context.Context, h *Harness, kind Kind, cfg Config, deadline time.Duration, op Op[T]) (T, error) {
	var zero T

	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	boff := backoff.New(deadlineCtx, cfg.Backoff)
	var lastErr error

	for boff.Ongoing() {
		tx, err := h.provider.BeginTransaction(deadlineCtx, h.txConfig)
		if err != nil {
			lastErr = err
			metricRetriesTotal.WithLabelValues(string(kind)).Inc()
			boff.Wait()
			continue
		}

		result, err := op(deadlineCtx, tx)
		if err != nil {
			lastErr = err
			metricRetriesTotal.WithLabelValues(string(kind)).Inc()
			boff.Wait()
			continue
		}

		if err := tx.Commit(deadlineCtx); err != nil {
			lastErr = err
			metricRetriesTotal.WithLabelValues(string(kind)).Inc()
			boff.Wait()
			continue
		}

		return result, nil
	}

	if lastErr == nil {
		lastErr = deadlineCtx.Err()
	}
	return zero, fmt.Errorf("%w: %v", kcverrors.ErrBackendUnavailable, lastErr)
}
