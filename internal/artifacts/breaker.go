package artifacts

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"rubintv/services/backend/internal/logging"
	"rubintv/services/backend/internal/metrics"
	"rubintv/services/backend/internal/models"
)

type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// BreakerStore stops hammering an unreachable bucket. While the circuit is open every call
// fails fast with ErrUnavailable and the owning poll loop simply retries next cycle.
type BreakerStore struct {
	store Store
	name  string
	cb    *gobreaker.CircuitBreaker[any]
}

func NewBreakerStore(store Store, settings BreakerSettings) *BreakerStore {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	threshold := settings.FailureThreshold
	logger := logging.With("object-store")

	metrics.CircuitBreakerState.WithLabelValues(settings.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("object store circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &BreakerStore{store: store, name: settings.Name, cb: cb}
}

func (b *BreakerStore) ListObjects(ctx context.Context, prefix string) ([]models.Object, error) {
	result, err := b.execute(func() (any, error) {
		return b.store.ListObjects(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	objects, _ := result.([]models.Object)
	return objects, nil
}

func (b *BreakerStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	result, err := b.execute(func() (any, error) {
		return b.store.GetObject(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	payload, _ := result.([]byte)
	return payload, nil
}

func (b *BreakerStore) Close() error {
	return b.store.Close()
}

func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerStore) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, b.name, err)
	}
	return result, err
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
