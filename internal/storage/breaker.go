package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Compile-time proof that BreakerStore satisfies the Store interface.
var _ Store = (*BreakerStore)(nil)

// BreakerStore decorates a Store with a shared circuit breaker so that a
// struggling backend is given room to recover instead of being hammered on
// every request. While the breaker is open, all operations fail fast with
// an error matching ErrUnavailable; the caller's fail-open/fail-closed
// policy decides what that means for the request.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps inner with a circuit breaker. The breaker trips after
// five consecutive failures and probes again after 30 seconds.
func WithBreaker(inner Store) *BreakerStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "storage",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("storage breaker state change")
		},
	})
	return &BreakerStore{inner: inner, cb: cb}
}

func (s *BreakerStore) exec(fn func() (any, error)) (any, error) {
	v, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("storage: breaker open: %w", errors.Join(ErrUnavailable, err))
	}
	return v, err
}

func (s *BreakerStore) Get(id, namespace string) ([]byte, error) {
	v, err := s.exec(func() (any, error) { return s.inner.Get(id, namespace) })
	if err != nil {
		return nil, err
	}
	b, _ := v.([]byte)
	return b, nil
}

func (s *BreakerStore) GetAll(namespace string) ([]Record, error) {
	v, err := s.exec(func() (any, error) { return s.inner.GetAll(namespace) })
	if err != nil {
		return nil, err
	}
	recs, _ := v.([]Record)
	return recs, nil
}

func (s *BreakerStore) Save(id string, value []byte, namespace string) error {
	_, err := s.exec(func() (any, error) { return nil, s.inner.Save(id, value, namespace) })
	return err
}

func (s *BreakerStore) Delete(id, namespace string) error {
	_, err := s.exec(func() (any, error) { return nil, s.inner.Delete(id, namespace) })
	return err
}

func (s *BreakerStore) Rebuild(namespaces ...string) error {
	_, err := s.exec(func() (any, error) { return nil, s.inner.Rebuild(namespaces...) })
	return err
}

func (s *BreakerStore) IncrWindow(id, namespace string, windowStart int64) (int64, error) {
	v, err := s.exec(func() (any, error) { return s.inner.IncrWindow(id, namespace, windowStart) })
	if err != nil {
		return 0, err
	}
	n, _ := v.(int64)
	return n, nil
}

func (s *BreakerStore) DBPath() string { return s.inner.DBPath() }

func (s *BreakerStore) Close() error { return s.inner.Close() }
