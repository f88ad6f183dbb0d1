package escalation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hollowaylabs/gatewarden/internal/metrics"
	"github.com/hollowaylabs/gatewarden/internal/storage"
)

// DefaultPeriod is the reset-cycle cadence: one full counter rebuild per day.
const DefaultPeriod = 24 * time.Hour

// cycleKey is the meta-namespace key holding the reset-cycle clock.
const cycleKey = "reset_circle"

// cycleRecord is the JSON shape of the clock at rest.
type cycleRecord struct {
	LastReset int64 `json:"last_reset"`
}

// Cycle performs the traffic-triggered periodic rebuild of all counters.
// MaybeRun is called on every evaluated request; in the common case it is a
// single cheap read, which is how the system achieves periodic maintenance
// without a background scheduler.
type Cycle struct {
	store  storage.Store
	period time.Duration

	mu sync.Mutex
}

// NewCycle builds a reset cycle with the given period. seed is the last
// reset timestamp carried over from configuration; zero means "derive from
// the first request".
func NewCycle(store storage.Store, period time.Duration, seed time.Time) *Cycle {
	if period <= 0 {
		period = DefaultPeriod
	}
	c := &Cycle{store: store, period: period}
	if !seed.IsZero() {
		// Best-effort: the persisted clock wins over the seed when present.
		if raw, err := store.Get(cycleKey, storage.NamespaceMeta); err == nil && raw == nil {
			_ = c.persist(seed.Unix())
		}
	}
	return c
}

// MaybeRun rebuilds the counter and attempt namespaces when more than one
// period has elapsed since the last reset, then advances the clock to the
// start of the current UTC day and persists it. Returns true only for the
// call that performed the rebuild; a second call within the same period is
// a no-op.
func (c *Cycle) MaybeRun(now time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, err := c.load()
	if err != nil {
		return false, err
	}

	if last == 0 {
		// First contact ever: start the clock without rebuilding.
		return false, c.persist(startOfDay(now).Unix())
	}

	if now.Unix()-last <= int64(c.period/time.Second) {
		return false, nil
	}

	if err := c.store.Rebuild(storage.NamespaceCounter, storage.NamespaceAttempt); err != nil {
		return false, fmt.Errorf("escalation: reset cycle rebuild: %w", err)
	}

	// Anchor the next period at the start of the current day; for periods
	// shorter than the elapsed part of the day, anchor at now so a second
	// call within the same period stays idempotent.
	next := startOfDay(now)
	if now.Unix()-next.Unix() > int64(c.period/time.Second) {
		next = now
	}
	if err := c.persist(next.Unix()); err != nil {
		return true, err
	}

	metrics.ResetCycles.Inc()
	log.Info().Time("last_reset", next).Msg("reset cycle completed")
	return true, nil
}

func (c *Cycle) load() (int64, error) {
	raw, err := c.store.Get(cycleKey, storage.NamespaceMeta)
	if err != nil {
		return 0, fmt.Errorf("escalation: load reset clock: %w", err)
	}
	if len(raw) == 0 {
		return 0, nil
	}
	var rec cycleRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, nil
	}
	return rec.LastReset, nil
}

func (c *Cycle) persist(last int64) error {
	raw, err := json.Marshal(cycleRecord{LastReset: last})
	if err != nil {
		return fmt.Errorf("escalation: encode reset clock: %w", err)
	}
	if err := c.store.Save(cycleKey, raw, storage.NamespaceMeta); err != nil {
		return fmt.Errorf("escalation: save reset clock: %w", err)
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
