// Package quota maintains per-visitor counters for each behavioral signal
// and decides when a configured ceiling has been breached. Frequency uses
// four independently-expiring fixed windows anchored at the start of the
// unit; the other signals accumulate unusual-behavior points in a single
// counter.
package quota

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hollowaylabs/gatewarden/internal/metrics"
	"github.com/hollowaylabs/gatewarden/internal/storage"
)

// Signal is one behavioral dimension evaluated for anomaly.
type Signal string

const (
	SignalSession   Signal = "session"
	SignalCookie    Signal = "cookie"
	SignalReferer   Signal = "referer"
	SignalFrequency Signal = "frequency"
)

// Unit selects one of the frequency windows.
type Unit string

const (
	UnitSecond Unit = "s"
	UnitMinute Unit = "m"
	UnitHour   Unit = "h"
	UnitDay    Unit = "d"
)

// Units lists the frequency windows in ascending order.
var Units = []Unit{UnitSecond, UnitMinute, UnitHour, UnitDay}

// Duration returns the window length of the unit, or 0 for an unknown unit.
func (u Unit) Duration() time.Duration {
	switch u {
	case UnitSecond:
		return time.Second
	case UnitMinute:
		return time.Minute
	case UnitHour:
		return time.Hour
	case UnitDay:
		return 24 * time.Hour
	}
	return 0
}

// Ceilings holds the configured quota for each signal. Frequency ceilings
// are per unit; the others are unusual-behavior point budgets.
type Ceilings struct {
	Session   int64
	Cookie    int64
	Referer   int64
	Frequency map[Unit]int64
}

// DefaultCeilings mirrors the documented defaults: 5 points for the scalar
// signals and 2/10/30/60 requests per second/minute/hour/day.
func DefaultCeilings() Ceilings {
	return Ceilings{
		Session: 5,
		Cookie:  5,
		Referer: 5,
		Frequency: map[Unit]int64{
			UnitSecond: 2,
			UnitMinute: 10,
			UnitHour:   30,
			UnitDay:    60,
		},
	}
}

// Verdict is the outcome of one recorded occurrence. Reporting is
// level-triggered: every call inside a breached window returns
// WithinLimit=false. Callers that attach side effects to the transition
// into breach must track the previous verdict themselves.
type Verdict struct {
	WithinLimit bool
	Count       int64
	Ceiling     int64
}

// Tracker records occurrences and evaluates them against the ceilings.
type Tracker struct {
	store    storage.Store
	ceilings Ceilings

	now func() time.Time
}

// Option tweaks a Tracker at construction.
type Option func(*Tracker)

// WithClock substitutes the wall clock, for deterministic window tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker builds a tracker over the given store. Zero-valued ceilings
// fall back to the defaults.
func NewTracker(store storage.Store, ceilings Ceilings, opts ...Option) *Tracker {
	def := DefaultCeilings()
	if ceilings.Session <= 0 {
		ceilings.Session = def.Session
	}
	if ceilings.Cookie <= 0 {
		ceilings.Cookie = def.Cookie
	}
	if ceilings.Referer <= 0 {
		ceilings.Referer = def.Referer
	}
	if len(ceilings.Frequency) == 0 {
		ceilings.Frequency = def.Frequency
	}
	t := &Tracker{store: store, ceilings: ceilings, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordAndCheck persists one occurrence for the visitor and signal and
// returns the verdict. SignalFrequency requires a unit; the scalar signals
// reject one. The increment is a single atomic read-modify-write against
// the storage provider, so parallel requests for the same visitor never
// lose updates.
func (t *Tracker) RecordAndCheck(identity string, signal Signal, unit Unit) (Verdict, error) {
	key, ceiling, window, err := t.resolve(identity, signal, unit)
	if err != nil {
		return Verdict{}, err
	}

	count, err := t.store.IncrWindow(key, storage.NamespaceCounter, window)
	if err != nil {
		return Verdict{}, fmt.Errorf("quota: record %s: %w", key, err)
	}

	v := Verdict{WithinLimit: count <= ceiling, Count: count, Ceiling: ceiling}
	if !v.WithinLimit {
		metrics.QuotaBreaches.WithLabelValues(string(signal)).Inc()
	}
	return v, nil
}

// Peek returns the verdict the next RecordAndCheck would be judged against
// without recording an occurrence.
func (t *Tracker) Peek(identity string, signal Signal, unit Unit) (Verdict, error) {
	key, ceiling, window, err := t.resolve(identity, signal, unit)
	if err != nil {
		return Verdict{}, err
	}

	raw, err := t.store.Get(key, storage.NamespaceCounter)
	if err != nil {
		return Verdict{}, fmt.Errorf("quota: peek %s: %w", key, err)
	}
	count := decodeCount(raw, window)
	return Verdict{WithinLimit: count <= ceiling, Count: count, Ceiling: ceiling}, nil
}

func (t *Tracker) resolve(identity string, signal Signal, unit Unit) (key string, ceiling, window int64, err error) {
	if identity == "" {
		return "", 0, 0, fmt.Errorf("quota: empty identity")
	}

	switch signal {
	case SignalFrequency:
		d := unit.Duration()
		if d == 0 {
			return "", 0, 0, fmt.Errorf("quota: frequency requires a time unit, got %q", unit)
		}
		ceiling = t.ceilings.Frequency[unit]
		key = identity + ":frequency:" + string(unit)
		// Fixed window anchored at the start of the unit. Truncate counts
		// from the zero time in UTC, so the day window starts at UTC
		// midnight.
		window = t.now().Truncate(d).Unix()
	case SignalSession, SignalCookie, SignalReferer:
		if unit != "" {
			return "", 0, 0, fmt.Errorf("quota: signal %s takes no time unit", signal)
		}
		switch signal {
		case SignalSession:
			ceiling = t.ceilings.Session
		case SignalCookie:
			ceiling = t.ceilings.Cookie
		case SignalReferer:
			ceiling = t.ceilings.Referer
		}
		key = identity + ":" + string(signal)
		// Scalar signals accumulate until the reset cycle rebuilds the
		// namespace; window 0 means "never rolls over on its own".
		window = 0
	default:
		return "", 0, 0, fmt.Errorf("quota: unknown signal %q", signal)
	}
	return key, ceiling, window, nil
}

func decodeCount(raw []byte, window int64) int64 {
	if len(raw) == 0 {
		return 0
	}
	type counter struct {
		Count       int64 `json:"count"`
		WindowStart int64 `json:"window_start"`
	}
	var c counter
	if err := json.Unmarshal(raw, &c); err != nil || c.WindowStart != window {
		return 0
	}
	return c.Count
}
