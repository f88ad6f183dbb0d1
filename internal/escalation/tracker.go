// Package escalation tracks consecutive failed checks per visitor and runs
// the traffic-triggered reset cycle that periodically rebuilds all counters.
package escalation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hollowaylabs/gatewarden/internal/metrics"
	"github.com/hollowaylabs/gatewarden/internal/storage"
)

// Defaults for the streak parameters.
const (
	DefaultBuffer          = 10
	DefaultDetectionPeriod = 5 * time.Second
	DefaultTimeToReset     = 1800 * time.Second
)

// Buffers holds the streak lengths at which each escalation path fires.
// data_circle is the soft path (internal scoring); system_firewall is the
// hard path eligible for outright denial.
type Buffers struct {
	DataCircle     int64
	SystemFirewall int64
}

// Verdict reports which escalation paths a recorded failure triggered.
type Verdict struct {
	DataCircleTriggered     bool
	SystemFirewallTriggered bool
	Streak                  int64
}

// attemptRecord is the JSON shape of a visitor's streak at rest.
type attemptRecord struct {
	Count       int64 `json:"count"`
	LastFailure int64 `json:"last_failure_at"`
}

// Tracker accumulates consecutive-failure streaks. Only rapid repetition
// counts: a gap longer than the detection period restarts the streak at 1,
// and a streak untouched for timeToReset is forgotten entirely.
type Tracker struct {
	store           storage.Store
	buffers         Buffers
	detectionPeriod time.Duration
	timeToReset     time.Duration

	now func() time.Time
}

// Option tweaks a Tracker at construction.
type Option func(*Tracker)

// WithClock substitutes the wall clock, for deterministic streak tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker builds a streak tracker. Zero-valued parameters fall back to
// the defaults.
func NewTracker(store storage.Store, buffers Buffers, detectionPeriod, timeToReset time.Duration, opts ...Option) *Tracker {
	if buffers.DataCircle <= 0 {
		buffers.DataCircle = DefaultBuffer
	}
	if buffers.SystemFirewall <= 0 {
		buffers.SystemFirewall = DefaultBuffer
	}
	if detectionPeriod <= 0 {
		detectionPeriod = DefaultDetectionPeriod
	}
	if timeToReset <= 0 {
		timeToReset = DefaultTimeToReset
	}
	t := &Tracker{
		store:           store,
		buffers:         buffers,
		detectionPeriod: detectionPeriod,
		timeToReset:     timeToReset,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordFailure advances the visitor's streak and reports the escalation
// paths whose buffer the new streak length has reached.
//
// Streak accounting is a get-then-save sequence; both shipped backends
// serialize individual operations, and a lost update trims the streak by
// at most one, which the buffer thresholds tolerate.
func (t *Tracker) RecordFailure(identity string) (Verdict, error) {
	if identity == "" {
		return Verdict{}, fmt.Errorf("escalation: empty identity")
	}

	raw, err := t.store.Get(identity, storage.NamespaceAttempt)
	if err != nil {
		return Verdict{}, fmt.Errorf("escalation: load attempts %s: %w", identity, err)
	}

	now := t.now().Unix()
	var rec attemptRecord
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec); err != nil {
			rec = attemptRecord{}
		}
	}

	elapsed := now - rec.LastFailure
	switch {
	case rec.Count == 0 || elapsed > int64(t.timeToReset/time.Second):
		rec.Count = 1
	case elapsed <= int64(t.detectionPeriod/time.Second):
		rec.Count++
	default:
		rec.Count = 1
	}
	rec.LastFailure = now

	data, err := json.Marshal(rec)
	if err != nil {
		return Verdict{}, fmt.Errorf("escalation: encode attempts %s: %w", identity, err)
	}
	if err := t.store.Save(identity, data, storage.NamespaceAttempt); err != nil {
		return Verdict{}, fmt.Errorf("escalation: save attempts %s: %w", identity, err)
	}

	v := Verdict{Streak: rec.Count}
	if rec.Count >= t.buffers.DataCircle {
		v.DataCircleTriggered = true
		metrics.Escalations.WithLabelValues("data_circle").Inc()
	}
	if rec.Count >= t.buffers.SystemFirewall {
		v.SystemFirewallTriggered = true
		metrics.Escalations.WithLabelValues("system_firewall").Inc()
	}
	return v, nil
}

// Forget drops the visitor's streak, for callers that clear state after an
// authentication succeeds.
func (t *Tracker) Forget(identity string) error {
	if err := t.store.Delete(identity, storage.NamespaceAttempt); err != nil {
		return fmt.Errorf("escalation: forget %s: %w", identity, err)
	}
	return nil
}
