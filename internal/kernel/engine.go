// Package kernel wires the identity resolver, session store, quota tracker
// and escalation cycle into the per-request evaluation pipeline.
package kernel

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hollowaylabs/gatewarden/internal/config"
	"github.com/hollowaylabs/gatewarden/internal/escalation"
	"github.com/hollowaylabs/gatewarden/internal/identity"
	"github.com/hollowaylabs/gatewarden/internal/metrics"
	"github.com/hollowaylabs/gatewarden/internal/quota"
	"github.com/hollowaylabs/gatewarden/internal/session"
	"github.com/hollowaylabs/gatewarden/internal/storage"
)

// Action is the aggregate verdict for one request.
type Action int

const (
	// ActionPass lets the request through.
	ActionPass Action = iota
	// ActionChallenge means a quota was exceeded; the caller should put a
	// challenge (CAPTCHA or similar) in front of the visitor.
	ActionChallenge
	// ActionDeny means the system_firewall escalation path fired; the
	// caller may reject the request outright.
	ActionDeny
)

func (a Action) String() string {
	switch a {
	case ActionChallenge:
		return "challenge"
	case ActionDeny:
		return "deny"
	default:
		return "pass"
	}
}

// Session-payload keys the engine maintains per visitor.
const (
	keyInit        = "init"
	keyLastReferer = "last_referer"
)

// Request carries the per-request facts the engine evaluates. Identity must
// be a resolved visitor token; HasCookie reports whether the inbound
// request presented a valid identity cookie.
type Request struct {
	Identity  string
	IP        string
	Referer   string
	HasCookie bool
}

// Result is the aggregate verdict. Unknown is set when a storage failure
// prevented a real evaluation and Action reflects the configured
// fail-open/fail-closed policy instead.
type Result struct {
	Action     Action
	Breached   []quota.Signal
	Escalation escalation.Verdict
	Unknown    bool
}

// Engine evaluates requests against the behavioral quotas. It performs no
// internal locking beyond what the storage provider gives; one Engine
// serves arbitrarily many concurrent requests.
type Engine struct {
	cfg      *config.Config
	store    storage.Store
	resolver *identity.Resolver
	sessions *session.Store
	quotas   *quota.Tracker
	attempts *escalation.Tracker
	cycle    *escalation.Cycle

	now func() time.Time
}

// New builds an engine over the given backend. The backend is wrapped in a
// circuit breaker so a struggling store degrades to the fail-open policy
// instead of stalling every request. Constructing the engine runs the
// session store's probabilistic GC check.
func New(cfg *config.Config, backend storage.Store) (*Engine, error) {
	st := storage.Store(storage.WithBreaker(backend))

	e := &Engine{
		cfg:      cfg,
		store:    st,
		resolver: identity.NewResolver(cfg.CookieName, cfg.CookieTTL),
		now:      time.Now,
	}
	clock := func() time.Time { return e.now() }

	sessions, err := session.New(st, session.Options{
		Expire:        cfg.SessionExpire,
		GCProbability: cfg.SessionGCProbability,
		GCDivisor:     cfg.SessionGCDivisor,
		Clock:         clock,
	})
	if err != nil {
		return nil, err
	}
	e.sessions = sessions

	e.quotas = quota.NewTracker(st, quota.Ceilings{
		Session: cfg.QuotaSession,
		Cookie:  cfg.QuotaCookie,
		Referer: cfg.QuotaReferer,
		Frequency: map[quota.Unit]int64{
			quota.UnitSecond: cfg.QuotaFrequencyS,
			quota.UnitMinute: cfg.QuotaFrequencyM,
			quota.UnitHour:   cfg.QuotaFrequencyH,
			quota.UnitDay:    cfg.QuotaFrequencyD,
		},
	}, quota.WithClock(clock))

	e.attempts = escalation.NewTracker(st, escalation.Buffers{
		DataCircle:     cfg.DataCircleBuffer,
		SystemFirewall: cfg.SystemFirewallBuffer,
	}, cfg.DetectionPeriod, cfg.TimeToReset, escalation.WithClock(clock))

	var seed time.Time
	if cfg.ResetCycleLastUpdate > 0 {
		seed = time.Unix(cfg.ResetCycleLastUpdate, 0)
	}
	e.cycle = escalation.NewCycle(st, cfg.ResetCyclePeriod, seed)

	return e, nil
}

// Resolver returns the identity resolver the engine was built with.
func (e *Engine) Resolver() *identity.Resolver { return e.resolver }

// Evaluate runs one request through the pipeline: reset-cycle check, session
// load, signal checks, escalation bookkeeping, session save. On a storage
// failure it returns the policy verdict together with the error so the
// caller can log it.
func (e *Engine) Evaluate(_ context.Context, req Request) (Result, error) {
	metrics.RequestsEvaluated.Inc()
	now := e.now()

	// Cheap comparison on the happy path; the rebuild itself is rare.
	if _, err := e.cycle.MaybeRun(now); err != nil {
		metrics.StorageErrors.Inc()
		log.Warn().Err(err).Msg("reset cycle check failed")
	}

	sess, err := e.sessions.Load(req.Identity, req.IP)
	if err != nil {
		return e.fallback(err)
	}

	// First contact establishes baselines; anomalies only count from the
	// second request on.
	firstContact := sess.IsNew() || !sess.Has(keyInit)

	var breached []quota.Signal

	if e.cfg.FilterFrequency {
		for _, u := range quota.Units {
			v, err := e.quotas.RecordAndCheck(req.Identity, quota.SignalFrequency, u)
			if err != nil {
				return e.fallback(err)
			}
			if !v.WithinLimit {
				breached = append(breached, quota.SignalFrequency)
				break
			}
		}
	}

	if e.cfg.FilterCookie && !firstContact && !req.HasCookie {
		b, err := e.flag(req.Identity, quota.SignalCookie)
		if err != nil {
			return e.fallback(err)
		}
		if b {
			breached = append(breached, quota.SignalCookie)
		}
	}

	if e.cfg.FilterReferer && !firstContact {
		last, _ := sess.Get(keyLastReferer).(string)
		if req.Referer == "" || req.Referer != last {
			b, err := e.flag(req.Identity, quota.SignalReferer)
			if err != nil {
				return e.fallback(err)
			}
			if b {
				breached = append(breached, quota.SignalReferer)
			}
		}
	}

	// A valid identity cookie without a surviving record means the visitor
	// keeps losing its session: continuity anomaly.
	if e.cfg.FilterSession && req.HasCookie && sess.IsNew() {
		b, err := e.flag(req.Identity, quota.SignalSession)
		if err != nil {
			return e.fallback(err)
		}
		if b {
			breached = append(breached, quota.SignalSession)
		}
	}

	sess.Set(keyLastReferer, req.Referer)
	if firstContact {
		sess.Set(keyInit, now.Unix())
	}

	res := Result{Action: ActionPass, Breached: breached}
	if len(breached) > 0 {
		res.Action = ActionChallenge
		ev, err := e.attempts.RecordFailure(req.Identity)
		if err != nil {
			metrics.StorageErrors.Inc()
			log.Warn().Err(err).Str("id", req.Identity).Msg("escalation bookkeeping failed")
		} else {
			res.Escalation = ev
			if ev.SystemFirewallTriggered {
				res.Action = ActionDeny
			}
		}
	}

	// A silently-lost session is a correctness issue; surface the error.
	if err := sess.Save(); err != nil {
		return e.fallback(err)
	}

	metrics.Verdicts.WithLabelValues(res.Action.String()).Inc()
	return res, nil
}

// flag records one unusual-behavior point for the signal and reports
// whether the visitor's budget is now exceeded.
func (e *Engine) flag(id string, signal quota.Signal) (bool, error) {
	v, err := e.quotas.RecordAndCheck(id, signal, "")
	if err != nil {
		return false, err
	}
	return !v.WithinLimit, nil
}

// fallback applies the configured storage-failure policy: pass when
// fail-open, deny when fail-closed. The error travels alongside the verdict.
func (e *Engine) fallback(err error) (Result, error) {
	metrics.StorageErrors.Inc()
	action := ActionDeny
	if e.cfg.FailOpen {
		action = ActionPass
	}
	metrics.Verdicts.WithLabelValues(action.String()).Inc()
	return Result{Action: action, Unknown: true}, err
}

// ClearOnAuth drops the visitor's escalation streak, for callers that hook
// the "authentication succeeded" point of their pipeline.
func (e *Engine) ClearOnAuth(identityToken string) error {
	return e.attempts.Forget(identityToken)
}

// Sweep forces a session GC sweep, for operators and periodic wrappers that
// prefer scheduled cleanup over traffic-triggered sampling.
func (e *Engine) Sweep(now time.Time) (int, error) {
	return e.sessions.Sweep(now)
}

// DBPath exposes the backend's database file path ("" for in-memory).
func (e *Engine) DBPath() string { return e.store.DBPath() }
