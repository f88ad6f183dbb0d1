// Package session owns the per-visitor session record: creation on first
// contact, the opaque key/value payload, persistence through the storage
// provider and the probabilistic garbage-collection sweep.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hollowaylabs/gatewarden/internal/metrics"
	"github.com/hollowaylabs/gatewarden/internal/storage"
)

// ErrUninitialized is returned by every operation invoked on a Store that
// was not built through New. It flags an ordering bug in the caller, not a
// security event.
var ErrUninitialized = errors.New("session: store not initialized")

// Defaults applied by New for zero-valued options.
const (
	DefaultExpire        = 300 * time.Second
	DefaultGCProbability = 1
	DefaultGCDivisor     = 100
)

// Options tunes record expiry and the GC sampling rate. On average one in
// GCDivisor/GCProbability constructions triggers a sweep. Clock substitutes
// the wall clock in tests; nil means time.Now.
type Options struct {
	Expire        time.Duration
	GCProbability int
	GCDivisor     int
	Clock         func() time.Time
}

// record is the JSON shape of a session at rest. Data holds the visitor
// payload serialized as a nested JSON string so the record round-trips
// through backends that only understand flat byte values.
type record struct {
	ID              string `json:"id"`
	IP              string `json:"ip"`
	CreatedAt       int64  `json:"created_at"`
	CreatedAtMicros int64  `json:"created_at_micros"`
	Data            string `json:"data"`
}

// Store loads and persists session records. One Store serves the whole
// process; per-request state lives in the Session values it hands out.
type Store struct {
	store  storage.Store
	expire time.Duration

	now  func() time.Time
	intN func(int) int
}

// New wires the storage backend and draws the GC lot: with probability
// GCProbability/GCDivisor it sweeps expired records before returning. The
// sweep is best-effort; a failing record is logged and skipped.
func New(store storage.Store, opts Options) (*Store, error) {
	if store == nil {
		return nil, ErrUninitialized
	}
	if opts.Expire <= 0 {
		opts.Expire = DefaultExpire
	}
	if opts.GCProbability <= 0 {
		opts.GCProbability = DefaultGCProbability
	}
	if opts.GCDivisor < opts.GCProbability {
		opts.GCDivisor = DefaultGCDivisor
	}

	s := &Store{
		store:  store,
		expire: opts.Expire,
		now:    time.Now,
		intN:   rand.Intn,
	}
	if opts.Clock != nil {
		s.now = opts.Clock
	}

	// Caller-triggered sampling keeps cleanup amortized across traffic
	// without a background timer.
	if s.intN(opts.GCDivisor/opts.GCProbability)+1 == 1 {
		if _, err := s.Sweep(s.now()); err != nil {
			log.Warn().Err(err).Msg("session gc sweep failed")
		}
	}

	return s, nil
}

// Load reads the record for identity, creating and persisting a fresh one
// when none exists. The returned Session reports IsNew for first contact.
func (s *Store) Load(identity, ip string) (*Session, error) {
	if s == nil || s.store == nil {
		return nil, ErrUninitialized
	}

	raw, err := s.store.Get(identity, storage.NamespaceSession)
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", identity, err)
	}

	if raw != nil {
		var rec record
		if err := json.Unmarshal(raw, &rec); err == nil && rec.ID == identity {
			data, err := deserialize(rec.Data)
			if err != nil {
				return nil, fmt.Errorf("session: decode payload %s: %w", identity, err)
			}
			return &Session{store: s.store, rec: rec, data: data}, nil
		}
		// Corrupt record: fall through and replace it.
		log.Warn().Str("id", identity).Msg("replacing unreadable session record")
	}

	now := s.now()
	rec := record{
		ID:              identity,
		IP:              ip,
		CreatedAt:       now.Unix(),
		CreatedAtMicros: now.UnixMicro(),
		Data:            "{}",
	}
	sess := &Session{store: s.store, rec: rec, data: map[string]any{}, isNew: true}
	if err := sess.Save(); err != nil {
		return nil, err
	}
	metrics.SessionsCreated.Inc()
	return sess, nil
}

// Sweep deletes every session record older than the configured expiry,
// measured from creation time. A storage error on one record does not
// abort cleanup of the rest. Returns the number of records reclaimed.
func (s *Store) Sweep(now time.Time) (int, error) {
	if s == nil || s.store == nil {
		return 0, ErrUninitialized
	}

	recs, err := s.store.GetAll(storage.NamespaceSession)
	if err != nil {
		return 0, fmt.Errorf("session: sweep enumerate: %w", err)
	}

	horizon := now.Unix() - int64(s.expire/time.Second)
	reclaimed := 0
	for _, r := range recs {
		var rec record
		if err := json.Unmarshal(r.Value, &rec); err != nil {
			log.Warn().Str("id", r.ID).Msg("sweep: skipping unreadable record")
			continue
		}
		if rec.CreatedAt >= horizon {
			continue
		}
		if err := s.store.Delete(r.ID, storage.NamespaceSession); err != nil {
			log.Warn().Err(err).Str("id", r.ID).Msg("sweep: delete failed")
			continue
		}
		reclaimed++
	}

	metrics.GCSweeps.Inc()
	metrics.SessionsReclaimed.Add(float64(reclaimed))
	return reclaimed, nil
}

// Session is the in-memory view of one visitor's record. It is not safe for
// concurrent use; each request works on its own Session value.
type Session struct {
	store storage.Store
	rec   record
	data  map[string]any
	isNew bool
}

// ID returns the visitor identity keying this record.
func (s *Session) ID() string { return s.rec.ID }

// IP returns the address recorded at first contact.
func (s *Session) IP() string { return s.rec.IP }

// CreatedAt returns the record creation time in epoch seconds.
func (s *Session) CreatedAt() int64 { return s.rec.CreatedAt }

// IsNew reports whether Load created this record.
func (s *Session) IsNew() bool { return s.isNew }

// Get returns the payload value under key, or nil when absent.
func (s *Session) Get(key string) any { return s.data[key] }

// Has reports whether key exists in the payload.
func (s *Session) Has(key string) bool {
	_, ok := s.data[key]
	return ok
}

// Set stores value under key in the in-memory payload. Call Save to persist.
func (s *Session) Set(key string, value any) { s.data[key] = value }

// Remove drops key from the in-memory payload.
func (s *Session) Remove(key string) { delete(s.data, key) }

// Clear drops the whole in-memory payload without writing. The record in
// storage keeps its previous payload until Save is called.
func (s *Session) Clear() { s.data = map[string]any{} }

// Save serializes the payload and writes the full record back through the
// storage provider.
func (s *Session) Save() error {
	if s == nil || s.store == nil {
		return ErrUninitialized
	}
	data, err := serialize(s.data)
	if err != nil {
		return fmt.Errorf("session: encode payload %s: %w", s.rec.ID, err)
	}
	s.rec.Data = data

	raw, err := json.Marshal(s.rec)
	if err != nil {
		return fmt.Errorf("session: encode record %s: %w", s.rec.ID, err)
	}
	if err := s.store.Save(s.rec.ID, raw, storage.NamespaceSession); err != nil {
		return fmt.Errorf("session: save %s: %w", s.rec.ID, err)
	}
	return nil
}

func serialize(data map[string]any) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func deserialize(data string) (map[string]any, error) {
	if data == "" {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, err
	}
	return out, nil
}
