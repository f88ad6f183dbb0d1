package escalation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowaylabs/gatewarden/internal/storage"
)

// countingStore counts Rebuild invocations.
type countingStore struct {
	*storage.MemStore
	rebuilds int
}

func (c *countingStore) Rebuild(namespaces ...string) error {
	c.rebuilds++
	return c.MemStore.Rebuild(namespaces...)
}

func TestMaybeRun_FirstContactStartsClockWithoutRebuild(t *testing.T) {
	backend := &countingStore{MemStore: storage.NewMemStore()}
	c := NewCycle(backend, 24*time.Hour, time.Time{})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ran, err := c.MaybeRun(now)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 0, backend.rebuilds)
}

func TestMaybeRun_RebuildsAfterPeriod(t *testing.T) {
	backend := &countingStore{MemStore: storage.NewMemStore()}
	seed := time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)
	c := NewCycle(backend, 24*time.Hour, seed)

	// Counters that should be dropped by the rebuild.
	_, err := backend.IncrWindow("v1:cookie", storage.NamespaceCounter, 0)
	require.NoError(t, err)
	require.NoError(t, backend.Save("v1", []byte("{}"), storage.NamespaceAttempt))
	require.NoError(t, backend.Save("v1", []byte("{}"), storage.NamespaceSession))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ran, err := c.MaybeRun(now)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, backend.rebuilds)

	// Counter and attempt namespaces are gone, sessions survive.
	n, err := backend.IncrWindow("v1:cookie", storage.NamespaceCounter, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	v, err := backend.Get("v1", storage.NamespaceAttempt)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = backend.Get("v1", storage.NamespaceSession)
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestMaybeRun_IdempotentWithinPeriod(t *testing.T) {
	backend := &countingStore{MemStore: storage.NewMemStore()}
	seed := time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)
	c := NewCycle(backend, 24*time.Hour, seed)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ran, err := c.MaybeRun(now)
	require.NoError(t, err)
	assert.True(t, ran)

	// Immediate second call with the same now: exactly one rebuild total.
	ran, err = c.MaybeRun(now)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, backend.rebuilds)
}

func TestMaybeRun_ClockAdvancesToStartOfDay(t *testing.T) {
	backend := &countingStore{MemStore: storage.NewMemStore()}
	seed := time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)
	c := NewCycle(backend, 24*time.Hour, seed)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := c.MaybeRun(now)
	require.NoError(t, err)

	last, err := c.load()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Unix(), last)
}

func TestMaybeRun_ShortPeriodStaysIdempotent(t *testing.T) {
	backend := &countingStore{MemStore: storage.NewMemStore()}
	seed := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	c := NewCycle(backend, time.Hour, seed)

	// At 12:30 more than an hour has elapsed; anchoring at midnight would
	// make the very next call rebuild again.
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	ran, err := c.MaybeRun(now)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = c.MaybeRun(now)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, backend.rebuilds)
}

func TestMaybeRun_PersistedClockSurvivesRestart(t *testing.T) {
	backend := &countingStore{MemStore: storage.NewMemStore()}
	seed := time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)

	c1 := NewCycle(backend, 24*time.Hour, seed)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ran, err := c1.MaybeRun(now)
	require.NoError(t, err)
	require.True(t, ran)

	// A new Cycle over the same store sees the advanced clock and does not
	// rebuild again, even with a stale seed.
	c2 := NewCycle(backend, 24*time.Hour, seed)
	ran, err = c2.MaybeRun(now)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, backend.rebuilds)
}
