package monitor

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"hydra-go/internal/catalog"
	"hydra-go/internal/credential"
	"hydra-go/internal/ratelimit"
	"hydra-go/internal/stats"
	"hydra-go/internal/storage"
	"hydra-go/internal/upstream/gemini"
)

type fakeProber struct {
	models map[string][]string // rawKey -> models
	err    error
	calls  int
}

func (p *fakeProber) DetectModels(_ context.Context, rawKey string) ([]string, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.models[rawKey], nil
}

type fixture struct {
	registry   *credential.Registry
	accountant *ratelimit.Accountant
	stats      *stats.Service
	prober     *fakeProber
	monitor    *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := storage.NewWithClient(client, "test:")

	f := &fixture{
		registry:   credential.NewRegistry(store),
		accountant: ratelimit.NewAccountant(store),
		stats:      stats.NewService(store),
		prober:     &fakeProber{models: map[string][]string{}},
	}
	f.monitor = New(f.registry, f.accountant, f.stats, f.prober)
	return f
}

func (f *fixture) disableCred(t *testing.T, handle string) {
	t.Helper()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.registry.RecordOutcome(context.Background(), handle, false))
	}
}

func TestRecoverDisabledReactivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handle, err := f.registry.Add(ctx, "key-one", "", "", []string{catalog.Gemini25Flash}, "")
	require.NoError(t, err)
	f.disableCred(t, handle)

	f.prober.models["key-one"] = []string{catalog.Gemini25Flash, catalog.Gemini25Pro}
	require.NoError(t, f.monitor.RecoverDisabled(ctx))

	entry, err := f.registry.Get(ctx, handle)
	require.NoError(t, err)
	require.True(t, entry.IsActive)
	require.Equal(t, credential.HealthMax, entry.HealthScore)
	require.ElementsMatch(t, []string{catalog.Gemini25Flash, catalog.Gemini25Pro}, entry.AvailableModels)
}

func TestRecoverDisabledLeavesRejectedKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handle, err := f.registry.Add(ctx, "key-bad", "", "", []string{catalog.Gemini25Flash}, "")
	require.NoError(t, err)
	f.disableCred(t, handle)

	f.prober.err = &gemini.APIError{StatusCode: http.StatusForbidden, Message: "key revoked"}
	require.NoError(t, f.monitor.RecoverDisabled(ctx))

	entry, err := f.registry.Get(ctx, handle)
	require.NoError(t, err)
	require.False(t, entry.IsActive)
}

func TestRecoverSkipsActiveCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Add(ctx, "key-one", "", "", []string{catalog.Gemini25Flash}, "")
	require.NoError(t, err)

	require.NoError(t, f.monitor.RecoverDisabled(ctx))
	require.Zero(t, f.prober.calls)
}

func TestRedetectModelsUpdatesActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handle, err := f.registry.Add(ctx, "key-one", "", "",
		[]string{catalog.Gemini25Flash, catalog.Gemini25Pro}, "")
	require.NoError(t, err)

	f.prober.models["key-one"] = []string{catalog.Gemini25Flash}
	require.NoError(t, f.monitor.RedetectModels(ctx))

	entry, err := f.registry.Get(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, []string{catalog.Gemini25Flash}, entry.AvailableModels)
}

func TestRedetectKeepsModelsOnProbeFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handle, err := f.registry.Add(ctx, "key-one", "", "",
		[]string{catalog.Gemini25Flash, catalog.Gemini25Pro}, "")
	require.NoError(t, err)

	f.prober.err = &gemini.APIError{StatusCode: http.StatusInternalServerError}
	require.NoError(t, f.monitor.RedetectModels(ctx))

	entry, err := f.registry.Get(ctx, handle)
	require.NoError(t, err)
	require.Len(t, entry.AvailableModels, 2)
}

func TestMaybeDailyResetFiresOnceInWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 23:30 quota time on day one.
	base := time.Date(2026, 8, 25, 7, 30, 0, 0, time.UTC)
	f.accountant.Now = func() time.Time { return base }
	require.NoError(t, f.accountant.Record(ctx, "handle1", catalog.Gemini25Flash, 10))
	f.monitor.lastResetDate = f.accountant.Today()

	// Still the same quota day: nothing happens.
	require.NoError(t, f.monitor.MaybeDailyReset(ctx))
	usage, err := f.accountant.UsageFor(ctx, "handle1", catalog.Gemini25Flash)
	require.NoError(t, err)
	require.Equal(t, 1, usage.RPDUsed)

	// 00:01 the next quota day: reset fires.
	f.accountant.Now = func() time.Time { return base.Add(31 * time.Minute) }
	require.NoError(t, f.monitor.MaybeDailyReset(ctx))
	usage, err = f.accountant.UsageFor(ctx, "handle1", catalog.Gemini25Flash)
	require.NoError(t, err)
	require.Zero(t, usage.RPDUsed)

	// A second poll in the same window is a no-op.
	require.NoError(t, f.accountant.Record(ctx, "handle1", catalog.Gemini25Flash, 10))
	require.NoError(t, f.monitor.MaybeDailyReset(ctx))
	usage, err = f.accountant.UsageFor(ctx, "handle1", catalog.Gemini25Flash)
	require.NoError(t, err)
	require.Equal(t, 1, usage.RPDUsed)
}

func TestMaybeDailyResetMissedWindowRearms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.monitor.lastResetDate = "2026-08-24"
	// 03:00 quota time the next day, well past the window.
	f.accountant.Now = func() time.Time { return time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC) }

	require.NoError(t, f.monitor.MaybeDailyReset(ctx))
	require.Equal(t, "2026-08-25", f.monitor.lastResetDate)
}

func TestCleanupRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.accountant.Record(ctx, "handle1", catalog.Gemini25Flash, 10))
	f.stats.Log(ctx, stats.Entry{Model: catalog.Gemini25Flash, Success: true})

	require.NoError(t, f.monitor.Cleanup(ctx))
}
