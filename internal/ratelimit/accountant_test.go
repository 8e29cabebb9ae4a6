package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"hydra-go/internal/catalog"
	"hydra-go/internal/storage"
)

const (
	testHandle = "abc123def456"
	testModel  = catalog.Gemini25Flash
)

func newTestAccountant(t *testing.T) *Accountant {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewAccountant(storage.NewWithClient(client, "test:"))
}

func TestCheckFreshWindowAllows(t *testing.T) {
	acc := newTestAccountant(t)
	verdict, err := acc.Check(context.Background(), testHandle, testModel, 1000)
	require.NoError(t, err)
	require.True(t, verdict.Allowed)
	require.Empty(t, verdict.Reason)
}

func TestRPMBlocksAtLimit(t *testing.T) {
	acc := newTestAccountant(t)
	ctx := context.Background()
	limit := catalog.LimitsFor(testModel).RPM

	for i := 0; i < limit; i++ {
		verdict, err := acc.Check(ctx, testHandle, testModel, 100)
		require.NoError(t, err)
		require.True(t, verdict.Allowed)
		require.NoError(t, acc.Record(ctx, testHandle, testModel, 100))
	}

	verdict, err := acc.Check(ctx, testHandle, testModel, 100)
	require.NoError(t, err)
	require.False(t, verdict.Allowed)
	require.Equal(t, ReasonRPM, verdict.Reason)
}

func TestRPMWindowSlides(t *testing.T) {
	acc := newTestAccountant(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	acc.Now = func() time.Time { return base }

	limit := catalog.LimitsFor(testModel).RPM
	for i := 0; i < limit; i++ {
		require.NoError(t, acc.Record(ctx, testHandle, testModel, 10))
	}
	verdict, err := acc.Check(ctx, testHandle, testModel, 10)
	require.NoError(t, err)
	require.Equal(t, ReasonRPM, verdict.Reason)

	acc.Now = func() time.Time { return base.Add(61 * time.Second) }
	verdict, err = acc.Check(ctx, testHandle, testModel, 10)
	require.NoError(t, err)
	require.True(t, verdict.Allowed)
}

func TestTPMBlocksOnEstimate(t *testing.T) {
	acc := newTestAccountant(t)
	ctx := context.Background()
	tpm := catalog.LimitsFor(testModel).TPM

	require.NoError(t, acc.Record(ctx, testHandle, testModel, tpm-500))

	// Estimate that would push past the limit is blocked.
	verdict, err := acc.Check(ctx, testHandle, testModel, 1000)
	require.NoError(t, err)
	require.Equal(t, ReasonTPM, verdict.Reason)

	// Estimate that exactly fills the limit still passes.
	verdict, err = acc.Check(ctx, testHandle, testModel, 500)
	require.NoError(t, err)
	require.True(t, verdict.Allowed)
}

func TestRPDBlocksAndResetsAtQuotaMidnight(t *testing.T) {
	acc := newTestAccountant(t)
	ctx := context.Background()
	model := catalog.Gemini25Pro // rpd 100 keeps the fill loop on one quota day

	// 23:59 in UTC-8 is 07:59 UTC the next day.
	day1 := time.Date(2026, 8, 25, 7, 59, 0, 0, time.UTC)
	acc.Now = func() time.Time { return day1 }
	require.Equal(t, "2026-08-24", acc.Today())

	rpd := catalog.LimitsFor(model).RPD
	// Fill the daily counter without tripping the minute windows: spread the
	// recordings a minute apart in fake time, all on the same quota day.
	start := day1.Add(-time.Duration(rpd+1) * time.Minute)
	for i := 0; i < rpd; i++ {
		at := start.Add(time.Duration(i) * time.Minute)
		acc.Now = func() time.Time { return at }
		require.NoError(t, acc.Record(ctx, testHandle, model, 1))
	}

	acc.Now = func() time.Time { return day1 }
	verdict, err := acc.Check(ctx, testHandle, model, 1)
	require.NoError(t, err)
	require.Equal(t, ReasonRPD, verdict.Reason)

	// Two minutes later it is a new quota day and the counter resets.
	acc.Now = func() time.Time { return day1.Add(2 * time.Minute) }
	require.Equal(t, "2026-08-25", acc.Today())
	verdict, err = acc.Check(ctx, testHandle, model, 1)
	require.NoError(t, err)
	require.True(t, verdict.Allowed)

	usage, err := acc.UsageFor(ctx, testHandle, model)
	require.NoError(t, err)
	require.Zero(t, usage.RPDUsed)
}

func TestUsageSnapshot(t *testing.T) {
	acc := newTestAccountant(t)
	ctx := context.Background()

	require.NoError(t, acc.Record(ctx, testHandle, testModel, 400))
	require.NoError(t, acc.Record(ctx, testHandle, testModel, 600))

	usage, err := acc.UsageFor(ctx, testHandle, testModel)
	require.NoError(t, err)
	require.Equal(t, 2, usage.RPMUsed)
	require.Equal(t, 2, usage.RPDUsed)
	require.Equal(t, 1000, usage.TPMUsed)
	require.Equal(t, catalog.LimitsFor(testModel).RPM, usage.RPMLimit)
	require.InDelta(t, 100.0*2/float64(usage.RPMLimit), usage.RPMPercent(), 1e-9)
}

func TestZeroTokenRecordSkipsTokenWindow(t *testing.T) {
	acc := newTestAccountant(t)
	ctx := context.Background()

	require.NoError(t, acc.Record(ctx, testHandle, testModel, 0))
	usage, err := acc.UsageFor(ctx, testHandle, testModel)
	require.NoError(t, err)
	require.Equal(t, 1, usage.RPMUsed)
	require.Zero(t, usage.TPMUsed)
}

func TestCleanupPrunesStaleEntries(t *testing.T) {
	acc := newTestAccountant(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	acc.Now = func() time.Time { return base }
	require.NoError(t, acc.Record(ctx, testHandle, testModel, 100))
	require.NoError(t, acc.Record(ctx, "otherhandle", catalog.Gemini25Pro, 50))

	acc.Now = func() time.Time { return base.Add(5 * time.Minute) }
	visited, err := acc.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, visited)

	usage, err := acc.UsageFor(ctx, testHandle, testModel)
	require.NoError(t, err)
	require.Zero(t, usage.RPMUsed)
	require.Zero(t, usage.TPMUsed)
	// Daily counter survives the minute-window prune.
	require.Equal(t, 1, usage.RPDUsed)
}

func TestResetDailyAll(t *testing.T) {
	acc := newTestAccountant(t)
	ctx := context.Background()

	require.NoError(t, acc.Record(ctx, testHandle, testModel, 100))
	require.NoError(t, acc.Record(ctx, testHandle, catalog.Gemini25Pro, 100))

	n, err := acc.ResetDailyAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	usage, err := acc.UsageFor(ctx, testHandle, testModel)
	require.NoError(t, err)
	require.Zero(t, usage.RPDUsed)
}
