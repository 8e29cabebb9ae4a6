package stats

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

func newTestService(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(storage.NewWithClient(client, "test:"))
}

func TestLogAndRecent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return base }
	svc.Log(ctx, Entry{Model: catalog.Gemini25Flash, Credential: "abcdef0123456789", Success: true, Tokens: 100})
	svc.Now = func() time.Time { return base.Add(time.Second) }
	svc.Log(ctx, Entry{Model: catalog.Gemini25Pro, Credential: "fedcba9876543210", Success: false, Error: "boom"})

	entries, err := svc.Recent(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Most recent first.
	require.Equal(t, catalog.Gemini25Pro, entries[0].Model)
	require.Equal(t, "boom", entries[0].Error)
	require.Equal(t, "fedcba98", entries[0].Credential, "credential handle is truncated")
	require.NotEmpty(t, entries[0].ID)
}

func TestRecentModelFilter(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		svc.Now = func() time.Time { return at }
		model := catalog.Gemini25Flash
		if i%2 == 0 {
			model = catalog.Gemini25Pro
		}
		svc.Log(ctx, Entry{Model: model, Success: true})
	}

	entries, err := svc.Recent(ctx, 10, catalog.Gemini25Pro)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		require.Equal(t, catalog.Gemini25Pro, e.Model)
	}
}

func TestTodayAggregatesHourlyBuckets(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)

	svc.Now = func() time.Time { return base.Add(-2 * time.Hour) }
	svc.Log(ctx, Entry{Model: catalog.Gemini25Flash, Success: true, Tokens: 50})

	svc.Now = func() time.Time { return base }
	svc.Log(ctx, Entry{Model: catalog.Gemini25Flash, Success: true, Tokens: 70})
	svc.Log(ctx, Entry{Model: catalog.Gemini25Pro, Success: false})

	summary, err := svc.Today(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Requests)
	require.Equal(t, 2, summary.Success)
	require.Equal(t, 1, summary.Errors)
	require.Equal(t, 120, summary.Tokens)
	require.Equal(t, 2, summary.ModelDistribution[catalog.Gemini25Flash])
	require.Equal(t, 1, summary.ModelDistribution[catalog.Gemini25Pro])
}

func TestTodayExcludesYesterday(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 1, 0, 0, 0, time.UTC)

	svc.Now = func() time.Time { return base.Add(-3 * time.Hour) } // previous day
	svc.Log(ctx, Entry{Model: catalog.Gemini25Flash, Success: true})

	svc.Now = func() time.Time { return base }
	summary, err := svc.Today(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Requests)
}

func TestCleanupOldLogs(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	base := time.Now()
	svc.Now = func() time.Time { return base.Add(-8 * 24 * time.Hour) }
	svc.Log(ctx, Entry{Model: catalog.Gemini25Flash, Success: true})

	svc.Now = func() time.Time { return base }
	svc.Log(ctx, Entry{Model: catalog.Gemini25Flash, Success: true})

	removed, err := svc.CleanupOldLogs(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	entries, err := svc.Recent(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
