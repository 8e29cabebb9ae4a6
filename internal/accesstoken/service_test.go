package accesstoken

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"hydra-go/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(storage.NewWithClient(client, "test:"))
}

func TestCreateAndValidate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	plaintext, token, err := svc.Create(ctx, "ci")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(plaintext, "sk-hydra-"))
	require.Equal(t, "ci", token.Name)
	require.NotEmpty(t, token.ID)

	ok, err := svc.Validate(ctx, plaintext)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.Validate(ctx, "sk-hydra-bogus")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecordUsageCounters(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	plaintext, _, err := svc.Create(ctx, "ci")
	require.NoError(t, err)

	require.NoError(t, svc.RecordUsage(ctx, plaintext, "gemini-2.5-flash"))
	require.NoError(t, svc.RecordUsage(ctx, plaintext, "gemini-2.5-flash"))
	require.NoError(t, svc.RecordUsage(ctx, plaintext, "gemini-2.5-pro"))

	// Validation alone leaves counters untouched.
	ok, err := svc.Validate(ctx, plaintext)
	require.NoError(t, err)
	require.True(t, ok)

	tokens, plain, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	for digest, token := range tokens {
		require.EqualValues(t, 3, token.UsageCount)
		require.EqualValues(t, 2, token.ModelUsage["gemini-2.5-flash"])
		require.EqualValues(t, 1, token.ModelUsage["gemini-2.5-pro"])
		require.NotNil(t, token.LastUsed)
		require.Equal(t, plaintext, plain[digest])
	}

	// Unknown tokens are a silent no-op.
	require.NoError(t, svc.RecordUsage(ctx, "sk-hydra-unknown", "gemini-2.5-flash"))
}

func TestDeleteRevokes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	plaintext, _, err := svc.Create(ctx, "ci")
	require.NoError(t, err)

	tokens, _, err := svc.List(ctx)
	require.NoError(t, err)
	var digest string
	for d := range tokens {
		digest = d
	}

	removed, err := svc.Delete(ctx, digest)
	require.NoError(t, err)
	require.True(t, removed)

	ok, err := svc.Validate(ctx, plaintext)
	require.NoError(t, err)
	require.False(t, ok)

	removed, err = svc.Delete(ctx, digest)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestHasAny(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	has, err := svc.HasAny(ctx)
	require.NoError(t, err)
	require.False(t, has)

	_, _, err = svc.Create(ctx, "ci")
	require.NoError(t, err)

	has, err = svc.HasAny(ctx)
	require.NoError(t, err)
	require.True(t, has)
}

func TestTokensAreUnique(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	seen := make(map[string]struct{})
	for i := 0; i < 10; i++ {
		plaintext, _, err := svc.Create(ctx, "ci")
		require.NoError(t, err)
		_, dup := seen[plaintext]
		require.False(t, dup)
		seen[plaintext] = struct{}{}
	}
}
