package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupKnownModels(t *testing.T) {
	t.Parallel()
	for _, id := range AllModels {
		m, ok := Lookup(id)
		require.True(t, ok, "model %s missing from registry", id)
		require.Equal(t, id, m.ID)
		require.Greater(t, m.Limits.RPM, 0)
		require.Greater(t, m.Limits.RPD, 0)
		require.Greater(t, m.Limits.TPM, 0)
		require.False(t, m.Capabilities.Empty())
	}
	require.False(t, Known("gemini-3-pro-preview"))
}

func TestFlashLimits(t *testing.T) {
	t.Parallel()
	l := LimitsFor(Gemini25Flash)
	require.Equal(t, Limits{RPM: 15, RPD: 1500, TPM: 1_000_000}, l)
}

func TestCapabilitySubset(t *testing.T) {
	t.Parallel()
	pro, _ := Lookup(Gemini25Pro)
	img, _ := Lookup(Gemini25FlashImage)

	require.True(t, NewCapabilitySet(CapFunctionCalling, CapStructuredOutput).SubsetOf(pro.Capabilities))
	require.False(t, NewCapabilitySet(CapImageGeneration).SubsetOf(pro.Capabilities))
	require.True(t, NewCapabilitySet(CapImageGeneration).SubsetOf(img.Capabilities))
	require.False(t, NewCapabilitySet(CapFunctionCalling).SubsetOf(img.Capabilities))
	require.True(t, NewCapabilitySet().SubsetOf(img.Capabilities))
}

func TestResolveAlias(t *testing.T) {
	t.Parallel()
	require.Equal(t, Gemini25Pro, ResolveAlias("gpt-4"))
	require.Equal(t, Gemini25FlashLite, ResolveAlias("gpt-3.5-turbo"))
	require.Equal(t, GeminiEmbedding, ResolveAlias("text-embedding-3-small"))
	require.Equal(t, Gemini25FlashImage, ResolveAlias("dall-e-3"))
	// Native IDs and unknown names pass through.
	require.Equal(t, Gemini25Flash, ResolveAlias(Gemini25Flash))
	require.Equal(t, "some-model", ResolveAlias("some-model"))
}

func TestPriorityListsAreCatalogSubsets(t *testing.T) {
	t.Parallel()
	for _, id := range TextPriority {
		require.True(t, Known(id))
	}
	for _, id := range ImagePriority {
		require.True(t, Known(id))
	}
}
