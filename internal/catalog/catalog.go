// Package catalog holds the static model registry: free-tier quota limits,
// capability sets, and routing priority orders. The catalog is fixed at build
// time; a credential may lose access to a model at runtime, but the model's
// limits and capabilities never change.
package catalog

import "sort"

// Gemini model identifiers (free tier only). gemini-3-pro variants are paid
// only and return 429 on free-tier keys, so they are deliberately absent.
const (
	Gemini3Flash       = "gemini-3-flash-preview"
	Gemini25Pro        = "gemini-2.5-pro"
	Gemini25Flash      = "gemini-2.5-flash"
	Gemini25FlashLite  = "gemini-2.5-flash-lite"
	Gemini25FlashImage = "gemini-2.5-flash-image"
	GeminiEmbedding    = "gemini-embedding-001"
)

// Limits is the per-model quota triple.
type Limits struct {
	RPM int
	RPD int
	TPM int
}

// Model is one catalog entry.
type Model struct {
	ID           string
	Limits       Limits
	Capabilities CapabilitySet
	ShortName    string
}

// TextPriority is the text-model fallback order, smartest first.
var TextPriority = []string{
	Gemini25Pro,
	Gemini3Flash,
	Gemini25Flash,
	Gemini25FlashLite,
}

// ImagePriority is the image-generation fallback order.
var ImagePriority = []string{
	Gemini25FlashImage,
}

// AllModels lists every catalog entry in detection order.
var AllModels = []string{
	Gemini25Pro,
	Gemini3Flash,
	Gemini25Flash,
	Gemini25FlashLite,
	Gemini25FlashImage,
	GeminiEmbedding,
}

var fullCaps = NewCapabilitySet(
	CapText, CapThinking, CapFunctionCalling, CapSearchGrounding,
	CapCodeExecution, CapURLContext, CapStructuredOutput, CapMultimodalInput,
)

var registry = map[string]Model{
	Gemini3Flash: {
		ID:           Gemini3Flash,
		Limits:       Limits{RPM: 5, RPD: 50, TPM: 250_000},
		Capabilities: fullCaps,
		ShortName:    "3-flash",
	},
	Gemini25Pro: {
		ID:           Gemini25Pro,
		Limits:       Limits{RPM: 5, RPD: 100, TPM: 250_000},
		Capabilities: fullCaps,
		ShortName:    "2.5-pro",
	},
	Gemini25Flash: {
		ID:           Gemini25Flash,
		Limits:       Limits{RPM: 15, RPD: 1500, TPM: 1_000_000},
		Capabilities: fullCaps,
		ShortName:    "2.5-flash",
	},
	Gemini25FlashLite: {
		ID:           Gemini25FlashLite,
		Limits:       Limits{RPM: 15, RPD: 1000, TPM: 250_000},
		Capabilities: fullCaps,
		ShortName:    "2.5-flash-lite",
	},
	Gemini25FlashImage: {
		ID:           Gemini25FlashImage,
		Limits:       Limits{RPM: 10, RPD: 25, TPM: 250_000},
		Capabilities: NewCapabilitySet(CapText, CapImageGeneration),
		ShortName:    "2.5-flash-img",
	},
	GeminiEmbedding: {
		ID:           GeminiEmbedding,
		Limits:       Limits{RPM: 15, RPD: 1500, TPM: 1_000_000},
		Capabilities: NewCapabilitySet(CapEmbedding),
		ShortName:    "embedding",
	},
}

// Lookup returns the catalog entry for a model ID.
func Lookup(id string) (Model, bool) {
	m, ok := registry[id]
	return m, ok
}

// Known reports whether the model ID is in the catalog.
func Known(id string) bool {
	_, ok := registry[id]
	return ok
}

// LimitsFor returns the quota triple for a model, or zero limits when unknown.
func LimitsFor(id string) Limits {
	return registry[id].Limits
}

// openaiAliases maps OpenAI model names clients send (Cursor, Continue, Cline
// all default to these) onto catalog entries.
var openaiAliases = map[string]string{
	"gpt-4":                  Gemini25Pro,
	"gpt-4-turbo":            Gemini25Pro,
	"gpt-4o":                 Gemini25Flash,
	"gpt-4o-mini":            Gemini25FlashLite,
	"gpt-3.5-turbo":          Gemini25FlashLite,
	"dall-e-3":               Gemini25FlashImage,
	"dall-e-2":               Gemini25FlashImage,
	"text-embedding-ada-002": GeminiEmbedding,
	"text-embedding-3-small": GeminiEmbedding,
	"text-embedding-3-large": GeminiEmbedding,
}

// ResolveAlias maps an OpenAI model name to its catalog model. Unmapped names
// pass through unchanged so native Gemini IDs keep working.
func ResolveAlias(name string) string {
	if mapped, ok := openaiAliases[name]; ok {
		return mapped
	}
	return name
}

// Aliases returns the accepted OpenAI model names in sorted order.
func Aliases() []string {
	names := make([]string, 0, len(openaiAliases))
	for name := range openaiAliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
