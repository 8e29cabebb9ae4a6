// Package router picks the credential/model pair with the most headroom for
// each request.
package router

import (
	"context"
	"errors"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"hydra-go/internal/catalog"
	"hydra-go/internal/credential"
	"hydra-go/internal/monitoring"
	"hydra-go/internal/ratelimit"
)

var (
	// ErrNoCredentials means the pool has no active credentials at all.
	ErrNoCredentials = errors.New("router: no active credentials")
	// ErrAllExhausted means every eligible pair is rate limited or excluded.
	ErrAllExhausted = errors.New("router: all credential/model pairs exhausted")
)

// Pair identifies one credential/model combination during a fallback run.
type Pair struct {
	Handle string
	Model  string
}

// Selection is the router's pick for one attempt.
type Selection struct {
	Handle string
	Model  string
	Entry  *credential.Entry
	Score  float64
	Usage  ratelimit.Usage
}

// Weights control the health/capacity blend of the selection score. They are
// expected to sum to 1.
type Weights struct {
	Health   float64
	Capacity float64
}

// DefaultWeights favors capacity headroom over health history.
var DefaultWeights = Weights{Health: 0.4, Capacity: 0.6}

// Selector scores active credentials against their rate windows.
type Selector struct {
	registry   *credential.Registry
	accountant *ratelimit.Accountant

	mu      sync.RWMutex
	weights Weights
}

// NewSelector builds a Selector. Zero weights fall back to the defaults.
func NewSelector(registry *credential.Registry, accountant *ratelimit.Accountant, weights Weights) *Selector {
	if weights.Health <= 0 && weights.Capacity <= 0 {
		weights = DefaultWeights
	}
	return &Selector{registry: registry, accountant: accountant, weights: weights}
}

// SetWeights swaps the scoring weights at runtime; the config watcher calls
// this when config.yaml changes. Zero weights fall back to the defaults.
func (s *Selector) SetWeights(w Weights) {
	if w.Health <= 0 && w.Capacity <= 0 {
		w = DefaultWeights
	}
	s.mu.Lock()
	s.weights = w
	s.mu.Unlock()
}

// ModelOrder builds the fallback chain for a request. Image generation routes
// to the image chain, embeddings to the embedding model, everything else to
// the text chain. Models that lack a required capability are dropped, and a
// preferred catalog model is tried first.
func ModelOrder(preferred string, caps catalog.CapabilitySet) []string {
	var chain []string
	switch {
	case caps.Has(catalog.CapImageGeneration):
		chain = catalog.ImagePriority
	case caps.Has(catalog.CapEmbedding):
		chain = []string{catalog.GeminiEmbedding}
	default:
		chain = catalog.TextPriority
	}

	order := make([]string, 0, len(chain)+1)
	if preferred != "" && catalog.Known(preferred) && supportsAll(preferred, caps) {
		order = append(order, preferred)
	}
	for _, m := range chain {
		if m != preferred && supportsAll(m, caps) {
			order = append(order, m)
		}
	}
	return order
}

func supportsAll(model string, caps catalog.CapabilitySet) bool {
	entry, ok := catalog.Lookup(model)
	if !ok {
		return false
	}
	return caps.SubsetOf(entry.Capabilities)
}

// Select picks the best available credential for the first model in order
// that any credential can serve. Pairs in exclude are skipped. Selection is
// deterministic: equal scores resolve to the lexicographically smallest
// handle.
func (s *Selector) Select(ctx context.Context, order []string, estimatedTokens int, exclude map[Pair]struct{}) (*Selection, error) {
	active, err := s.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, ErrNoCredentials
	}

	handles := make([]string, 0, len(active))
	for h := range active {
		handles = append(handles, h)
	}
	sort.Strings(handles)

	for _, model := range order {
		var best *Selection
		for _, handle := range handles {
			if _, skip := exclude[Pair{Handle: handle, Model: model}]; skip {
				continue
			}
			entry := active[handle]
			if !entry.Supports(model) {
				continue
			}

			verdict, err := s.accountant.Check(ctx, handle, model, estimatedTokens)
			if err != nil {
				return nil, err
			}
			if !verdict.Allowed {
				monitoring.RecordRateLimitBlock(verdict.Reason)
				log.Debugf("router: %s/%s blocked by %s", handle[:8], model, verdict.Reason)
				continue
			}

			usage, err := s.accountant.UsageFor(ctx, handle, model)
			if err != nil {
				return nil, err
			}
			score := s.score(entry, usage)
			if best == nil || score > best.Score {
				best = &Selection{
					Handle: handle,
					Model:  model,
					Entry:  entry,
					Score:  score,
					Usage:  usage,
				}
			}
		}
		if best != nil {
			return best, nil
		}
	}
	return nil, ErrAllExhausted
}

// score blends health with remaining capacity. Capacity is 100 minus the
// mean consumption across the three quota dimensions.
func (s *Selector) score(entry *credential.Entry, usage ratelimit.Usage) float64 {
	s.mu.RLock()
	w := s.weights
	s.mu.RUnlock()
	consumed := (usage.RPMPercent() + usage.RPDPercent() + usage.TPMPercent()) / 3
	capacity := 100 - consumed
	return float64(entry.HealthScore)*w.Health + capacity*w.Capacity
}
