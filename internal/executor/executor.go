// Package executor drives the fallback loop: route, attempt, classify, and
// retry across credential/model pairs until one succeeds or the pool is out
// of options.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"hydra-go/internal/credential"
	"hydra-go/internal/monitoring"
	"hydra-go/internal/ratelimit"
	"hydra-go/internal/router"
	"hydra-go/internal/stats"
	"hydra-go/internal/upstream/gemini"
)

// rateLimitBlockThreshold is how many 429s a model absorbs across different
// credentials before the whole model is dropped for the rest of the request.
const rateLimitBlockThreshold = 2

// Invoker performs one upstream attempt with a concrete key and model. It
// returns the tokens to charge on success; 0 falls back to the estimate.
type Invoker interface {
	Invoke(ctx context.Context, rawKey, model string) (tokens int, err error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, rawKey, model string) (int, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, rawKey, model string) (int, error) {
	return f(ctx, rawKey, model)
}

// ExhaustedError reports that every attempt failed. Handlers surface it as
// HTTP 429 with the attempt summary in the body.
type ExhaustedError struct {
	Attempts      int
	BlockedModels []string
	LastErr       error
}

func (e *ExhaustedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("executor: exhausted after %d attempts, last error: %v", e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("executor: exhausted after %d attempts", e.Attempts)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Result describes a successful attempt.
type Result struct {
	Handle        string
	Model         string
	Attempts      int
	TokensCharged int
	Duration      time.Duration
}

// Executor owns the routing loop. Construct with New and share freely; all
// fields are read-only after construction.
type Executor struct {
	selector   *router.Selector
	registry   *credential.Registry
	accountant *ratelimit.Accountant
	stats      *stats.Service

	maxAttempts     int
	fallbackEnabled bool
}

// New builds an Executor. Every attempt, failed or not, lands in statsSvc;
// nil disables attempt logging. maxAttempts outside 1..20 is clamped to 20.
func New(selector *router.Selector, registry *credential.Registry, accountant *ratelimit.Accountant, statsSvc *stats.Service, maxAttempts int, fallbackEnabled bool) *Executor {
	if maxAttempts <= 0 || maxAttempts > 20 {
		maxAttempts = 20
	}
	return &Executor{
		selector:        selector,
		registry:        registry,
		accountant:      accountant,
		stats:           statsSvc,
		maxAttempts:     maxAttempts,
		fallbackEnabled: fallbackEnabled,
	}
}

// Run executes the fallback loop over the model order. Each iteration asks
// the router for the best remaining credential/model pair, fetches the raw
// key, and invokes. Rate-limited answers never hurt credential health; a
// model that returns 429 on two different credentials is dropped entirely
// for this request.
func (e *Executor) Run(ctx context.Context, order []string, estimatedTokens int, invoker Invoker) (*Result, error) {
	started := time.Now()
	exclude := make(map[router.Pair]struct{})
	blocked := make(map[string]struct{})
	failedOnModel := make(map[string]int)

	var lastErr error
	attempts := 0
	for attempts < e.maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remaining := withoutBlocked(order, blocked)
		if len(remaining) == 0 {
			break
		}

		sel, err := e.selector.Select(ctx, remaining, estimatedTokens, exclude)
		if err != nil {
			if errors.Is(err, router.ErrAllExhausted) || errors.Is(err, router.ErrNoCredentials) {
				if lastErr == nil {
					lastErr = err
				}
				break
			}
			return nil, err
		}

		rawKey, err := e.registry.RawToken(ctx, sel.Handle)
		if err != nil {
			// Record gone mid-flight; skip the credential on every model.
			for _, m := range order {
				exclude[router.Pair{Handle: sel.Handle, Model: m}] = struct{}{}
			}
			continue
		}

		attempts++
		attemptStart := time.Now()
		tokens, err := invoker.Invoke(ctx, rawKey, sel.Model)
		if err == nil {
			if tokens <= 0 {
				tokens = estimatedTokens
			}
			e.settleSuccess(ctx, sel, tokens)
			e.logAttempt(ctx, sel, attempts, estimatedTokens, tokens, attemptStart, nil)
			monitoring.ObserveFallbackDepth(attempts)
			return &Result{
				Handle:        sel.Handle,
				Model:         sel.Model,
				Attempts:      attempts,
				TokensCharged: tokens,
				Duration:      time.Since(started),
			}, nil
		}

		lastErr = err
		exclude[router.Pair{Handle: sel.Handle, Model: sel.Model}] = struct{}{}
		e.classifyFailure(ctx, sel, err, blocked, failedOnModel)
		e.logAttempt(ctx, sel, attempts, estimatedTokens, 0, attemptStart, err)

		if !e.fallbackEnabled {
			break
		}
	}

	monitoring.ObserveFallbackDepth(attempts)
	return nil, &ExhaustedError{
		Attempts:      attempts,
		BlockedModels: sortedKeys(blocked),
		LastErr:       lastErr,
	}
}

func (e *Executor) settleSuccess(ctx context.Context, sel *router.Selection, tokens int) {
	if err := e.accountant.Record(ctx, sel.Handle, sel.Model, tokens); err != nil {
		log.WithError(err).Warn("charging rate window failed")
	}
	if err := e.registry.RecordOutcome(ctx, sel.Handle, true); err != nil {
		log.WithError(err).Warn("recording success outcome failed")
	}
	monitoring.RecordUpstream(sel.Model, http.StatusOK)
	monitoring.RecordTokens(sel.Model, tokens)
}

// logAttempt appends one request-log entry for a single attempt.
func (e *Executor) logAttempt(ctx context.Context, sel *router.Selection, attempt, estimated, tokens int, started time.Time, attemptErr error) {
	if e.stats == nil {
		return
	}
	entry := stats.Entry{
		Model:           sel.Model,
		Credential:      sel.Handle,
		Success:         attemptErr == nil,
		Tokens:          tokens,
		EstimatedTokens: estimated,
		Attempts:        attempt,
		DurationMS:      time.Since(started).Milliseconds(),
	}
	if attemptErr != nil {
		msg := attemptErr.Error()
		if len(msg) > 200 {
			msg = msg[:200]
		}
		entry.Error = msg
	}
	e.stats.Log(ctx, entry)
}

// classifyFailure applies the health policy for one failed attempt. Upstream
// 429 means the quota is spent, not that the credential is broken, so health
// is untouched; everything else counts against the credential.
func (e *Executor) classifyFailure(ctx context.Context, sel *router.Selection, err error, blocked map[string]struct{}, failedOnModel map[string]int) {
	var apiErr *gemini.APIError
	if errors.As(err, &apiErr) {
		monitoring.RecordUpstream(sel.Model, apiErr.StatusCode)
	} else {
		monitoring.RecordUpstream(sel.Model, 0)
	}

	if gemini.IsRateLimited(err) {
		failedOnModel[sel.Model]++
		if failedOnModel[sel.Model] >= rateLimitBlockThreshold {
			blocked[sel.Model] = struct{}{}
			log.Debugf("model %s blocked for this request after %d rate limits", sel.Model, failedOnModel[sel.Model])
		}
		return
	}

	if err := e.registry.RecordOutcome(ctx, sel.Handle, false); err != nil {
		log.WithError(err).Warn("recording failure outcome failed")
	}
}

func withoutBlocked(order []string, blocked map[string]struct{}) []string {
	if len(blocked) == 0 {
		return order
	}
	out := make([]string, 0, len(order))
	for _, m := range order {
		if _, skip := blocked[m]; !skip {
			out = append(out, m)
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
