// Package ratelimit tracks per-credential, per-model usage against free-tier
// quotas: requests per minute, requests per day, and tokens per minute.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"hydra-go/internal/catalog"
	"hydra-go/internal/storage"
)

// Quota days roll over at midnight in a fixed UTC-8 zone, matching the
// provider's reset schedule. No DST.
var quotaZone = time.FixedZone("UTC-8", -8*60*60)

// windowSeconds is the sliding window for the per-minute quotas.
const windowSeconds = 60

// Reasons a request can be blocked.
const (
	ReasonRPM = "rpm"
	ReasonRPD = "rpd"
	ReasonTPM = "tpm"
)

// Hash fields of a rate window record.
const (
	fieldRequests = "requests"
	fieldTokens   = "tokens"
	fieldRPDCount = "rpd_count"
	fieldRPDReset = "last_rpd_reset"
	fieldLimitRPM = "rpm_limit"
	fieldLimitRPD = "rpd_limit"
	fieldLimitTPM = "tpm_limit"
)

// tokenSample is one recorded token spend inside the sliding window.
type tokenSample struct {
	TS    float64 `json:"ts"`
	Count int     `json:"count"`
}

// Verdict is the outcome of a quota check.
type Verdict struct {
	Allowed bool
	Reason  string // one of the Reason* constants when blocked
}

// Usage is a point-in-time snapshot of one credential/model window.
type Usage struct {
	RPMUsed  int `json:"rpm_used"`
	RPMLimit int `json:"rpm_limit"`
	RPDUsed  int `json:"rpd_used"`
	RPDLimit int `json:"rpd_limit"`
	TPMUsed  int `json:"tpm_used"`
	TPMLimit int `json:"tpm_limit"`
}

// RPMPercent reports the minute-window request quota consumed, 0-100.
func (u Usage) RPMPercent() float64 { return pct(u.RPMUsed, u.RPMLimit) }

// RPDPercent reports the daily request quota consumed, 0-100.
func (u Usage) RPDPercent() float64 { return pct(u.RPDUsed, u.RPDLimit) }

// TPMPercent reports the minute-window token quota consumed, 0-100.
func (u Usage) TPMPercent() float64 { return pct(u.TPMUsed, u.TPMLimit) }

func pct(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	p := float64(used) / float64(limit) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Accountant reads and writes rate windows in the shared store. It never
// mutates credential records.
type Accountant struct {
	store *storage.Store

	// Now is the clock; replaced in tests to cross daily boundaries.
	Now func() time.Time
}

// NewAccountant builds an Accountant over the shared store.
func NewAccountant(store *storage.Store) *Accountant {
	return &Accountant{store: store, Now: time.Now}
}

func (a *Accountant) rateKey(handle, model string) string {
	return a.store.Key(storage.RatePrefix, handle, model)
}

// Today returns the current quota-zone date as YYYY-MM-DD.
func (a *Accountant) Today() string {
	return a.Now().In(quotaZone).Format("2006-01-02")
}

// QuotaNow returns the current time in the quota zone.
func (a *Accountant) QuotaNow() time.Time {
	return a.Now().In(quotaZone)
}

// window is the decoded mutable state of one rate record.
type window struct {
	requests []float64
	tokens   []tokenSample
	rpdCount int
	rpdReset string
	limits   catalog.Limits
}

func (a *Accountant) load(ctx context.Context, handle, model string) (*window, error) {
	fields, err := a.store.HashGetAll(ctx, a.rateKey(handle, model))
	if err != nil {
		return nil, err
	}

	w := &window{limits: catalog.LimitsFor(model)}
	if raw, ok := fields[fieldRequests]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &w.requests); err != nil {
			log.WithError(err).Warnf("discarding corrupt request window for %s/%s", handle[:min(8, len(handle))], model)
			w.requests = nil
		}
	}
	if raw, ok := fields[fieldTokens]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &w.tokens); err != nil {
			log.WithError(err).Warnf("discarding corrupt token window for %s/%s", handle[:min(8, len(handle))], model)
			w.tokens = nil
		}
	}
	if raw, ok := fields[fieldRPDCount]; ok {
		w.rpdCount, _ = strconv.Atoi(raw)
	}
	w.rpdReset = fields[fieldRPDReset]

	// Limits cached in the record win over the catalog, so operators can
	// adjust a single credential's quota out of band.
	if raw, ok := fields[fieldLimitRPM]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			w.limits.RPM = n
		}
	}
	if raw, ok := fields[fieldLimitRPD]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			w.limits.RPD = n
		}
	}
	if raw, ok := fields[fieldLimitTPM]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			w.limits.TPM = n
		}
	}
	return w, nil
}

// prune drops window entries older than the sliding window and applies the
// daily reset when the quota-zone date has changed.
func (w *window) prune(now time.Time, today string) {
	cutoff := float64(now.UnixNano())/1e9 - windowSeconds

	kept := w.requests[:0]
	for _, ts := range w.requests {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	w.requests = kept

	keptTok := w.tokens[:0]
	for _, s := range w.tokens {
		if s.TS > cutoff {
			keptTok = append(keptTok, s)
		}
	}
	w.tokens = keptTok

	if w.rpdReset != today {
		w.rpdCount = 0
		w.rpdReset = today
	}
}

func (w *window) tokensInWindow() int {
	total := 0
	for _, s := range w.tokens {
		total += s.Count
	}
	return total
}

func (a *Accountant) save(ctx context.Context, handle, model string, w *window) error {
	reqJSON, err := json.Marshal(w.requests)
	if err != nil {
		return fmt.Errorf("encode request window: %w", err)
	}
	tokJSON, err := json.Marshal(w.tokens)
	if err != nil {
		return fmt.Errorf("encode token window: %w", err)
	}

	key := a.rateKey(handle, model)
	return a.store.Batch(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldRequests, string(reqJSON),
			fieldTokens, string(tokJSON),
			fieldRPDCount, strconv.Itoa(w.rpdCount),
			fieldRPDReset, w.rpdReset,
			fieldLimitRPM, strconv.Itoa(w.limits.RPM),
			fieldLimitRPD, strconv.Itoa(w.limits.RPD),
			fieldLimitTPM, strconv.Itoa(w.limits.TPM),
		)
		pipe.Expire(ctx, key, storage.TTLRateWindow)
		return nil
	})
}

// Check reports whether a request with the given estimated token cost would
// exceed any quota. It does not record anything.
func (a *Accountant) Check(ctx context.Context, handle, model string, estimatedTokens int) (Verdict, error) {
	w, err := a.load(ctx, handle, model)
	if err != nil {
		return Verdict{}, err
	}
	w.prune(a.Now(), a.Today())

	if w.limits.RPM > 0 && len(w.requests) >= w.limits.RPM {
		return Verdict{Reason: ReasonRPM}, nil
	}
	if w.limits.RPD > 0 && w.rpdCount >= w.limits.RPD {
		return Verdict{Reason: ReasonRPD}, nil
	}
	if w.limits.TPM > 0 && w.tokensInWindow()+estimatedTokens > w.limits.TPM {
		return Verdict{Reason: ReasonTPM}, nil
	}
	return Verdict{Allowed: true}, nil
}

// Record charges a completed request against the credential's windows.
// Token count may be the estimate or the actual usage reported upstream.
func (a *Accountant) Record(ctx context.Context, handle, model string, tokens int) error {
	w, err := a.load(ctx, handle, model)
	if err != nil {
		return err
	}
	now := a.Now()
	w.prune(now, a.Today())

	ts := float64(now.UnixNano()) / 1e9
	w.requests = append(w.requests, ts)
	if tokens > 0 {
		w.tokens = append(w.tokens, tokenSample{TS: ts, Count: tokens})
	}
	w.rpdCount++

	return a.save(ctx, handle, model, w)
}

// UsageFor snapshots one credential/model window after pruning.
func (a *Accountant) UsageFor(ctx context.Context, handle, model string) (Usage, error) {
	w, err := a.load(ctx, handle, model)
	if err != nil {
		return Usage{}, err
	}
	w.prune(a.Now(), a.Today())
	return Usage{
		RPMUsed:  len(w.requests),
		RPMLimit: w.limits.RPM,
		RPDUsed:  w.rpdCount,
		RPDLimit: w.limits.RPD,
		TPMUsed:  w.tokensInWindow(),
		TPMLimit: w.limits.TPM,
	}, nil
}

// Cleanup prunes every rate window in the store and reports how many keys
// were visited. Runs periodically from the monitor.
func (a *Accountant) Cleanup(ctx context.Context) (int, error) {
	keys, err := a.store.ScanByPrefix(ctx, a.store.Key(storage.RatePrefix))
	if err != nil {
		return 0, err
	}
	visited := 0
	for _, key := range keys {
		handle, model, ok := a.splitRateKey(key)
		if !ok {
			continue
		}
		w, err := a.load(ctx, handle, model)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return visited, err
		}
		w.prune(a.Now(), a.Today())
		if err := a.save(ctx, handle, model, w); err != nil {
			return visited, err
		}
		visited++
	}
	return visited, nil
}

// ResetDailyAll zeroes every daily counter and stamps today's quota-zone
// date. Called by the monitor at the daily boundary.
func (a *Accountant) ResetDailyAll(ctx context.Context) (int, error) {
	keys, err := a.store.ScanByPrefix(ctx, a.store.Key(storage.RatePrefix))
	if err != nil {
		return 0, err
	}
	today := a.Today()
	reset := 0
	for _, key := range keys {
		err := a.store.Batch(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldRPDCount, "0", fieldRPDReset, today)
			return nil
		})
		if err != nil {
			return reset, err
		}
		reset++
	}
	if reset > 0 {
		log.Infof("daily quota reset: %d rate windows cleared for %s", reset, today)
	}
	return reset, nil
}

// splitRateKey recovers handle and model from a full rate window key.
func (a *Accountant) splitRateKey(key string) (handle, model string, ok bool) {
	prefix := a.store.Key(storage.RatePrefix) + ":"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := key[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
