// Package stats keeps the request log and hourly usage aggregates.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"hydra-go/internal/storage"
)

// Entry is one logged attempt. Credential is the truncated handle, never the
// raw key. Tokens is what the upstream reported; EstimatedTokens is the local
// pre-flight estimate the rate check used.
type Entry struct {
	ID              string  `json:"id"`
	Timestamp       float64 `json:"ts"`
	Model           string  `json:"model"`
	Credential      string  `json:"credential"`
	Success         bool    `json:"success"`
	Tokens          int     `json:"tokens"`
	EstimatedTokens int     `json:"estimated_tokens,omitempty"`
	Attempts        int     `json:"attempts"`
	DurationMS      int64   `json:"duration_ms"`
	Error           string  `json:"error,omitempty"`
}

// Summary is an aggregate over a span of hourly buckets.
type Summary struct {
	Requests          int            `json:"requests"`
	Success           int            `json:"success"`
	Errors            int            `json:"errors"`
	Tokens            int            `json:"tokens"`
	ModelDistribution map[string]int `json:"model_distribution"`
}

const modelFieldPrefix = "model:"

// Service writes request history to the shared store.
type Service struct {
	store *storage.Store

	// Now is the clock; replaced in tests.
	Now func() time.Time
}

// NewService builds a stats Service.
func NewService(store *storage.Store) *Service {
	return &Service{store: store, Now: time.Now}
}

func (s *Service) logKey() string { return s.store.Key(storage.KeyLogs) }

func (s *Service) hourlyKey(t time.Time) string {
	return s.store.Key(storage.HourlyPrefix, t.UTC().Format("2006-01-02-15"))
}

// Log appends one request to the log and folds it into the current hourly
// bucket. Logging failures are reported but never fail the request.
func (s *Service) Log(ctx context.Context, entry Entry) {
	now := s.Now()
	if entry.ID == "" {
		entry.ID = uuid.NewString()[:8]
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = float64(now.UnixNano()) / 1e9
	}
	if len(entry.Credential) > 8 {
		entry.Credential = entry.Credential[:8]
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		log.WithError(err).Warn("encoding log entry failed")
		return
	}

	hourly := s.hourlyKey(now)
	err = s.store.Batch(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.logKey(), redis.Z{Score: entry.Timestamp, Member: string(payload)})
		pipe.HIncrBy(ctx, hourly, "requests", 1)
		if entry.Success {
			pipe.HIncrBy(ctx, hourly, "success", 1)
		} else {
			pipe.HIncrBy(ctx, hourly, "errors", 1)
		}
		if entry.Tokens > 0 {
			pipe.HIncrBy(ctx, hourly, "tokens", int64(entry.Tokens))
		}
		if entry.Model != "" {
			pipe.HIncrBy(ctx, hourly, modelFieldPrefix+entry.Model, 1)
		}
		pipe.Expire(ctx, hourly, storage.TTLHourlyStats)
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("writing request log failed")
	}
}

// Recent returns the newest entries, most recent first. A non-empty model
// filters the result after the rank query, so heavily filtered views may
// return fewer than limit entries.
func (s *Service) Recent(ctx context.Context, limit int, model string) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	fetch := int64(limit - 1)
	if model != "" {
		fetch = int64(limit*10 - 1)
	}
	raw, err := s.store.RangeByRankDesc(ctx, s.logKey(), 0, fetch)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, payload := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			continue
		}
		if model != "" && entry.Model != model {
			continue
		}
		entries = append(entries, entry)
		if len(entries) == limit {
			break
		}
	}
	return entries, nil
}

// Today aggregates every hourly bucket of the current UTC day.
func (s *Service) Today(ctx context.Context) (*Summary, error) {
	now := s.Now().UTC()
	day := now.Truncate(24 * time.Hour)

	summary := &Summary{ModelDistribution: make(map[string]int)}
	for hour := 0; hour <= now.Hour(); hour++ {
		fields, err := s.store.HashGetAll(ctx, s.hourlyKey(day.Add(time.Duration(hour)*time.Hour)))
		if err != nil {
			return nil, err
		}
		for field, value := range fields {
			n, err := strconv.Atoi(value)
			if err != nil {
				continue
			}
			switch {
			case field == "requests":
				summary.Requests += n
			case field == "success":
				summary.Success += n
			case field == "errors":
				summary.Errors += n
			case field == "tokens":
				summary.Tokens += n
			case strings.HasPrefix(field, modelFieldPrefix):
				summary.ModelDistribution[strings.TrimPrefix(field, modelFieldPrefix)] += n
			}
		}
	}
	return summary, nil
}

// CleanupOldLogs trims log entries older than the retention window and
// returns how many were removed.
func (s *Service) CleanupOldLogs(ctx context.Context) (int64, error) {
	cutoff := float64(s.Now().Add(-storage.TTLLogs).UnixNano()) / 1e9
	return s.store.RemoveByScoreRange(ctx, s.logKey(), "-inf", fmt.Sprintf("%f", cutoff))
}
