// Package storage is a thin typed facade over the shared Redis store. Every
// persistent value in the gateway (credential records, rate windows, request
// logs, access tokens) goes through it; all payloads are UTF-8 JSON.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound marks a missing key or hash field.
	ErrNotFound = errors.New("storage: not found")
	// ErrUnavailable marks an unreachable backend. Callers treat it as fatal
	// for the current request but recoverable on retry.
	ErrUnavailable = errors.New("storage: backend unavailable")
)

// Store wraps a pooled Redis client with a key prefix.
type Store struct {
	client *redis.Client
	prefix string
}

// New connects to Redis at the given URL (redis://host:port/db) and returns a
// Store with at most 20 pooled connections.
func New(url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 20
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	if prefix == "" {
		prefix = "hydra:"
	}
	return &Store{client: redis.NewClient(opts), prefix: prefix}, nil
}

// NewWithClient builds a Store over an existing client. Used by tests.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "hydra:"
	}
	return &Store{client: client, prefix: prefix}
}

// Key joins parts into a prefixed store key.
func (s *Store) Key(parts ...string) string {
	key := s.prefix
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return key
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// HashGet returns one field of a hash.
func (s *Store) HashGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	return val, wrap(err)
}

// HashSet writes one field of a hash.
func (s *Store) HashSet(ctx context.Context, key, field, value string) error {
	return wrap(s.client.HSet(ctx, key, field, value).Err())
}

// HashDelete removes fields from a hash, returning how many existed.
func (s *Store) HashDelete(ctx context.Context, key string, fields ...string) (int64, error) {
	n, err := s.client.HDel(ctx, key, fields...).Result()
	return n, wrap(err)
}

// HashGetAll returns every field of a hash. A missing hash yields an empty map.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	return vals, wrap(err)
}

// HashLen returns the number of fields in a hash.
func (s *Store) HashLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.HLen(ctx, key).Result()
	return n, wrap(err)
}

// SetAdd adds members to a set.
func (s *Store) SetAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(s.client.SAdd(ctx, key, args...).Err())
}

// SetRemove removes members from a set.
func (s *Store) SetRemove(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(s.client.SRem(ctx, key, args...).Err())
}

// SetMembers returns every member of a set.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	return members, wrap(err)
}

// SetCard returns the cardinality of a set.
func (s *Store) SetCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	return n, wrap(err)
}

// OrderedAppend adds a scored payload to a sorted set.
func (s *Store) OrderedAppend(ctx context.Context, key string, score float64, payload string) error {
	return wrap(s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: payload}).Err())
}

// RangeByRankDesc returns sorted-set members from highest to lowest score.
func (s *Store) RangeByRankDesc(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.ZRevRange(ctx, key, start, stop).Result()
	return vals, wrap(err)
}

// RemoveByScoreRange deletes sorted-set members with min ≤ score ≤ max,
// returning the number removed.
func (s *Store) RemoveByScoreRange(ctx context.Context, key string, min, max string) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, key, min, max).Result()
	return n, wrap(err)
}

// ScanByPrefix returns every key matching prefix* (prefix is relative to the
// store's namespace).
func (s *Store) ScanByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrap(err)
	}
	return keys, nil
}

// Expire sets a TTL on a key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap(s.client.Expire(ctx, key, ttl).Err())
}

// Batch queues operations on the pipeliner and submits them as one atomic
// MULTI/EXEC pipeline.
func (s *Store) Batch(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	_, err := s.client.TxPipelined(ctx, fn)
	return wrap(err)
}

// HealthCheck pings the backend.
func (s *Store) HealthCheck(ctx context.Context) error {
	return wrap(s.client.Ping(ctx).Err())
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
