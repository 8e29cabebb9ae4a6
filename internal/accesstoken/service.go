// Package accesstoken issues and validates the bearer tokens clients use to
// call the gateway. These are gateway-local tokens, unrelated to upstream
// API keys.
package accesstoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"hydra-go/internal/storage"
)

const tokenPrefix = "sk-hydra-"

// Token is the stored metadata for one issued token. The plaintext lives in
// a separate hash so listings can show it to the operator.
type Token struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	CreatedAt  time.Time        `json:"created_at"`
	LastUsed   *time.Time       `json:"last_used,omitempty"`
	UsageCount int64            `json:"usage_count"`
	ModelUsage map[string]int64 `json:"model_usage,omitempty"`
}

// Service manages access tokens in the shared store.
type Service struct {
	store *storage.Store
}

// NewService builds a token Service.
func NewService(store *storage.Store) *Service {
	return &Service{store: store}
}

func (s *Service) tokenKey() string { return s.store.Key(storage.KeyTokens) }
func (s *Service) plainKey() string { return s.store.Key(storage.KeyTokenPlain) }

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create issues a new token and returns its plaintext.
func (s *Service) Create(ctx context.Context, name string) (string, *Token, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	plaintext := tokenPrefix + hex.EncodeToString(buf)
	digest := hashToken(plaintext)

	token := &Token{
		ID:        uuid.NewString()[:8],
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return "", nil, fmt.Errorf("encode token: %w", err)
	}

	err = s.store.Batch(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.tokenKey(), digest, string(payload))
		pipe.HSet(ctx, s.plainKey(), digest, plaintext)
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	log.Infof("access token %q issued (id %s)", name, token.ID)
	return plaintext, token, nil
}

// Validate reports whether the plaintext token is known. It does not touch
// usage counters; RecordUsage does that once the request succeeds.
func (s *Service) Validate(ctx context.Context, plaintext string) (bool, error) {
	_, err := s.store.HashGet(ctx, s.tokenKey(), hashToken(plaintext))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RecordUsage bumps a token's counters after a served request. Unknown
// tokens are ignored.
func (s *Service) RecordUsage(ctx context.Context, plaintext, model string) error {
	digest := hashToken(plaintext)
	raw, err := s.store.HashGet(ctx, s.tokenKey(), digest)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	var token Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return nil
	}

	now := time.Now().UTC()
	token.LastUsed = &now
	token.UsageCount++
	if model != "" {
		if token.ModelUsage == nil {
			token.ModelUsage = make(map[string]int64)
		}
		token.ModelUsage[model]++
	}
	payload, err := json.Marshal(&token)
	if err != nil {
		return nil
	}
	if err := s.store.HashSet(ctx, s.tokenKey(), digest, string(payload)); err != nil {
		log.WithError(err).Debug("updating token usage failed")
	}
	return nil
}

// List returns every issued token with its plaintext, keyed by digest.
func (s *Service) List(ctx context.Context) (map[string]*Token, map[string]string, error) {
	raw, err := s.store.HashGetAll(ctx, s.tokenKey())
	if err != nil {
		return nil, nil, err
	}
	plain, err := s.store.HashGetAll(ctx, s.plainKey())
	if err != nil {
		return nil, nil, err
	}

	tokens := make(map[string]*Token, len(raw))
	for digest, payload := range raw {
		var token Token
		if err := json.Unmarshal([]byte(payload), &token); err != nil {
			continue
		}
		tokens[digest] = &token
	}
	return tokens, plain, nil
}

// Delete revokes a token by digest. Unknown digests are a no-op; the bool
// reports whether anything was removed.
func (s *Service) Delete(ctx context.Context, digest string) (bool, error) {
	removed, err := s.store.HashDelete(ctx, s.tokenKey(), digest)
	if err != nil {
		return false, err
	}
	if _, err := s.store.HashDelete(ctx, s.plainKey(), digest); err != nil {
		return false, err
	}
	return removed > 0, nil
}

// HasAny reports whether any token exists. With none issued, the gateway
// runs open and the auth middleware lets requests through.
func (s *Service) HasAny(ctx context.Context) (bool, error) {
	n, err := s.store.HashLen(ctx, s.tokenKey())
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
