// Package credential manages the lifecycle and health scoring of upstream API
// credentials in the shared store.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"hydra-go/internal/storage"
)

// Registry is the sole writer of credential records. Rate windows belong to
// the rate accountant; the registry never touches them.
type Registry struct {
	store *storage.Store
}

// NewRegistry builds a Registry over the shared store.
func NewRegistry(store *storage.Store) *Registry {
	return &Registry{store: store}
}

func (r *Registry) credKey() string   { return r.store.Key(storage.KeyCredentials) }
func (r *Registry) activeKey() string { return r.store.Key(storage.KeyActive) }
func (r *Registry) rawKey() string    { return r.store.Key(storage.KeyRawKeys) }

// Add stores a validated credential and activates it, returning its handle.
// If a record already exists under the same handle the entry is merged: the
// advertised model set is unioned, metadata refreshed, and any disabled state
// cleared. Health and usage history survive the merge.
func (r *Registry) Add(ctx context.Context, rawToken, email, projectID string, models []string, notes string) (string, error) {
	handle := HashKey(rawToken)
	now := time.Now().UTC()

	entry, err := r.Get(ctx, handle)
	switch {
	case err == nil:
		before := len(entry.AvailableModels)
		entry.AvailableModels = unionModels(entry.AvailableModels, models)
		entry.Email = email
		if projectID != "" {
			entry.ProjectID = projectID
		}
		entry.APIKeyPreview = Preview(rawToken)
		entry.LastValidated = &now
		if notes != "" {
			entry.Notes = notes
		}
		entry.IsActive = true
		log.Infof("merged credential %s: %d models (was %d, found %d)",
			shortHandle(handle), len(entry.AvailableModels), before, len(models))
	case errors.Is(err, storage.ErrNotFound):
		entry = &Entry{
			ID:              uuid.NewString()[:12],
			Email:           email,
			APIKeyPreview:   Preview(rawToken),
			ProjectID:       projectID,
			CreatedAt:       now,
			LastValidated:   &now,
			IsActive:        true,
			HealthScore:     HealthMax,
			AvailableModels: append([]string(nil), models...),
			Notes:           notes,
		}
	default:
		return "", err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode credential: %w", err)
	}
	err = r.store.Batch(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.credKey(), handle, string(payload))
		pipe.HSet(ctx, r.rawKey(), handle, rawToken)
		pipe.SAdd(ctx, r.activeKey(), handle)
		return nil
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

// Remove deletes a credential, its raw key, and its active-set membership.
// Removing a nonexistent handle is a no-op success; the bool reports whether
// a record existed.
func (r *Registry) Remove(ctx context.Context, handle string) (bool, error) {
	removed, err := r.store.HashDelete(ctx, r.credKey(), handle)
	if err != nil {
		return false, err
	}
	if _, err := r.store.HashDelete(ctx, r.rawKey(), handle); err != nil {
		return false, err
	}
	if err := r.store.SetRemove(ctx, r.activeKey(), handle); err != nil {
		return false, err
	}
	return removed > 0, nil
}

// Get fetches one credential record.
func (r *Registry) Get(ctx context.Context, handle string) (*Entry, error) {
	raw, err := r.store.HashGet(ctx, r.credKey(), handle)
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode credential %s: %w", shortHandle(handle), err)
	}
	return &entry, nil
}

// ListAll returns every stored credential keyed by handle.
func (r *Registry) ListAll(ctx context.Context) (map[string]*Entry, error) {
	raw, err := r.store.HashGetAll(ctx, r.credKey())
	if err != nil {
		return nil, err
	}
	entries := make(map[string]*Entry, len(raw))
	for handle, payload := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			log.WithError(err).Warnf("skipping undecodable credential %s", shortHandle(handle))
			continue
		}
		entries[handle] = &entry
	}
	return entries, nil
}

// ListActive returns only active credentials.
func (r *Registry) ListActive(ctx context.Context) (map[string]*Entry, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for handle, entry := range all {
		if !entry.IsActive {
			delete(all, handle)
		}
	}
	return all, nil
}

// ActiveCount is the set-cardinality fast path over the active-handle index.
func (r *Registry) ActiveCount(ctx context.Context) (int64, error) {
	return r.store.SetCard(ctx, r.activeKey())
}

// ActiveHandles returns the active-handle index members.
func (r *Registry) ActiveHandles(ctx context.Context) ([]string, error) {
	return r.store.SetMembers(ctx, r.activeKey())
}

// RawToken returns the plaintext key for a handle. Callers must never log it.
func (r *Registry) RawToken(ctx context.Context, handle string) (string, error) {
	return r.store.HashGet(ctx, r.rawKey(), handle)
}

// ReplaceModels overwrites the advertised model set with the detected one.
// Unlike Add this does not merge: background re-detection reflects current
// upstream reality, including models that disappeared. Returns whether the
// set changed.
func (r *Registry) ReplaceModels(ctx context.Context, handle string, models []string) (bool, error) {
	entry, err := r.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	added, removed := diffModels(entry.AvailableModels, models)
	if len(added) == 0 && len(removed) == 0 {
		return false, nil
	}
	if len(added) > 0 {
		log.Infof("credential %s: new models detected: %v", shortHandle(handle), added)
	}
	if len(removed) > 0 {
		log.Infof("credential %s: models no longer available: %v", shortHandle(handle), removed)
	}

	now := time.Now().UTC()
	entry.AvailableModels = append([]string(nil), models...)
	entry.LastValidated = &now
	if err := r.put(ctx, handle, entry); err != nil {
		return false, err
	}
	return true, nil
}

// RecordOutcome adjusts a credential's health after an attempt. Success adds
// 5 (capped at 100) and clears the error streak; failure subtracts 10
// (floored at 0) and, at 5 consecutive errors, deactivates the credential.
func (r *Registry) RecordOutcome(ctx context.Context, handle string, success bool) error {
	entry, err := r.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	if success {
		entry.HealthScore = min(HealthMax, entry.HealthScore+healthSuccessUp)
		entry.ConsecutiveErrors = 0
		return r.put(ctx, handle, entry)
	}

	entry.HealthScore = max(0, entry.HealthScore-healthFailureDn)
	entry.ConsecutiveErrors++
	if entry.ConsecutiveErrors >= disableThreshold {
		entry.IsActive = false
		if err := r.store.SetRemove(ctx, r.activeKey(), handle); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"credential":         shortHandle(handle),
			"email":              entry.Email,
			"consecutive_errors": entry.ConsecutiveErrors,
		}).Warn("credential disabled after consecutive errors")
	}
	return r.put(ctx, handle, entry)
}

// Reactivate re-enables a disabled credential with full health. Returns
// whether the handle existed.
func (r *Registry) Reactivate(ctx context.Context, handle string) (bool, error) {
	entry, err := r.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	entry.IsActive = true
	entry.HealthScore = HealthMax
	entry.ConsecutiveErrors = 0

	payload, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode credential: %w", err)
	}
	err = r.store.Batch(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.credKey(), handle, string(payload))
		pipe.SAdd(ctx, r.activeKey(), handle)
		return nil
	})
	return err == nil, err
}

func (r *Registry) put(ctx context.Context, handle string, entry *Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	return r.store.HashSet(ctx, r.credKey(), handle, string(payload))
}

func unionModels(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, m := range a {
		seen[m] = struct{}{}
	}
	for _, m := range b {
		seen[m] = struct{}{}
	}
	merged := make([]string, 0, len(seen))
	for m := range seen {
		merged = append(merged, m)
	}
	sort.Strings(merged)
	return merged
}

func diffModels(old, new []string) (added, removed []string) {
	oldSet := make(map[string]struct{}, len(old))
	for _, m := range old {
		oldSet[m] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(new))
	for _, m := range new {
		newSet[m] = struct{}{}
		if _, ok := oldSet[m]; !ok {
			added = append(added, m)
		}
	}
	for _, m := range old {
		if _, ok := newSet[m]; !ok {
			removed = append(removed, m)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
