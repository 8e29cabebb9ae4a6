package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Health scoring parameters.
const (
	HealthMax        = 100
	healthSuccessUp  = 5
	healthFailureDn  = 10
	disableThreshold = 5
)

// Entry is the stored representation of an upstream API credential. The raw
// key never appears here; it lives in a separate lookaside hash keyed by the
// same handle.
type Entry struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	APIKeyPreview     string     `json:"api_key_preview"`
	ProjectID         string     `json:"project_id"`
	CreatedAt         time.Time  `json:"created_at"`
	LastValidated     *time.Time `json:"last_validated,omitempty"`
	IsActive          bool       `json:"is_active"`
	HealthScore       int        `json:"health_score"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	AvailableModels   []string   `json:"available_models"`
	Notes             string     `json:"notes,omitempty"`
}

// Supports reports whether the credential currently advertises the model.
func (e *Entry) Supports(model string) bool {
	for _, m := range e.AvailableModels {
		if m == model {
			return true
		}
	}
	return false
}

// HashKey returns the SHA-256 hex digest of a raw API key, used as the
// credential's public handle.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// Preview renders the loggable tail of a raw key.
func Preview(rawKey string) string {
	if len(rawKey) <= 6 {
		return "..." + rawKey
	}
	return "..." + rawKey[len(rawKey)-6:]
}

// shortHandle truncates a handle for log output.
func shortHandle(handle string) string {
	if len(handle) > 8 {
		return handle[:8]
	}
	return handle
}
