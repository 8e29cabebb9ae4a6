// Package admin serves the operator API: credential onboarding, usage
// inspection, request logs, and access token management.
package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"hydra-go/internal/accesstoken"
	"hydra-go/internal/credential"
	"hydra-go/internal/ratelimit"
	"hydra-go/internal/stats"
	"hydra-go/internal/storage"
	"hydra-go/internal/upstream/gemini"
)

// Handler bundles the services behind the /admin routes.
type Handler struct {
	registry   *credential.Registry
	accountant *ratelimit.Accountant
	stats      *stats.Service
	tokens     *accesstoken.Service
	client     *gemini.Client
}

// NewHandler builds the admin handler.
func NewHandler(registry *credential.Registry, accountant *ratelimit.Accountant, statsSvc *stats.Service, tokens *accesstoken.Service, client *gemini.Client) *Handler {
	return &Handler{
		registry:   registry,
		accountant: accountant,
		stats:      statsSvc,
		tokens:     tokens,
		client:     client,
	}
}

// Register mounts the /admin routes on the group.
func (h *Handler) Register(admin *gin.RouterGroup) {
	admin.POST("/credentials", h.AddCredential)
	admin.GET("/credentials", h.ListCredentials)
	admin.DELETE("/credentials/:handle", h.RemoveCredential)
	admin.POST("/credentials/:handle/reactivate", h.ReactivateCredential)
	admin.GET("/credentials/:handle/usage", h.CredentialUsage)
	admin.GET("/logs", h.RecentLogs)
	admin.GET("/stats/today", h.TodayStats)
	admin.POST("/tokens", h.CreateToken)
	admin.GET("/tokens", h.ListTokens)
	admin.DELETE("/tokens/:digest", h.DeleteToken)
}

type addCredentialRequest struct {
	APIKey    string `json:"api_key" binding:"required"`
	Email     string `json:"email"`
	ProjectID string `json:"project_id"`
	Notes     string `json:"notes"`
}

// AddCredential validates a raw key upstream, detects its models, and stores
// it. Existing credentials are merged, not replaced.
func (h *Handler) AddCredential(c *gin.Context) {
	var req addCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "invalid_request_error"}})
		return
	}

	models, err := h.client.DetectModels(c.Request.Context(), req.APIKey)
	if err != nil {
		if gemini.IsInvalidKey(err) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": gin.H{"message": "upstream rejected the API key", "type": "invalid_request_error"}})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"message": "model detection failed: " + err.Error(), "type": "server_error"}})
		return
	}
	if len(models) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": gin.H{"message": "key has no usable models", "type": "invalid_request_error"}})
		return
	}

	handle, err := h.registry.Add(c.Request.Context(), req.APIKey, req.Email, req.ProjectID, models, req.Notes)
	if err != nil {
		storageError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"handle": handle, "models": models})
}

// ListCredentials returns every credential without raw keys.
func (h *Handler) ListCredentials(c *gin.Context) {
	all, err := h.registry.ListAll(c.Request.Context())
	if err != nil {
		storageError(c, err)
		return
	}
	out := make(map[string]*credential.Entry, len(all))
	for handle, entry := range all {
		out[handle] = entry
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out, "count": len(out)})
}

// RemoveCredential deletes a credential; idempotent.
func (h *Handler) RemoveCredential(c *gin.Context) {
	removed, err := h.registry.Remove(c.Request.Context(), c.Param("handle"))
	if err != nil {
		storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// ReactivateCredential re-enables a disabled credential with full health.
func (h *Handler) ReactivateCredential(c *gin.Context) {
	ok, err := h.registry.Reactivate(c.Request.Context(), c.Param("handle"))
	if err != nil {
		storageError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "unknown credential", "type": "invalid_request_error"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reactivated": true})
}

// CredentialUsage reports the quota windows of one credential across its
// advertised models.
func (h *Handler) CredentialUsage(c *gin.Context) {
	handle := c.Param("handle")
	entry, err := h.registry.Get(c.Request.Context(), handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "unknown credential", "type": "invalid_request_error"}})
			return
		}
		storageError(c, err)
		return
	}

	usage := make(map[string]ratelimit.Usage, len(entry.AvailableModels))
	for _, model := range entry.AvailableModels {
		u, err := h.accountant.UsageFor(c.Request.Context(), handle, model)
		if err != nil {
			storageError(c, err)
			return
		}
		usage[model] = u
	}
	c.JSON(http.StatusOK, gin.H{
		"handle":       handle,
		"health_score": entry.HealthScore,
		"is_active":    entry.IsActive,
		"usage":        usage,
	})
}

// RecentLogs returns the newest request log entries, optionally filtered by
// model.
func (h *Handler) RecentLogs(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	entries, err := h.stats.Recent(c.Request.Context(), limit, c.Query("model"))
	if err != nil {
		storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries, "count": len(entries)})
}

// TodayStats aggregates today's hourly buckets.
func (h *Handler) TodayStats(c *gin.Context) {
	summary, err := h.stats.Today(c.Request.Context())
	if err != nil {
		storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type createTokenRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateToken issues a new access token. The plaintext appears in this
// response and in listings.
func (h *Handler) CreateToken(c *gin.Context) {
	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "invalid_request_error"}})
		return
	}
	plaintext, token, err := h.tokens.Create(c.Request.Context(), req.Name)
	if err != nil {
		storageError(c, err)
		return
	}
	log.Infof("access token created for %q", req.Name)
	c.JSON(http.StatusCreated, gin.H{"token": plaintext, "id": token.ID, "name": token.Name})
}

// ListTokens returns all issued tokens with usage counters.
func (h *Handler) ListTokens(c *gin.Context) {
	tokens, plain, err := h.tokens.List(c.Request.Context())
	if err != nil {
		storageError(c, err)
		return
	}
	type tokenOut struct {
		Digest string             `json:"digest"`
		Token  string             `json:"token"`
		Meta   *accesstoken.Token `json:"meta"`
	}
	out := make([]tokenOut, 0, len(tokens))
	for digest, meta := range tokens {
		out = append(out, tokenOut{Digest: digest, Token: plain[digest], Meta: meta})
	}
	c.JSON(http.StatusOK, gin.H{"tokens": out, "count": len(out)})
}

// DeleteToken revokes a token by digest.
func (h *Handler) DeleteToken(c *gin.Context) {
	removed, err := h.tokens.Delete(c.Request.Context(), c.Param("digest"))
	if err != nil {
		storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func storageError(c *gin.Context, err error) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": gin.H{"message": "storage backend unavailable", "type": "server_error"},
	})
	log.WithError(err).Warn("admin operation failed")
}
