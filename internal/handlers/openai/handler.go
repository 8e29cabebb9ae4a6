// Package openai serves the OpenAI-compatible API surface.
package openai

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"hydra-go/internal/accesstoken"
	"hydra-go/internal/catalog"
	"hydra-go/internal/executor"
	"hydra-go/internal/middleware"
	"hydra-go/internal/router"
	"hydra-go/internal/storage"
	"hydra-go/internal/upstream/gemini"
)

// Handler bundles the services behind the /v1 routes. Request logging lives
// in the executor, which sees every attempt; the handler only tracks access
// token usage.
type Handler struct {
	exec   *executor.Executor
	client *gemini.Client
	tokens *accesstoken.Service
}

// NewHandler builds the /v1 handler.
func NewHandler(exec *executor.Executor, client *gemini.Client, tokens *accesstoken.Service) *Handler {
	return &Handler{exec: exec, client: client, tokens: tokens}
}

// Register mounts the /v1 routes on the group.
func (h *Handler) Register(v1 *gin.RouterGroup) {
	v1.POST("/chat/completions", h.ChatCompletions)
	v1.POST("/embeddings", h.Embeddings)
	v1.GET("/models", h.Models)
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		badRequest(c, "messages must not be empty")
		return
	}

	template, err := req.ToGenerateRequest()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	preferred := catalog.ResolveAlias(req.Model)
	order := router.ModelOrder(preferred, req.Capabilities())
	if len(order) == 0 {
		badRequest(c, "no model can satisfy the requested capabilities")
		return
	}
	estimated := req.EstimateTokens()

	var upstream *gemini.GenerateResponse
	result, err := h.exec.Run(c.Request.Context(), order, estimated,
		executor.InvokerFunc(func(ctx context.Context, rawKey, model string) (int, error) {
			attempt := *template
			attempt.Model = model
			resp, err := h.client.Generate(ctx, rawKey, &attempt)
			if err != nil {
				return 0, err
			}
			upstream = resp
			return resp.Usage.TotalTokens, nil
		}))
	if err != nil {
		writeError(c, err)
		return
	}

	h.recordTokenUsage(c, result.Model)

	if req.Stream {
		streamChatResponse(c, buildChatResponse(req.Model, upstream, result))
		return
	}
	c.JSON(http.StatusOK, buildChatResponse(req.Model, upstream, result))
}

// Embeddings handles POST /v1/embeddings.
func (h *Handler) Embeddings(c *gin.Context) {
	var req EmbeddingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	texts, err := req.Texts()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	preferred := catalog.ResolveAlias(req.Model)
	order := router.ModelOrder(preferred, catalog.NewCapabilitySet(catalog.CapEmbedding))
	estimated := gemini.EstimateTokens(texts...)

	var vectors [][]float64
	result, err := h.exec.Run(c.Request.Context(), order, estimated,
		executor.InvokerFunc(func(ctx context.Context, rawKey, model string) (int, error) {
			vecs, err := h.client.EmbedTexts(ctx, rawKey, model, texts)
			if err != nil {
				return 0, err
			}
			vectors = vecs
			return 0, nil // embeddings report no usage; the estimate is charged
		}))
	if err != nil {
		writeError(c, err)
		return
	}

	h.recordTokenUsage(c, result.Model)
	c.JSON(http.StatusOK, buildEmbeddingsResponse(req.Model, vectors, estimated))
}

// Models handles GET /v1/models: the static catalog plus the OpenAI aliases
// clients probe for.
func (h *Handler) Models(c *gin.Context) {
	type modelOut struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	created := time.Now().Unix()
	var data []modelOut
	for _, id := range catalog.AllModels {
		data = append(data, modelOut{ID: id, Object: "model", Created: created, OwnedBy: "google"})
	}
	for _, alias := range catalog.Aliases() {
		data = append(data, modelOut{ID: alias, Object: "model", Created: created, OwnedBy: "hydra"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// recordTokenUsage bumps the caller's access token counters after a success.
func (h *Handler) recordTokenUsage(c *gin.Context, model string) {
	token, ok := c.Get(middleware.TokenContextKey)
	if !ok {
		return
	}
	if plaintext, ok := token.(string); ok {
		if err := h.tokens.RecordUsage(c.Request.Context(), plaintext, model); err != nil {
			log.WithError(err).Debug("recording token usage failed")
		}
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": gin.H{"message": msg, "type": "invalid_request_error"},
	})
}

// writeError maps executor and storage failures onto OpenAI error envelopes.
func writeError(c *gin.Context, err error) {
	var exhausted *executor.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		lastError := ""
		if exhausted.LastErr != nil {
			lastError = exhausted.LastErr.Error()
		}
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"message":        "all credentials exhausted, please retry later",
				"type":           "rate_limit_error",
				"fallback_count": exhausted.Attempts,
				"blocked_models": exhausted.BlockedModels,
				"last_error":     lastError,
			},
		})
	case errors.Is(err, storage.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"message": "storage backend unavailable", "type": "server_error"},
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"error": gin.H{"message": "request cancelled", "type": "server_error"},
		})
	default:
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{"message": err.Error(), "type": "server_error"},
		})
	}
}
