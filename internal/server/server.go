// Package server assembles the gin engine from the gateway's services.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"hydra-go/internal/accesstoken"
	"hydra-go/internal/config"
	"hydra-go/internal/credential"
	"hydra-go/internal/executor"
	"hydra-go/internal/handlers/admin"
	"hydra-go/internal/handlers/openai"
	"hydra-go/internal/middleware"
	"hydra-go/internal/ratelimit"
	"hydra-go/internal/stats"
	"hydra-go/internal/storage"
	"hydra-go/internal/upstream/gemini"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Dependencies carries everything the HTTP layer needs.
type Dependencies struct {
	Config     *config.Config
	Store      *storage.Store
	Registry   *credential.Registry
	Accountant *ratelimit.Accountant
	Executor   *executor.Executor
	Client     *gemini.Client
	Stats      *stats.Service
	Tokens     *accesstoken.Service
}

// New builds the gin engine with the full route table.
func New(deps Dependencies) *gin.Engine {
	if deps.Config == nil || !deps.Config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.Recovery(), middleware.CORS(), middleware.RequestLogger())

	startedAt := time.Now()
	engine.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		storeOK := true
		if err := deps.Store.HealthCheck(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			storeOK = false
		}
		activeCreds := int64(0)
		if storeOK {
			if n, err := deps.Registry.ActiveCount(c.Request.Context()); err == nil {
				activeCreds = n
			}
		}
		c.JSON(status, gin.H{
			"status":             map[bool]string{true: "ok", false: "degraded"}[storeOK],
			"store":              storeOK,
			"active_credentials": activeCreds,
			"uptime_seconds":     int64(time.Since(startedAt).Seconds()),
			"version":            Version,
		})
	})

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.Auth(deps.Tokens)

	v1 := engine.Group("/v1", auth)
	openai.NewHandler(deps.Executor, deps.Client, deps.Tokens).Register(v1)

	adminGroup := engine.Group("/admin", auth)
	admin.NewHandler(deps.Registry, deps.Accountant, deps.Stats, deps.Tokens, deps.Client).Register(adminGroup)

	return engine
}
