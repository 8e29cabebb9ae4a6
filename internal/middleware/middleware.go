// Package middleware holds the gin middleware chain: CORS, request logging,
// panic recovery, and bearer-token auth.
package middleware

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"hydra-go/internal/accesstoken"
	"hydra-go/internal/monitoring"
)

// TokenContextKey is where Auth stores the validated bearer token so
// handlers can attribute usage to it.
const TokenContextKey = "access_token"

// CORS allows browser clients from any origin. OpenAI SDKs run server-side,
// but web playgrounds hit the API directly.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestLogger logs every request and feeds the HTTP metrics. The route
// label uses the gin template path so cardinality stays bounded.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(started)

		monitoring.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		monitoring.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		fields := log.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
		}
		switch {
		case status >= 500:
			log.WithFields(fields).Error("request failed")
		case status >= 400:
			log.WithFields(fields).Warn("request rejected")
		default:
			log.WithFields(fields).Info("request")
		}
	}
}

// Recovery turns panics into 500 responses instead of dropped connections.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{
					"panic": r,
					"path":  c.Request.URL.Path,
					"stack": string(debug.Stack()),
				}).Error("handler panicked")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"message": "internal server error", "type": "server_error"},
				})
			}
		}()
		c.Next()
	}
}

// Auth enforces gateway bearer tokens. While no tokens have been issued the
// gateway runs open; issuing the first token closes it.
func Auth(tokens *accesstoken.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		has, err := tokens.HasAny(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": gin.H{"message": "auth backend unavailable", "type": "server_error"},
			})
			return
		}
		if !has {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing bearer token", "type": "invalid_request_error"},
			})
			return
		}

		valid, err := tokens.Validate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": gin.H{"message": "auth backend unavailable", "type": "server_error"},
			})
			return
		}
		if !valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid access token", "type": "invalid_request_error"},
			})
			return
		}
		c.Set(TokenContextKey, token)
		c.Next()
	}
}
