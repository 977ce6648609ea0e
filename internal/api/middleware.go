package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
)

// LoggingMiddleware logs every HTTP request with its outcome and latency.
func LoggingMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		log.Infow("HTTP request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}

// AuthMiddleware validates the API key on every request except the health
// probe and the dashboard page itself, which carries no data. The key is
// read from the Authorization header, or from the "key" query parameter for
// clients that cannot set headers, such as the dashboard's WebSocket
// connection.
func AuthMiddleware(expectedKey string, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/" {
			c.Next()
			return
		}

		token := ""
		if header := c.GetHeader("Authorization"); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				log.Warnw("Malformed Authorization header",
					"path", c.Request.URL.Path,
					"ip", c.ClientIP(),
				)
				c.JSON(http.StatusUnauthorized, gin.H{
					"error": "invalid Authorization format, expected: Bearer <token>",
				})
				c.Abort()
				return
			}
			token = parts[1]
		} else {
			token = c.Query("key")
		}

		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			c.Abort()
			return
		}
		if token != expectedKey {
			log.LogSecurityEvent(c.Request.Context(), "api_key_rejected", map[string]interface{}{
				"path": c.Request.URL.Path,
				"ip":   c.ClientIP(),
			})
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RateLimitMiddleware applies a per-client token bucket so a runaway
// dashboard poll loop cannot starve the session store.
func RateLimitMiddleware(cfg config.RateLimitConfig) gin.HandlerFunc {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu      sync.Mutex
		clients = make(map[string]*client)
	)

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 25
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 50
	}

	// Idle client entries are dropped so the map does not grow for the
	// lifetime of the server.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for range ticker.C {
			mu.Lock()
			for ip, cl := range clients {
				if time.Since(cl.lastSeen) > 10*time.Minute {
					delete(clients, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		cl, ok := clients[ip]
		if !ok {
			cl = &client{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			clients[ip] = cl
		}
		cl.lastSeen = time.Now()
		mu.Unlock()

		if !cl.limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}
