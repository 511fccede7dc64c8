package handlers

import (
	"context"
	"net/http"
	"time"

	"prediction-rounds/internal/blockchain"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CustodyDiagnostics is implemented by blockchain.SolanaClient.
type CustodyDiagnostics interface {
	RunDiagnostics(ctx context.Context) *blockchain.DiagnosticResult
}

type HealthHandler struct {
	db      Pinger
	redis   Pinger
	custody CustodyDiagnostics
	now     func() time.Time
}

// NewHealthHandler creates the health handler. redis and custody may be nil.
func NewHealthHandler(db Pinger, redis Pinger, custody CustodyDiagnostics) *HealthHandler {
	return &HealthHandler{
		db:      db,
		redis:   redis,
		custody: custody,
		now:     time.Now,
	}
}

// Health reports storage reachability
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}

	if err := h.db.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		checks["database"] = err.Error()
	} else {
		checks["database"] = "ok"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks["redis"] = err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   h.now().UTC().Format(time.RFC3339),
	})
}

// Custody runs the token custody diagnostics
// GET /health/custody
func (h *HealthHandler) Custody(c *gin.Context) {
	if h.custody == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "custody not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	result := h.custody.RunDiagnostics(ctx)
	status := http.StatusOK
	if !result.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}
