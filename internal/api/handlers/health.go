package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "pricedeck/internal/pkg/errors"
)

type PendingCounter interface {
	PendingRetries() int
}

type HealthHandler struct {
	db      *sql.DB
	redis   *redis.Client
	retries PendingCounter
}

// NewHealthHandler accepts a nil redis client when analytics are disabled.
func NewHealthHandler(db *sql.DB, redisClient *redis.Client, retries PendingCounter) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient, retries: retries}
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string)

	if err := h.db.PingContext(ctx); err != nil {
		checks["database"] = "unhealthy: " + err.Error()
	} else {
		checks["database"] = "healthy"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
		} else {
			checks["redis"] = "healthy"
		}
	}

	status := "healthy"
	for _, check := range checks {
		if len(check) >= 9 && check[:9] == "unhealthy" {
			status = "degraded"
			break
		}
	}

	response := struct {
		Status         string            `json:"status"`
		Timestamp      int64             `json:"timestamp"`
		Checks         map[string]string `json:"checks"`
		PendingRetries int               `json:"pending_retries"`
	}{
		Status:    status,
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}
	if h.retries != nil {
		response.PendingRetries = h.retries.PendingRetries()
	}

	statusCode := http.StatusOK
	if status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	apperrors.WriteJSON(w, statusCode, response)
}
