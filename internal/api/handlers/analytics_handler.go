package handlers

import (
	"net/http"
	"strconv"

	"pricedeck/internal/api/middleware"
	"pricedeck/internal/engine/analytics"
	"pricedeck/internal/engine/webhooks"
	apperrors "pricedeck/internal/pkg/errors"
)

type AnalyticsHandler struct {
	webhooks  *webhooks.Service
	analytics *analytics.Service
}

// NewAnalyticsHandler accepts a nil analytics service when Redis is not
// configured; the endpoint then answers 503.
func NewAnalyticsHandler(svc *webhooks.Service, analyticsSvc *analytics.Service) *AnalyticsHandler {
	return &AnalyticsHandler{webhooks: svc, analytics: analyticsSvc}
}

func (h *AnalyticsHandler) GetWebhookAnalytics(w http.ResponseWriter, r *http.Request) {
	if h.analytics == nil {
		apperrors.WriteError(w, http.StatusServiceUnavailable, apperrors.ErrCodeInternal, "Delivery analytics are not enabled", nil)
		return
	}

	ownerID := middleware.OwnerID(r)
	id := param(r, "webhook_id")
	if _, err := h.webhooks.Get(ownerID, id); err != nil {
		writeServiceError(w, r, err)
		return
	}

	hours := analytics.DefaultSummaryHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			apperrors.WriteError(w, http.StatusBadRequest, apperrors.ErrCodeInvalidInput, "hours must be a positive integer", nil)
			return
		}
		hours = n
	}

	summary, err := h.analytics.Summary(r.Context(), ownerID, id, hours)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, summary)
}
