package handlers

import (
	"net/http"
	"strconv"

	"pricedeck/internal/api/middleware"
	"pricedeck/internal/engine/webhooks"
	apperrors "pricedeck/internal/pkg/errors"
	"pricedeck/internal/platform/audit"
	"pricedeck/internal/platform/models"
)

type WebhookHandler struct {
	svc   *webhooks.Service
	audit *audit.Logger
}

func NewWebhookHandler(svc *webhooks.Service, auditLog *audit.Logger) *WebhookHandler {
	return &WebhookHandler{svc: svc, audit: auditLog}
}

type createWebhookResponse struct {
	*models.Webhook
	Secret string `json:"secret"`
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerID(r)

	var req webhooks.RegisterInput
	if !decodeJSON(w, r, &req) {
		return
	}

	webhook, err := h.svc.Register(r.Context(), ownerID, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	h.record(r, ownerID, audit.ActionWebhookCreated, webhook.ID, map[string]any{
		"url":    webhook.URL,
		"events": webhook.Events.Names(),
	})

	apperrors.WriteJSON(w, http.StatusCreated, createWebhookResponse{Webhook: webhook, Secret: webhook.Secret})
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.svc.List(middleware.OwnerID(r))
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"webhooks": list})
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	webhook, err := h.svc.Get(middleware.OwnerID(r), param(r, "webhook_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, webhook)
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerID(r)
	id := param(r, "webhook_id")

	var req webhooks.UpdateInput
	if !decodeJSON(w, r, &req) {
		return
	}

	webhook, err := h.svc.Update(r.Context(), ownerID, id, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	h.record(r, ownerID, audit.ActionWebhookUpdated, id, nil)
	apperrors.WriteJSON(w, http.StatusOK, webhook)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerID(r)
	id := param(r, "webhook_id")

	if err := h.svc.Delete(r.Context(), ownerID, id); err != nil {
		writeServiceError(w, r, err)
		return
	}

	h.record(r, ownerID, audit.ActionWebhookDeleted, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerID(r)
	id := param(r, "webhook_id")

	outcome, err := h.svc.Test(r.Context(), ownerID, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	h.record(r, ownerID, audit.ActionWebhookTested, id, map[string]any{"success": outcome.Success})
	apperrors.WriteJSON(w, http.StatusOK, outcome)
}

func (h *WebhookHandler) Logs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.LogQuery{
		EventType: q.Get("event_type"),
		Status:    q.Get("status"),
	}

	var err error
	if query.Limit, err = intParam(q.Get("limit")); err != nil {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.ErrCodeInvalidInput, "limit must be an integer", nil)
		return
	}
	if query.Offset, err = intParam(q.Get("offset")); err != nil {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.ErrCodeInvalidInput, "offset must be an integer", nil)
		return
	}
	switch query.Status {
	case "", models.LogStatusSuccess, models.LogStatusFailed:
	default:
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.ErrCodeInvalidInput, "status must be success or failed", nil)
		return
	}

	page, err := h.svc.Logs(r.Context(), middleware.OwnerID(r), param(r, "webhook_id"), query)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, page)
}

func (h *WebhookHandler) record(r *http.Request, ownerID, action, id string, metadata map[string]any) {
	if h.audit != nil {
		h.audit.Log(r, ownerID, action, audit.ResourceWebhook, id, metadata)
	}
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
