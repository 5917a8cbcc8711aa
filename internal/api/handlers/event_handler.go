package handlers

import (
	"encoding/json"
	"net/http"

	"pricedeck/internal/api/middleware"
	"pricedeck/internal/engine/webhooks"
	apperrors "pricedeck/internal/pkg/errors"
	"pricedeck/internal/platform/audit"
)

type EventHandler struct {
	svc   *webhooks.Service
	audit *audit.Logger
}

func NewEventHandler(svc *webhooks.Service, auditLog *audit.Logger) *EventHandler {
	return &EventHandler{svc: svc, audit: auditLog}
}

// Trigger fires an event manually. Delivery happens in the background.
func (h *EventHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerID(r)

	var req struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}

	event, err := h.svc.TriggerChecked(req.Type, ownerID, data)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if h.audit != nil {
		h.audit.Log(r, ownerID, audit.ActionEventTriggered, audit.ResourceEvent, event.ID, map[string]any{"type": event.Type})
	}
	apperrors.WriteJSON(w, http.StatusAccepted, map[string]string{"event_id": event.ID})
}

type catalogEntry struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (h *EventHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	types := webhooks.EventTypes()
	out := make([]catalogEntry, 0, len(types))
	for _, t := range types {
		out = append(out, catalogEntry{Type: t.String(), Description: t.Description()})
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"events": out})
}
