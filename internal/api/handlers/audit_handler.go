package handlers

import (
	"net/http"
	"strconv"

	"pricedeck/internal/api/middleware"
	apperrors "pricedeck/internal/pkg/errors"
	"pricedeck/internal/platform/audit"
)

type AuditHandler struct {
	audit *audit.Logger
}

func NewAuditHandler(auditLog *audit.Logger) *AuditHandler {
	return &AuditHandler{audit: auditLog}
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.audit.List(r.Context(), middleware.OwnerID(r), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
