package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	apiContext "pricedeck/internal/api/context"
	"pricedeck/internal/engine/webhooks"
	apperrors "pricedeck/internal/pkg/errors"
)

func param(r *http.Request, name string) string {
	params, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
	return params.ByName(name)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.ErrCodeInvalidInput, "Invalid request body", nil)
		return false
	}
	return true
}

// writeServiceError maps webhook service errors onto the JSON error envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *webhooks.ValidationError
	var rerr *webhooks.RegistrationTestError

	switch {
	case errors.As(err, &verr):
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.ErrCodeInvalidInput, verr.Error(),
			map[string]string{"field": verr.Field})
	case errors.Is(err, webhooks.ErrNotFound):
		apperrors.WriteError(w, http.StatusNotFound, apperrors.ErrCodeNotFound, "Webhook not found", nil)
	case errors.As(err, &rerr):
		apperrors.WriteError(w, http.StatusUnprocessableEntity, apperrors.ErrCodeRegistrationTestFailed,
			"Webhook endpoint did not accept the test delivery", rerr.Outcome)
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		apperrors.WriteError(w, http.StatusInternalServerError, apperrors.ErrCodeInternal, "Internal server error", nil)
	}
}
