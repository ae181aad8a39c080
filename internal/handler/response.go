package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/workloom/backend/internal/contextkeys"
	"github.com/workloom/backend/internal/domain"
)

// maxBodyBytes caps request bodies, webhooks included.
const maxBodyBytes = 1 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("failed to encode JSON response")
		}
	}
}

// Error writes an error JSON response, using AppError status codes when available.
func Error(w http.ResponseWriter, err error) {
	if appErr, ok := domain.AsAppError(err); ok {
		if appErr.Code >= http.StatusInternalServerError {
			log.Error().Err(err).Int("status", appErr.Code).Msg("request failed")
		}
		JSON(w, appErr.Code, map[string]string{"error": appErr.Message})
		return
	}
	log.Error().Err(err).Msg("unhandled error")
	JSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

// DecodeJSON decodes a JSON request body into the given struct.
func DecodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return domain.ErrBadRequest("invalid JSON body")
	}
	return nil
}

// tenantFrom returns the tenant the authenticated caller belongs to.
func tenantFrom(r *http.Request) (string, bool) {
	tenantID, ok := r.Context().Value(contextkeys.TenantID).(string)
	return tenantID, ok && tenantID != ""
}

func unauthorized(w http.ResponseWriter) {
	JSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}
