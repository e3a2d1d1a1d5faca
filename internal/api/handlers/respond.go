package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/kosuke-ai/kosuke/internal/fault"
)

// statusFor is the single place fault kinds become HTTP status codes.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindBadRequest, fault.KindInvalidQuery:
		return http.StatusBadRequest
	case fault.KindUnauthorized, fault.KindGitAuthMissing:
		return http.StatusUnauthorized
	case fault.KindForbidden:
		return http.StatusForbidden
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict, fault.KindGitConflict:
		return http.StatusConflict
	case fault.KindPushFailed:
		return http.StatusBadGateway
	case fault.KindEngineUnavailable:
		return http.StatusServiceUnavailable
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindCancelled:
		// Non-standard; nginx convention for client-closed-request.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondFault classifies err into an HTTP error response. Internal faults
// get a generic message so storage and engine details never leak to clients.
func respondFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := statusFor(kind)

	msg := err.Error()
	if status >= 500 {
		log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("kind", string(kind)).
			Msg("Request failed")
	}
	if kind == fault.KindInternal {
		msg = "internal error"
	}

	respondJSON(w, status, map[string]string{
		"error":   string(kind),
		"message": msg,
	})
}
