package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"khetmabot/pkg/domain"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForStatus(status),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeFailure maps a typed domain failure onto an HTTP status, keeping
// the failure kind as the machine-readable code.
func writeFailure(w http.ResponseWriter, err error) {
	var failure *domain.Failure
	if !errors.As(err, &failure) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	message := failure.Message
	if message == "" {
		message = failure.Error()
	}
	writeJSON(w, statusForFailure(failure.Kind), errorResponse{
		Error:     message,
		Code:      string(failure.Kind),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func statusForFailure(kind domain.FailureKind) int {
	switch kind {
	case domain.KindKhetmaNotFound:
		return http.StatusNotFound
	case domain.KindNotAdmin:
		return http.StatusForbidden
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "KHETMA_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
