package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/duckpass/duckpass/internal/common"
)

// statusClientClosedRequest is the de facto status for a request whose
// client disconnected before the response.
const statusClientClosedRequest = 499

const (
	msgCredentials = "Could not validate credentials"
	msgNotVerified = "User not verified"
)

type errorResponse struct {
	Detail string `json:"detail"`
}

// statusFor maps a service error to its HTTP status and client message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrNotVerified):
		return http.StatusUnauthorized, msgNotVerified
	case errors.Is(err, common.ErrorUnauthorized),
		errors.Is(err, common.ErrInvalidCredentials),
		errors.Is(err, common.ErrTokenMalformed),
		errors.Is(err, common.ErrTokenExpired),
		errors.Is(err, common.ErrTokenMissingSubject),
		errors.Is(err, common.ErrTokenPurpose):
		return http.StatusUnauthorized, msgCredentials

	case errors.Is(err, common.ErrorValidation),
		errors.Is(err, common.ErrPasswordMismatch),
		errors.Is(err, common.ErrInvalidCode),
		errors.Is(err, common.ErrTwoFactorAlreadyEnabled),
		errors.Is(err, common.ErrTwoFactorNotEnabled),
		errors.Is(err, common.ErrAlreadyVerified):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, common.ErrorAlreadyExists):
		return http.StatusConflict, "User already exists"
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, common.ErrRequestCanceled):
		return statusClientClosedRequest, "Request canceled"
	case errors.Is(err, common.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "Service temporarily unavailable"
	case errors.Is(err, common.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "Upstream service unavailable"
	}
	return http.StatusInternalServerError, "internal error"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)

	switch {
	case code >= http.StatusInternalServerError:
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err, "request_id", requestIDFrom(r.Context()))
	case code == statusClientClosedRequest:
		s.logger.Info(r.Context(), "request canceled", "path", r.URL.Path, "request_id", requestIDFrom(r.Context()))
	case code == http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", common.BearerScheme)
	}

	writeJSON(w, code, errorResponse{Detail: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
