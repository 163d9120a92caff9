package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/maxwatch/internal/internaltypes"
)

const maxBody = 1 << 20

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to its HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, internaltypes.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, internaltypes.ErrNeedsReauth):
		return http.StatusConflict, "needs_reauth"
	case errors.Is(err, internaltypes.ErrNotAuthenticated):
		return http.StatusUnauthorized, "not_authenticated"
	case errors.Is(err, internaltypes.ErrAuth):
		return http.StatusUnauthorized, "auth_failed"
	case errors.Is(err, internaltypes.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, internaltypes.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, internaltypes.ErrBlocked):
		return http.StatusBadGateway, "blocked"
	case errors.Is(err, internaltypes.ErrSessionInit):
		return http.StatusServiceUnavailable, "session_init"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger(r).Error("request failed", zap.Error(err))
	} else {
		s.logger(r).Info("request rejected", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

// writeError answers with the status of err's kind, without logging.
func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", internaltypes.ErrValidation, err)
	}
	return nil
}
