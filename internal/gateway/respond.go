package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/basket/go-agency/internal/persistence"
)

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	var ve *persistence.ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, persistence.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, persistence.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrDuplicateID), errors.Is(err, persistence.ErrAlreadyProcessed),
		errors.Is(err, persistence.ErrDistributing):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError reports err with its mapped status. Internal errors are logged
// and returned without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "api request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": msg})
}

// decodeBody reads a JSON request body into dst. An empty body is rejected.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return persistence.Invalid("body", "request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return persistence.Invalid("body", fmt.Sprintf("exceeds %d bytes", tooLarge.Limit))
		}
		return persistence.Invalid("body", err.Error())
	}
	return nil
}

// intQuery parses an optional integer query parameter.
func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, persistence.Invalid(name, "must be an integer")
	}
	return n, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, persistence.Invalid(name, "must be a positive integer")
	}
	return id, nil
}

// decodeOptionalBody is decodeBody for endpoints whose body may be empty.
func decodeOptionalBody(r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return persistence.Invalid("body", err.Error())
}
