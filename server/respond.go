package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 16

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, details := classify(err)
	if details == nil {
		details = map[string]any{}
	}
	message := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]any{"error": errorBody{Code: code, Message: message, Details: details}})
}

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return badRequest{field: "body", message: "could not be read"}
	}
	if len(body) > maxBodyBytes {
		return badRequest{field: "body", message: fmt.Sprintf("exceeds %d bytes", maxBodyBytes)}
	}
	if strings.TrimSpace(string(body)) == "" {
		return badRequest{field: "body", message: "is required"}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return badRequest{field: typeErr.Field, message: "has the wrong type"}
		}
		return badRequest{field: "body", message: "is not valid JSON"}
	}
	return nil
}
