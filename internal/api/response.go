// Package api provides HTTP response utilities for FlowCloser.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/flowoff/flowcloser/internal/agent"
	"github.com/flowoff/flowcloser/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal the response to JSON first to catch encoding errors before writing headers
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeError translates err into the error envelope. Internal errors are
// logged with their cause and reported without it.
func writeError(w http.ResponseWriter, err error) {
	var fallbackErr *agent.FallbackError
	if errors.As(err, &fallbackErr) {
		err = models.ExternalAPIError("model invocation failed", err, nil)
	}
	appErr := models.AsAppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		slog.Error("Server.writeError: request failed", "error", err, "code", appErr.Code)
	}
	writeJSONResponse(w, appErr.Status, models.ErrorWithCode(appErr.Code, appErr.Message))
}

// writeText writes a plain-text body, used for webhook acknowledgements.
func writeText(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := w.Write([]byte(body)); err != nil {
		slog.Error("Server.writeText: failed to write response", "error", err)
	}
}
