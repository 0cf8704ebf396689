// Package api provides HTTP response utilities for DripFlow.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// fallbackErrorBody is served when a response value itself fails to encode.
// It spells out the models.APIResponse envelope by hand so the fallback does
// not depend on the encoder that just failed.
var fallbackErrorBody = []byte(`{"status":"error","message":"Internal server error"}`)

// writeJSONResponse encodes response and writes it with the given status.
// Marshaling happens before any header goes out, so an encoding failure can
// still be reported as a 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Failed to marshal API response", "error", err)
		body = fallbackErrorBody
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Failed to write API response", "error", err)
	}
}
