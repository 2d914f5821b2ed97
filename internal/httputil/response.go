package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// InterfaceVersion is the protocol version stamped on every response
// exchanged with the queue service and its pull scripts.
const InterfaceVersion = 1

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// WriteError writes a failing versioned envelope with the given message as
// the error key. The queue service inspects the body, not the status code,
// so callers conventionally pass http.StatusOK.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]interface{}{
		"version": InterfaceVersion,
		"success": false,
		"error":   msg,
	})
}

// WriteSuccess writes a successful versioned envelope merged with the
// provided data fields.
func WriteSuccess(w http.ResponseWriter, status int, data map[string]interface{}) {
	response := map[string]interface{}{
		"version": InterfaceVersion,
		"success": true,
	}
	for k, v := range data {
		response[k] = v
	}
	WriteJSON(w, status, response)
}
