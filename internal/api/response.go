package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

const (
	// emptyTwiML acknowledges a webhook without asking the provider to send anything.
	emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
	// encodeFailureJSON is written when a response value cannot be marshaled.
	encodeFailureJSON = `{"status":"error","message":"Internal server error"}`
)

// writeJSONResponse marshals response and writes it with statusCode.
// An encoding failure turns into a 500 with a fixed body.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal response", "error", err)
		body, statusCode = []byte(encodeFailureJSON), http.StatusInternalServerError
	}
	writeBody(w, statusCode, "application/json", body)
}

// writeTwiML writes an empty TwiML document with the given status code.
func writeTwiML(w http.ResponseWriter, statusCode int) {
	writeBody(w, statusCode, "text/xml; charset=utf-8", []byte(emptyTwiML))
}

func writeBody(w http.ResponseWriter, statusCode int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeBody: failed to write response", "error", err, "contentType", contentType)
	}
}
