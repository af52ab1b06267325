package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/PRSENTINEL/internal/apierr"
)

// MaxPayloadSize defines the maximum size for request payloads (4MB).
// Review requests carry diff hunks, so this is larger than a typical API body.
const MaxPayloadSize = 4 * 1024 * 1024

// limitRequestSize limits the request body size to prevent DoS via large payloads
func limitRequestSize(w http.ResponseWriter, r *http.Request, maxSize int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondStatus(w, status, map[string]string{"error": message})
}

// respondErr maps an engine error onto its HTTP status and code
func respondErr(w http.ResponseWriter, err error) {
	respondStatus(w, apierr.StatusOf(err), map[string]string{
		"error": err.Error(),
		"code":  apierr.CodeOf(err),
	})
}

// decodeBody reads a JSON request body into v
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	limitRequestSize(w, r, MaxPayloadSize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
