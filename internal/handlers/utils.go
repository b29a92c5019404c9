// Package handlers contains the minimal REST surface around the socket
// hub: account creation, token issuance, and the authenticated /api/me
// identity check.
package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
)

// RespondWithError writes a standard JSON error response. 5xx responses are
// logged with the real message but answered with a generic one.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	if code == http.StatusInternalServerError {
		log.Printf("responding with server error (%d): %s", code, message)
		message = "an internal server error occurred"
	}
	RespondWithJSON(w, code, map[string]string{"error": message})
}

// RespondWithJSON marshals payload and writes it with the given status code.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal JSON response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"failed to serialize response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(response)
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
