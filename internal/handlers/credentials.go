package handlers

import (
	"encoding/json"
	"net/http"

	"chatbridge/internal/crypto"
	"chatbridge/internal/store"
)

// CredentialHandler lets an authenticated user set their own provider API
// key, encrypted at rest, so the bridge prefers it over the server-wide
// credential for that provider kind.
type CredentialHandler struct {
	Credentials   store.ProviderCredentials
	EncryptionKey string
}

type putCredentialRequest struct {
	ProviderKind string `json:"providerKind"`
	APIKey       string `json:"apiKey"`
}

// Put handles PUT /api/credentials. It never echoes the key back.
func (h *CredentialHandler) Put(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		RespondWithError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req putCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ProviderKind == "" || req.APIKey == "" {
		RespondWithError(w, http.StatusBadRequest, "providerKind and apiKey are required")
		return
	}

	encrypted, err := crypto.Encrypt(req.APIKey, h.EncryptionKey)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "failed to encrypt credential")
		return
	}

	if err := h.Credentials.Put(r.Context(), user.ID, req.ProviderKind, encrypted); err != nil {
		RespondWithError(w, http.StatusInternalServerError, "failed to store credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
