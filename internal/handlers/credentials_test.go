package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/crypto"
	"chatbridge/internal/models"
)

type fakeCredentialStore struct {
	mu    sync.Mutex
	creds map[string]string
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{creds: map[string]string{}}
}

func (f *fakeCredentialStore) Get(ctx context.Context, userID, providerKind string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds[userID+":"+providerKind], nil
}

func (f *fakeCredentialStore) Put(ctx context.Context, userID, providerKind, encryptedKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[userID+":"+providerKind] = encryptedKey
	return nil
}

func withUser(req *http.Request, user models.User) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), UserContextKey, user))
}

func TestCredentialPut_StoresEncryptedKeyAndNeverEchoesIt(t *testing.T) {
	store := newFakeCredentialStore()
	h := &CredentialHandler{Credentials: store, EncryptionKey: "test-encryption-key"}

	body, _ := json.Marshal(map[string]string{"providerKind": "openai", "apiKey": "sk-secret"})
	req := httptest.NewRequest(http.MethodPut, "/api/credentials", bytes.NewReader(body))
	req = withUser(req, models.User{ID: "u1"})
	rec := httptest.NewRecorder()

	h.Put(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-secret")

	stored := store.creds["u1:openai"]
	require.NotEmpty(t, stored)
	decrypted, err := crypto.Decrypt(stored, "test-encryption-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", decrypted)
}

func TestCredentialPut_MissingUserRejected(t *testing.T) {
	h := &CredentialHandler{Credentials: newFakeCredentialStore(), EncryptionKey: "key"}

	body, _ := json.Marshal(map[string]string{"providerKind": "openai", "apiKey": "sk-secret"})
	req := httptest.NewRequest(http.MethodPut, "/api/credentials", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Put(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCredentialPut_MissingFieldsRejected(t *testing.T) {
	h := &CredentialHandler{Credentials: newFakeCredentialStore(), EncryptionKey: "key"}

	body, _ := json.Marshal(map[string]string{"providerKind": "", "apiKey": ""})
	req := httptest.NewRequest(http.MethodPut, "/api/credentials", bytes.NewReader(body))
	req = withUser(req, models.User{ID: "u1"})
	rec := httptest.NewRecorder()

	h.Put(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCredentialPut_InvalidJSONRejected(t *testing.T) {
	h := &CredentialHandler{Credentials: newFakeCredentialStore(), EncryptionKey: "key"}

	req := httptest.NewRequest(http.MethodPut, "/api/credentials", bytes.NewReader([]byte("not json")))
	req = withUser(req, models.User{ID: "u1"})
	rec := httptest.NewRecorder()

	h.Put(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
