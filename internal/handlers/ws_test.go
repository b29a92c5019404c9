package handlers

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowedOriginChecker_NoOriginHeaderAllowed(t *testing.T) {
	check := AllowedOriginChecker("https://app.example.com")
	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(req))
}

func TestAllowedOriginChecker_ExactMatchAllowed(t *testing.T) {
	check := AllowedOriginChecker("https://app.example.com, https://admin.example.com")
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	assert.True(t, check(req))
}

func TestAllowedOriginChecker_HostnameMatchAllowed(t *testing.T) {
	check := AllowedOriginChecker("app.example.com")
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))
}

func TestAllowedOriginChecker_UnlistedOriginRejected(t *testing.T) {
	check := AllowedOriginChecker("https://app.example.com")
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
}

func TestAllowedOriginChecker_MalformedOriginRejected(t *testing.T) {
	check := AllowedOriginChecker("https://app.example.com")
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "://not-a-url")
	assert.False(t, check(req))
}
