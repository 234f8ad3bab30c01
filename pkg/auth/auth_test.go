package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyVerifierPlain(t *testing.T) {
	v := NewKeyVerifier("s3cret")
	assert.True(t, v.Enabled())
	assert.NoError(t, v.Verify("s3cret"))
	assert.True(t, errors.Is(v.Verify("nope"), ErrInvalidCredentials))
	assert.True(t, errors.Is(v.Verify(""), ErrMissingCredentials))
}

func TestKeyVerifierHashed(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	hash, err := HashAPIKey(key)
	require.NoError(t, err)

	v := NewKeyVerifier(hash)
	assert.NoError(t, v.Verify(key))
	assert.NoError(t, v.Verify(key), "cached verification")
	assert.Error(t, v.Verify(hash), "the hash itself is not a valid key")
}

func TestKeyVerifierDisabled(t *testing.T) {
	v := NewKeyVerifier("")
	assert.False(t, v.Enabled())
	assert.NoError(t, v.Verify(""))
}

func TestMiddleware(t *testing.T) {
	v := NewKeyVerifier("s3cret")
	h := v.Middleware([]string{"/health"}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no header", "/jobs", "", http.StatusUnauthorized},
		{"wrong key", "/jobs", "Bearer wrong", http.StatusUnauthorized},
		{"wrong scheme", "/jobs", "Basic s3cret", http.StatusUnauthorized},
		{"valid", "/jobs", "Bearer s3cret", http.StatusOK},
		{"lowercase scheme", "/jobs", "bearer s3cret", http.StatusOK},
		{"skipped path", "/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("abc", "abc"))
	assert.False(t, SecureCompare("abc", "abd"))
	assert.False(t, SecureCompare("abc", "abcd"))
}
