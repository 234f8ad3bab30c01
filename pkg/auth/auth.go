package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingCredentials = errors.New("missing bearer token")
	ErrInvalidCredentials = errors.New("invalid API key")
)

// KeyVerifier checks bearer tokens against one configured API key. The key
// may be given in plain text or as a bcrypt hash.
type KeyVerifier struct {
	key    string
	hashed bool

	mu       sync.RWMutex
	verified map[string]struct{} // tokens already accepted against the hash
}

// NewKeyVerifier creates a verifier. An empty key disables authentication.
func NewKeyVerifier(key string) *KeyVerifier {
	return &KeyVerifier{
		key:      key,
		hashed:   strings.HasPrefix(key, "$2a$") || strings.HasPrefix(key, "$2b$") || strings.HasPrefix(key, "$2y$"),
		verified: make(map[string]struct{}),
	}
}

// Enabled reports whether requests must carry a key
func (v *KeyVerifier) Enabled() bool {
	return v.key != ""
}

// Verify checks a presented token
func (v *KeyVerifier) Verify(token string) error {
	if !v.Enabled() {
		return nil
	}
	if token == "" {
		return ErrMissingCredentials
	}
	if !v.hashed {
		if SecureCompare(token, v.key) {
			return nil
		}
		return ErrInvalidCredentials
	}

	v.mu.RLock()
	_, ok := v.verified[token]
	v.mu.RUnlock()
	if ok {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(v.key), []byte(token)); err != nil {
		return ErrInvalidCredentials
	}
	v.mu.Lock()
	v.verified[token] = struct{}{}
	v.mu.Unlock()
	return nil
}

// Middleware rejects requests without a valid "Authorization: Bearer" key.
// Paths in skip are served without authentication. onDenied writes the
// response for rejected requests; nil falls back to a plain 401.
func (v *KeyVerifier) Middleware(skip []string, onDenied func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(skip))
	for _, p := range skip {
		open[p] = true
	}
	if onDenied == nil {
		onDenied = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.Enabled() || open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if err := v.Verify(BearerToken(r)); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="bisect-farm"`)
				onDenied(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from the Authorization header
func BearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// GenerateAPIKey returns a random URL-safe key
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(keyBytes), nil
}

// HashAPIKey returns the bcrypt hash of key for storage in broker config
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
