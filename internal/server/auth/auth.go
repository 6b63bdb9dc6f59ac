// Package auth guards the admin API with a bearer token stored as a bcrypt hash.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"
)

// HashToken bcrypt hash of an admin token, for the server.admin_token_hash setting.
func HashToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckToken true if token matches hash.
func CheckToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// ConstantTimeEqual compares two tokens (constant-time).
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// BearerToken extracts the Authorization: Bearer value, "" if absent.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// Require rejects requests whose bearer token does not match hash.
// The last accepted token is compared in constant time before bcrypt.
func Require(hash string, next http.Handler) http.Handler {
	var last atomic.Pointer[string]
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := BearerToken(r)
		if tok == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if cached := last.Load(); cached == nil || !ConstantTimeEqual(*cached, tok) {
			if !CheckToken(tok, hash) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			last.Store(&tok)
		}
		next.ServeHTTP(w, r)
	})
}
