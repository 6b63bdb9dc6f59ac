package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHashToken(t *testing.T) {
	hash, err := HashToken("secret")
	if err != nil {
		t.Fatal(err)
	}
	if hash == "" || hash == "secret" {
		t.Fatal("hash should be non-empty and different from token")
	}
	hash2, _ := HashToken("secret")
	if hash == hash2 {
		t.Fatal("hashes should differ (salt)")
	}
}

func TestCheckToken(t *testing.T) {
	hash, _ := HashToken("admintoken")
	if !CheckToken("admintoken", hash) {
		t.Fatal("correct token should match")
	}
	if CheckToken("wrong", hash) {
		t.Fatal("wrong token should not match")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual("a", "a") {
		t.Fatal("equal strings")
	}
	if ConstantTimeEqual("a", "b") {
		t.Fatal("different strings")
	}
	if ConstantTimeEqual("ab", "a") {
		t.Fatal("different length")
	}
}

func TestRequire(t *testing.T) {
	hash, _ := HashToken("admintoken")
	h := Require(hash, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic admintoken", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"ok", "Bearer admintoken", http.StatusTeapot},
		{"ok cached", "Bearer admintoken", http.StatusTeapot},
		{"wrong after cached", "Bearer admintoken2", http.StatusUnauthorized},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/clients", nil)
		if c.header != "" {
			req.Header.Set("Authorization", c.header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != c.want {
			t.Fatalf("%s: got %d want %d", c.name, rr.Code, c.want)
		}
	}
}
