package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	m, err := NewMiddleware("test-secret", "mnemosyne")
	if err != nil {
		t.Fatalf("new middleware: %v", err)
	}
	token, err := SignToken("test-secret", "mnemosyne", "alice", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	var subject string
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := FromContext(r.Context())
		if err != nil {
			t.Fatalf("claims from context: %v", err)
		}
		subject = claims.Subject
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if subject != "alice" {
		t.Fatalf("subject = %q, want alice", subject)
	}
}

func TestMiddlewareRejections(t *testing.T) {
	m, err := NewMiddleware("test-secret", "mnemosyne")
	if err != nil {
		t.Fatalf("new middleware: %v", err)
	}
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler reached without valid credentials")
	}))

	wrongSecret, err := SignToken("other-secret", "mnemosyne", "alice", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	wrongIssuer, err := SignToken("test-secret", "someone-else", "alice", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	expired, err := SignToken("test-secret", "mnemosyne", "alice", -2*time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong secret", "Bearer " + wrongSecret},
		{"wrong issuer", "Bearer " + wrongIssuer},
		{"expired", "Bearer " + expired},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want 401", tc.name, rec.Code)
		}
	}
}

func TestNewMiddlewareRequiresSecret(t *testing.T) {
	if _, err := NewMiddleware("  ", "issuer"); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
