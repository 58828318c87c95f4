package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyMiddleware_PassThroughWhenDisabled(t *testing.T) {
	h := APIKeyMiddleware("none", "x-api-key", "secret", okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("disabled mode: got %d, want 200", rec.Code)
	}
}

func TestAPIKeyMiddleware_Enforced(t *testing.T) {
	h := APIKeyMiddleware("apikey", "x-api-key", "secret", okHandler())

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"correct key", "secret", http.StatusOK},
		{"wrong key", "guess", http.StatusUnauthorized},
		{"missing key", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
			if tt.key != "" {
				req.Header.Set("x-api-key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("got %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAPIKeyMiddleware_BlocksWebSocketUpgradeWithoutKey(t *testing.T) {
	h := APIKeyMiddleware("apikey", "x-api-key", "secret", okHandler())

	// The alert stream mounts behind the same middleware; an upgrade request
	// without the key must be rejected before any handshake happens.
	req := httptest.NewRequest(http.MethodGet, "/ws/stream", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated upgrade: got %d, want 401", rec.Code)
	}
}

func TestAPIKeyMiddleware_EmptyKeyDisables(t *testing.T) {
	h := APIKeyMiddleware("apikey", "x-api-key", "", okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("unconfigured key: got %d, want pass-through 200", rec.Code)
	}
}
