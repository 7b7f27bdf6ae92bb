package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/internal/filter"
	"golang.org/x/crypto/bcrypt"
)

func hashForTest(t *testing.T, key string) string {
	t.Helper()
	// MinCost keeps the test fast
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(hash)
}

func TestAPIKeyAuthenticator_Authenticate(t *testing.T) {
	cfg := &config.APIKeyConfig{
		Header: "X-API-Key",
		Query:  "api_key",
		Keys: map[string]string{
			"alice": hashForTest(t, "alice-key"),
			"bob":   hashForTest(t, "bob-key"),
		},
	}
	auth, err := NewAPIKeyAuthenticator(cfg)
	if err != nil {
		t.Fatalf("NewAPIKeyAuthenticator() error = %v", err)
	}

	tests := []struct {
		name     string
		setup    func(r *http.Request)
		target   string
		wantAuth bool
		consumer string
	}{
		{
			name:     "header key",
			target:   "/api",
			setup:    func(r *http.Request) { r.Header.Set("X-API-Key", "alice-key") },
			wantAuth: true,
			consumer: "alice",
		},
		{
			name:     "query key",
			target:   "/api?api_key=bob-key",
			setup:    func(*http.Request) {},
			wantAuth: true,
			consumer: "bob",
		},
		{
			name:   "missing key",
			target: "/api",
			setup:  func(*http.Request) {},
		},
		{
			name:   "unknown key",
			target: "/api",
			setup:  func(r *http.Request) { r.Header.Set("X-API-Key", "mallory-key") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			tt.setup(req)

			result, err := auth.Authenticate(req)
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if result.Authenticated != tt.wantAuth {
				t.Fatalf("Authenticated = %v, want %v", result.Authenticated, tt.wantAuth)
			}
			if result.Consumer != tt.consumer {
				t.Errorf("Consumer = %q, want %q", result.Consumer, tt.consumer)
			}
		})
	}
}

func TestNewAPIKeyAuthenticator_Invalid(t *testing.T) {
	if _, err := NewAPIKeyAuthenticator(&config.APIKeyConfig{}); err == nil {
		t.Error("expected error without keys")
	}
	_, err := NewAPIKeyAuthenticator(&config.APIKeyConfig{Keys: map[string]string{"alice": "plain-text"}})
	if err == nil {
		t.Error("expected error for a key that is not a bcrypt hash")
	}
}

func TestHashAPIKey(t *testing.T) {
	hash, err := HashAPIKey("secret")
	if err != nil {
		t.Fatal(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")) != nil {
		t.Error("hash does not verify")
	}
}

func TestFilter_APIKeyRejects(t *testing.T) {
	auth, err := NewAPIKeyAuthenticator(&config.APIKeyConfig{
		Header: "X-API-Key",
		Keys:   map[string]string{"alice": hashForTest(t, "k")},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	ex := filter.NewExchange(rec, httptest.NewRequest(http.MethodGet, "/api", nil))
	allow, err := Filter(auth, nil)(ex)
	if allow || err != nil {
		t.Fatalf("filter = %v, %v", allow, err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
