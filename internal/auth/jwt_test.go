package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/internal/filter"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return s
}

func TestJWTAuthenticator_Authenticate(t *testing.T) {
	cfg := &config.JWTConfig{
		Secret:    "test-secret-key",
		Algorithm: "HS256",
		Issuer:    "test-issuer",
		Audience:  "test-audience",
	}
	auth, err := NewJWTAuthenticator(cfg)
	if err != nil {
		t.Fatalf("Failed to create JWT authenticator: %v", err)
	}

	valid := jwt.MapClaims{
		"sub": "user123",
		"iss": "test-issuer",
		"aud": "test-audience",
		"exp": time.Now().Add(time.Hour).Unix(),
	}

	tests := []struct {
		name         string
		header       string
		expectedAuth bool
		consumer     string
	}{
		{
			name:         "Valid JWT token",
			header:       "Bearer " + signToken(t, cfg.Secret, valid),
			expectedAuth: true,
			consumer:     "user123",
		},
		{
			name:   "Missing token",
			header: "",
		},
		{
			name:   "Not a bearer token",
			header: "Basic dXNlcjpwYXNz",
		},
		{
			name:   "Wrong secret",
			header: "Bearer " + signToken(t, "other-secret", valid),
		},
		{
			name: "Expired token",
			header: "Bearer " + signToken(t, cfg.Secret, jwt.MapClaims{
				"sub": "user123",
				"iss": "test-issuer",
				"aud": "test-audience",
				"exp": time.Now().Add(-time.Hour).Unix(),
			}),
		},
		{
			name: "Wrong issuer",
			header: "Bearer " + signToken(t, cfg.Secret, jwt.MapClaims{
				"sub": "user123",
				"iss": "someone-else",
				"aud": "test-audience",
				"exp": time.Now().Add(time.Hour).Unix(),
			}),
		},
		{
			name: "Missing expiration",
			header: "Bearer " + signToken(t, cfg.Secret, jwt.MapClaims{
				"sub": "user123",
				"iss": "test-issuer",
				"aud": "test-audience",
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			result, err := auth.Authenticate(req)
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if result.Authenticated != tt.expectedAuth {
				t.Fatalf("Authenticated = %v, want %v (%s)", result.Authenticated, tt.expectedAuth, result.Error)
			}
			if tt.expectedAuth && result.Consumer != tt.consumer {
				t.Errorf("Consumer = %s, want %s", result.Consumer, tt.consumer)
			}
			if !tt.expectedAuth && result.StatusCode != http.StatusUnauthorized {
				t.Errorf("StatusCode = %d, want 401", result.StatusCode)
			}
		})
	}
}

func TestNewJWTAuthenticator_Invalid(t *testing.T) {
	if _, err := NewJWTAuthenticator(&config.JWTConfig{}); err == nil {
		t.Error("expected error without a secret")
	}
	if _, err := NewJWTAuthenticator(&config.JWTConfig{Secret: "s", Algorithm: "RS256"}); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}

func TestFilter_JWT(t *testing.T) {
	cfg := &config.JWTConfig{Secret: "secret"}
	auth, err := NewJWTAuthenticator(cfg)
	if err != nil {
		t.Fatal(err)
	}

	chain := filter.NewChain(filter.ModeSync)
	if err := chain.Add(auth.GetName(), Filter(auth, nil)); err != nil {
		t.Fatal(err)
	}

	t.Run("rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ex := filter.NewExchange(rec, httptest.NewRequest(http.MethodGet, "/api", nil))

		allow, err := chain.Run(context.Background(), ex)
		if allow || err != nil {
			t.Fatalf("Run() = %v, %v", allow, err)
		}
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") != "Bearer" {
			t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
		}
	})

	t.Run("accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "secret", jwt.MapClaims{
			"sub": "alice",
			"exp": time.Now().Add(time.Minute).Unix(),
		}))
		ex := filter.NewExchange(httptest.NewRecorder(), req)

		allow, err := chain.Run(context.Background(), ex)
		if !allow || err != nil {
			t.Fatalf("Run() = %v, %v", allow, err)
		}
		if v, _ := ex.Get(AttrConsumer); v != "alice" {
			t.Errorf("consumer attribute = %v", v)
		}
		if req.Header.Get("X-Consumer") != "alice" {
			t.Errorf("X-Consumer = %q", req.Header.Get("X-Consumer"))
		}
	})
}
