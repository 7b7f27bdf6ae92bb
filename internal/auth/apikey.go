package auth

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/songzhibin97/relaygate/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyAuthenticator checks a key from a header or query parameter against
// bcrypt hashes of the configured consumers.
type APIKeyAuthenticator struct {
	header    string
	query     string
	consumers []apiKeyConsumer
}

type apiKeyConsumer struct {
	name string
	hash []byte
}

// NewAPIKeyAuthenticator creates a new API key authenticator
func NewAPIKeyAuthenticator(cfg *config.APIKeyConfig) (*APIKeyAuthenticator, error) {
	if cfg == nil || len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("no API keys configured")
	}

	a := &APIKeyAuthenticator{
		header: cfg.Header,
		query:  cfg.Query,
	}
	for name, hash := range cfg.Keys {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("api key for consumer %s is not a bcrypt hash: %w", name, err)
		}
		a.consumers = append(a.consumers, apiKeyConsumer{name: name, hash: []byte(hash)})
	}
	// deterministic lookup order
	sort.Slice(a.consumers, func(i, j int) bool { return a.consumers[i].name < a.consumers[j].name })

	return a, nil
}

// HashAPIKey returns the bcrypt hash to put in the configuration for key.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// GetName returns the name of the authenticator
func (a *APIKeyAuthenticator) GetName() string {
	return "api_key"
}

// Authenticate authenticates a request using API key
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (*AuthResult, error) {
	key := a.extractAPIKey(r)
	if key == "" {
		return &AuthResult{
			Error:      "API key not provided",
			StatusCode: http.StatusUnauthorized,
		}, nil
	}

	for _, c := range a.consumers {
		if bcrypt.CompareHashAndPassword(c.hash, []byte(key)) == nil {
			return &AuthResult{Authenticated: true, Consumer: c.name}, nil
		}
	}

	return &AuthResult{
		Error:      "Invalid API key",
		StatusCode: http.StatusUnauthorized,
	}, nil
}

// extractAPIKey extracts API key from request
func (a *APIKeyAuthenticator) extractAPIKey(r *http.Request) string {
	if a.header != "" {
		if key := r.Header.Get(a.header); key != "" {
			return key
		}
	}
	if a.query != "" {
		if key := r.URL.Query().Get(a.query); key != "" {
			return key
		}
	}
	return ""
}
