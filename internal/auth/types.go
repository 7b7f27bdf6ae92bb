package auth

import (
	"net/http"

	"github.com/songzhibin97/relaygate/internal/filter"
	"github.com/songzhibin97/relaygate/pkg/log"
)

// Exchange attribute keys set by the authentication filters.
const (
	AttrConsumer = "auth.consumer"
	AttrClaims   = "auth.claims"
)

// Authenticator defines the interface for authentication providers
type Authenticator interface {
	// Authenticate authenticates a request and returns the result
	Authenticate(r *http.Request) (*AuthResult, error)

	// GetName returns the name of the authenticator
	GetName() string
}

// AuthResult represents the result of an authentication attempt
type AuthResult struct {
	Authenticated bool `json:"authenticated"`

	// Consumer identifies the caller (JWT subject or API key owner)
	Consumer string `json:"consumer,omitempty"`

	// Claims contains JWT claims (for JWT auth)
	Claims map[string]interface{} `json:"claims,omitempty"`

	// Error contains error message if authentication failed
	Error string `json:"error,omitempty"`

	// StatusCode is the HTTP status code to return on failure
	StatusCode int `json:"status_code,omitempty"`

	// Headers contains additional headers to set on failure
	Headers map[string]string `json:"headers,omitempty"`
}

// Filter adapts an Authenticator to a pre-forward filter. Rejected requests
// are answered by the filter; accepted ones carry the consumer and claims as
// exchange attributes.
func Filter(a Authenticator, logger log.Logger) filter.SyncFilter {
	if logger == nil {
		logger = log.NewNop()
	}
	return func(ex *filter.Exchange) (bool, error) {
		result, err := a.Authenticate(ex.Request)
		if err != nil {
			return false, err
		}
		if !result.Authenticated {
			logger.WithContext(ex.Request.Context()).Debug("authentication failed",
				log.String("authenticator", a.GetName()),
				log.String("path", ex.Request.URL.Path),
				log.String("reason", result.Error),
			)
			for k, v := range result.Headers {
				ex.Response.Header().Set(k, v)
			}
			status := result.StatusCode
			if status == 0 {
				status = http.StatusUnauthorized
			}
			ex.Response.Reject(status, result.Error)
			return false, nil
		}

		if result.Consumer != "" {
			ex.Set(AttrConsumer, result.Consumer)
			ex.Request.Header.Set("X-Consumer", result.Consumer)
		}
		if result.Claims != nil {
			ex.Set(AttrClaims, result.Claims)
		}
		return true, nil
	}
}
