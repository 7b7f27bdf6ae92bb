package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/songzhibin97/relaygate/internal/config"
)

// JWTAuthenticator validates HMAC-signed bearer tokens
type JWTAuthenticator struct {
	config *config.JWTConfig
	key    []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator creates a new JWT authenticator
func NewJWTAuthenticator(cfg *config.JWTConfig) (*JWTAuthenticator, error) {
	if cfg == nil || cfg.Secret == "" {
		return nil, fmt.Errorf("no JWT verification key configured")
	}

	alg := cfg.Algorithm
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	switch alg {
	case "HS256", "HS384", "HS512":
	default:
		return nil, fmt.Errorf("unsupported JWT algorithm: %s", alg)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTAuthenticator{
		config: cfg,
		key:    []byte(cfg.Secret),
		parser: jwt.NewParser(opts...),
	}, nil
}

// GetName returns the name of the authenticator
func (j *JWTAuthenticator) GetName() string {
	return "jwt"
}

// Authenticate authenticates a request using JWT
func (j *JWTAuthenticator) Authenticate(r *http.Request) (*AuthResult, error) {
	token := j.extractToken(r)
	if token == "" {
		return &AuthResult{
			Error:      "JWT token not provided",
			StatusCode: http.StatusUnauthorized,
			Headers:    map[string]string{"WWW-Authenticate": "Bearer"},
		}, nil
	}

	claims := jwt.MapClaims{}
	parsed, err := j.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return j.key, nil
	})
	if err != nil || !parsed.Valid {
		return &AuthResult{
			Error:      fmt.Sprintf("Invalid JWT token: %v", err),
			StatusCode: http.StatusUnauthorized,
			Headers:    map[string]string{"WWW-Authenticate": `Bearer error="invalid_token"`},
		}, nil
	}

	subject, _ := claims.GetSubject()
	return &AuthResult{
		Authenticated: true,
		Consumer:      subject,
		Claims:        claims,
	}, nil
}

// extractToken extracts the bearer token from the configured header
func (j *JWTAuthenticator) extractToken(r *http.Request) string {
	header := j.config.Header
	if header == "" {
		header = "Authorization"
	}
	value := r.Header.Get(header)
	if value == "" {
		return ""
	}

	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
