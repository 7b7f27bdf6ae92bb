package router

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyPattern        = errors.New("rule pattern cannot be empty")
	ErrInvalidPattern      = errors.New("'**' is only allowed as the last pattern segment")
	ErrEmptyService        = errors.New("service expression cannot be empty")
	ErrUnsupportedProtocol = errors.New("unsupported protocol, must be http, https, ws or wss")
	ErrMissingServiceName  = errors.New("service expression has no service name")
	ErrInvalidRewrite      = errors.New("invalid rewrite regex")

	// ErrDuplicateRule is matched by every *DuplicateRuleError.
	ErrDuplicateRule = errors.New("duplicate rule")
)

// InvalidRuleError is returned when a rule cannot be registered.
type InvalidRuleError struct {
	Pattern string
	Service string
	Err     error
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid rule %q -> %q: %v", e.Pattern, e.Service, e.Err)
}

func (e *InvalidRuleError) Unwrap() error {
	return e.Err
}

// DuplicateRuleError reports rules that overlap on the same kind. It is
// returned at registration for an identical pattern and at match time when
// a concrete path hits more than one local or one remote rule.
type DuplicateRuleError struct {
	Path     string
	Services []string
}

func (e *DuplicateRuleError) Error() string {
	return fmt.Sprintf("duplicate rules for path %s: [%s]", e.Path, strings.Join(e.Services, ", "))
}

func (e *DuplicateRuleError) Unwrap() error {
	return ErrDuplicateRule
}
