package router

import (
	"net/url"
	"regexp"
	"strings"
)

// LocalService is the service expression that routes a path to the host's
// own handler instead of an upstream.
const LocalService = "local"

// Supported upstream protocols.
const (
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
	ProtocolWS    = "ws"
	ProtocolWSS   = "wss"
)

// RuleDetail is one registered rule. It is immutable once created.
type RuleDetail struct {
	Pattern       string `json:"pattern"`
	ServiceName   string `json:"service_name,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
	ExtraPath     string `json:"extra_path,omitempty"`
	IsLocal       bool   `json:"is_local"`
	RewriteRegex  string `json:"rewrite_regex,omitempty"`
	RewriteTarget string `json:"rewrite_target,omitempty"`

	rewrite *regexp.Regexp
}

// IsWebSocket reports whether the rule forwards to a ws or wss upstream.
func (d *RuleDetail) IsWebSocket() bool {
	return d.Protocol == ProtocolWS || d.Protocol == ProtocolWSS
}

// Rewrite replaces the first match of the rewrite regex in path with the
// rewrite target. $1-style references in the target are expanded. Without a
// rewrite regex, or when it does not match, path is returned unchanged.
func (d *RuleDetail) Rewrite(path string) string {
	if d.rewrite == nil {
		return path
	}
	loc := d.rewrite.FindStringSubmatchIndex(path)
	if loc == nil {
		return path
	}
	expanded := d.rewrite.ExpandString(nil, d.RewriteTarget, path, loc)
	out := path[:loc[0]] + string(expanded) + path[loc[1]:]
	if out == "" {
		return "/"
	}
	return out
}

func newRuleDetail(pattern, serviceExpr, rewriteRegex, rewriteTarget string) (*RuleDetail, error) {
	detail, err := parseServiceExpr(serviceExpr)
	if err != nil {
		return nil, err
	}
	detail.Pattern = pattern
	detail.RewriteRegex = rewriteRegex
	detail.RewriteTarget = rewriteTarget

	if rewriteRegex != "" {
		re, err := regexp.Compile(rewriteRegex)
		if err != nil {
			return nil, &wrappedError{sentinel: ErrInvalidRewrite, cause: err}
		}
		detail.rewrite = re
	}
	return detail, nil
}

// parseServiceExpr parses "local" or scheme://serviceName[/extraPath].
// The scheme defaults to http.
func parseServiceExpr(expr string) (*RuleDetail, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, ErrEmptyService
	}
	if strings.EqualFold(expr, LocalService) {
		return &RuleDetail{IsLocal: true}, nil
	}

	if !strings.Contains(expr, "://") {
		expr = ProtocolHTTP + "://" + expr
	}
	u, err := url.Parse(expr)
	if err != nil {
		return nil, err
	}

	protocol := strings.ToLower(u.Scheme)
	switch protocol {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolWS, ProtocolWSS:
	default:
		return nil, ErrUnsupportedProtocol
	}
	if u.Host == "" {
		return nil, ErrMissingServiceName
	}

	return &RuleDetail{
		ServiceName: u.Host,
		Protocol:    protocol,
		ExtraPath:   strings.TrimRight(u.Path, "/"),
	}, nil
}

// wrappedError keeps both a package sentinel and the underlying cause
// reachable through errors.Is.
type wrappedError struct {
	sentinel error
	cause    error
}

func (e *wrappedError) Error() string {
	return e.sentinel.Error() + ": " + e.cause.Error()
}

func (e *wrappedError) Unwrap() []error {
	return []error{e.sentinel, e.cause}
}
