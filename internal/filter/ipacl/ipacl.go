package ipacl

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/internal/filter"
	"github.com/songzhibin97/relaygate/pkg/log"
)

// Result describes one access decision
type Result struct {
	Allowed     bool
	Reason      string
	MatchedRule string
	ClientIP    string
}

// Stats counts access decisions
type Stats struct {
	Total   int64 `json:"total"`
	Allowed int64 `json:"allowed"`
	Blocked int64 `json:"blocked"`
}

// ACL allows or blocks requests by client address. Whitelist entries win over
// blacklist entries; a non-empty whitelist blocks every address it does not
// contain.
type ACL struct {
	whitelist      []*net.IPNet
	blacklist      []*net.IPNet
	trustForwarded bool

	total   atomic.Int64
	allowed atomic.Int64
	blocked atomic.Int64
}

// New parses the configured lists
func New(cfg *config.IPACLConfig) (*ACL, error) {
	whitelist, err := parseList(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("failed to parse whitelist: %w", err)
	}
	blacklist, err := parseList(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("failed to parse blacklist: %w", err)
	}
	return &ACL{
		whitelist:      whitelist,
		blacklist:      blacklist,
		trustForwarded: cfg.TrustForwarded,
	}, nil
}

func parseList(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP address: %s", entry)
			}
			if ip.To4() != nil {
				entry += "/32"
			} else {
				entry += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %s: %w", entry, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// Check decides whether clientIP may pass
func (a *ACL) Check(clientIP string) Result {
	result := Result{ClientIP: clientIP, Allowed: true, Reason: "no restrictions"}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		result.Allowed = false
		result.Reason = "invalid IP address"
		return result
	}

	for _, n := range a.whitelist {
		if n.Contains(ip) {
			result.Reason = "whitelisted"
			result.MatchedRule = n.String()
			return result
		}
	}
	for _, n := range a.blacklist {
		if n.Contains(ip) {
			result.Allowed = false
			result.Reason = "blacklisted"
			result.MatchedRule = n.String()
			return result
		}
	}
	if len(a.whitelist) > 0 {
		result.Allowed = false
		result.Reason = "not in whitelist"
	}
	return result
}

// Stats returns the decision counters
func (a *ACL) Stats() Stats {
	return Stats{
		Total:   a.total.Load(),
		Allowed: a.allowed.Load(),
		Blocked: a.blocked.Load(),
	}
}

// Filter rejects blocked clients with 403 and passes the client address
// upstream in X-Client-IP.
func (a *ACL) Filter(logger log.Logger) filter.SyncFilter {
	if logger == nil {
		logger = log.NewNop()
	}
	return func(ex *filter.Exchange) (bool, error) {
		result := a.Check(ClientIP(ex.Request, a.trustForwarded))
		a.total.Add(1)
		if !result.Allowed {
			a.blocked.Add(1)
			logger.WithContext(ex.Request.Context()).Info("request blocked by ip acl",
				log.String("client_ip", result.ClientIP),
				log.String("reason", result.Reason),
				log.String("rule", result.MatchedRule),
			)
			ex.Response.Header().Set("X-Blocked-By", "ip-acl")
			ex.Response.Reject(http.StatusForbidden, "access denied")
			return false, nil
		}
		a.allowed.Add(1)
		ex.Request.Header.Set("X-Client-IP", result.ClientIP)
		return true, nil
	}
}

// ClientIP returns the address of the client that sent r. With trustForwarded
// the first X-Forwarded-For hop or X-Real-IP is preferred over the connection.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
