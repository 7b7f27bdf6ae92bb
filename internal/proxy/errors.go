package proxy

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/internal/router"
)

var (
	// ErrGatewayInactive is returned before the rule manager is activated
	ErrGatewayInactive = errors.New("gateway unavailable")

	// ErrServiceNotFound is returned when no rule matches the request path
	ErrServiceNotFound = errors.New("service not found")

	// ErrNoNode is returned when the matched service has no registered node
	ErrNoNode = errors.New("no node available")

	// ErrBreakerOpen is returned when the circuit breaker rejects the target
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrFilterRejected is returned when a filter stops the request without
	// writing a response itself
	ErrFilterRejected = errors.New("request rejected")

	// ErrFilterFailed wraps errors raised by the filter chain
	ErrFilterFailed = errors.New("filter chain failed")
)

// UpstreamError describes a failed call to a selected node.
type UpstreamError struct {
	Target string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Target, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// statusTable maps dispatch errors to response codes.
type statusTable struct {
	unavailable     int
	serviceNotFound int
	noNode          int
	breakerOpen     int
	upstream        int
	ruleConflict    int
	filterRejected  int
}

func newStatusTable(cfg config.ErrorStatusesConfig) statusTable {
	pick := func(v, def int) int {
		if v >= 100 && v <= 599 {
			return v
		}
		return def
	}
	return statusTable{
		unavailable:     pick(cfg.Unavailable, http.StatusServiceUnavailable),
		serviceNotFound: pick(cfg.ServiceNotFound, http.StatusBadGateway),
		noNode:          pick(cfg.NoNode, http.StatusBadGateway),
		breakerOpen:     pick(cfg.BreakerOpen, http.StatusServiceUnavailable),
		upstream:        pick(cfg.Upstream, http.StatusBadGateway),
		ruleConflict:    pick(cfg.RuleConflict, http.StatusInternalServerError),
		filterRejected:  pick(cfg.FilterRejected, http.StatusForbidden),
	}
}

// classify returns the response code and the metrics reason for err.
func (t statusTable) classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrGatewayInactive):
		return t.unavailable, "inactive"
	case errors.Is(err, ErrServiceNotFound):
		return t.serviceNotFound, "service_not_found"
	case errors.Is(err, ErrNoNode):
		return t.noNode, "no_node"
	case errors.Is(err, ErrBreakerOpen):
		return t.breakerOpen, "breaker_open"
	case errors.Is(err, router.ErrDuplicateRule):
		return t.ruleConflict, "rule_conflict"
	case errors.Is(err, ErrFilterRejected):
		return t.filterRejected, "filter_rejected"
	case errors.Is(err, ErrFilterFailed):
		return http.StatusInternalServerError, "filter_error"
	default:
		return t.upstream, "upstream"
	}
}
