package controller

import (
	"crypto/subtle"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/songzhibin97/relaygate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/relaygate/internal/loadbalancer"
	"github.com/songzhibin97/relaygate/internal/router"
	"github.com/songzhibin97/relaygate/pkg/log"
)

// Gateway is the part of the dispatcher the admin API reads and edits.
type Gateway interface {
	Rules() *router.Manager
	Registry() *loadbalancer.Registry
	Breaker() *circuitbreaker.Breaker
}

// HealthCheck reports a non-nil error while a dependency is not ready.
type HealthCheck func() error

// Handler serves the admin API
type Handler struct {
	gateway Gateway
	token   string
	checks  map[string]HealthCheck
	metrics     http.Handler
	metricsPath string
	logger      log.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithToken requires "Authorization: Bearer <token>" on /admin routes.
func WithToken(token string) HandlerOption {
	return func(h *Handler) { h.token = token }
}

// WithHealthCheck adds a named readiness check to /health.
func WithHealthCheck(name string, check HealthCheck) HandlerOption {
	return func(h *Handler) { h.checks[name] = check }
}

// WithMetricsHandler serves handler on path, /metrics when empty.
func WithMetricsHandler(path string, handler http.Handler) HandlerOption {
	return func(h *Handler) {
		if path == "" {
			path = "/metrics"
		}
		h.metricsPath = path
		h.metrics = handler
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger log.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates the admin handler for gateway
func NewHandler(gateway Gateway, opts ...HandlerOption) *Handler {
	h := &Handler{
		gateway: gateway,
		checks:  make(map[string]HealthCheck),
		logger:  log.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the admin routes on r
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.GetHealth)
	if h.metrics != nil {
		r.GET(h.metricsPath, gin.WrapH(h.metrics))
	}

	admin := r.Group("/admin")
	admin.Use(h.authenticate())
	{
		admin.GET("/services", h.ListServices)
		admin.GET("/services/:name", h.GetService)
		admin.POST("/services/:name/nodes", h.AddNodes)
		admin.DELETE("/services/:name/nodes", h.RemoveNode)
		admin.GET("/rules", h.ListRules)
		admin.GET("/breakers", h.ListBreakers)
	}
}

func (h *Handler) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.token == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "a valid bearer token is required",
			})
			return
		}
		c.Next()
	}
}

// GetHealth handles GET /health. The gateway is healthy once its rules are
// active and every registered check passes.
func (h *Handler) GetHealth(c *gin.Context) {
	status := http.StatusOK
	checks := make(gin.H, len(h.checks)+1)

	state := h.gateway.Rules().State()
	checks["rules"] = state.String()
	if state != router.Active {
		status = http.StatusServiceUnavailable
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	result := "healthy"
	if status != http.StatusOK {
		result = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    result,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

// ListServices handles GET /admin/services
func (h *Handler) ListServices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": h.gateway.Registry().Services()})
}

// GetService handles GET /admin/services/:name
func (h *Handler) GetService(c *gin.Context) {
	name := c.Param("name")
	nodes, ok := h.gateway.Registry().Services()[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "service " + name + " is not registered",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "nodes": nodes})
}

type addNodesRequest struct {
	URLs []string `json:"urls" binding:"required,min=1,dive,required"`
}

// AddNodes handles POST /admin/services/:name/nodes
func (h *Handler) AddNodes(c *gin.Context) {
	name := c.Param("name")

	var req addNodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	registry := h.gateway.Registry()
	registry.AddServices(name, req.URLs...)
	h.logger.Info("service nodes added via admin api",
		log.String("service", name),
		log.Strings("urls", req.URLs),
	)

	c.JSON(http.StatusCreated, gin.H{"name": name, "nodes": registry.Nodes(name)})
}

// RemoveNode handles DELETE /admin/services/:name/nodes?url=
func (h *Handler) RemoveNode(c *gin.Context) {
	name := c.Param("name")
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url query parameter is required",
		})
		return
	}

	registry := h.gateway.Registry()
	if !registry.RemoveServiceNode(name, url) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "node " + url + " is not registered for service " + name,
		})
		return
	}
	h.logger.Info("service node removed via admin api",
		log.String("service", name),
		log.String("url", url),
	)

	c.JSON(http.StatusOK, gin.H{"name": name, "nodes": registry.Nodes(name)})
}

// ListRules handles GET /admin/rules
func (h *Handler) ListRules(c *gin.Context) {
	rules := h.gateway.Rules()
	c.JSON(http.StatusOK, gin.H{
		"state":       rules.State().String(),
		"local_first": rules.LocalFirst(),
		"rules":       rules.Rules(),
	})
}

// ListBreakers handles GET /admin/breakers
func (h *Handler) ListBreakers(c *gin.Context) {
	breaker := h.gateway.Breaker()
	if breaker == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "endpoints": []circuitbreaker.EndpointStatus{}})
		return
	}
	endpoints := breaker.Snapshot()
	if endpoints == nil {
		endpoints = []circuitbreaker.EndpointStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "endpoints": endpoints})
}
