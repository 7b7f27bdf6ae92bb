package config

import "time"

// Config represents the complete configuration structure
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Admin          AdminConfig          `yaml:"admin"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Services       map[string][]string  `yaml:"services"`
	Rules          []RuleConfig         `yaml:"rules"`
	Filters        FiltersConfig        `yaml:"filters"`
	Discovery      DiscoveryConfig      `yaml:"discovery"`
	Logging        LoggingConfig        `yaml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Tracing        TracingConfig        `yaml:"tracing"`
}

// ServerConfig represents the gateway listener configuration
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// H2C serves cleartext HTTP/2 next to HTTP/1.1 on the same port.
	H2C               bool          `yaml:"h2c"`
}

// AdminConfig represents the admin API server configuration
type AdminConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Token, when set, is required as a bearer token on /admin routes.
	Token        string        `yaml:"token"`
}

// GatewayConfig represents dispatcher behaviour
type GatewayConfig struct {
	LocalFirst    bool                `yaml:"local_first"`
	FilterMode    string              `yaml:"filter_mode"`
	FilterWorkers int                 `yaml:"filter_workers"`
	ErrorStatuses ErrorStatusesConfig `yaml:"error_statuses"`
}

// ErrorStatusesConfig overrides the status codes written by the dispatcher.
// Zero values keep the built-in defaults.
type ErrorStatusesConfig struct {
	Unavailable     int `yaml:"unavailable"`
	ServiceNotFound int `yaml:"service_not_found"`
	NoNode          int `yaml:"no_node"`
	BreakerOpen     int `yaml:"breaker_open"`
	Upstream        int `yaml:"upstream"`
	RuleConflict    int `yaml:"rule_conflict"`
	FilterRejected  int `yaml:"filter_rejected"`
}

// ProxyConfig represents upstream transport configuration
type ProxyConfig struct {
	BufferSize            int             `yaml:"buffer_size"`
	ConnectTimeout        time.Duration   `yaml:"connect_timeout"`
	KeepAlive             time.Duration   `yaml:"keep_alive"`
	ResponseHeaderTimeout time.Duration   `yaml:"response_header_timeout"`
	IdleConnTimeout       time.Duration   `yaml:"idle_conn_timeout"`
	MaxIdleConns          int             `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int             `yaml:"max_idle_conns_per_host"`
	WebSocket             WebSocketConfig `yaml:"websocket"`
}

// WebSocketConfig represents ws/wss relay configuration
type WebSocketConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size"`
}

// CircuitBreakerConfig represents per-endpoint breaker configuration
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailWindowTTL    time.Duration `yaml:"fail_window_ttl"`
	FailThreshold    int           `yaml:"fail_threshold"`
	RecoverTime      time.Duration `yaml:"recover_time"`
	RecoverWindowTTL time.Duration `yaml:"recover_window_ttl"`
	RecoverPercent   float64       `yaml:"recover_percent"`
	FailStatusCodes  []int         `yaml:"fail_status_codes"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RuleConfig represents one routing rule
type RuleConfig struct {
	Pattern       string `yaml:"pattern"`
	Service       string `yaml:"service"`
	RewriteRegex  string `yaml:"rewrite_regex"`
	RewriteTarget string `yaml:"rewrite_target"`
}

// FiltersConfig represents the built-in pre-forward filters
type FiltersConfig struct {
	IPACL     IPACLConfig     `yaml:"ip_acl"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	JWT       JWTConfig       `yaml:"jwt"`
	APIKey    APIKeyConfig    `yaml:"api_key"`
	WASM      WASMConfig      `yaml:"wasm"`
}

// IPACLConfig represents IP access control configuration. Entries are CIDR
// blocks or single addresses.
type IPACLConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Whitelist      []string `yaml:"whitelist"`
	Blacklist      []string `yaml:"blacklist"`
	// TrustForwarded takes the client address from X-Forwarded-For and
	// X-Real-IP instead of the connection.
	TrustForwarded bool     `yaml:"trust_forwarded"`
}

// RateLimitConfig represents request rate limiting configuration
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	// Strategy is token_bucket (in memory) or fixed_window (shared through redis).
	Strategy        string        `yaml:"strategy"`
	// Identifier selects the bucket key: ip or consumer.
	Identifier      string        `yaml:"identifier"`
	Rate            float64       `yaml:"rate"`
	Burst           int           `yaml:"burst"`
	WindowSize      time.Duration `yaml:"window_size"`
	MaxRequests     int           `yaml:"max_requests"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Redis           RedisConfig   `yaml:"redis"`
}

// RedisConfig represents a redis connection
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// JWTConfig represents JWT authentication configuration
type JWTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Secret    string `yaml:"secret"`
	Algorithm string `yaml:"algorithm"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
	Header    string `yaml:"header"`
}

// APIKeyConfig represents API key authentication configuration
type APIKeyConfig struct {
	Enabled bool              `yaml:"enabled"`
	Header  string            `yaml:"header"`
	Query   string            `yaml:"query"`
	// Keys maps a consumer name to the bcrypt hash of its key.
	Keys    map[string]string `yaml:"keys"`
}

// WASMConfig represents WebAssembly filter configuration
type WASMConfig struct {
	Enabled bool               `yaml:"enabled"`
	Modules []WASMModuleConfig `yaml:"modules"`
}

// WASMModuleConfig represents a single WebAssembly filter module
type WASMModuleConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// DiscoveryConfig represents service discovery configuration
type DiscoveryConfig struct {
	Driver           string                    `yaml:"driver"`
	RetryInterval    time.Duration             `yaml:"retry_interval"`
	MaxRetryInterval time.Duration             `yaml:"max_retry_interval"`
	Static           StaticDiscoveryConfig     `yaml:"static"`
	Etcd             EtcdDiscoveryConfig       `yaml:"etcd"`
	Redis            RedisDiscoveryConfig      `yaml:"redis"`
	Consul           ConsulDiscoveryConfig     `yaml:"consul"`
	Kubernetes       KubernetesDiscoveryConfig `yaml:"kubernetes"`
	Postgres         PostgresDiscoveryConfig   `yaml:"postgres"`
}

// StaticDiscoveryConfig reads services from a YAML file
type StaticDiscoveryConfig struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// EtcdDiscoveryConfig represents etcd discovery configuration
type EtcdDiscoveryConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RedisDiscoveryConfig represents redis discovery configuration
type RedisDiscoveryConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	Channel   string `yaml:"channel"`
}

// ConsulDiscoveryConfig represents consul discovery configuration
type ConsulDiscoveryConfig struct {
	Address    string        `yaml:"address"`
	Token      string        `yaml:"token"`
	Datacenter string        `yaml:"datacenter"`
	Scheme     string        `yaml:"scheme"`
	WaitTime   time.Duration `yaml:"wait_time"`
	// Tag limits the catalog to services carrying this tag.
	Tag        string        `yaml:"tag"`
}

// KubernetesDiscoveryConfig represents kubernetes discovery configuration
type KubernetesDiscoveryConfig struct {
	Kubeconfig   string        `yaml:"kubeconfig"`
	Namespace    string        `yaml:"namespace"`
	Services     []string      `yaml:"services"`
	PortName     string        `yaml:"port_name"`
	Scheme       string        `yaml:"scheme"`
	ResyncPeriod time.Duration `yaml:"resync_period"`
}

// PostgresDiscoveryConfig represents postgres discovery configuration
type PostgresDiscoveryConfig struct {
	DSN           string        `yaml:"dsn"`
	// MigrationPath replaces the built-in migrations, e.g. file://migrations.
	MigrationPath string        `yaml:"migration_path"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Caller     bool   `yaml:"caller"`
	Stacktrace bool   `yaml:"stacktrace"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled bool         `yaml:"enabled"`
	Jaeger  JaegerConfig `yaml:"jaeger"`
}

// JaegerConfig represents Jaeger configuration
type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}
