package circuitbreaker

import "time"

// State represents the health of one endpoint as seen by the breaker
type State int

const (
	// StateHealthy - traffic flows, failures are counted within a window
	StateHealthy State = iota
	// StateTripped - traffic is blocked until the recover time elapses
	StateTripped
	// StateTrial - a sample of traffic is admitted to probe recovery
	StateTrial
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateTripped:
		return "TRIPPED"
	case StateTrial:
		return "TRIAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config represents circuit breaker configuration
type Config struct {
	// FailWindowTTL is the window in which consecutive failures are counted
	FailWindowTTL time.Duration `yaml:"fail_window_ttl"`

	// FailThreshold is the number of failures within the window that trips the endpoint
	FailThreshold int `yaml:"fail_threshold"`

	// RecoverTime is how long an endpoint stays tripped before a trial starts
	RecoverTime time.Duration `yaml:"recover_time"`

	// RecoverWindowTTL bounds the trial; a trial that has not recovered by then trips again
	RecoverWindowTTL time.Duration `yaml:"recover_window_ttl"`

	// RecoverPercent is the success ratio (0..1] a trial must reach to recover
	RecoverPercent float64 `yaml:"recover_percent"`

	// FailStatusCodes are upstream status codes the caller records as failures
	FailStatusCodes []int `yaml:"fail_status_codes"`

	// Timeout bounds a single upstream call
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() *Config {
	return &Config{
		FailWindowTTL:    10 * time.Second,
		FailThreshold:    5,
		RecoverTime:      30 * time.Second,
		RecoverWindowTTL: 10 * time.Second,
		RecoverPercent:   0.8,
		FailStatusCodes:  []int{500, 502, 503, 504},
		Timeout:          10 * time.Second,
	}
}

// HealthStatus is the bookkeeping kept per endpoint
type HealthStatus struct {
	State        State     `json:"state"`
	FailCount    int       `json:"fail_count"`
	SuccessCount int       `json:"success_count"`
	WindowStart  time.Time `json:"window_start"`
}
