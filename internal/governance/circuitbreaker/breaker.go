package circuitbreaker

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/songzhibin97/relaygate/pkg/log"
)

// StateChangeFunc is called after an endpoint changes state. It runs while
// the endpoint lock is held and must not call back into the Breaker.
type StateChangeFunc func(endpoint string, from, to State)

// Breaker tracks the health of upstream endpoints, keyed by normalized URI.
// Entries are created on the first failure and are never evicted.
type Breaker struct {
	config    Config
	failCodes map[int]struct{}
	endpoints sync.Map // string -> *endpoint

	clock         clock.Clock
	logger        log.Logger
	onStateChange StateChangeFunc

	// admit samples trial traffic.
	admit func() bool
}

type endpoint struct {
	mu     sync.Mutex
	status HealthStatus
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger sets the logger used for state changes.
func WithLogger(logger log.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStateChangeCallback registers fn to observe state changes.
func WithStateChangeCallback(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// New creates a breaker. A nil config uses DefaultConfig.
func New(config *Config, opts ...Option) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	b := &Breaker{
		config:    *config,
		failCodes: make(map[int]struct{}, len(config.FailStatusCodes)),
		clock:     clock.New(),
		logger:    log.NewNop(),
		admit:     func() bool { return rand.Intn(2) == 0 },
	}
	for _, code := range config.FailStatusCodes {
		b.failCodes[code] = struct{}{}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns a copy of the breaker configuration.
func (b *Breaker) Config() Config {
	return b.config
}

// Timeout returns the upper bound for a single upstream call.
func (b *Breaker) Timeout() time.Duration {
	return b.config.Timeout
}

// IsFailStatus reports whether an upstream status code counts as a failure.
func (b *Breaker) IsFailStatus(code int) bool {
	_, ok := b.failCodes[code]
	return ok
}

// NormalizeKey strips the query string, fragment and trailing slash from uri.
func NormalizeKey(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	return strings.TrimRight(uri, "/")
}

// SetFail records a failed call to uri.
func (b *Breaker) SetFail(uri string) {
	key := NormalizeKey(uri)
	ep := b.loadOrCreate(key)

	ep.mu.Lock()
	defer ep.mu.Unlock()

	now := b.clock.Now()
	s := &ep.status
	if s.State == StateHealthy {
		if now.Sub(s.WindowStart) > b.config.FailWindowTTL {
			// stale window: start over, this failure is not counted
			s.WindowStart = now
			s.FailCount = 0
			return
		}
		s.FailCount++
		if s.FailCount >= b.config.FailThreshold {
			b.transition(key, s, StateTripped, now)
		}
		return
	}

	// the call that promotes a tripped endpoint is the first trial outcome
	if s.State == StateTripped && !b.tryPromote(key, s, now) {
		return
	}
	s.FailCount++
	b.settleTrial(key, s, now)
}

// SetSuccess records a successful call to uri.
func (b *Breaker) SetSuccess(uri string) {
	key := NormalizeKey(uri)
	v, ok := b.endpoints.Load(key)
	if !ok {
		return
	}
	ep := v.(*endpoint)

	ep.mu.Lock()
	defer ep.mu.Unlock()

	now := b.clock.Now()
	s := &ep.status
	switch s.State {
	case StateHealthy:
		return
	case StateTripped:
		if !b.tryPromote(key, s, now) {
			return
		}
	}
	s.SuccessCount++
	b.settleTrial(key, s, now)
}

// IsAllow reports whether a call to uri may proceed. The call that moves a
// tripped endpoint into trial is always admitted.
func (b *Breaker) IsAllow(uri string) bool {
	key := NormalizeKey(uri)
	v, ok := b.endpoints.Load(key)
	if !ok {
		return true
	}
	ep := v.(*endpoint)

	ep.mu.Lock()
	defer ep.mu.Unlock()

	s := &ep.status
	switch s.State {
	case StateTripped:
		return b.tryPromote(key, s, b.clock.Now())
	case StateTrial:
		return b.admit()
	default:
		return true
	}
}

// Status returns the bookkeeping of uri, if any.
func (b *Breaker) Status(uri string) (HealthStatus, bool) {
	v, ok := b.endpoints.Load(NormalizeKey(uri))
	if !ok {
		return HealthStatus{}, false
	}
	ep := v.(*endpoint)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.status, true
}

// EndpointStatus pairs an endpoint with its status.
type EndpointStatus struct {
	Endpoint string `json:"endpoint"`
	HealthStatus
}

// Snapshot returns the status of every tracked endpoint, sorted by endpoint.
func (b *Breaker) Snapshot() []EndpointStatus {
	var out []EndpointStatus
	b.endpoints.Range(func(k, v any) bool {
		ep := v.(*endpoint)
		ep.mu.Lock()
		out = append(out, EndpointStatus{Endpoint: k.(string), HealthStatus: ep.status})
		ep.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func (b *Breaker) loadOrCreate(key string) *endpoint {
	if v, ok := b.endpoints.Load(key); ok {
		return v.(*endpoint)
	}
	fresh := &endpoint{status: HealthStatus{State: StateHealthy, WindowStart: b.clock.Now()}}
	v, _ := b.endpoints.LoadOrStore(key, fresh)
	return v.(*endpoint)
}

// tryPromote moves a tripped endpoint to trial once RecoverTime has elapsed
// and reports whether the endpoint is now in trial. Callers hold the lock.
func (b *Breaker) tryPromote(key string, s *HealthStatus, now time.Time) bool {
	if now.Sub(s.WindowStart) < b.config.RecoverTime {
		return false
	}
	b.transition(key, s, StateTrial, now)
	return true
}

func (b *Breaker) settleTrial(key string, s *HealthStatus, now time.Time) {
	total := s.SuccessCount + s.FailCount
	ratio := float64(s.SuccessCount) / float64(total)
	if ratio >= b.config.RecoverPercent {
		b.transition(key, s, StateHealthy, now)
		return
	}
	if now.Sub(s.WindowStart) > b.config.RecoverWindowTTL {
		b.transition(key, s, StateTripped, now)
	}
}

// transition resets the counters and starts a new window in state to.
func (b *Breaker) transition(key string, s *HealthStatus, to State, now time.Time) {
	from := s.State
	s.State = to
	s.FailCount = 0
	s.SuccessCount = 0
	s.WindowStart = now

	fields := []log.Field{
		log.String("endpoint", key),
		log.String("from", from.String()),
		log.String("to", to.String()),
	}
	if to == StateTripped {
		b.logger.Warn("circuit breaker state changed", fields...)
	} else {
		b.logger.Info("circuit breaker state changed", fields...)
	}

	if b.onStateChange != nil {
		b.onStateChange(key, from, to)
	}
}
