package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/internal/discovery/driver/consul"
	"github.com/songzhibin97/relaygate/internal/discovery/driver/etcd"
	"github.com/songzhibin97/relaygate/internal/discovery/driver/kubernetes"
	"github.com/songzhibin97/relaygate/internal/discovery/driver/postgres"
	"github.com/songzhibin97/relaygate/internal/discovery/driver/redis"
	"github.com/songzhibin97/relaygate/internal/discovery/driver/static"
	"github.com/songzhibin97/relaygate/internal/loadbalancer"
	"github.com/songzhibin97/relaygate/pkg/discovery"
	"github.com/songzhibin97/relaygate/pkg/log"
)

// DriverNone disables discovery.
const DriverNone = "none"

var errWatchEnded = errors.New("watch ended")

// Manager keeps the node registry in sync with a discovery backend.
//
// Only services reported by the backend are touched. A service that leaves
// the backend keeps its name in the registry with an empty node list, so
// requests routed to it fail with "no node" rather than "not found".
type Manager struct {
	mu       sync.RWMutex
	drivers  map[string]discovery.Driver
	owned    map[string]struct{}
	config   config.DiscoveryConfig
	registry *loadbalancer.Registry
	clock    clock.Clock
	logger   log.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for retry backoff.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the manager logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDriver registers an additional driver, replacing a built-in one of the
// same name.
func WithDriver(d discovery.Driver) Option {
	return func(m *Manager) { m.drivers[d.Name()] = d }
}

// NewManager creates a manager writing into registry.
func NewManager(cfg config.DiscoveryConfig, registry *loadbalancer.Registry, opts ...Option) *Manager {
	m := &Manager{
		drivers:  make(map[string]discovery.Driver),
		owned:    make(map[string]struct{}),
		config:   cfg,
		registry: registry,
		clock:    clock.New(),
		logger:   log.NewNop(),
		ready:    make(chan struct{}),
	}
	m.registerBuiltinDrivers()
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) registerBuiltinDrivers() {
	for _, d := range []discovery.Driver{
		static.NewDriver(),
		etcd.NewDriver(),
		redis.NewDriver(),
		consul.NewDriver(),
		kubernetes.NewDriver(),
		postgres.NewDriver(),
	} {
		m.drivers[d.Name()] = d
	}
}

// RegisterDriver adds or replaces a driver.
func (m *Manager) RegisterDriver(d discovery.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.Name()] = d
}

// ListDrivers returns the registered driver names, sorted.
func (m *Manager) ListDrivers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.drivers))
	for name := range m.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ready is closed after the first snapshot was applied, or right away when
// discovery is disabled.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Services returns the names of the services currently fed by discovery.
func (m *Manager) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.owned))
	for name := range m.owned {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run opens the configured driver, applies its snapshot and follows its
// watch until ctx is done. A failed snapshot or broken watch is retried with
// exponential backoff; every retry starts from a fresh snapshot. Run returns
// an error only when the driver cannot be opened.
func (m *Manager) Run(ctx context.Context) error {
	name := m.config.Driver
	if name == "" || name == DriverNone {
		m.markReady()
		return nil
	}

	m.mu.RLock()
	driver, ok := m.drivers[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("discovery driver %s not found", name)
	}

	src, err := driver.Open(&m.config, m.logger.With(log.String("driver", name)))
	if err != nil {
		return fmt.Errorf("failed to open discovery driver %s: %w", name, err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			m.logger.Warn("failed to close discovery source", log.String("driver", name), log.Error(err))
		}
	}()

	m.logger.Info("discovery started", log.String("driver", name))

	backoff := m.retryInterval()
	for {
		synced, err := m.sync(ctx, src)
		if ctx.Err() != nil {
			m.logger.Info("discovery stopped", log.String("driver", name))
			return nil
		}
		if synced {
			backoff = m.retryInterval()
		}

		m.logger.Warn("discovery sync failed, retrying",
			log.String("driver", name),
			log.Error(err),
			log.Duration("retry_in", backoff),
		)

		timer := m.clock.Timer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("discovery stopped", log.String("driver", name))
			return nil
		case <-timer.C:
		}

		backoff *= 2
		if max := m.config.MaxRetryInterval; max > 0 && backoff > max {
			backoff = max
		}
	}
}

// sync applies one snapshot and follows the watch. synced reports whether
// the snapshot succeeded.
func (m *Manager) sync(ctx context.Context, src discovery.Source) (synced bool, err error) {
	services, err := src.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshot: %w", err)
	}
	m.apply(services)
	m.markReady()

	if err := src.Watch(ctx, m.handleEvent); err != nil {
		return true, fmt.Errorf("watch: %w", err)
	}
	return true, errWatchEnded
}

// apply replaces every discovered service with the snapshot content.
func (m *Manager) apply(services map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, urls := range services {
		m.registry.SetServiceNodes(name, urls)
		m.owned[name] = struct{}{}
	}
	for name := range m.owned {
		if _, ok := services[name]; !ok {
			m.registry.SetServiceNodes(name, nil)
			delete(m.owned, name)
		}
	}

	m.logger.Info("discovery snapshot applied", log.Int("services", len(services)))
}

func (m *Manager) handleEvent(ev *discovery.WatchEvent) {
	if ev == nil || ev.ServiceName == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case discovery.EventTypeServiceUpdated:
		m.registry.SetServiceNodes(ev.ServiceName, ev.URLs)
		m.owned[ev.ServiceName] = struct{}{}
	case discovery.EventTypeServiceRemoved:
		m.registry.SetServiceNodes(ev.ServiceName, nil)
		delete(m.owned, ev.ServiceName)
	default:
		m.logger.Warn("unknown discovery event", log.String("type", string(ev.Type)))
		return
	}

	m.logger.Debug("discovery event applied",
		log.String("type", string(ev.Type)),
		log.String("service", ev.ServiceName),
		log.Int("nodes", len(ev.URLs)),
	)
}

func (m *Manager) markReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

func (m *Manager) retryInterval() time.Duration {
	if m.config.RetryInterval > 0 {
		return m.config.RetryInterval
	}
	return time.Second
}
