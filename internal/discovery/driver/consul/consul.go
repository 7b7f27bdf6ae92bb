package consul

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/discovery"
	"github.com/songzhibin97/relaygate/pkg/log"
)

const defaultWaitTime = 30 * time.Second

// Source reads the passing instances of catalog services. The catalog is
// followed with blocking queries; every time a query returns, changed or
// timed out, health is read again, so a failing check is noticed within one
// wait time.
type Source struct {
	client   *consulapi.Client
	tag      string
	waitTime time.Duration
	logger   log.Logger

	mu        sync.Mutex
	services  map[string][]string
	lastIndex uint64
}

// New creates a Source on top of client
func New(client *consulapi.Client, cfg config.ConsulDiscoveryConfig, logger log.Logger) *Source {
	if logger == nil {
		logger = log.NewNop()
	}
	waitTime := cfg.WaitTime
	if waitTime <= 0 {
		waitTime = defaultWaitTime
	}
	return &Source{
		client:   client,
		tag:      cfg.Tag,
		waitTime: waitTime,
		logger:   logger,
		services: make(map[string][]string),
	}
}

// Snapshot reads the catalog and the passing instances of every service
func (s *Source) Snapshot(ctx context.Context) (map[string][]string, error) {
	names, index, err := s.catalog(ctx, 0)
	if err != nil {
		return nil, err
	}
	services, err := s.healthy(ctx, names)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.services = services
	s.lastIndex = index
	s.mu.Unlock()

	return copyServices(services), nil
}

// Watch runs blocking catalog queries until ctx is done
func (s *Source) Watch(ctx context.Context, callback discovery.WatchCallback) error {
	s.mu.Lock()
	waitIndex := s.lastIndex
	s.mu.Unlock()

	for {
		names, index, err := s.catalog(ctx, waitIndex)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		// the index may go backwards after a snapshot restore
		if index < waitIndex {
			index = 0
		}
		if index != waitIndex {
			s.logger.Debug("consul catalog changed", log.Int64("index", int64(index)))
		}
		waitIndex = index

		services, err := s.healthy(ctx, names)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.mu.Lock()
		events := discovery.Diff(s.services, services)
		s.services = services
		s.lastIndex = waitIndex
		s.mu.Unlock()

		for _, ev := range events {
			callback(ev)
		}
	}
}

// Close is a no-op; the Consul client keeps no connection state worth closing
func (s *Source) Close() error {
	return nil
}

// catalog returns the service names carrying the configured tag
func (s *Source) catalog(ctx context.Context, waitIndex uint64) ([]string, uint64, error) {
	q := (&consulapi.QueryOptions{
		WaitIndex: waitIndex,
		WaitTime:  s.waitTime,
	}).WithContext(ctx)

	mapping, meta, err := s.client.Catalog().Services(q)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch consul catalog: %w", err)
	}

	names := make([]string, 0, len(mapping))
	for name, tags := range mapping {
		if name == "consul" || (s.tag != "" && !contains(tags, s.tag)) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, meta.LastIndex, nil
}

// healthy reads the passing instances of each service. Services without a
// passing instance are left out.
func (s *Source) healthy(ctx context.Context, names []string) (map[string][]string, error) {
	services := make(map[string][]string, len(names))
	for _, name := range names {
		entries, _, err := s.client.Health().Service(name, s.tag, true, (&consulapi.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch healthy entries of %s: %w", name, err)
		}
		urls := make([]string, 0, len(entries))
		for _, e := range entries {
			if u := entryURL(e); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) == 0 {
			s.logger.Debug("service has no healthy instances", log.String("service", name))
			continue
		}
		sort.Strings(urls)
		services[name] = urls
	}
	return services, nil
}

// entryURL builds scheme://address:port, taking the scheme from the "scheme"
// service meta and falling back to the node address.
func entryURL(e *consulapi.ServiceEntry) string {
	if e == nil || e.Service == nil || e.Service.Port <= 0 {
		return ""
	}
	addr := e.Service.Address
	if addr == "" && e.Node != nil {
		addr = e.Node.Address
	}
	if addr == "" {
		return ""
	}
	scheme := e.Service.Meta["scheme"]
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + addr + ":" + strconv.Itoa(e.Service.Port)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func copyServices(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
