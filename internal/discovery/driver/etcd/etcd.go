package etcd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/relaygate/pkg/discovery"
	"github.com/songzhibin97/relaygate/pkg/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Source reads services from keys laid out as <prefix><service>/<node-id>,
// each holding one node URL.
type Source struct {
	client *clientv3.Client
	prefix string
	logger log.Logger

	mu       sync.Mutex
	index    *index
	revision int64
}

// New creates a Source on top of client. The client is closed by Close.
func New(client *clientv3.Client, prefix string, logger log.Logger) *Source {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Source{
		client: client,
		prefix: prefix,
		logger: logger,
		index:  newIndex(prefix),
	}
}

// Snapshot reads every key under the prefix
func (s *Source) Snapshot(ctx context.Context) (map[string][]string, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.prefix, err)
	}

	idx := newIndex(s.prefix)
	for _, kv := range resp.Kvs {
		idx.put(string(kv.Key), string(kv.Value))
	}

	s.mu.Lock()
	s.index = idx
	s.revision = resp.Header.Revision
	s.mu.Unlock()

	return idx.services(), nil
}

// Watch follows the prefix from the revision after the last snapshot. A
// compacted revision ends the watch with an error so the caller resyncs.
func (s *Source) Watch(ctx context.Context, callback discovery.WatchCallback) error {
	s.mu.Lock()
	rev := s.revision
	s.mu.Unlock()

	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	for resp := range s.client.Watch(wctx, s.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1)) {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("etcd watch failed: %w", err)
		}

		changed := make(map[string]bool)
		s.mu.Lock()
		for _, ev := range resp.Events {
			var service string
			switch ev.Type {
			case clientv3.EventTypePut:
				service = s.index.put(string(ev.Kv.Key), string(ev.Kv.Value))
			case clientv3.EventTypeDelete:
				service = s.index.delete(string(ev.Kv.Key))
			}
			if service != "" {
				changed[service] = true
			}
		}
		s.revision = resp.Header.Revision
		events := s.index.events(changed)
		s.mu.Unlock()

		for _, ev := range events {
			callback(ev)
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("etcd watch channel closed")
}

// Close closes the etcd client
func (s *Source) Close() error {
	return s.client.Close()
}

// index maps service -> key -> url
type index struct {
	prefix string
	nodes  map[string]map[string]string
}

func newIndex(prefix string) *index {
	return &index{prefix: prefix, nodes: make(map[string]map[string]string)}
}

// serviceOf extracts the service from <prefix><service>/<id>
func (i *index) serviceOf(key string) string {
	rest, ok := strings.CutPrefix(key, i.prefix)
	if !ok {
		return ""
	}
	service, id, ok := strings.Cut(rest, "/")
	if !ok || service == "" || id == "" {
		return ""
	}
	return service
}

// put records a node and returns its service, or "" for keys outside the layout
func (i *index) put(key, url string) string {
	service := i.serviceOf(key)
	if service == "" {
		return ""
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return i.delete(key)
	}
	if i.nodes[service] == nil {
		i.nodes[service] = make(map[string]string)
	}
	i.nodes[service][key] = url
	return service
}

func (i *index) delete(key string) string {
	service := i.serviceOf(key)
	nodes, ok := i.nodes[service]
	if !ok {
		return ""
	}
	delete(nodes, key)
	if len(nodes) == 0 {
		delete(i.nodes, service)
	}
	return service
}

func (i *index) urls(service string) []string {
	urls := make([]string, 0, len(i.nodes[service]))
	for _, u := range i.nodes[service] {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

func (i *index) services() map[string][]string {
	out := make(map[string][]string, len(i.nodes))
	for service := range i.nodes {
		out[service] = i.urls(service)
	}
	return out
}

// events reports the current state of every changed service
func (i *index) events(changed map[string]bool) []*discovery.WatchEvent {
	names := make([]string, 0, len(changed))
	for name := range changed {
		names = append(names, name)
	}
	sort.Strings(names)

	now := time.Now()
	events := make([]*discovery.WatchEvent, 0, len(names))
	for _, name := range names {
		if _, ok := i.nodes[name]; !ok {
			events = append(events, &discovery.WatchEvent{
				Type:        discovery.EventTypeServiceRemoved,
				ServiceName: name,
				Timestamp:   now,
			})
			continue
		}
		events = append(events, &discovery.WatchEvent{
			Type:        discovery.EventTypeServiceUpdated,
			ServiceName: name,
			URLs:        i.urls(name),
			Timestamp:   now,
		})
	}
	return events
}
