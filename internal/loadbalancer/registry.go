package loadbalancer

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/songzhibin97/relaygate/pkg/log"
)

// Registry keeps the node list of every service and hands out nodes in
// round-robin order.
//
// Node slices are copy-on-write: writers build a new slice under the write
// lock, readers take a snapshot under the read lock and advance the
// service cursor with a CAS loop outside it.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*serviceState
	logger   log.Logger
}

type serviceState struct {
	nodes  []*Node
	cursor atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for membership changes.
func WithLogger(logger log.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		services: make(map[string]*serviceState),
		logger:   log.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddServices appends urls to the node list of service, creating the service
// when needed. URLs already present (after normalization) are skipped.
func (r *Registry) AddServices(service string, urls ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.services[service]
	if !ok {
		state = &serviceState{}
		r.services[service] = state
	}

	nodes := make([]*Node, len(state.nodes), len(state.nodes)+len(urls))
	copy(nodes, state.nodes)
	added := 0
	for _, raw := range urls {
		u := NormalizeURL(raw)
		if u == "" || containsNode(nodes, u) {
			continue
		}
		nodes = append(nodes, &Node{URL: u})
		added++
	}
	state.nodes = nodes

	if added > 0 {
		r.logger.Debug("service nodes added",
			log.String("service", service),
			log.Int("added", added),
			log.Int("total", len(nodes)),
		)
	}
}

// AddServerNode is an alias of AddServices.
func (r *Registry) AddServerNode(service string, urls ...string) {
	r.AddServices(service, urls...)
}

// RemoveServiceNode removes url from service and resets the service cursor.
// It reports whether a node was removed.
func (r *Registry) RemoveServiceNode(service, url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.services[service]
	if !ok {
		return false
	}

	target := NormalizeURL(url)
	nodes := make([]*Node, 0, len(state.nodes))
	for _, n := range state.nodes {
		if n.URL != target {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == len(state.nodes) {
		return false
	}

	state.nodes = nodes
	state.cursor.Store(0)

	r.logger.Debug("service node removed",
		log.String("service", service),
		log.String("node", target),
		log.Int("total", len(nodes)),
	)
	return true
}

// SetServiceNodes replaces the node list of one service. An empty list keeps
// the service known with no nodes.
func (r *Registry) SetServiceNodes(service string, urls []string) {
	nodes := buildNodes(urls)

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.services[service]
	if !ok {
		state = &serviceState{}
		r.services[service] = state
	}
	if !sameNodes(state.nodes, nodes) {
		state.nodes = nodes
		state.cursor.Store(0)
	}
}

// ResetServiceNodes replaces the whole registry content.
func (r *Registry) ResetServiceNodes(services map[string][]string) {
	next := make(map[string]*serviceState, len(services))
	for name, urls := range services {
		next[name] = &serviceState{nodes: buildNodes(urls)}
	}

	r.mu.Lock()
	r.services = next
	r.mu.Unlock()

	r.logger.Info("service registry reset", log.Int("services", len(next)))
}

// LoadBalance returns the next node of service in round-robin order, or nil
// when the service is unknown or has no nodes.
func (r *Registry) LoadBalance(service string) *Node {
	r.mu.RLock()
	state, ok := r.services[service]
	var nodes []*Node
	if ok {
		nodes = state.nodes
	}
	r.mu.RUnlock()

	n := int64(len(nodes))
	if n == 0 {
		return nil
	}

	for {
		cur := state.cursor.Load()
		idx := cur % n
		if idx < 0 {
			idx = 0
		}
		if state.cursor.CompareAndSwap(cur, (idx+1)%n) {
			return nodes[idx]
		}
	}
}

// Nodes returns a copy of the node urls of service.
func (r *Registry) Nodes(service string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.services[service]
	if !ok {
		return nil
	}
	urls := make([]string, len(state.nodes))
	for i, n := range state.nodes {
		urls[i] = n.URL
	}
	return urls
}

// Services returns a snapshot of every service and its node urls.
func (r *Registry) Services() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.services))
	for name, state := range r.services {
		urls := make([]string, len(state.nodes))
		for i, n := range state.nodes {
			urls[i] = n.URL
		}
		out[name] = urls
	}
	return out
}

// ServiceNames returns the registered service names in sorted order.
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func buildNodes(urls []string) []*Node {
	nodes := make([]*Node, 0, len(urls))
	for _, raw := range urls {
		u := NormalizeURL(raw)
		if u == "" || containsNode(nodes, u) {
			continue
		}
		nodes = append(nodes, &Node{URL: u})
	}
	return nodes
}

func containsNode(nodes []*Node, url string) bool {
	for _, n := range nodes {
		if n.URL == url {
			return true
		}
	}
	return false
}

func sameNodes(a, b []*Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].URL != b[i].URL {
			return false
		}
	}
	return true
}
