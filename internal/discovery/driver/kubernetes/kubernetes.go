package kubernetes

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/discovery"
	"github.com/songzhibin97/relaygate/pkg/log"
	discoveryv1 "k8s.io/api/discovery/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// Source follows the EndpointSlices of one namespace. A service's nodes are
// the ready endpoints of all its slices.
type Source struct {
	clientset kubernetes.Interface
	namespace string
	allowed   map[string]bool
	portName  string
	scheme    string
	resync    time.Duration
	logger    log.Logger

	mu              sync.Mutex
	slices          map[string]slice
	resourceVersion string
}

type slice struct {
	service string
	urls    []string
}

// New creates a Source on top of clientset
func New(clientset kubernetes.Interface, cfg config.KubernetesDiscoveryConfig, logger log.Logger) *Source {
	if logger == nil {
		logger = log.NewNop()
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}
	var allowed map[string]bool
	if len(cfg.Services) > 0 {
		allowed = make(map[string]bool, len(cfg.Services))
		for _, name := range cfg.Services {
			allowed[name] = true
		}
	}
	return &Source{
		clientset: clientset,
		namespace: namespace,
		allowed:   allowed,
		portName:  cfg.PortName,
		scheme:    scheme,
		resync:    cfg.ResyncPeriod,
		logger:    logger,
		slices:    make(map[string]slice),
	}
}

// Snapshot lists the EndpointSlices of the namespace
func (s *Source) Snapshot(ctx context.Context) (map[string][]string, error) {
	list, err := s.clientset.DiscoveryV1().EndpointSlices(s.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list endpointslices: %w", err)
	}

	slices := make(map[string]slice, len(list.Items))
	for i := range list.Items {
		es := &list.Items[i]
		service := es.Labels[discoveryv1.LabelServiceName]
		if !s.tracked(service) {
			continue
		}
		slices[es.Name] = slice{service: service, urls: s.sliceURLs(es)}
	}

	s.mu.Lock()
	s.slices = slices
	s.resourceVersion = list.ResourceVersion
	services := s.servicesLocked()
	s.mu.Unlock()

	return services, nil
}

// Watch follows EndpointSlice changes from the last snapshot. With a resync
// period, the namespace is listed again periodically and the differences are
// reported too.
func (s *Source) Watch(ctx context.Context, callback discovery.WatchCallback) error {
	s.mu.Lock()
	rv := s.resourceVersion
	s.mu.Unlock()

	watcher, err := s.clientset.DiscoveryV1().EndpointSlices(s.namespace).Watch(ctx, metav1.ListOptions{
		ResourceVersion: rv,
	})
	if err != nil {
		return fmt.Errorf("failed to watch endpointslices: %w", err)
	}
	defer watcher.Stop()

	var resync <-chan time.Time
	if s.resync > 0 {
		ticker := time.NewTicker(s.resync)
		defer ticker.Stop()
		resync = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-resync:
			if err := s.resyncOnce(ctx, callback); err != nil {
				return err
			}
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return fmt.Errorf("endpointslices watch channel closed")
			}
			if err := s.handleEvent(event, callback); err != nil {
				return err
			}
		}
	}
}

// Close is a no-op; the clientset holds no resources of its own
func (s *Source) Close() error {
	return nil
}

func (s *Source) resyncOnce(ctx context.Context, callback discovery.WatchCallback) error {
	s.mu.Lock()
	before := s.servicesLocked()
	s.mu.Unlock()

	after, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, ev := range discovery.Diff(before, after) {
		callback(ev)
	}
	return nil
}

func (s *Source) handleEvent(event watch.Event, callback discovery.WatchCallback) error {
	if event.Type == watch.Error {
		return fmt.Errorf("endpointslices watch failed: %w", apierrors.FromObject(event.Object))
	}

	es, ok := event.Object.(*discoveryv1.EndpointSlice)
	if !ok {
		s.logger.Debug("ignoring unexpected watch object", log.String("type", fmt.Sprintf("%T", event.Object)))
		return nil
	}
	service := es.Labels[discoveryv1.LabelServiceName]
	if !s.tracked(service) {
		return nil
	}

	s.mu.Lock()
	before := s.serviceURLsLocked(service)
	_, known := s.knownLocked(service)
	switch event.Type {
	case watch.Added, watch.Modified:
		s.slices[es.Name] = slice{service: service, urls: s.sliceURLs(es)}
	case watch.Deleted:
		delete(s.slices, es.Name)
	default:
		s.mu.Unlock()
		return nil
	}
	if es.ResourceVersion != "" {
		s.resourceVersion = es.ResourceVersion
	}
	after := s.serviceURLsLocked(service)
	_, stillKnown := s.knownLocked(service)
	s.mu.Unlock()

	switch {
	case !stillKnown && known:
		callback(&discovery.WatchEvent{
			Type:        discovery.EventTypeServiceRemoved,
			ServiceName: service,
			Timestamp:   time.Now(),
		})
	case stillKnown && (!known || !equal(before, after)):
		callback(&discovery.WatchEvent{
			Type:        discovery.EventTypeServiceUpdated,
			ServiceName: service,
			URLs:        after,
			Timestamp:   time.Now(),
		})
	}
	return nil
}

func (s *Source) tracked(service string) bool {
	if service == "" {
		return false
	}
	return s.allowed == nil || s.allowed[service]
}

// sliceURLs returns scheme://address:port for every ready endpoint. The port
// is the one named portName, or the first port of the slice.
func (s *Source) sliceURLs(es *discoveryv1.EndpointSlice) []string {
	port := int32(0)
	for _, p := range es.Ports {
		if p.Port == nil {
			continue
		}
		if s.portName == "" || (p.Name != nil && *p.Name == s.portName) {
			port = *p.Port
			break
		}
	}
	if port == 0 {
		return nil
	}

	var urls []string
	for _, ep := range es.Endpoints {
		// an unknown ready state counts as ready
		if ep.Conditions.Ready != nil && !*ep.Conditions.Ready {
			continue
		}
		for _, addr := range ep.Addresses {
			host := addr
			if es.AddressType == discoveryv1.AddressTypeIPv6 {
				host = "[" + addr + "]"
			}
			urls = append(urls, s.scheme+"://"+host+":"+strconv.Itoa(int(port)))
		}
	}
	return urls
}

func (s *Source) knownLocked(service string) (slice, bool) {
	for _, sl := range s.slices {
		if sl.service == service {
			return sl, true
		}
	}
	return slice{}, false
}

func (s *Source) serviceURLsLocked(service string) []string {
	urls := make([]string, 0)
	for _, sl := range s.slices {
		if sl.service == service {
			urls = append(urls, sl.urls...)
		}
	}
	sort.Strings(urls)
	return urls
}

func (s *Source) servicesLocked() map[string][]string {
	services := make(map[string][]string)
	for _, sl := range s.slices {
		if _, ok := services[sl.service]; !ok {
			services[sl.service] = s.serviceURLsLocked(sl.service)
		}
	}
	return services
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
