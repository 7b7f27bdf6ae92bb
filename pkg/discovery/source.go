package discovery

import (
	"context"
	"sort"
	"time"

	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/log"
)

// Source reports the node URLs of services held by a discovery backend.
type Source interface {
	// Snapshot returns every service the backend knows with its node URLs.
	Snapshot(ctx context.Context) (map[string][]string, error)

	// Watch blocks until ctx is done or the watch breaks, calling callback
	// for every change seen after the last Snapshot. It returns nil only
	// when ctx is done.
	Watch(ctx context.Context, callback WatchCallback) error

	// Close releases the backend connection.
	Close() error
}

// Driver opens a Source from the discovery configuration.
type Driver interface {
	Name() string
	Open(cfg *config.DiscoveryConfig, logger log.Logger) (Source, error)
}

// WatchCallback receives change events from a Source.
type WatchCallback func(event *WatchEvent)

// EventType represents the type of a watch event
type EventType string

const (
	// EventTypeServiceUpdated carries the complete new node list of a service.
	EventTypeServiceUpdated EventType = "service_updated"
	// EventTypeServiceRemoved reports that a service left the backend.
	EventTypeServiceRemoved EventType = "service_removed"
)

// WatchEvent represents one service change
type WatchEvent struct {
	Type        EventType `json:"type"`
	ServiceName string    `json:"service_name"`
	URLs        []string  `json:"urls,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Diff returns the events that turn old into new. Node order is ignored.
func Diff(old, new map[string][]string) []*WatchEvent {
	now := time.Now()
	var events []*WatchEvent

	names := make([]string, 0, len(new))
	for name := range new {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if prev, ok := old[name]; ok && sameNodes(prev, new[name]) {
			continue
		}
		events = append(events, &WatchEvent{
			Type:        EventTypeServiceUpdated,
			ServiceName: name,
			URLs:        new[name],
			Timestamp:   now,
		})
	}

	removed := make([]string, 0)
	for name := range old {
		if _, ok := new[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	for _, name := range removed {
		events = append(events, &WatchEvent{
			Type:        EventTypeServiceRemoved,
			ServiceName: name,
			Timestamp:   now,
		})
	}
	return events
}

func sameNodes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, u := range a {
		seen[u]++
	}
	for _, u := range b {
		if seen[u] == 0 {
			return false
		}
		seen[u]--
	}
	return true
}
