package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/songzhibin97/relaygate/pkg/discovery"
	"github.com/songzhibin97/relaygate/pkg/log"
)

// ResyncAll, published on the change channel, makes every watcher re-read
// all services.
const ResyncAll = "*"

// Source reads services from Redis sets named <prefix><service>, each member
// a node URL. Writers publish the service name on the change channel after
// updating a set.
type Source struct {
	client  *redis.Client
	prefix  string
	channel string
	logger  log.Logger

	mu       sync.Mutex
	services map[string][]string
}

// New creates a Source on top of client. The client is closed by Close.
func New(client *redis.Client, prefix, channel string, logger log.Logger) *Source {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Source{
		client:   client,
		prefix:   prefix,
		channel:  channel,
		logger:   logger,
		services: make(map[string][]string),
	}
}

// Snapshot scans every set under the prefix
func (s *Source) Snapshot(ctx context.Context) (map[string][]string, error) {
	services, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.services = services
	s.mu.Unlock()
	return copyServices(services), nil
}

// Watch subscribes to the change channel. Changes made between the last
// snapshot and the subscription are reported first.
func (s *Source) Watch(ctx context.Context, callback discovery.WatchCallback) error {
	if s.channel == "" {
		<-ctx.Done()
		return nil
	}

	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	if err := s.resync(ctx, callback); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			service := strings.TrimSpace(msg.Payload)
			var err error
			if service == ResyncAll {
				err = s.resync(ctx, callback)
			} else if service != "" {
				err = s.refresh(ctx, service, callback)
			}
			if err != nil {
				return err
			}
		}
	}
}

// Close closes the Redis client
func (s *Source) Close() error {
	return s.client.Close()
}

func (s *Source) resync(ctx context.Context, callback discovery.WatchCallback) error {
	services, err := s.readAll(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	events := discovery.Diff(s.services, services)
	s.services = services
	s.mu.Unlock()

	for _, ev := range events {
		callback(ev)
	}
	return nil
}

func (s *Source) refresh(ctx context.Context, service string, callback discovery.WatchCallback) error {
	urls, err := s.members(ctx, s.prefix+service)
	if err != nil {
		return err
	}

	ev := &discovery.WatchEvent{ServiceName: service, Timestamp: time.Now()}
	s.mu.Lock()
	if len(urls) == 0 {
		if _, ok := s.services[service]; !ok {
			s.mu.Unlock()
			return nil
		}
		delete(s.services, service)
		ev.Type = discovery.EventTypeServiceRemoved
	} else {
		s.services[service] = urls
		ev.Type = discovery.EventTypeServiceUpdated
		ev.URLs = urls
	}
	s.mu.Unlock()

	callback(ev)
	return nil
}

func (s *Source) readAll(ctx context.Context) (map[string][]string, error) {
	services := make(map[string][]string)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		service := strings.TrimPrefix(key, s.prefix)
		if service == "" {
			continue
		}
		urls, err := s.members(ctx, key)
		if err != nil {
			var rerr redis.Error
			if errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "WRONGTYPE") {
				s.logger.Warn("skipping non-set key", log.String("key", key))
				continue
			}
			return nil, err
		}
		if len(urls) > 0 {
			services[service] = urls
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s*: %w", s.prefix, err)
	}
	return services, nil
}

func (s *Source) members(ctx context.Context, key string) ([]string, error) {
	urls, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	sort.Strings(urls)
	return urls, nil
}

func copyServices(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
