package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/discovery"
	"github.com/songzhibin97/relaygate/pkg/log"
)

// Channel is notified by the service_nodes trigger with the service name.
const Channel = "relaygate_service_nodes"

const defaultPollInterval = 5 * time.Second

// Source reads enabled rows of the service_nodes table. Changes arrive
// through LISTEN/NOTIFY; the table is also read in full every poll interval
// to cover notifications lost while the listener reconnects.
type Source struct {
	db       *sql.DB
	dsn      string
	interval time.Duration
	logger   log.Logger

	mu       sync.Mutex
	services map[string][]string
}

// New creates a Source on top of db. The database is closed by Close.
func New(db *sql.DB, cfg config.PostgresDiscoveryConfig, logger log.Logger) *Source {
	if logger == nil {
		logger = log.NewNop()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Source{
		db:       db,
		dsn:      cfg.DSN,
		interval: interval,
		logger:   logger,
		services: make(map[string][]string),
	}
}

// Snapshot reads every enabled node
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

// Watch listens on Channel until ctx is done
func (s *Source) Watch(ctx context.Context, callback discovery.WatchCallback) error {
	listener := pq.NewListener(s.dsn, 100*time.Millisecond, 10*time.Second,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Warn("postgres listener event", log.Int("event", int(ev)), log.Error(err))
			}
		})
	defer listener.Close()

	if err := listener.Listen(Channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", Channel, err)
	}

	// changes between the snapshot and LISTEN
	if err := s.resync(ctx, callback); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			var err error
			if n == nil {
				// the connection was re-established; notifications may be lost
				err = s.resync(ctx, callback)
			} else {
				err = s.refresh(ctx, n.Extra, callback)
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case <-ticker.C:
			if err := s.resync(ctx, callback); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Close closes the database
func (s *Source) Close() error {
	return s.db.Close()
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
	if service == "" {
		return nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM service_nodes WHERE service = $1 AND enabled ORDER BY url`, service)
	if err != nil {
		return fmt.Errorf("failed to query nodes of %s: %w", service, err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return fmt.Errorf("failed to scan node: %w", err)
		}
		urls = append(urls, url)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate nodes: %w", err)
	}

	s.mu.Lock()
	next := copyServices(s.services)
	if len(urls) == 0 {
		delete(next, service)
	} else {
		next[service] = urls
	}
	events := discovery.Diff(s.services, next)
	s.services = next
	s.mu.Unlock()

	for _, ev := range events {
		callback(ev)
	}
	return nil
}

func (s *Source) readAll(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service, url FROM service_nodes WHERE enabled ORDER BY service, url`)
	if err != nil {
		return nil, fmt.Errorf("failed to query service nodes: %w", err)
	}
	defer rows.Close()

	services := make(map[string][]string)
	for rows.Next() {
		var service, url string
		if err := rows.Scan(&service, &url); err != nil {
			return nil, fmt.Errorf("failed to scan service node: %w", err)
		}
		services[service] = append(services[service], url)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate service nodes: %w", err)
	}
	return services, nil
}

func copyServices(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		urls := append([]string(nil), v...)
		sort.Strings(urls)
		out[k] = urls
	}
	return out
}
