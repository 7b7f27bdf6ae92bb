package static

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/discovery"
	"github.com/songzhibin97/relaygate/pkg/log"
	"gopkg.in/yaml.v3"
)

const defaultPollInterval = 5 * time.Second

// File is the layout of a services file.
//
//	services:
//	  order:
//	    urls: [http://10.0.0.1:8080]
//	    instances:
//	      - host: 10.0.0.2
//	        port: 8080
type File struct {
	Services map[string]*ServiceConfig `yaml:"services" json:"services"`
}

// ServiceConfig lists the nodes of one service, as URLs, as instances or both
type ServiceConfig struct {
	URLs      []string          `yaml:"urls" json:"urls"`
	Instances []*InstanceConfig `yaml:"instances" json:"instances"`
}

// InstanceConfig describes one node. Instances with status "down" are skipped.
type InstanceConfig struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Scheme string `yaml:"scheme,omitempty" json:"scheme,omitempty"`
	Status string `yaml:"status,omitempty" json:"status,omitempty"`
}

// Source reads services from a YAML or JSON file and polls it for changes
type Source struct {
	path     string
	interval time.Duration
	logger   log.Logger

	mu          sync.Mutex
	services    map[string][]string
	lastModTime time.Time
}

// New creates a file source
func New(cfg config.StaticDiscoveryConfig, logger log.Logger) *Source {
	if logger == nil {
		logger = log.NewNop()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Source{
		path:     cfg.Path,
		interval: interval,
		logger:   logger,
	}
}

// Snapshot reads the file
func (s *Source) Snapshot(context.Context) (map[string][]string, error) {
	services, modTime, err := s.load()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.services = services
	s.lastModTime = modTime
	s.mu.Unlock()

	return copyServices(services), nil
}

// Watch polls the modification time of the file and reports what changed.
// A file that fails to parse is logged and keeps the previous content.
func (s *Source) Watch(ctx context.Context, callback discovery.WatchCallback) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.checkAndReload(callback); err != nil {
				return err
			}
		}
	}
}

func (s *Source) checkAndReload(callback discovery.WatchCallback) error {
	stat, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("failed to stat services file: %w", err)
	}

	s.mu.Lock()
	unchanged := stat.ModTime().Equal(s.lastModTime)
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	services, modTime, err := s.load()
	if err != nil {
		s.logger.Warn("failed to reload services file", log.String("path", s.path), log.Error(err))
		s.mu.Lock()
		s.lastModTime = stat.ModTime()
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	events := discovery.Diff(s.services, services)
	s.services = services
	s.lastModTime = modTime
	s.mu.Unlock()

	if len(events) > 0 {
		s.logger.Info("services file reloaded", log.String("path", s.path), log.Int("changes", len(events)))
	}
	for _, ev := range events {
		callback(ev)
	}
	return nil
}

// Close is a no-op for files
func (s *Source) Close() error {
	return nil
}

func (s *Source) load() (map[string][]string, time.Time, error) {
	stat, err := os.Stat(s.path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to stat services file: %w", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read services file: %w", err)
	}
	services, err := Parse(data, filepath.Ext(s.path))
	if err != nil {
		return nil, time.Time{}, err
	}
	return services, stat.ModTime(), nil
}

// Parse decodes a services file. ext selects the format; anything other
// than ".json" is read as YAML.
func Parse(data []byte, ext string) (map[string][]string, error) {
	var file File
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse JSON services file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse YAML services file: %w", err)
		}
	}

	services := make(map[string][]string, len(file.Services))
	for name, svc := range file.Services {
		if name == "" {
			return nil, fmt.Errorf("service name cannot be empty")
		}
		urls := make([]string, 0)
		if svc == nil {
			services[name] = urls
			continue
		}
		urls = append(urls, svc.URLs...)
		for _, inst := range svc.Instances {
			if inst == nil || strings.EqualFold(inst.Status, "down") {
				continue
			}
			if inst.Host == "" || inst.Port <= 0 {
				return nil, fmt.Errorf("service %s: instance needs host and port", name)
			}
			scheme := inst.Scheme
			if scheme == "" {
				scheme = "http"
			}
			urls = append(urls, fmt.Sprintf("%s://%s:%d", scheme, inst.Host, inst.Port))
		}
		services[name] = urls
	}
	return services, nil
}

func copyServices(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
