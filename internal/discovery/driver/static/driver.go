package static

import (
	"fmt"

	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/discovery"
	"github.com/songzhibin97/relaygate/pkg/log"
)

// Driver implements the discovery.Driver interface for file based discovery
type Driver struct{}

// NewDriver creates a new static service discovery driver
func NewDriver() discovery.Driver {
	return &Driver{}
}

// Name returns the driver name
func (d *Driver) Name() string {
	return "static"
}

// Open loads the services file and returns a Source watching it
func (d *Driver) Open(cfg *config.DiscoveryConfig, logger log.Logger) (discovery.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Static.Path == "" {
		return nil, fmt.Errorf("static discovery requires a path")
	}
	if cfg.Static.PollInterval < 0 {
		return nil, fmt.Errorf("poll_interval cannot be negative")
	}
	return New(cfg.Static, logger), nil
}
