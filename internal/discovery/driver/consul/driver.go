package consul

import (
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/discovery"
	"github.com/songzhibin97/relaygate/pkg/log"
)

// Driver implements the discovery.Driver interface for Consul
type Driver struct{}

// NewDriver creates a new Consul service discovery driver
func NewDriver() discovery.Driver {
	return &Driver{}
}

// Name returns the driver name
func (d *Driver) Name() string {
	return "consul"
}

// Open creates the Consul API client
func (d *Driver) Open(cfg *config.DiscoveryConfig, logger log.Logger) (discovery.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	client, err := NewClient(cfg.Consul)
	if err != nil {
		return nil, err
	}
	return New(client, cfg.Consul, logger), nil
}

// NewClient builds a Consul client from the discovery settings
func NewClient(cfg config.ConsulDiscoveryConfig) (*consulapi.Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("consul address is required")
	}
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = cfg.Address
	if cfg.Scheme != "" {
		consulCfg.Scheme = cfg.Scheme
	}
	consulCfg.Token = cfg.Token
	consulCfg.Datacenter = cfg.Datacenter

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return client, nil
}
