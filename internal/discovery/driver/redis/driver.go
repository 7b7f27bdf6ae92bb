package redis

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/discovery"
	"github.com/songzhibin97/relaygate/pkg/log"
)

// Driver implements the discovery.Driver interface for Redis
type Driver struct{}

// NewDriver creates a new Redis service discovery driver
func NewDriver() discovery.Driver {
	return &Driver{}
}

// Name returns the driver name
func (d *Driver) Name() string {
	return "redis"
}

// Open creates the Redis client
func (d *Driver) Open(cfg *config.DiscoveryConfig, logger log.Logger) (discovery.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.Redis.KeyPrefix == "" {
		return nil, fmt.Errorf("redis key prefix is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return New(client, cfg.Redis.KeyPrefix, cfg.Redis.Channel, logger), nil
}
