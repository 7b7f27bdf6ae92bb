package etcd

import (
	"fmt"
	"strings"
	"time"

	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/discovery"
	"github.com/songzhibin97/relaygate/pkg/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Driver implements the discovery.Driver interface for etcd
type Driver struct{}

// NewDriver creates a new etcd service discovery driver
func NewDriver() discovery.Driver {
	return &Driver{}
}

// Name returns the driver name
func (d *Driver) Name() string {
	return "etcd"
}

// Open creates the etcd client. The connection is established lazily, so
// an unreachable cluster surfaces as a failing snapshot.
func (d *Driver) Open(cfg *config.DiscoveryConfig, logger log.Logger) (discovery.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	etcdCfg := cfg.Etcd
	if len(etcdCfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd discovery requires at least one endpoint")
	}
	if etcdCfg.Prefix == "" || !strings.HasSuffix(etcdCfg.Prefix, "/") {
		return nil, fmt.Errorf("etcd prefix must end with '/': %q", etcdCfg.Prefix)
	}

	dialTimeout := etcdCfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	clientConfig := clientv3.Config{
		Endpoints:   etcdCfg.Endpoints,
		DialTimeout: dialTimeout,
	}
	if etcdCfg.Username != "" {
		clientConfig.Username = etcdCfg.Username
		clientConfig.Password = etcdCfg.Password
	}

	client, err := clientv3.New(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return New(client, etcdCfg.Prefix, logger), nil
}
