package kubernetes

import (
	"fmt"

	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/discovery"
	"github.com/songzhibin97/relaygate/pkg/log"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Driver implements the discovery.Driver interface for Kubernetes service discovery
type Driver struct{}

// NewDriver creates a new Kubernetes service discovery driver
func NewDriver() discovery.Driver {
	return &Driver{}
}

// Name returns the driver name
func (d *Driver) Name() string {
	return "kubernetes"
}

// Open connects to the API server, from the kubeconfig when set and from the
// in-cluster service account otherwise.
func (d *Driver) Open(cfg *config.DiscoveryConfig, logger log.Logger) (discovery.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Kubernetes.ResyncPeriod < 0 {
		return nil, fmt.Errorf("resync_period cannot be negative")
	}

	clientset, err := createKubernetesClient(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return nil, err
	}
	return New(clientset, cfg.Kubernetes, logger), nil
}

func createKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	var restConfig *rest.Config
	var err error

	if kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build config from kubeconfig: %w", err)
		}
	} else {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return clientset, nil
}
