package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/songzhibin97/relaygate/internal/auth"
	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/internal/controller"
	"github.com/songzhibin97/relaygate/internal/discovery"
	"github.com/songzhibin97/relaygate/internal/filter"
	"github.com/songzhibin97/relaygate/internal/filter/ipacl"
	"github.com/songzhibin97/relaygate/internal/filter/ratelimit"
	"github.com/songzhibin97/relaygate/internal/filter/wasm"
	"github.com/songzhibin97/relaygate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/relaygate/internal/log/driver/stdout"
	"github.com/songzhibin97/relaygate/internal/metrics/driver/prometheus"
	"github.com/songzhibin97/relaygate/internal/proxy"
	"github.com/songzhibin97/relaygate/internal/router"
	"github.com/songzhibin97/relaygate/internal/tracing"
	"github.com/songzhibin97/relaygate/pkg/log"
	"golang.org/x/sync/errgroup"
)

var (
	configFile = flag.String("config", "", "Configuration file path")
	version    = flag.Bool("version", false, "Show version information")
)

// Version information, set with -ldflags at build time
var (
	Version   = "v1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("RelayGate %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	log.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	_ = logger.Sync()
	if err != nil {
		logger.Error("RelayGate stopped with error", log.Error(err))
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) (*stdout.StdoutLogger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return stdout.New(&stdout.Config{
		Level:            level,
		TimeFormat:       time.RFC3339,
		Format:           cfg.Format,
		EnableCaller:     cfg.Caller,
		EnableStacktrace: cfg.Stacktrace,
	})
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.Component("main")

	tracing.Version = Version
	tp, err := tracing.NewTracerProvider(&cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	var metrics *prometheus.Provider
	if cfg.Metrics.Enabled {
		metrics, err = prometheus.NewProvider(prometheus.Options{
			Namespace: cfg.Metrics.Namespace,
			Subsystem: cfg.Metrics.Subsystem,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	chain, closeFilters, err := buildFilterChain(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFilters(context.Background()); err != nil {
			logger.Warn("Failed to release filters", log.Error(err))
		}
	}()

	opts := []proxy.Option{
		proxy.WithRuleManager(router.NewManager(
			router.WithLocalFirst(cfg.Gateway.LocalFirst),
			router.WithLogger(log.Component("router")),
		)),
		proxy.WithFilterChain(chain),
		proxy.WithLocalHandler(localHandler()),
		proxy.WithProxyConfig(cfg.Proxy),
		proxy.WithErrorStatuses(cfg.Gateway.ErrorStatuses),
		proxy.WithLogger(log.Component("proxy")),
	}
	if metrics != nil {
		opts = append(opts, proxy.WithObserver(metrics))
	}
	dispatcher := proxy.New(opts...)

	if cfg.CircuitBreaker.Enabled {
		breakerOpts := []circuitbreaker.Option{circuitbreaker.WithLogger(log.Component("circuitbreaker"))}
		if metrics != nil {
			breakerOpts = append(breakerOpts, circuitbreaker.WithStateChangeCallback(metrics.ObserveBreakerState))
		}
		dispatcher.ConfigureBreaker(&circuitbreaker.Config{
			FailWindowTTL:    cfg.CircuitBreaker.FailWindowTTL,
			FailThreshold:    cfg.CircuitBreaker.FailThreshold,
			RecoverTime:      cfg.CircuitBreaker.RecoverTime,
			RecoverWindowTTL: cfg.CircuitBreaker.RecoverWindowTTL,
			RecoverPercent:   cfg.CircuitBreaker.RecoverPercent,
			FailStatusCodes:  cfg.CircuitBreaker.FailStatusCodes,
			Timeout:          cfg.CircuitBreaker.Timeout,
		}, breakerOpts...)
	}

	for name, urls := range cfg.Services {
		dispatcher.AddServices(name, urls...)
	}
	for _, rule := range cfg.Rules {
		if err := dispatcher.AddRule(rule.Pattern, rule.Service, rule.RewriteRegex, rule.RewriteTarget); err != nil {
			return fmt.Errorf("failed to add rule %s: %w", rule.Pattern, err)
		}
	}
	if metrics != nil {
		if err := metrics.WatchRegistry(dispatcher.Registry()); err != nil {
			return fmt.Errorf("failed to export registry metrics: %w", err)
		}
	}

	discoveryManager := discovery.NewManager(cfg.Discovery, dispatcher.Registry(),
		discovery.WithLogger(log.Component("discovery")))

	dispatcher.Activate()
	logger.Info("Routing rules activated",
		log.Int("rules", len(cfg.Rules)),
		log.Int("services", len(cfg.Services)),
		log.String("filter_mode", chain.Mode().String()),
	)

	gateway := proxy.NewServer(cfg.Server, dispatcher, log.Component("server"))

	var admin *controller.Server
	if cfg.Admin.Enabled {
		handlerOpts := []controller.HandlerOption{
			controller.WithToken(cfg.Admin.Token),
			controller.WithLogger(log.Component("admin")),
			controller.WithHealthCheck("discovery", func() error {
				select {
				case <-discoveryManager.Ready():
					return nil
				default:
					return errors.New("waiting for the first discovery snapshot")
				}
			}),
		}
		if metrics != nil {
			handlerOpts = append(handlerOpts, controller.WithMetricsHandler(cfg.Metrics.Path, metrics.Handler()))
		}
		admin = controller.NewServer(cfg.Admin, controller.NewHandler(dispatcher, handlerOpts...), log.Component("admin"))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return discoveryManager.Run(gctx)
	})
	g.Go(gateway.Start)
	if admin != nil {
		g.Go(admin.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down RelayGate")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := gateway.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
		}
		if admin != nil {
			if err := admin.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
			}
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	logger.Info("RelayGate started",
		log.String("version", Version),
		log.String("address", cfg.Server.Address),
		log.String("discovery", cfg.Discovery.Driver),
	)
	return g.Wait()
}

// buildFilterChain assembles the configured pre-forward filters in the order
// ip_acl, jwt, api_key, rate_limit, wasm. The returned func releases the
// resources the filters hold.
func buildFilterChain(ctx context.Context, cfg *config.Config) (_ *filter.Chain, _ func(context.Context) error, err error) {
	mode, err := filter.ParseMode(cfg.Gateway.FilterMode)
	if err != nil {
		return nil, nil, err
	}
	chain := filter.NewChain(mode,
		filter.WithWorkers(cfg.Gateway.FilterWorkers),
		filter.WithLogger(log.Component("filter")),
	)

	var closers []func(context.Context) error
	closeAll := func(ctx context.Context) error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c(ctx))
		}
		return errors.Join(errs...)
	}
	defer func() {
		if err != nil {
			_ = closeAll(ctx)
		}
	}()

	filters := cfg.Filters
	if filters.IPACL.Enabled {
		acl, err := ipacl.New(&filters.IPACL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create ip acl: %w", err)
		}
		if err := chain.Add("ip_acl", acl.Filter(log.Component("ipacl"))); err != nil {
			return nil, nil, err
		}
	}

	if filters.JWT.Enabled {
		a, err := auth.NewJWTAuthenticator(&filters.JWT)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create JWT authenticator: %w", err)
		}
		if err := chain.Add("jwt", auth.Filter(a, log.Component("auth"))); err != nil {
			return nil, nil, err
		}
	}

	if filters.APIKey.Enabled {
		a, err := auth.NewAPIKeyAuthenticator(&filters.APIKey)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create API key authenticator: %w", err)
		}
		if err := chain.Add("api_key", auth.Filter(a, log.Component("auth"))); err != nil {
			return nil, nil, err
		}
	}

	if filters.RateLimit.Enabled {
		limiter, err := ratelimit.New(&filters.RateLimit, log.Component("ratelimit"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		closers = append(closers, func(context.Context) error { return limiter.Close() })

		key := ratelimit.KeyByIP(filters.IPACL.TrustForwarded)
		if filters.RateLimit.Identifier == "consumer" {
			key = ratelimit.KeyByConsumer(filters.IPACL.TrustForwarded)
		}
		if err := chain.Add("rate_limit", ratelimit.Filter(limiter, key, log.Component("ratelimit"))); err != nil {
			return nil, nil, err
		}
	}

	if filters.WASM.Enabled {
		rt, err := wasm.NewRuntime(ctx, log.Component("wasm"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create wasm runtime: %w", err)
		}
		closers = append(closers, rt.Close)

		modules, err := rt.LoadConfigured(ctx, &filters.WASM)
		if err != nil {
			return nil, nil, err
		}
		for _, m := range modules {
			if err := chain.Add(m.Name(), m.Filter()); err != nil {
				return nil, nil, err
			}
		}
	}

	return chain, closeAll, nil
}

// localHandler serves requests whose rule hands off to "local".
func localHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("pong"))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"version":%q,"git_commit":%q,"build_time":%q}`, Version, GitCommit, BuildTime)
	})
	return mux
}
