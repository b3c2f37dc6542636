package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/fortifai/core/cmd/api/middleware"
	"github.com/fortifai/core/internal/assets"
	"github.com/fortifai/core/internal/config"
	"github.com/fortifai/core/internal/handlers"
	"github.com/fortifai/core/internal/observability"
	"github.com/fortifai/core/internal/proxy"
	"github.com/fortifai/core/internal/relocate"
	"github.com/fortifai/core/internal/routes"
	"github.com/fortifai/core/internal/storage"
	"github.com/fortifai/core/internal/store"
)

// app holds the wired components shared by the serve and one-shot commands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	source    storage.Source
	store     *store.Store
	assets    *assets.Service
	relocator *relocate.Relocator
	proxy     *proxy.Proxy
}

type appOptions struct {
	// EC2 replaces the client built from the AWS configuration.
	EC2 relocate.EC2API
	// Source replaces the asset source built from the configuration.
	Source storage.Source
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = observability.NewMetrics(a.registry)
	}

	st, err := store.Open(store.Options{
		Path:       cfg.Store.Path,
		GCInterval: cfg.Store.GCInterval,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	a.store = st

	a.source = opts.Source
	if a.source == nil {
		if a.source, err = newSource(ctx, cfg); err != nil {
			a.close()
			return nil, err
		}
	}

	a.assets, err = assets.New(assets.Options{
		Source:       a.source,
		DirectoryKey: cfg.Assets.DirectoryKey,
		CacheTTL:     cfg.Assets.CacheTTL,
		Concurrency:  cfg.Assets.Concurrency,
		Overlay:      st,
		Metrics:      a.metrics,
		Logger:       logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	client := opts.EC2
	if client == nil && cfg.Reloc.Enabled {
		c, err := relocate.NewEC2Client(ctx, relocate.ClientOptions{
			Region:   cfg.AWS.Region,
			Key:      cfg.AWS.AccessKeyID,
			Secret:   cfg.AWS.SecretAccessKey,
			Endpoint: cfg.AWS.EC2Endpoint,
		})
		if err != nil {
			logger.Warn("relocation disabled: failed to build ec2 client", "error", err)
		} else {
			client = c
		}
	}
	a.relocator = relocate.New(relocate.Options{
		Client:       client,
		Recorder:     st,
		Metrics:      a.metrics,
		Logger:       logger,
		Enabled:      cfg.Reloc.Enabled,
		PollInterval: cfg.Reloc.PollInterval,
		Timeout:      cfg.Reloc.Timeout,
	})

	a.proxy, err = proxy.New(proxy.Options{
		GatewayURL:   cfg.Gateway.URL,
		TokenURL:     cfg.Gateway.TokenURL,
		ClientID:     cfg.Gateway.ClientID,
		ClientSecret: cfg.Gateway.ClientSecret,
		Scopes:       cfg.Gateway.Scopes,
		Metrics:      a.metrics,
		Logger:       logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

func newSource(ctx context.Context, cfg config.Config) (storage.Source, error) {
	switch cfg.Assets.Source {
	case "local":
		src, err := storage.NewLocalSource(cfg.Assets.LocalDir)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "s3":
		src, err := storage.NewS3Source(ctx, storage.S3Options{
			Bucket:   cfg.Assets.Bucket,
			Prefix:   cfg.Assets.Prefix,
			Region:   cfg.AWS.Region,
			Endpoint: cfg.AWS.S3Endpoint,
			Key:      cfg.AWS.AccessKeyID,
			Secret:   cfg.AWS.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown asset source %q", cfg.Assets.Source)
	}
}

func (a *app) router() *gin.Engine {
	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.RequestLogger(a.logger),
		middleware.Cors(a.cfg.CORSAllowedOrigin),
		otelgin.Middleware(handlers.ServiceName),
		a.metrics.Middleware(),
	)

	deps := routes.Deps{
		Graph:     a.assets,
		Nodes:     a.store,
		Ignores:   a.store,
		History:   a.store,
		Relocator: a.relocator,
		Proxy:     a.proxy.Handler(),
		HealthDetails: map[string]string{
			"asset_source": a.source.Name(),
			"relocation":   strconv.FormatBool(a.relocator.Enabled()),
			"proxy":        strconv.FormatBool(a.proxy.Configured()),
		},
	}
	if a.registry != nil {
		deps.Gatherer = a.registry
	}
	routes.SetupRoutes(r, deps)
	return r
}

func (a *app) close() error {
	var result *multierror.Error
	if a.assets != nil {
		a.assets.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return result.ErrorOrNil()
}
