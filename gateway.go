package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/peteski22/proxy-plugins/internal/config"
	"github.com/peteski22/proxy-plugins/internal/inflight"
	"github.com/peteski22/proxy-plugins/internal/metrics"
	"github.com/peteski22/proxy-plugins/internal/plugins"
	"github.com/peteski22/proxy-plugins/internal/plugins/directory"
	"github.com/peteski22/proxy-plugins/internal/plugins/limit"
	"github.com/peteski22/proxy-plugins/internal/plugins/pipeline"
	"github.com/peteski22/proxy-plugins/internal/stats"
	pkg "github.com/peteski22/proxy-plugins/pkg/contract/plugin"
)

const instrumentationName = "github.com/peteski22/proxy-plugins"

// gateway wires the configured plugins into a pipeline in front of the upstream.
// NOTE: Use newGateway to create a gateway.
type gateway struct {
	logger   hclog.Logger
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	table    *inflight.Table
	memStats *stats.MemoryStore
	manager  *plugins.Manager
	upstream http.Handler
	rdb      *redis.Client
}

func newGateway(ctx context.Context, cfg *config.Config, logger hclog.Logger, reg prometheus.Registerer) (*gateway, error) {
	g := &gateway{
		logger:   logger,
		cfg:      cfg,
		pipeline: pipeline.NewPipeline(logger),
		table:    inflight.New(),
		manager:  plugins.NewManager(logger),
	}

	if err := metrics.RegisterInflightKeys(reg, g.table); err != nil {
		return nil, fmt.Errorf("registering inflight gauge: %w", err)
	}

	store, err := g.statsStore(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Limit != "" {
		l, err := limit.New(cfg.Limit, pkg.StepRequest,
			limit.WithID("limit"),
			limit.WithLogger(logger.Named("limit")),
			limit.WithStats(store),
			limit.WithMeter(otel.Meter(instrumentationName)),
			limit.WithTable(g.table),
		)
		if err != nil {
			g.Close(ctx)
			return nil, fmt.Errorf("building limit plugin: %w", err)
		}
		if err := g.pipeline.Register(plugins.NewInstance("limit", l, false)); err != nil {
			g.Close(ctx)
			return nil, err
		}
	}

	if cfg.Plugins.Dir != "" {
		if err := g.startRemotePlugins(ctx); err != nil {
			g.Close(ctx)
			return nil, err
		}
	}

	if cfg.Directory != "" {
		d, err := directory.New(cfg.Directory, pkg.StepProxyUpstream,
			directory.WithLogger(logger.Named("directory")),
			directory.WithTracer(otel.Tracer(instrumentationName)),
		)
		if err != nil {
			g.Close(ctx)
			return nil, fmt.Errorf("building directory plugin: %w", err)
		}
		if err := g.pipeline.Register(plugins.NewInstance("directory", d, false)); err != nil {
			g.Close(ctx)
			return nil, err
		}
		logger.Info("serving static files", "root", d.Root())
	}

	g.upstream, err = newUpstream(cfg.Upstream.URL, logger)
	if err != nil {
		g.Close(ctx)
		return nil, err
	}

	logger.Info("pipeline ready",
		"request_plugins", g.pipeline.Len(pkg.StepRequest),
		"proxy_upstream_plugins", g.pipeline.Len(pkg.StepProxyUpstream),
	)
	return g, nil
}

// statsStore returns a Redis backed store when redis.addr is set, otherwise an in-memory one.
func (g *gateway) statsStore(ctx context.Context) (stats.Store, error) {
	if g.cfg.Redis.Addr == "" {
		g.memStats = stats.NewMemoryStore(stats.WithTrackKeys(g.cfg.Stats.Keys))
		return g.memStats, nil
	}

	g.rdb = redis.NewClient(&redis.Options{
		Addr:     g.cfg.Redis.Addr,
		Password: g.cfg.Redis.Password,
		DB:       g.cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := g.rdb.Ping(pingCtx).Err(); err != nil {
		_ = g.rdb.Close()
		g.rdb = nil
		return nil, fmt.Errorf("redis stats ping: %w", err)
	}

	return stats.NewRedisStore(g.rdb,
		stats.WithPrefix(g.cfg.Stats.Prefix),
		stats.WithRedisTrackKeys(g.cfg.Stats.Keys),
	), nil
}

func (g *gateway) startRemotePlugins(ctx context.Context) error {
	step, err := g.cfg.PluginStep()
	if err != nil {
		return err
	}

	binaries, err := g.manager.Discover(g.cfg.Plugins.Dir)
	if err != nil {
		return err
	}
	g.logger.Info("found plugin binaries", "count", len(binaries))

	for _, binary := range binaries {
		remote, err := g.manager.Start(ctx, binary, step)
		if err != nil {
			if g.cfg.Plugins.Required {
				return fmt.Errorf("%w: %w", plugins.ErrRequiredPluginFailed, err)
			}
			g.logger.Error("failed to start plugin", "path", binary, "error", err)
			continue
		}
		if err := g.pipeline.Register(plugins.NewInstance(remote.Name(), remote, g.cfg.Plugins.Required)); err != nil {
			return err
		}
	}
	return nil
}

func newUpstream(rawURL string, logger hclog.Logger) (http.Handler, error) {
	if rawURL == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = pkg.NotFound("Not Found").WriteTo(w)
		}), nil
	}

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Error("proxy error", "path", r.URL.Path, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	return proxy, nil
}

// Router returns the HTTP handler. Only proxied traffic runs through the plugin pipeline.
func (g *gateway) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/health", g.health)
	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(g.pipeline.Middleware())
		r.Handle("/*", g.upstream)
	})
	return router
}

type healthResponse struct {
	Status   string          `json:"status"`
	Inflight int64           `json:"inflight"`
	Plugins  map[string]int  `json:"plugins"`
	Remote   []string        `json:"remote,omitempty"`
	Stats    *stats.Counters `json:"stats,omitempty"`
}

func (g *gateway) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:   "healthy",
		Inflight: g.table.Total(),
		Plugins:  make(map[string]int, len(pkg.OrderedSteps)),
		Remote:   g.manager.Running(),
	}
	for _, step := range pkg.OrderedSteps {
		resp.Plugins[step.String()] = g.pipeline.Len(step)
	}
	if g.memStats != nil {
		total := g.memStats.Total()
		resp.Stats = &total
	}

	body, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// Close stops remote plugins and releases backend connections.
func (g *gateway) Close(ctx context.Context) {
	g.manager.StopAll(ctx)
	if g.rdb != nil {
		if err := g.rdb.Close(); err != nil {
			g.logger.Warn("failed to close redis client", "error", err)
		}
	}
}
