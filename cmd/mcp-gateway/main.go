// Command mcp-gateway fronts remote MCP servers with a pool of shared protocol
// handlers and exposes their sessions over REST and a streamable /mcp
// endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-session-gateway/affinity"
	"github.com/ggoodman/mcp-session-gateway/affinity/memory"
	affinityredis "github.com/ggoodman/mcp-session-gateway/affinity/redis"
	"github.com/ggoodman/mcp-session-gateway/backends"
	"github.com/ggoodman/mcp-session-gateway/bridge"
	"github.com/ggoodman/mcp-session-gateway/gatewayhttp"
	"github.com/ggoodman/mcp-session-gateway/handlerpool"
	"github.com/ggoodman/mcp-session-gateway/internal/config"
	"github.com/ggoodman/mcp-session-gateway/sessions"
	"github.com/ggoodman/mcp-session-gateway/upstream"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp-gateway: %v\n", err)
		os.Exit(2)
	}
	log := cfg.NewLogger(os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("gateway.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	httpClient := &http.Client{Transport: http.DefaultTransport}

	var poolOpts []handlerpool.Option
	if cfg.MaxSessionsPerHandler > 0 {
		poolOpts = append(poolOpts, handlerpool.WithMaxLeasesPerSlot(cfg.MaxSessionsPerHandler))
	}
	pool, err := handlerpool.New(cfg.PoolSize, func(id int) (*upstream.Handler, error) {
		return upstream.NewHandler(
			upstream.WithHTTPClient(httpClient),
			upstream.WithClientInfo(cfg.ClientName, cfg.ClientVersion),
			upstream.WithProtocolVersion(cfg.ProtocolVersion),
			upstream.WithTimeout(cfg.UpstreamTimeout),
			upstream.WithLogger(log.With(slog.Int("slot", id))),
		), nil
	}, poolOpts...)
	if err != nil {
		return fmt.Errorf("build handler pool: %w", err)
	}

	registry := sessions.New(pool,
		sessions.WithIdleTimeout(cfg.IdleTimeout),
		sessions.WithSweepInterval(cfg.SweepInterval),
		sessions.WithLogger(log),
	)

	var (
		resolver    backends.Resolver
		backendFile *backends.File
	)
	if cfg.BackendsFile != "" {
		backendFile, err = backends.LoadFile(cfg.BackendsFile, backends.WithDefault(cfg.DefaultBackend), backends.WithLogger(log))
		if err != nil {
			return fmt.Errorf("load backends: %w", err)
		}
		resolver = backendFile
	} else {
		static, err := backends.NewStatic(nil, cfg.DefaultBackend)
		if err != nil {
			return fmt.Errorf("default backend: %w", err)
		}
		resolver = static
	}

	store, err := newAffinityStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	handler, err := gatewayhttp.New(bridge.New(registry, resolver, bridge.WithLogger(log)),
		gatewayhttp.WithLogger(log),
		gatewayhttp.WithAffinityStore(store),
		gatewayhttp.WithAllowedOrigins(cfg.AllowedOrigins...),
	)
	if err != nil {
		return fmt.Errorf("build http handler: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway.listen", slog.String("addr", cfg.Addr), slog.Int("pool_size", pool.Size()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return registry.Run(gctx) })
	if backendFile != nil {
		g.Go(func() error { return backendFile.Watch(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("gateway.shutdown.start")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("gateway.shutdown.http", slog.String("err", err.Error()))
		}
		if err := registry.Shutdown(shutdownCtx); err != nil {
			log.Warn("gateway.shutdown.sessions", slog.String("err", err.Error()))
		}
		log.Info("gateway.shutdown.ok")
		return nil
	})
	return g.Wait()
}

func newAffinityStore(ctx context.Context, cfg *config.Config) (affinity.Store, error) {
	if cfg.RedisAddr == "" {
		return memory.New(cfg.AffinityMaxEntries)
	}
	store, err := affinityredis.New(affinityredis.Config{
		Client:    redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
		KeyPrefix: cfg.RedisKeyPrefix,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
