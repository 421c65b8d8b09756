// Command permyd runs the permy serverside API: anonymous auth,
// guarded generation, and device migration over a shared ephemeral
// store.
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

	"github.com/redis/go-redis/v9"

	"github.com/permy-app/serverside/internal/compose"
	"github.com/permy-app/serverside/internal/config"
	"github.com/permy-app/serverside/internal/httpapi"
	"github.com/permy-app/serverside/internal/idempotency"
	"github.com/permy-app/serverside/internal/kvstore"
	"github.com/permy-app/serverside/internal/logger"
	"github.com/permy-app/serverside/internal/migration"
	"github.com/permy-app/serverside/internal/observability"
	"github.com/permy-app/serverside/internal/ratelimit"
	"github.com/permy-app/serverside/internal/session"
	"github.com/permy-app/serverside/internal/subject"
	"github.com/permy-app/serverside/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "permyd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		info := version.Get()
		fmt.Printf("permyd %s (%s)\n", info.Version, info.Commit)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log.Info("starting permyd", "version", version.Version, "addr", cfg.Server.Addr)

	provider, err := observability.Setup(cfg.Observability)
	if err != nil {
		return fmt.Errorf("observability setup: %w", err)
	}

	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	subjects, err := subject.Open(cfg.Subjects)
	if err != nil {
		return err
	}
	defer subjects.Close()

	sessions := session.NewManager(store, subjects, cfg.Session.TTL)
	limiter := ratelimit.New(store)
	guard := idempotency.New(store, "gen", cfg.Idempotency.TTL)
	coordinator := migration.NewCoordinator(store, sessions, migration.Config{
		CodeTTL:    cfg.Migration.CodeTTL,
		TicketTTL:  cfg.Migration.TicketTTL,
		LockoutTTL: cfg.Migration.LockoutTTL,
		MaxTries:   cfg.Migration.MaxTries,
	}, log)
	composer := &compose.Static{Candidates: []string{
		"A: ありがとう、あとでゆっくり返すね。",
		"B: 今日は忙しかった、また明日話そう。",
		"C: その話、今度会ったとき聞かせて。",
	}}
	metrics := observability.NewMetrics()

	handlers := httpapi.NewHandlers(cfg, store, subjects, sessions, limiter, guard,
		coordinator, composer, metrics, log)

	var routeOpts []httpapi.RouteOption
	if cfg.Observability.TracingEnabled {
		routeOpts = append(routeOpts, httpapi.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	router := httpapi.SetupRoutes(handlers, routeOpts...)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsServer *observability.MetricsServer
	if cfg.Observability.MetricsEnabled {
		metricsServer = observability.NewMetricsServer(cfg.Observability.MetricsAddr, metrics)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server shutdown", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error("metrics shutdown", "error", err)
		}
	}
	if err := provider.Shutdown(ctx); err != nil {
		log.Error("observability shutdown", "error", err)
	}
	return nil
}

func openStore(cfg config.StoreConfig) (kvstore.Store, error) {
	switch cfg.Type {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return kvstore.NewRedisStore(redis.NewClient(opts)), nil
	case "memory":
		return kvstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %q", cfg.Type)
	}
}
