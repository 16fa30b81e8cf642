// Command relay serves board topics over WebSocket and persists board
// objects for boardsync clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/developer-mesh/boardsync/internal/relay"
	"github.com/developer-mesh/boardsync/pkg/auth"
	"github.com/developer-mesh/boardsync/pkg/config"
	"github.com/developer-mesh/boardsync/pkg/database"
	"github.com/developer-mesh/boardsync/pkg/health"
	"github.com/developer-mesh/boardsync/pkg/observability"
	"github.com/developer-mesh/boardsync/pkg/persistence"
	"github.com/developer-mesh/boardsync/pkg/redis"
)

var (
	configFile  = flag.String("config", "", "Path to the configuration file")
	healthCheck = flag.Bool("health-check", false, "Query the local /healthz endpoint and exit")
)

func main() {
	flag.Parse()

	// A missing .env is fine; the environment may already be set
	_ = godotenv.Load()

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *healthCheck {
		os.Exit(probe(cfg.Relay.ListenAddress))
	}

	logger := observability.NewLogger(cfg.Logging)
	if err := run(cfg, logger); err != nil {
		logger.Fatalf("Relay stopped: %v", err)
	}
	logger.Info("Relay stopped", nil)
}

func run(cfg *config.Config, logger observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, cfg.Environment, logger.WithPrefix("tracing"))
	if err != nil {
		return err
	}
	defer shutdownTracing()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics observability.MetricsClient = observability.NewNoOpMetricsClient()
	if cfg.Metrics.Enabled {
		metrics = observability.NewPrometheusMetricsClient(registry, cfg.Metrics.Namespace, cfg.Metrics.Subsystem, map[string]string{
			"environment": cfg.Environment,
		})
	}
	defer func() { _ = metrics.Close() }()

	checker := health.NewHealthChecker(logger.WithPrefix("health"), metrics)

	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close database", map[string]interface{}{"error": err.Error()})
		}
	}()
	checker.RegisterCheck(health.NewDatabaseHealthCheck("database", db))

	store := persistence.NewCachedStore(persistence.NewSQLStore(db, logger), cfg.Persistence.Cache, metrics)

	opts := []relay.Option{
		relay.WithLogger(logger.WithPrefix("relay")),
		relay.WithMetrics(metrics),
		relay.WithGatherer(registry),
		relay.WithHealthChecker(checker),
		relay.WithAuth(auth.NewService(cfg.Relay.JWTSecret)),
	}
	if cfg.Relay.JWTSecret == "" {
		logger.Warn("No JWT secret configured; the relay accepts unauthenticated clients", nil)
	}

	if cfg.Redis.Enabled {
		client, err := redis.NewClient(cfg.RedisClientConfig(), logger.WithPrefix("redis"))
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		checker.RegisterCheck(health.NewRedisHealthCheck("redis", client.Universal()))

		fanout := relay.NewFanout(client.Universal(), cfg.Redis.ChannelPrefix, logger)
		if err := fanout.Subscribe(ctx); err != nil {
			return err
		}
		opts = append(opts, relay.WithFanout(fanout))
	}

	server := relay.NewServer(relayConfig(cfg), store, opts...)
	return server.Run(ctx, cfg.Relay.ListenAddress)
}

func relayConfig(cfg *config.Config) relay.Config {
	rc := relay.DefaultConfig()
	rc.MaxMessageSize = cfg.Relay.MaxMessageSize
	rc.PingInterval = cfg.Relay.PingInterval
	rc.WriteTimeout = cfg.Relay.WriteTimeout
	rc.ReadTimeout = cfg.Relay.ReadTimeout
	rc.IdleTimeout = cfg.Relay.IdleTimeout
	rc.AllowedOrigins = cfg.Relay.AllowedOrigins
	rc.TombstoneRetention = cfg.Persistence.TombstoneRetention
	rc.PurgeInterval = cfg.Persistence.PurgeInterval
	return rc
}

// probe returns the process exit code for -health-check
func probe(listenAddress string) int {
	_, port, err := net.SplitHostPort(listenAddress)
	if err != nil || port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
	if err != nil {
		log.Printf("Health check failed: %v", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		log.Printf("Health check failed with status: %d", resp.StatusCode)
		return 1
	}
	return 0
}
