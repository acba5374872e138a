// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/pubsub"

	"icecrystal/internal/actor"
	"icecrystal/internal/cluster"
	"icecrystal/internal/config"
	"icecrystal/internal/domain/ports/repository"
	"icecrystal/internal/infra/db"
	"icecrystal/internal/infra/db/mongodb"
	pg "icecrystal/internal/infra/db/postgres"
	"icecrystal/internal/infra/logging"
	"icecrystal/internal/infra/metrics"
	red "icecrystal/internal/infra/redis"
	"icecrystal/internal/infra/web"
	"icecrystal/internal/pipeline"
	"icecrystal/internal/snowflake"
)

// Overridden at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, no sampling)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Relational store ----
	pool, err := pg.NewPgxPool(ctx, cfg.Relational.URL, cfg.Relational.PoolSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	creditsRepo := pg.NewCreditsRepo(pool)

	// ---- Legacy document store (optional, migration-era) ----
	var legacy db.Legacy
	if cfg.Document.Enabled {
		legacyRepo, err := mongodb.NewLegacyRepo(ctx, &cfg.Document)
		if err != nil {
			logger.Fatal().Err(err).Msg("mongodb")
		}
		defer legacyRepo.Close(ctx)
		legacy = legacyRepo
	}

	gateway := db.NewGateway(creditsRepo, legacy, logger)
	gateway.Start(ctx)
	defer gateway.Close()

	// ---- Redis change-log (optional dedup) ----
	var changelog *red.ChangeLog
	if cfg.Redis.URL != "" {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer redisClient.Close()
		changelog = red.NewChangeLog(redisClient, cfg.Redis.TTL)
	} else {
		logger.Warn().Msg("redis not configured; duplicate deliveries will reach the actors")
	}

	// ---- Actors and cluster routing ----
	supervisor := actor.NewSupervisor(gateway, cfg.JobCap, actor.Options{
		IdleTimeout: cfg.IdleTimeout(),
		MailboxSize: cfg.Actor.MailboxSize,
	}, logger)

	self := cluster.Node{ID: cfg.Cluster.NodeID, Addr: cfg.Cluster.Advertise}
	router := cluster.NewRouter(self, supervisor, cluster.NewHTTPClient(), cfg.RPCTimeout(), logger)

	var discovery cluster.Discovery
	switch cfg.Cluster.Discovery {
	case "dns":
		discovery = cluster.NewDNSDiscovery(cfg.Cluster.Selector, cfg.Cluster.Refresh, logger)
	case "static":
		discovery = cluster.NewStaticDiscovery(cfg.Cluster.Peers)
	default:
		logger.Fatal().Str("discovery", cfg.Cluster.Discovery).Msg("unknown discovery mode")
	}
	go func() {
		if err := router.Run(ctx, discovery); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("membership watch stopped")
		}
	}()

	rpc := &http.Server{Addr: cfg.Cluster.Bind, Handler: cluster.NewServer(router, logger).Handler()}
	go func() {
		logger.Info().Str("addr", cfg.Cluster.Bind).Msg("cluster rpc listening")
		if err := rpc.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("cluster rpc server")
		}
	}()

	// ---- Event pipeline ----
	bus, err := pubsub.NewClient(ctx, cfg.Bus.ProjectID)
	if err != nil {
		logger.Fatal().Err(err).Msg("pubsub")
	}
	defer bus.Close()

	var audit *pipeline.AuditPublisher
	if cfg.Bus.AuditTopic != "" {
		ids, err := snowflake.NewHostGenerator(snowflake.DefaultEpoch)
		if err != nil {
			logger.Warn().Err(err).Msg("no private address for id generation, using worker 0")
			ids = snowflake.NewGenerator(snowflake.DefaultEpoch, 0)
		}
		audit = pipeline.NewAuditPublisher(bus.Topic(cfg.Bus.AuditTopic), ids, logger)
	}

	producer := pipeline.NewProducer(bus, cfg.Bus, cfg.Pipeline, logger)
	go func() {
		if err := producer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("producer stopped")
		}
	}()

	pipelinePool := pipeline.NewPool(pipeline.PoolOptions{
		Deliveries: producer.Deliveries(),
		Dispatch:   router,
		ChangeLog:  changeLogOrNil(changelog),
		Audit:      audit,
		Workers:    cfg.Pipeline.Processors,
	}, logger)
	go pipelinePool.Run(ctx)

	// ---- Ops server ----
	ops := web.NewServer(router, producer, logger)
	go func() {
		if err := ops.Run(ctx, fmt.Sprintf(":%d", cfg.Ops.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("ops server")
		}
	}()

	logger.Info().
		Str("node_id", cfg.Cluster.NodeID).
		Int("processors", cfg.Pipeline.Processors).
		Msg("icecrystal up")

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")
	cancel()
	_ = rpc.Close()
	supervisor.Shutdown()
}

// changeLogOrNil keeps the pool's nil check honest: a nil *ChangeLog inside
// a non-nil interface would dodge it.
func changeLogOrNil(cl *red.ChangeLog) repository.ChangeLog {
	if cl == nil {
		return nil
	}
	return cl
}
