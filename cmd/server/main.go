package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/alert"
	"github.com/reachflow/pulse/internal/api"
	"github.com/reachflow/pulse/internal/auth"
	"github.com/reachflow/pulse/internal/broker"
	"github.com/reachflow/pulse/internal/cache"
	"github.com/reachflow/pulse/internal/config"
	"github.com/reachflow/pulse/internal/ingest"
	"github.com/reachflow/pulse/internal/queue"
	"github.com/reachflow/pulse/internal/registry"
	"github.com/reachflow/pulse/internal/store"
)

func main() {
	cfg, err := config.Load("./config")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var logger *zap.Logger
	if cfg.App.Environment == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	nc, err := connectNATS(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()
	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	metrics, err := store.NewMetricStore(logger, cfg.Store.Path)
	if err != nil {
		logger.Fatal("Failed to open metric store", zap.Error(err))
	}
	defer metrics.Close()

	alertEvents, err := store.NewAlertEventStore(logger, metrics)
	if err != nil {
		logger.Fatal("Failed to open alert event store", zap.Error(err))
	}

	var liveCache cache.LiveCache
	if cfg.Cache.RedisAddr != "" {
		liveCache, err = cache.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
	} else {
		logger.Info("No Redis configured, using in-process cache")
		liveCache = cache.NewMemory()
	}
	defer liveCache.Close()

	eventQueue, err := queue.NewEventQueue(js, cfg.Queue.MaxDepth, logger)
	if err != nil {
		logger.Fatal("Failed to create event queue", zap.Error(err))
	}

	ingestor := ingest.NewIngestor(eventQueue, metrics, liveCache, nc, ingest.Config{
		Interval:  cfg.Ingest.Interval,
		BatchSize: cfg.Ingest.BatchSize,
		CacheTTL:  cfg.Cache.TTL,
	}, logger)

	natsDispatcher, err := alert.NewNATSDispatcher(js, logger)
	if err != nil {
		logger.Fatal("Failed to create alert dispatcher", zap.Error(err))
	}
	dispatcher := alert.MultiDispatcher{
		alert.NewHistoryDispatcher(alertEvents),
		natsDispatcher,
	}

	engine := alert.NewEngine(metrics, dispatcher, alert.Config{
		Interval:        cfg.Alerts.Interval,
		RateLimitWindow: cfg.Alerts.RateLimitWindow,
		MaxPerWindow:    cfg.Alerts.MaxPerWindow,
	}, logger)

	connRegistry := registry.NewRegistry(cfg.Registry.HeartbeatInterval, logger)
	subBroker := broker.NewBroker(connRegistry, broker.DefaultChannels(),
		broker.DefaultProviders(liveCache, metrics, alertEvents, eventQueue), js, nc, logger)
	connRegistry.SetEvictHandler(func(sess *registry.Session) {
		subBroker.UnsubscribeAll(sess.ID)
	})

	authenticator := auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	server := api.NewServer(api.ServerConfig{Addr: cfg.HTTP.Addr},
		authenticator, eventQueue, ingestor, metrics, alertEvents, engine,
		connRegistry, subBroker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ingestor.Start(ctx); err != nil {
		logger.Fatal("Failed to start ingestor", zap.Error(err))
	}
	if err := engine.Start(ctx); err != nil {
		logger.Fatal("Failed to start alert engine", zap.Error(err))
	}
	if err := connRegistry.Start(ctx); err != nil {
		logger.Fatal("Failed to start connection registry", zap.Error(err))
	}
	if err := subBroker.Start(ctx); err != nil {
		logger.Fatal("Failed to start subscription broker", zap.Error(err))
	}
	if err := server.Start(ctx); err != nil {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	// Nightly retention sweep over metric points and alert history.
	sweeper := cron.New()
	_, err = sweeper.AddFunc("0 3 * * *", func() {
		cutoff := time.Now().Add(-cfg.Store.Retention)
		sweepCtx, sweepCancel := context.WithTimeout(context.Background(), time.Minute)
		defer sweepCancel()
		if err := metrics.DeleteBefore(sweepCtx, cutoff); err != nil {
			logger.Error("Metric retention sweep failed", zap.Error(err))
		}
		if err := alertEvents.DeleteBefore(sweepCtx, cutoff); err != nil {
			logger.Error("Alert history retention sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		logger.Fatal("Failed to schedule retention sweep", zap.Error(err))
	}
	sweeper.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	server.Stop()
	subBroker.Stop()
	connRegistry.Stop()
	engine.Stop()
	ingestor.Stop()
	<-sweeper.Stop().Done()
	cancel()

	logger.Info("Server shut down gracefully")
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		nc, err = nats.Connect(cfg.NATS.URLs[0], opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(attempt))
	}
	return nil, err
}
