package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/marketlens/configs"
	"github.com/navid-fn/marketlens/internal/app"
	"github.com/navid-fn/marketlens/internal/invalidation"
	"github.com/navid-fn/marketlens/internal/publisher"
	"github.com/navid-fn/marketlens/internal/server/handler"
	"github.com/navid-fn/marketlens/internal/server/router"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := configs.AppLoad()
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	logger := configs.NewLogger(cfg.LogLevel)

	if cfg.PyroscopeServer != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "marketlens",
			ServerAddress:   cfg.PyroscopeServer,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logger.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, app.BuildAdapters(cfg.Sources, logger), logger)
	a.Core.Start(ctx)

	var wg sync.WaitGroup
	startIntake(ctx, &wg, cfg, a.Router, logger)

	var pub *publisher.KafkaPublisher
	if cfg.Kafka.Broker != "" && cfg.Kafka.UpdatesTopic != "" {
		producer, err := publisher.NewKafkaProducer(cfg.Kafka.Broker)
		if err != nil {
			logger.Fatalf("%v", err)
		}
		pub = publisher.NewKafkaPublisher(producer, cfg.Kafka.UpdatesTopic, logger)
		if err := a.Core.PublishUpdates(ctx, pub); err != nil {
			logger.Warnf("live republish disabled: %v", err)
		}
	}

	engine := router.NewRouter(&router.Config{
		MarketHandler: handler.NewMarketHandler(a.Core, logger),
		StreamHandler: handler.NewStreamHandler(a.Core, logger),
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("HTTP API listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown: %v", err)
	}
	wg.Wait()

	// Subscriptions close before the producer flushes.
	a.Core.Cleanup()
	if pub != nil {
		pub.Close()
		st := pub.Stats()
		logger.Infof("[kafka] published %d updates to %s (%d failed)", st.Sent, st.Topic, st.Failed)
	}
	logger.Info("shutdown complete")
}

// startIntake runs the change-event listeners that are configured.
func startIntake(ctx context.Context, wg *sync.WaitGroup, cfg *configs.AppConfig, r *invalidation.Router, logger *logrus.Logger) {
	if cfg.Kafka.Broker != "" && cfg.Kafka.ChangeTopic != "" {
		consumer, err := invalidation.NewKafkaConsumer(invalidation.KafkaConfig{
			Brokers: cfg.Kafka.Broker,
			GroupID: cfg.Kafka.GroupID,
			Topic:   cfg.Kafka.ChangeTopic,
		})
		if err != nil {
			logger.Errorf("kafka intake disabled: %v", err)
		} else {
			l := invalidation.NewKafkaListener(consumer, cfg.Kafka.ChangeTopic, r, logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := l.Run(ctx); err != nil {
					logger.Errorf("kafka intake stopped: %v", err)
				}
			}()
		}
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		l := invalidation.NewRedisListener(client, cfg.Redis.Pattern, r, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer client.Close()
			if err := l.Run(ctx); err != nil {
				logger.Errorf("redis intake stopped: %v", err)
			}
		}()
	}
}
