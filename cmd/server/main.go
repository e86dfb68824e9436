package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transport-backend/internal/api/handlers"
	"transport-backend/internal/api/routes"
	"transport-backend/internal/config"
	"transport-backend/internal/repository"
	"transport-backend/internal/services"
	"transport-backend/internal/websocket"
	"transport-backend/pkg/batch"
	"transport-backend/pkg/cache"
	"transport-backend/pkg/cleanup"
	"transport-backend/pkg/database"
	"transport-backend/pkg/events"
	"transport-backend/pkg/jwt"
	"transport-backend/pkg/logger"
	"transport-backend/pkg/metrics"
	"transport-backend/pkg/ratelimit"
	"transport-backend/pkg/redis"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *logrus.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	// Storage
	var (
		store services.Store
		db    *mongo.Database
	)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		log.Warn("using in-memory store; data is lost on restart")
		store = repository.NewMemoryStore()
	default:
		db, err = database.Connect(ctx, cfg.Mongo, log)
		if err != nil {
			return err
		}
		closers = append(closers, func() error { return database.Disconnect(context.Background(), db.Client()) })

		mongoStore := repository.NewMongoStore(db)
		if err := mongoStore.CreateIndexes(ctx); err != nil {
			return err
		}
		store = mongoStore
	}

	// Redis backs the candidate cache, the snapshot mirror and rate limits.
	var (
		redisClient  *redis.Client
		cacheManager *cache.RedisCacheManager
	)
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(cfg.Redis, log)
		closers = append(closers, redisClient.Close)

		healthStatus := redisClient.HealthCheck(ctx)
		if healthStatus.IsConnected {
			log.WithField("address", healthStatus.ConnectionInfo).Info("redis connected")
		} else {
			log.WithField("error", healthStatus.Error).Warn("redis connection failed, will retry automatically")
		}

		cacheConfig := cache.DefaultCacheConfig()
		cacheConfig.CandidateListTTL = cfg.Matcher.CandidateCacheTTL
		cacheConfig.SnapshotTTL = cfg.Tracking.SnapshotCacheTTL
		cacheManager = cache.NewRedisCacheManager(redisClient, cacheConfig, log)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Tracking and fan-out
	tracker := services.NewTrackingService(cfg.Tracking, log)
	tracker.SetMetrics(m)

	hub := websocket.NewManager(cfg.WebSocket, tracker, log)
	hub.SetMetrics(m)
	hub.SetAllowedOrigins(cfg.AllowedOrigins)

	bus := events.NewBus(hub)
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.PublishSnapshots)
		bus.Register(kafka)
		closers = append(closers, kafka.Close)
		log.WithField("topic", cfg.Kafka.Topic).Info("publishing events to kafka")
	}
	tracker.SetPublisher(bus)

	var mirror batch.SnapshotMirror
	if cacheManager != nil {
		mirror = cacheManager
		tracker.SetMirror(cacheManager)
	}
	writer := batch.NewBatchProcessor(batch.FromTrackingConfig(cfg.Tracking), store, mirror, log)
	if err := writer.Start(); err != nil {
		return err
	}
	closers = append(closers, writer.Stop)
	tracker.SetSink(writer)

	recovered, err := tracker.Recover(ctx, store)
	if err != nil {
		return err
	}
	log.WithField("sessions", recovered).Info("tracking sessions recovered")

	// Assignment
	assignments := services.NewAssignmentService(store, services.NewSafetyValidator(cfg.Matcher), cfg.Matcher, log)
	assignments.SetPublisher(bus)
	assignments.SetTracker(tracker)
	assignments.SetMetrics(m)
	if cacheManager != nil {
		assignments.SetCacheManager(cacheManager)
	}

	// Rate limiting
	var (
		limiter       ratelimit.RateLimiter
		memoryLimiter *ratelimit.MemoryRateLimiter
	)
	if cfg.RateLimit.Enabled {
		limitConfig := ratelimit.FromConfig(cfg.RateLimit)
		if redisClient != nil {
			limiter = ratelimit.NewRedisRateLimiter(redisClient, limitConfig)
		} else {
			memoryLimiter = ratelimit.NewMemoryRateLimiter(limitConfig)
			limiter = memoryLimiter
		}
	}

	// HTTP
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), logger.GinMiddleware(log))

	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Protocol"},
		ExposeHeaders: []string{"Content-Length", "Retry-After", "X-RateLimit-Limit", "X-Poll-Interval"},
	}
	// Wildcard origin is for development; credentials cannot be used with it.
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	router.Use(cors.New(corsConfig))

	routes.SetupRoutes(router, routes.Dependencies{
		Assignments:  assignments,
		Availability: services.NewAvailabilityService(store),
		Tracking:     tracker,
		Hub:          hub,
		Health:       handlers.NewHealthHandler(db, redisClient, writer),
		JWT:          jwt.NewJWTUtil(cfg.JWT),
		Limiter:      limiter,
		Gatherer:     registry,
		PollInterval: cfg.Tracking.DeliveryInterval,
		Log:          log,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Start(gctx)
	})
	g.Go(func() error {
		interval := cfg.Tracking.ClosedRetention / 2
		if interval <= 0 {
			interval = time.Minute
		}
		return cleanup.NewCleanupService(tracker, interval, cfg.Tracking.ClosedRetention, log).Run(gctx)
	})
	if memoryLimiter != nil {
		g.Go(func() error { return memoryLimiter.Run(gctx) })
	}
	g.Go(func() error {
		log.WithField("port", cfg.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return multierr.Combine(server.Shutdown(shutdownCtx), hub.Stop())
	})

	return g.Wait()
}
