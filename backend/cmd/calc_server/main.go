package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"calcsync/backend/config"
	"calcsync/backend/internal/cache"
	"calcsync/backend/internal/collab"
	"calcsync/backend/internal/httpapi/handlers"
	"calcsync/backend/internal/httpapi/middleware"
	"calcsync/backend/internal/lock"
	"calcsync/backend/internal/logger"
	"calcsync/backend/internal/pubsub"
	"calcsync/backend/internal/retry"
	"calcsync/backend/internal/room"
	"calcsync/backend/internal/store"
	"calcsync/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	zl, err := logger.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instanceID := ulid.Make().String()
	zl = zl.With(zap.String("instance", instanceID))
	ns := cfg.Cache.Namespace
	policy := retry.Policy{
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		MaxTries:        cfg.Retry.MaxTries,
	}

	// 一个地址用单机客户端，多个地址用集群
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Redis 不可用时降级为 L1-only，后台按退避重新探测
		zl.Warn("redis unreachable at startup, cache starts degraded", zap.Error(err))
	}

	// === 缓存 ===
	tiered, err := cache.NewTiered(
		cache.NewLocal(cfg.Cache.L1MaxEntries, cfg.Cache.L1MaxBytes),
		cache.NewRemote(rdb),
		cache.Options{
			Namespace:         ns,
			DefaultTTL:        cfg.Cache.DefaultTTL,
			TagTTL:            cfg.Cache.TagTTL,
			CompressThreshold: cfg.Cache.CompressThreshold,
			TTLJitter:         cfg.Cache.TTLJitter,
			Retry:             policy,
			Logger:            zl,
		})
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer tiered.Close()

	bus := pubsub.NewBus(ctx, rdb, policy, zl)
	defer bus.Close()

	cascades, err := cache.NewCascades(cache.DefaultCascades())
	if err != nil {
		return fmt.Errorf("cascade rules: %w", err)
	}
	invalidator := cache.NewInvalidator(tiered, cascades, bus, instanceID, zl)
	if err := invalidator.Start(ctx); err != nil {
		zl.Warn("cross-instance invalidation disabled", zap.Error(err))
	}
	defer invalidator.Stop()

	locker := lock.NewLocker(rdb, ns, zl)
	limiter := lock.NewLimiter(rdb, ns, lock.LimiterOptions{
		Limit:  cfg.RateLimit.Limit,
		Window: cfg.RateLimit.Window,
		Logger: zl,
	})
	calcs := cache.NewCalculations(tiered, locker, cache.CalcOptions{TTL: cfg.Cache.CalcTTL, Logger: zl})

	// === MySQL（可选）===
	var db *gorm.DB
	if cfg.Mysql.DSN != "" {
		if db, err = store.InitMySQL(cfg.Mysql.DSN); err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
	} else {
		zl.Info("mysql dsn empty, subject checks and result history disabled")
	}
	subjects := store.NewSubjectStore(db, tiered, cfg.Cache.TTLFor("estimate"))
	var sinks []collab.ResultSink
	var history ws.ResultHistory
	if db != nil {
		results := store.NewResultStore(db)
		sinks = append(sinks, results)
		history = results
	}

	// === Kafka（可选）===
	var kafka *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		kafka = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(8), collab.KafkaDispatcherOptions{
			QueueSize: 10_000,
			Workers:   4,
			Retry:     policy,
			Logger:    zl,
		})
		sinks = append(sinks, kafka)
	}

	// === 房间 / 协作 ===
	hub := ws.NewHub()
	broadcaster := pubsub.NewBroadcaster(bus, ns, instanceID, zl)
	rooms := room.NewCoordinator(rdb, cache.NewRedisPresence(rdb, ns, nil), broadcaster, hub, room.Options{
		Namespace:   ns,
		IdleTimeout: cfg.Collab.RoomIdleTimeout,
		PresenceTTL: cfg.Collab.PresenceTTL,
		VersionTTL:  cfg.Collab.VersionTTL,
		Logger:      zl,
	})
	calculator := collab.NewHTTPCalculator(cfg.Calculator.Path, cfg.Calculator.Timeout)
	dispatcher := collab.NewDispatcher(calcs, calculator, rooms,
		collab.NewSemaphoreControl(cfg.Collab.MaxConcurrentCalcs),
		collab.DispatcherOptions{
			Delay:   cfg.Collab.DebounceDelay,
			Timeout: cfg.Collab.CalcTimeout,
			Logger:  zl,
		}, sinks...)
	manager := ws.NewManager(hub, rooms, dispatcher, limiter, subjects, history, ws.Options{
		InboundRPS:   cfg.RateLimit.InboundRPS,
		InboundBurst: cfg.RateLimit.InboundBurst,
		Logger:       zl,
	})

	// === HTTP ===
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	r.GET("/healthz", handlers.Health(tiered, hub.Count, rooms.Count))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.AuthMiddleware(middleware.AuthOptions{
		BaseURL:   cfg.Auth.Path,
		JWTSecret: cfg.Auth.JWTSecret,
		Disabled:  cfg.Auth.Disabled,
		Logger:    zl,
	})
	r.GET("/ws", auth, manager.WebSocketConnect)
	api := r.Group("/v1", auth)
	api.GET("/me", handlers.Me)
	handlers.NewAdmin(tiered, invalidator, limiter, rooms).Register(api)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		rooms.Run(gctx, cfg.Collab.SweepInterval)
		return nil
	})
	g.Go(func() error {
		hub.RunHeartbeat(gctx, cfg.Collab.HeartbeatInterval, rooms.Count)
		return nil
	})
	g.Go(func() error {
		tiered.RunJanitor(gctx, cfg.Cache.PurgeInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zl.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// 先停止接收新连接，再断开现有 socket
		err := srv.Shutdown(shutdownCtx)
		hub.CloseAll()
		// 未触发的防抖任务直接丢弃，等待正在进行的计算
		if derr := dispatcher.Close(shutdownCtx); derr != nil {
			zl.Warn("dispatcher drain", zap.Error(derr))
		}
		if kafka != nil {
			if kerr := kafka.Close(shutdownCtx); kerr != nil {
				zl.Warn("kafka drain", zap.Error(kerr))
			}
		}
		return err
	})
	return g.Wait()
}
