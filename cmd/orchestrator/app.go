package main

import (
	"context"
	"fmt"
	"time"

	"aiorchestrator/internal/admission"
	"aiorchestrator/internal/cache"
	"aiorchestrator/internal/conf"
	"aiorchestrator/internal/events"
	"aiorchestrator/internal/orchestrator"
	"aiorchestrator/internal/persistence"
	"aiorchestrator/internal/provider"
	"aiorchestrator/internal/queue"
	"aiorchestrator/internal/registry"
	"aiorchestrator/internal/server"
	"aiorchestrator/pkg/metrics"
	"aiorchestrator/pkg/observability"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// buildApp 组装全部组件
func buildApp(cfg *Config, logger log.Logger) (*kratos.App, func(), error) {
	helper := log.NewHelper(logger)
	clock := clockwork.NewRealClock()
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// 追踪
	shutdown, err := observability.InitTracing(context.Background(), observability.TracingConfig{
		ServiceName:    Name,
		ServiceVersion: Version,
		Environment:    cfg.Trace.Environment,
		Endpoint:       cfg.Trace.Endpoint,
		SamplingRate:   cfg.Trace.SamplingRate,
		Enabled:        cfg.Trace.Enabled,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init tracing: %w", err)
	}
	cleanups = append(cleanups, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			helper.Warnf("tracing shutdown: %v", err)
		}
	})

	// 预置资源
	bootstrap, err := conf.LoadBootstrap(cfg.Bootstrap)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("load bootstrap: %w", err)
	}

	// 实例注册表与选择器
	reg := registry.NewRegistry(clock, logger)
	strategy := registry.Strategy(cfg.Orchestrator.Strategy)
	sel := registry.NewSelector(reg, strategy, logger)
	invoker := provider.NewHTTPInvoker(dur(cfg.Orchestrator.ProviderTimeout, 60*time.Second), logger)
	hc := registry.NewHealthChecker(reg, invoker,
		dur(cfg.Orchestrator.HealthCheckInterval, registry.DefaultHealthCheckInterval), clock, logger)

	// 准入控制
	monCfg := admission.DefaultLoadMonitorConfig()
	monCfg.Interval = dur(cfg.Orchestrator.LoadMonitor.Interval, monCfg.Interval)
	monCfg.Window = dur(cfg.Orchestrator.LoadMonitor.Window, monCfg.Window)
	if cfg.Orchestrator.LoadMonitor.Threshold > 0 {
		monCfg.Threshold = cfg.Orchestrator.LoadMonitor.Threshold
	}
	mon := admission.NewLoadMonitor(monCfg, clock, logger)
	lim := admission.NewLimiter(mon, clock, logger)
	lim.OnFailOpen = func(endpoint string) {
		metrics.AdmissionFailOpen.WithLabelValues(endpoint).Inc()
	}

	// 响应缓存
	cacheCfg := cache.DefaultConfig()
	if cfg.Orchestrator.Cache.MaxEntries > 0 {
		cacheCfg.MaxEntries = cfg.Orchestrator.Cache.MaxEntries
	}
	if cfg.Orchestrator.Cache.MaxTotalSizeMB > 0 {
		cacheCfg.MaxTotalSize = int64(cfg.Orchestrator.Cache.MaxTotalSizeMB) << 20
	}
	cacheCfg.DefaultTTL = dur(cfg.Orchestrator.Cache.DefaultTTL, cacheCfg.DefaultTTL)
	cacheCfg.SweepInterval = dur(cfg.Orchestrator.Cache.SweepInterval, cacheCfg.SweepInterval)
	for kind, ttl := range bootstrap.CacheTTL {
		cacheCfg.KindTTL[kind] = ttl
	}
	respCache := cache.NewResponseCache(cacheCfg, clock, logger)

	// 任务队列
	queueCfg := queue.Config{
		Capacity:          cfg.Orchestrator.Queue.Capacity,
		MaxDeadLetters:    cfg.Orchestrator.Queue.MaxDeadLetters,
		BackoffBase:       dur(cfg.Orchestrator.Queue.BackoffBase, 0),
		BackoffMax:        dur(cfg.Orchestrator.Queue.BackoffMax, 0),
		DefaultMaxRetries: cfg.Orchestrator.Queue.DefaultMaxRetries,
		DefaultTimeout:    dur(cfg.Orchestrator.Queue.DefaultTimeout, 0),
		TerminalTTL:       dur(cfg.Orchestrator.Queue.TerminalTTL, 0),
	}
	q := queue.NewQueue(queueCfg, clock, logger)

	schedCfg := queue.SchedulerConfig{
		TickInterval: dur(cfg.Orchestrator.Scheduler.TickInterval, queue.DefaultTickInterval),
	}
	for _, slot := range cfg.Orchestrator.Scheduler.Slots {
		schedCfg.Slots = append(schedCfg.Slots, queue.WorkerSlot{
			Name:        slot.Name,
			Kinds:       slot.Kinds,
			Concurrency: slot.Concurrency,
		})
	}

	// 数据层
	var (
		store   persistence.Store           = persistence.NopStore{}
		archive persistence.DeadLetterArchive = persistence.NopArchive{}
		idem    *persistence.IdempotencyStore
	)
	var redisClient *redis.Client
	if cfg.Data.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Data.Redis.Addr,
			Password: cfg.Data.Redis.Password,
			DB:       cfg.Data.Redis.DB,
		})
		cleanups = append(cleanups, func() {
			if err := redisClient.Close(); err != nil {
				helper.Warnf("close redis: %v", err)
			}
		})
		store = persistence.NewRedisStore(redisClient, 0, logger)
		idem = persistence.NewIdempotencyStore(redisClient, 24*time.Hour)
	}
	if cfg.Data.SQLite.Path != "" {
		db, err := gorm.Open(sqlite.Open(cfg.Data.SQLite.Path), &gorm.Config{})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		gs, err := persistence.NewGormStore(db, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("init gorm store: %w", err)
		}
		archive = gs
		if redisClient == nil {
			store = gs
		}
		cleanups = append(cleanups, func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		})
	}

	// 事件发布
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Data.Kafka.Enabled {
		pubCfg := events.DefaultPublisherConfig()
		if len(cfg.Data.Kafka.Brokers) > 0 {
			pubCfg.Brokers = cfg.Data.Kafka.Brokers
		}
		if cfg.Data.Kafka.Topic != "" {
			pubCfg.Topic = cfg.Data.Kafka.Topic
		}
		kp, err := events.NewKafkaPublisher(pubCfg)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("init kafka publisher: %w", err)
		}
		publisher = kp
	}

	// 编排器
	orch := orchestrator.New(reg, sel, hc, lim, mon, respCache, q, invoker, schedCfg,
		store, archive, publisher,
		orchestrator.Options{
			SnapshotInterval: dur(cfg.Orchestrator.SnapshotInterval, 0),
			DefaultTier:      admission.Tier(cfg.Orchestrator.DefaultTier),
		}, clock, logger)
	if idem != nil {
		orch.SetIdempotencyStore(idem)
	}

	// 预置实例与规则
	for _, spec := range bootstrap.Instances {
		if err := orch.RegisterInstance(spec.Instance()); err != nil {
			helper.Warnf("bootstrap instance %s: %v", spec.ID, err)
		}
	}
	for _, spec := range bootstrap.Rules {
		if err := orch.AddRule(spec.Rule()); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("bootstrap rule %s: %w", spec.ID, err)
		}
	}

	httpSrv := server.NewHTTPServer(orch, cfg.Server.HTTP.Addr, logger)
	return newApp(logger, orch, httpSrv), cleanup, nil
}
