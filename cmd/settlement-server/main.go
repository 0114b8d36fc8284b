package main

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"settlement-core/internal/chain"
	"settlement-core/internal/handler"
	"settlement-core/internal/ledger"
	"settlement-core/internal/model"
	"settlement-core/internal/server"
	"settlement-core/internal/service"
	"settlement-core/internal/service/mq"
	"settlement-core/internal/service/nonce"
	"settlement-core/internal/service/observer"
	"settlement-core/internal/wallet"
	"settlement-core/internal/worker"
	"settlement-core/pkg/cache"
	"settlement-core/pkg/config"
	"settlement-core/pkg/database"
	"settlement-core/pkg/lock"
	"settlement-core/pkg/logger"
	"settlement-core/pkg/monitor"
	"settlement-core/pkg/validator"
)

func main() {
	// 0. 初始化 Config / Validator / Logger / Metrics
	config.Init()
	validator.Init()
	logger.Init(config.Global.App.Env)
	defer logger.Sync()
	monitor.Init()

	cfg := config.Global
	st := cfg.Settlement
	ctx := context.Background()

	// 1. 加载工作钱包私钥
	signer, err := wallet.LoadSigner(cfg.Wallet)
	if err != nil {
		logger.Fatal("加载工作钱包失败", zap.Error(err))
	}
	workingAddress := signer.Address().Hex()
	logger.Info("工作钱包已加载", zap.String("address", workingAddress))

	// 2. 连接数据库
	db, err := database.ConnectPostgres(cfg.DB.DSN(), cfg.App.Env == "development")
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}
	if cfg.App.Env == "development" {
		logger.Info("开发环境: 自动迁移 Schema (GORM AutoMigrate)...")
		if err := db.AutoMigrate(model.AllModels()...); err != nil {
			logger.Fatal("数据库自动迁移失败", zap.Error(err))
		}
	} else {
		logger.Info("生产环境: 跳过 AutoMigrate，请使用 migrate 工具管理 Schema")
	}
	store := ledger.NewGormStore(db)

	// 3. 连接 Redis (不可用时降级运行: nonce 退化为进程内锁 + 本地缓存)
	rdb, err := database.ConnectRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis 不可用，以降级模式启动", zap.Error(err))
	}
	locker := lock.NewRedisLock(rdb)

	// 4. 连接节点
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := chain.Dial(dialCtx, cfg.Chain.RpcUrl, cfg.Chain.ChainID)
	cancel()
	if err != nil {
		logger.Fatal("节点连接失败", zap.Error(err))
	}

	var workerOpts []service.WorkerOption
	var submitter *chain.RPCSubmitter
	if cfg.Chain.SubmitApiUrl != "" {
		submitter, err = chain.DialSubmitter(ctx, cfg.Chain.SubmitApiUrl)
		if err != nil {
			logger.Warn("交易提交通道不可用，仅使用节点广播", zap.Error(err))
		} else {
			workerOpts = append(workerOpts, service.WithSubmitter(submitter))
		}
	}

	// 5. 缓存: L1 go-cache, L2 Redis
	localCache := cache.NewMemoryCache(time.Minute, 5*time.Minute)
	redisCache := cache.NewRedisCache(rdb, "settlement:")
	multiCache := cache.NewMultiLevelCache(localCache, redisCache)

	// 6. Nonce 分配器
	nonces := nonce.New(client, cache.NewMemoryCache(st.NonceCacheTTL, 10*time.Minute),
		nonce.WithSharedCache(redisCache),
		nonce.WithDistributedLock(locker),
		nonce.WithCacheTTL(st.NonceCacheTTL),
		nonce.WithLockTTL(st.NonceLockTTL),
	)

	// 7. 业务服务
	eps := st.EpsilonDecimal()
	depositService := service.NewDepositService(store, service.DepositConfig{
		WorkingAddress: workingAddress,
		Epsilon:        eps,
		TTL:            st.DepositTTL,
		MaxOffsetUnits: st.MaxOffsetUnits,
	})
	withdrawService := service.NewWithdrawService(store, client, multiCache, workingAddress, st.BalanceCacheTTL)

	// 8. 后台任务
	watcher := observer.NewDepositWatcher(store, client, observer.WatcherConfig{
		WorkingAddress:        workingAddress,
		RequiredConfirmations: st.RequiredConfirmations,
		Epsilon:               eps,
		StartBlock:            st.StartBlock,
		MaxBlocksPerTick:      st.MaxBlocksPerTick,
		ClockSkew:             st.ClockSkew,
	}, observer.WithScanLock(locker))
	tracker := observer.NewConfirmationTracker(store, client, st.RequiredConfirmations)
	withdrawalWorker := service.NewWithdrawalWorker(store, client, signer, nonces, service.WorkerConfig{
		BatchSize:      st.BatchSize,
		MaxRetries:     st.MaxRetries,
		StuckThreshold: st.StuckThreshold,
		GasLimit:       cfg.Chain.GasLimit,
	}, workerOpts...)

	// 9. 消息队列 + outbox 中继
	var producer mq.Producer
	if strings.EqualFold(cfg.Redis.MQType, "kafka") {
		logger.Info("使用 Kafka 作为消息队列...", zap.Strings("brokers", cfg.Kafka.Brokers))
		producer = mq.NewKafkaProducer(cfg.Kafka.Brokers)
	} else {
		logger.Info("使用 Redis Streams 作为消息队列...")
		producer = mq.NewRedisProducer(rdb, 100000)
	}
	relay := service.NewRelayService(store, producer)

	runner := worker.NewRunner()
	runner.Add(watcher, st.ScanInterval)
	runner.Add(tracker, st.ConfirmInterval)
	runner.Add(withdrawalWorker, st.WithdrawInterval)
	runner.Add(relay, st.RelayInterval)
	runner.Start(ctx)

	// 10. 定时任务: 过期充值单
	cronService := service.NewCronService(store, locker, st.ExpiryCron)
	if err := cronService.Start(); err != nil {
		logger.Fatal("定时任务启动失败", zap.Error(err))
	}

	// 11. HTTP
	router := server.NewHTTPRouter(server.Handlers{
		Deposit:  handler.NewDepositHandler(depositService),
		Withdraw: handler.NewWithdrawHandler(withdrawService),
		Health: handler.NewHealthHandler(map[string]handler.Checker{
			"db": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"chain": func(ctx context.Context) error {
				_, err := client.CurrentHeight(ctx)
				return err
			},
		}),
	})

	app := server.New(server.Config{HttpPort: cfg.App.HttpPort}, router)

	// 关闭顺序: 后台任务 -> nonce 分配器 -> HTTP -> 底层连接
	app.OnShutdown("runner", runner.Stop)
	app.OnShutdown("cron", func(ctx context.Context) error {
		cronService.Stop(ctx)
		return nil
	})
	app.OnShutdown("nonce", nonces.Close)
	app.OnExit("producer", func(context.Context) error { return producer.Close() })
	app.OnExit("chain", func(context.Context) error {
		if submitter != nil {
			submitter.Close()
		}
		client.Close()
		return nil
	})
	app.OnExit("database", func(context.Context) error {
		database.Close(db)
		return nil
	})
	app.OnExit("redis", func(context.Context) error { return rdb.Close() })

	// 运行 (阻塞)
	app.Run()
	logger.Info("系统已退出")
}
