package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transactai/internal/chain/ethereum"
	"transactai/internal/config"
	"transactai/internal/dispatcher"
	"transactai/internal/escrow"
	"transactai/internal/handler"
	"transactai/internal/infrastructure/cache"
	"transactai/internal/infrastructure/database"
	"transactai/internal/infrastructure/lock"
	"transactai/internal/infrastructure/mq"
	"transactai/internal/job"
	"transactai/internal/ledger"
	"transactai/internal/protocol"
	"transactai/internal/reconciler"
	"transactai/internal/wallet"
	"transactai/pkg/idgen"
	"transactai/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

func main() {
	configPath := "config/config.yaml"
	if p := os.Getenv("TRANSACTAI_CONFIG"); p != "" {
		configPath = p
	}

	// 加载配置
	cfg := config.LoadConfig(configPath)

	// 初始化日志
	base, logCloser := logger.Setup(logger.Config{
		Service:    cfg.Ledger.AgentID,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	// 初始化 ID 生成器
	idgen.Init(cfg.Ledger.WorkerID)

	// 初始化数据库
	db := database.InitDatabase(&cfg.Database)

	// 初始化 Redis（可选）
	redisClient := cache.InitRedis(&cfg.Redis)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 账本
	l := ledger.New(db, newLocker(cfg, redisClient), cfg.Ledger.AgentID, ledger.WithLogger(base))

	// 托管
	escrows := escrow.NewManager(l, db, escrow.Config{
		Policy:     escrow.Policy(cfg.Escrow.ReleasePolicy),
		Arbiters:   cfg.Escrow.Arbiters,
		DefaultTTL: cfg.Escrow.DefaultTTL,
		MaxTTL:     cfg.Escrow.MaxTTL,
	}, base)

	// 对账
	rec, closeChain := newReconciler(ctx, cfg, l, db, base)
	defer closeChain()

	// 命令分发
	d := dispatcher.New(l, escrows, rec, newSeenCache(cfg, redisClient, l.Now), db, dispatcher.Config{
		TrustedWalletPeer: cfg.Reconciler.TrustedWalletPeer,
		QuotaRequests:     cfg.Protocol.QuotaRequests,
		QuotaWindow:       cfg.Protocol.QuotaWindow,
		Limiter:           newLimiter(cfg, redisClient),
	}, base)

	// 出站传输
	transport, err := newTransport(&cfg.MQ)
	if err != nil {
		log.Fatalf("初始化消息传输失败: %v", err)
	}
	defer transport.Close()

	// 启动时先处理停机期间到期的托管单
	if n, err := escrows.ExpireSweep(ctx, l.Now()); err != nil {
		log.Printf("启动清理托管单失败: %v", err)
	} else if n > 0 {
		log.Printf("启动清理到期托管单 %d 笔", n)
	}

	// 启动后台任务
	expiryJob := job.NewEscrowExpiryJob(escrows, l.Now, cfg.Escrow.SweepInterval)
	go expiryJob.Start(ctx)

	monitorJob := job.NewWithdrawalMonitorJob(rec, cfg.Reconciler.Withdrawal.MonitorInterval)
	go monitorJob.Start(ctx)

	outboxSender := job.NewOutboxSender(db, transport, &cfg.Protocol, l.Now)
	go outboxSender.Start(ctx)

	var feed *mq.DepositFeed
	if cfg.MQ.Consumer.Enabled && cfg.MQ.Driver == "kafka" {
		feed, err = mq.NewDepositFeed(&cfg.MQ, rec.HandleDepositMessage)
		if err != nil {
			log.Fatalf("初始化充值消费者失败: %v", err)
		}
		go feed.Start(ctx)
	}

	// 设置路由
	router := handler.SetupRouter(handler.NewHandler(d, l, escrows, db))

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	<-ctx.Done()
	log.Println("正在关闭服务...")

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	// 停止后台任务
	expiryJob.Stop()
	monitorJob.Stop()
	outboxSender.Stop()
	if feed != nil {
		feed.Stop()
	}

	log.Println("服务已关闭")
}

func newLocker(cfg *config.Config, client *redis.Client) lock.Locker {
	if cfg.Ledger.LockDriver == "redis" {
		return lock.NewRedisLocker(client, cfg.Ledger.LockTTL)
	}
	return lock.NewMemoryLocker()
}

func newSeenCache(cfg *config.Config, client *redis.Client, now func() time.Time) protocol.SeenCache {
	if cfg.Protocol.SeenCacheDriver == "redis" {
		return protocol.NewRedisSeenCache(client, cfg.Protocol.SeenTTL)
	}
	return protocol.NewMemorySeenCache(cfg.Protocol.SeenTTL, now)
}

// newLimiter 返回 nil 时分发器使用进程内配额
func newLimiter(cfg *config.Config, client *redis.Client) dispatcher.Limiter {
	if cfg.Protocol.QuotaDriver != "redis" {
		return nil
	}
	q := dispatcher.NewRedisQuota(client, cfg.Protocol.QuotaRequests, cfg.Protocol.QuotaWindow)
	if q == nil {
		return nil
	}
	return q
}

func newTransport(cfg *config.MQConfig) (mq.Transport, error) {
	if cfg.Driver == "rabbitmq" {
		return mq.NewRabbitTransport(cfg.URL, cfg.Topic.Outbound)
	}
	return mq.NewKafkaTransport(cfg)
}

// newReconciler 组装对账器；链上查询与热钱包都是可选的
func newReconciler(ctx context.Context, cfg *config.Config, l *ledger.Ledger, db *gorm.DB, base *slog.Logger) (*reconciler.Reconciler, func()) {
	rc := cfg.Reconciler
	denoms, err := reconciler.NewDenominations(rc.UnitOfAccount, rc.Denominations)
	if err != nil {
		log.Fatalf("面额配置错误: %v", err)
	}
	wallets, err := reconciler.NewWalletValidator(rc.WalletFormat, rc.WalletHRP)
	if err != nil {
		log.Fatalf("钱包格式配置错误: %v", err)
	}

	opts := []reconciler.Option{reconciler.WithLogger(base)}
	closer := func() {}

	if cfg.Chain.RPCURL != "" {
		scanner, err := ethereum.NewScanner(ctx, ethereum.Config{RPCURL: cfg.Chain.RPCURL, Denom: rc.UnitOfAccount})
		if err != nil {
			log.Fatalf("连接链节点失败: %v", err)
		}
		opts = append(opts, reconciler.WithScanner(scanner))
		closer = scanner.Close
	}

	if cfg.Wallet.BaseURL != "" {
		client, err := wallet.NewClient(wallet.Config{
			BaseURL: cfg.Wallet.BaseURL,
			APIKey:  cfg.Wallet.APIKey,
			Timeout: cfg.Wallet.Timeout,
		})
		if err != nil {
			log.Fatalf("初始化热钱包客户端失败: %v", err)
		}
		opts = append(opts, reconciler.WithBroadcaster(client))
	}

	if n := rc.Withdrawal.MaxResubmit; n > 0 {
		budget := rc.Withdrawal.SubmitBudget
		opts = append(opts, reconciler.WithBackOff(func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = budget
			return backoff.WithMaxRetries(b, uint64(n))
		}))
	}

	rec := reconciler.New(l, db, denoms, wallets, reconciler.Config{
		RequiredConfirmations: rc.RequiredConfirmations,
		DenomConfirmations:    rc.DenomConfirmations,
		SubmitBudget:          rc.Withdrawal.SubmitBudget,
		ConfirmTimeout:        rc.Withdrawal.ConfirmTimeout,
	}, opts...)
	return rec, closer
}
