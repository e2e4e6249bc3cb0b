package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"MoltMarket-Core/internal/agent"
	"MoltMarket-Core/internal/api"
	"MoltMarket-Core/internal/bond"
	"MoltMarket-Core/internal/config"
	"MoltMarket-Core/internal/escrow"
	"MoltMarket-Core/internal/events"
	"MoltMarket-Core/internal/gig"
	"MoltMarket-Core/internal/moltbook"
	"MoltMarket-Core/internal/observability/alerting"
	"MoltMarket-Core/internal/observability/metrics"
	"MoltMarket-Core/internal/reputation"
	"MoltMarket-Core/internal/risk"
	"MoltMarket-Core/internal/storage/mysql"
	"MoltMarket-Core/internal/swarm"
	"MoltMarket-Core/internal/wallet"
	"MoltMarket-Core/internal/web3"
	"MoltMarket-Core/internal/web3/provider"
	"MoltMarket-Core/pkg/keymutex"
	"MoltMarket-Core/pkg/logger"
)

// main 是 MoltMarket 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("moltmarketd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("MOLTMARKET_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "moltmarket.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}

	locks := keymutex.New()

	// 存储：memory 便于本地联调，mysql 共享一个连接池并自动迁移。
	var (
		db          *sql.DB
		agents      agent.Store
		bondEvents  bond.EventStore
		riskEvents  risk.EventStore
		escrowStore escrow.Store
		swarmStore  swarm.Store
		gigStore    gig.Store
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		agents = agent.NewMemoryStore()
		bondEvents = bond.NewMemoryEventStore()
		riskEvents = risk.NewMemoryEventStore()
		escrowStore = escrow.NewMemoryStore()
		swarmStore = swarm.NewMemoryStore()
		gigStore = gig.NewMemoryStore()
	case "mysql":
		db, err = mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		if agents, err = agent.NewMySQLStore(db); err != nil {
			return err
		}
		if bondEvents, err = bond.NewMySQLEventStore(db); err != nil {
			return err
		}
		if riskEvents, err = risk.NewMySQLEventStore(db); err != nil {
			return err
		}
		if escrowStore, err = escrow.NewMySQLStore(db); err != nil {
			return err
		}
		if swarmStore, err = swarm.NewMySQLStore(db); err != nil {
			return err
		}
		if gigStore, err = gig.NewMySQLStore(db); err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	if db != nil {
		defer db.Close()
	}

	// 事件发布链：指标计数 → 资金安全告警 → 实际投递。
	var base events.Publisher
	switch cfg.Events.Driver {
	case "", "memory":
		base = events.NewMemoryPublisher()
	case "rabbitmq":
		base, err = events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Exchange:   cfg.Events.RabbitMQ.Exchange,
			Durable:    cfg.Events.RabbitMQ.Durable,
			AutoDelete: cfg.Events.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
	publisher := metrics.NewEventCounter(alerting.NewPublisherBridge(base, alerting.NewFanout()))
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Printf("关闭事件发布器失败: %v", err)
		}
	}()

	// 链上读取器可选，未配置时信誉融合只用缓存画像。
	var chainClient web3.Client
	if cfg.Web3.ChainConfig != "" {
		registry, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		defer registry.Close()
		if chainClient, err = registry.DefaultClient(); err != nil {
			return err
		}
	}

	var profileCache moltbook.ProfileCache
	switch cfg.Moltbook.CacheDriver {
	case "", "memory":
		profileCache = moltbook.NewMemoryCache()
	case "redis":
		profileCache = moltbook.NewRedisCache(redis.NewClient(&redis.Options{
			Addr:     cfg.Moltbook.Redis.Address,
			Password: cfg.Moltbook.Redis.Password,
			DB:       cfg.Moltbook.Redis.DB,
		}))
	default:
		return fmt.Errorf("未知的画像缓存驱动: %s", cfg.Moltbook.CacheDriver)
	}

	var social moltbook.Reader
	if cfg.Moltbook.BaseURL != "" {
		social, err = moltbook.NewClient(moltbook.ClientConfig{
			BaseURL: cfg.Moltbook.BaseURL,
			Timeout: time.Duration(cfg.Moltbook.TimeoutSeconds) * time.Second,
			Cache:   profileCache,
		})
		if err != nil {
			return err
		}
	}

	var walletProvider wallet.Provider
	if cfg.Wallet.BaseURL != "" {
		apiKey := strings.TrimSpace(cfg.Wallet.APIKey)
		if apiKey == "" && cfg.Wallet.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.Wallet.APIKeyEnv))
		}
		walletProvider, err = wallet.NewClient(wallet.Config{
			BaseURL: cfg.Wallet.BaseURL,
			APIKey:  apiKey,
			Timeout: time.Duration(cfg.Wallet.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
	} else {
		walletProvider = wallet.NewMemoryProvider()
	}

	breaker := escrow.NewCircuitBreaker(cfg.Escrow.BreakerThreshold,
		time.Duration(cfg.Escrow.BreakerResetSeconds)*time.Second)

	agentSvc := agent.NewService(agents, locks, publisher)
	rep := reputation.NewService(agents, reputation.NewFuser(chainClient, social), locks)
	bonds := bond.NewLedger(agents, bondEvents, locks, publisher)
	riskEngine := risk.NewEngine(agents, riskEvents, bondEvents, locks, publisher, cfg.Risk.EligibilityThreshold)
	escrowSvc := escrow.NewService(escrowStore, agents, walletProvider, breaker, locks, publisher, cfg.Escrow.AdminAllowList)
	swarmSvc := swarm.NewService(swarmStore, agents, rep, escrowSvc, locks, publisher, cfg.Swarm.CandidatePoolSize)
	gigSvc := gig.NewService(gigStore, agents, rep, riskEngine, bonds, escrowSvc, swarmSvc, locks, publisher)
	swarmSvc.SetResolver(gigSvc)

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Agents:     agentSvc,
		Reputation: rep,
		Bonds:      bonds,
		Risk:       riskEngine,
		Escrow:     escrowSvc,
		Swarm:      swarmSvc,
		Gigs:       gigSvc,
	})

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
