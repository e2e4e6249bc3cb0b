package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 moltmarketd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Events   EventsConfig   `json:"events"`
	Web3     Web3Config     `json:"web3"`
	Moltbook MoltbookConfig `json:"moltbook"`
	Wallet   WalletConfig   `json:"wallet"`
	Escrow   EscrowConfig   `json:"escrow"`
	Swarm    SwarmConfig    `json:"swarm"`
	Risk     RiskConfig     `json:"risk"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。MetricsAddress 为空时
// 不单独起指标端口，指标仍可通过 API 的 /metrics 路由获取。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 描述持久化后端的连接信息。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// EventsConfig 描述领域事件发布所使用的消息中间件。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// Web3Config 指向链定义文件以及默认链。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// MoltbookConfig 描述社交平台读取器的调用方式与缓存后端。
type MoltbookConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	CacheDriver    string `json:"cache_driver"`
	Redis          struct {
		Address  string `json:"address"`
		Password string `json:"password"`
		DB       int    `json:"db"`
	} `json:"redis"`
}

// WalletConfig 描述托管钱包服务的访问方式。
type WalletConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// EscrowConfig 控制托管支付的熔断与管理员仲裁白名单。
type EscrowConfig struct {
	BreakerThreshold    int      `json:"breaker_threshold"`
	BreakerResetSeconds int      `json:"breaker_reset_seconds"`
	AdminAllowList      []string `json:"admin_allow_list"`
}

// SwarmConfig 控制验证者遴选参数。
type SwarmConfig struct {
	CandidatePoolSize int `json:"candidate_pool_size"`
}

// RiskConfig 控制风险指数的接单门槛。
type RiskConfig struct {
	EligibilityThreshold float64 `json:"eligibility_threshold"`
}

// LoggingConfig 控制结构化日志与审计日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "moltmarket.events"
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Moltbook.TimeoutSeconds <= 0 {
		c.Moltbook.TimeoutSeconds = 10
	}
	if c.Moltbook.CacheDriver == "" {
		c.Moltbook.CacheDriver = "memory"
	}

	if c.Wallet.TimeoutSeconds <= 0 {
		c.Wallet.TimeoutSeconds = 15
	}

	if c.Escrow.BreakerThreshold <= 0 {
		c.Escrow.BreakerThreshold = 5
	}
	if c.Escrow.BreakerResetSeconds <= 0 {
		c.Escrow.BreakerResetSeconds = 300
	}

	if c.Swarm.CandidatePoolSize <= 0 {
		c.Swarm.CandidatePoolSize = 5
	}

	if c.Risk.EligibilityThreshold <= 0 {
		c.Risk.EligibilityThreshold = 75
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
