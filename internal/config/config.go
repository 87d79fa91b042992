package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"transactai/pkg/idgen"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	MQ         MQConfig         `mapstructure:"mq"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Escrow     EscrowConfig     `mapstructure:"escrow"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Protocol   ProtocolConfig   `mapstructure:"protocol"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig selects the gorm dialect. DSN wins over the individual fields when set.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql | postgres | sqlite
	DSN          string `mapstructure:"dsn"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogSQL       bool   `mapstructure:"log_sql"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MQConfig struct {
	Driver   string         `mapstructure:"driver"` // kafka | rabbitmq
	Brokers  []string       `mapstructure:"brokers"`
	URL      string         `mapstructure:"url"`
	Topic    MQTopicConfig  `mapstructure:"topic"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
}

type MQTopicConfig struct {
	Outbound    string `mapstructure:"outbound"`
	DepositFeed string `mapstructure:"deposit_feed"`
}

type ConsumerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	GroupID string `mapstructure:"group_id"`
}

type LedgerConfig struct {
	AgentID string `mapstructure:"agent_id"`
	// WorkerID 雪花算法机器号，多实例部署时每个实例必须不同
	WorkerID   int64         `mapstructure:"worker_id"`
	LockDriver string        `mapstructure:"lock_driver"` // memory | redis
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
}

type EscrowConfig struct {
	ReleasePolicy string        `mapstructure:"release_policy"` // payer_only | either_party | arbiter
	Arbiters      []string      `mapstructure:"arbiters"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	MaxTTL        time.Duration `mapstructure:"max_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ReconcilerConfig struct {
	UnitOfAccount         string           `mapstructure:"unit_of_account"`
	Denominations         map[string]int   `mapstructure:"denominations"` // denom -> decimal exponent over the unit of account
	RequiredConfirmations int              `mapstructure:"required_confirmations"`
	DenomConfirmations    map[string]int   `mapstructure:"denom_confirmations"`
	WalletFormat          string           `mapstructure:"wallet_format"` // evm | bech32
	WalletHRP             string           `mapstructure:"wallet_hrp"`
	TrustedWalletPeer     string           `mapstructure:"trusted_wallet_peer"`
	Withdrawal            WithdrawalConfig `mapstructure:"withdrawal"`
}

type WithdrawalConfig struct {
	SubmitBudget    time.Duration `mapstructure:"submit_budget"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	MaxResubmit     int           `mapstructure:"max_resubmit"`
}

type ChainConfig struct {
	RPCURL string `mapstructure:"rpc_url"`
}

type WalletConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ProtocolConfig struct {
	SeenCacheDriver string        `mapstructure:"seen_cache_driver"` // memory | redis
	SeenTTL         time.Duration `mapstructure:"seen_ttl"`
	AckTimeout      time.Duration `mapstructure:"ack_timeout"`
	MaxResend       int           `mapstructure:"max_resend"`
	OutboxInterval  time.Duration `mapstructure:"outbox_interval"`
	QuotaDriver     string        `mapstructure:"quota_driver"` // memory | redis
	QuotaRequests   int           `mapstructure:"quota_requests"`
	QuotaWindow     time.Duration `mapstructure:"quota_window"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件，环境变量 TRANSACTAI_* 可以覆盖文件中的值
func LoadConfig(configPath string) *Config {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TRANSACTAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("配置校验失败: %v", err)
	}

	GlobalConfig = config
	return config
}

// Default returns the configuration used when no file is present, mostly for tests.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	config := &Config{}
	_ = v.Unmarshal(config)
	return config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8003)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "transactai.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("mq.driver", "kafka")
	v.SetDefault("mq.topic.outbound", "transactai.outbound")
	v.SetDefault("mq.topic.deposit_feed", "transactai.deposits")
	v.SetDefault("mq.consumer.group_id", "transactai-reconciler")
	v.SetDefault("ledger.agent_id", "transactai")
	v.SetDefault("ledger.worker_id", 1)
	v.SetDefault("ledger.lock_driver", "memory")
	v.SetDefault("ledger.lock_ttl", 30*time.Second)
	v.SetDefault("escrow.release_policy", "payer_only")
	v.SetDefault("escrow.default_ttl", time.Hour)
	v.SetDefault("escrow.max_ttl", 30*24*time.Hour)
	v.SetDefault("escrow.sweep_interval", 5*time.Second)
	v.SetDefault("reconciler.unit_of_account", "atestfet")
	v.SetDefault("reconciler.denominations", map[string]int{"atestfet": 0})
	v.SetDefault("reconciler.required_confirmations", 6)
	v.SetDefault("reconciler.wallet_format", "bech32")
	v.SetDefault("reconciler.wallet_hrp", "fetch")
	v.SetDefault("reconciler.withdrawal.submit_budget", 30*time.Second)
	v.SetDefault("reconciler.withdrawal.monitor_interval", 15*time.Second)
	v.SetDefault("reconciler.withdrawal.confirm_timeout", 30*time.Minute)
	v.SetDefault("reconciler.withdrawal.max_resubmit", 3)
	v.SetDefault("wallet.timeout", 10*time.Second)
	v.SetDefault("protocol.seen_cache_driver", "memory")
	v.SetDefault("protocol.seen_ttl", 24*time.Hour)
	v.SetDefault("protocol.ack_timeout", 30*time.Second)
	v.SetDefault("protocol.max_resend", 5)
	v.SetDefault("protocol.outbox_interval", 200*time.Millisecond)
	v.SetDefault("protocol.quota_driver", "memory")
	v.SetDefault("protocol.quota_requests", 30)
	v.SetDefault("protocol.quota_window", time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
}

// Validate 校验配置的合法性
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.MQ.Driver {
	case "kafka", "rabbitmq":
	default:
		return fmt.Errorf("unsupported mq driver %q", c.MQ.Driver)
	}
	switch c.Escrow.ReleasePolicy {
	case "payer_only", "either_party", "arbiter":
	default:
		return fmt.Errorf("unsupported escrow release policy %q", c.Escrow.ReleasePolicy)
	}
	if c.Escrow.ReleasePolicy == "arbiter" && len(c.Escrow.Arbiters) == 0 {
		return errors.New("escrow.arbiters required for arbiter release policy")
	}
	if (c.Ledger.LockDriver == "redis" || c.Protocol.SeenCacheDriver == "redis" || c.Protocol.QuotaDriver == "redis") && !c.Redis.Enabled {
		return errors.New("redis must be enabled for redis lock, seen cache or quota drivers")
	}
	if c.Reconciler.RequiredConfirmations < 1 {
		return errors.New("reconciler.required_confirmations must be at least 1")
	}
	if _, ok := c.Reconciler.Denominations[c.Reconciler.UnitOfAccount]; !ok {
		return errors.New("reconciler.denominations must include the unit of account")
	}
	if c.Ledger.WorkerID < 0 || c.Ledger.WorkerID > idgen.MaxWorkerID {
		return fmt.Errorf("ledger.worker_id must be between 0 and %d", idgen.MaxWorkerID)
	}
	if c.Ledger.AgentID == "" {
		return errors.New("ledger.agent_id is required")
	}
	return nil
}
