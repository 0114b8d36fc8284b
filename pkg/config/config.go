package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Settlement SettlementConfig `mapstructure:"settlement"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	HttpPort string `mapstructure:"http_port"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

// DSN gorm/pgx 连接串
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.Host, c.User, c.Password, c.Name, c.Port)
}

// MigrateURL golang-migrate 使用的 URL 形式
func (c DBConfig) MigrateURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Name)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MQType   string `mapstructure:"mq_type"` // "redis" or "kafka"
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

type ChainConfig struct {
	RpcUrl       string `mapstructure:"rpc_url"`
	SubmitApiUrl string `mapstructure:"submit_api_url"` // 可选: 私有交易提交通道，失败时回退到 RpcUrl
	ChainID      int64  `mapstructure:"chain_id"`       // 0 表示启动时从节点查询
	GasLimit     uint64 `mapstructure:"gas_limit"`
}

// WalletConfig 工作钱包私钥来源，按 keystore > mnemonic > private_key 的优先级加载
type WalletConfig struct {
	Address      string `mapstructure:"address"`
	KeystorePath string `mapstructure:"keystore_path"`
	Password     string `mapstructure:"password"` // 通常通过环境变量 WALLET_PASSWORD 传入
	Mnemonic     string `mapstructure:"mnemonic"`
	HDPath       string `mapstructure:"hd_path"`
	PrivateKey   string `mapstructure:"private_key"`
}

// SettlementConfig 充提结算引擎参数
type SettlementConfig struct {
	RequiredConfirmations int           `mapstructure:"required_confirmations"`
	ScanInterval          time.Duration `mapstructure:"scan_interval"`
	ConfirmInterval       time.Duration `mapstructure:"confirm_interval"`
	WithdrawInterval      time.Duration `mapstructure:"withdraw_interval"`
	RelayInterval         time.Duration `mapstructure:"relay_interval"`
	ExpiryCron            string        `mapstructure:"expiry_cron"`
	StuckThreshold        time.Duration `mapstructure:"stuck_threshold"`
	MaxRetries            int           `mapstructure:"max_retries"`
	Epsilon               string        `mapstructure:"epsilon"`
	BatchSize             int           `mapstructure:"batch_size"`
	DepositTTL            time.Duration `mapstructure:"deposit_ttl"`
	MaxOffsetUnits        int64         `mapstructure:"max_offset_units"`
	StartBlock            uint64        `mapstructure:"start_block"`
	MaxBlocksPerTick      uint64        `mapstructure:"max_blocks_per_tick"`
	ClockSkew             time.Duration `mapstructure:"clock_skew"`
	NonceCacheTTL         time.Duration `mapstructure:"nonce_cache_ttl"`
	NonceLockTTL          time.Duration `mapstructure:"nonce_lock_ttl"`
	BalanceCacheTTL       time.Duration `mapstructure:"balance_cache_ttl"`
}

// EpsilonDecimal 解析匹配容差，非法值按 0 处理 (精确匹配)
func (c SettlementConfig) EpsilonDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(c.Epsilon)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

var Global Config

func Init() {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// 环境变量覆盖: settlement.max_retries -> SETTLEMENT_MAX_RETRIES
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Warning: Config file not found, using defaults and environment variables")
		} else {
			log.Fatalf("Fatal error config file: %s \n", err)
		}
	}

	if err := viper.Unmarshal(&Global); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	log.Printf("Configuration loaded successfully. Env: %s", Global.App.Env)
}

func setDefaults() {
	viper.SetDefault("app.env", "development")
	viper.SetDefault("app.http_port", "8080")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.user", "settlement_user")
	viper.SetDefault("db.password", "settlement_password")
	viper.SetDefault("db.name", "settlement_db")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.mq_type", "redis")

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})

	viper.SetDefault("chain.rpc_url", "http://localhost:8545")
	viper.SetDefault("chain.submit_api_url", "")
	viper.SetDefault("chain.chain_id", 0)
	viper.SetDefault("chain.gas_limit", 21000)

	// 敏感字段没有默认值，但需要注册 key，AutomaticEnv 才能在 Unmarshal 时生效 (WALLET_PASSWORD 等)
	viper.SetDefault("wallet.address", "")
	viper.SetDefault("wallet.keystore_path", "")
	viper.SetDefault("wallet.password", "")
	viper.SetDefault("wallet.mnemonic", "")
	viper.SetDefault("wallet.private_key", "")
	viper.SetDefault("wallet.hd_path", "m/44'/60'/0'/0/0")

	viper.SetDefault("settlement.required_confirmations", 12)
	viper.SetDefault("settlement.scan_interval", "5s")
	viper.SetDefault("settlement.confirm_interval", "30s")
	viper.SetDefault("settlement.withdraw_interval", "10s")
	viper.SetDefault("settlement.relay_interval", "500ms")
	viper.SetDefault("settlement.expiry_cron", "@every 1m")
	viper.SetDefault("settlement.stuck_threshold", "5m")
	viper.SetDefault("settlement.max_retries", 3)
	viper.SetDefault("settlement.epsilon", "0.00005")
	viper.SetDefault("settlement.batch_size", 5)
	viper.SetDefault("settlement.deposit_ttl", "30m")
	viper.SetDefault("settlement.max_offset_units", 99)
	viper.SetDefault("settlement.start_block", 0)
	viper.SetDefault("settlement.max_blocks_per_tick", 200)
	viper.SetDefault("settlement.clock_skew", "2m")
	viper.SetDefault("settlement.nonce_cache_ttl", "1h")
	viper.SetDefault("settlement.nonce_lock_ttl", "30s")
	viper.SetDefault("settlement.balance_cache_ttl", "10s")
}
