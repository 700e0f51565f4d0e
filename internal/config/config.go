package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"intent-registry/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Registry RegistryConfig `mapstructure:"registry"`
	Anchor   AnchorConfig   `mapstructure:"anchor"`
	IPFS     IPFSConfig     `mapstructure:"ipfs"`
	Ethereum EthereumConfig `mapstructure:"ethereum"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Wallet   WalletConfig   `mapstructure:"wallet"`
	Client   ClientConfig   `mapstructure:"client"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ServerConfig governs the HTTP submission endpoint.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// RegistryConfig tunes acceptance rules.
type RegistryConfig struct {
	// RequireSignerMatch rejects submissions whose declared signer differs from the recovered one.
	RequireSignerMatch bool `mapstructure:"require_signer_match"`
}

// AnchorConfig governs the batch anchoring job.
type AnchorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToWindow   bool          `mapstructure:"align_to_window"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	OutputDir       string        `mapstructure:"output_dir"`
	ResendAfter     time.Duration `mapstructure:"resend_after"`
}

// IPFSConfig captures Pinata pinning credentials.
type IPFSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// EthereumConfig covers on-chain batch announcements.
type EthereumConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RPCURL          string        `mapstructure:"rpc_url"`
	ChainID         int64         `mapstructure:"chain_id"`
	ContractAddress string        `mapstructure:"contract_address"`
	PrivateKey      string        `mapstructure:"private_key"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
	GasPriceBumpPct int64         `mapstructure:"gas_price_bump_pct"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ReceiptTimeout  time.Duration `mapstructure:"receipt_timeout"`
}

// AlertingConfig defines security alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WalletConfig selects the wallet used by the sign command.
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
	RPCURL     string `mapstructure:"rpc_url"`
	Account    string `mapstructure:"account"`
}

// ClientConfig points the CLI at a running registry.
type ClientConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int           `mapstructure:"max_data_points"`
	Bucket        time.Duration `mapstructure:"bucket"`
}

// Load builds configuration from an optional .env file, config file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("INTENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "intentd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "5s")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.max_body_bytes", int64(16<<10))

	v.SetDefault("registry.require_signer_match", true)

	v.SetDefault("anchor.enabled", false)
	v.SetDefault("anchor.interval", "1h")
	v.SetDefault("anchor.align_to_window", true)
	v.SetDefault("anchor.advisory_lock_key", int64(0x696e7464))
	v.SetDefault("anchor.startup_delay", "0s")
	v.SetDefault("anchor.output_dir", "batches")
	v.SetDefault("anchor.resend_after", "30m")

	v.SetDefault("ipfs.enabled", false)
	v.SetDefault("ipfs.base_url", "https://api.pinata.cloud")
	v.SetDefault("ipfs.request_timeout", "30s")

	v.SetDefault("ethereum.enabled", false)
	v.SetDefault("ethereum.gas_limit", uint64(300000))
	v.SetDefault("ethereum.gas_price_bump_pct", int64(10))
	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.receipt_timeout", "2m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "1m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.timeout", "10s")

	v.SetDefault("export.max_data_points", 10000)
	v.SetDefault("export.bucket", "1h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Export.Bucket <= 0 {
		return fmt.Errorf("export.bucket must be greater than zero")
	}
	if c.Anchor.Enabled && c.Anchor.Interval <= 0 {
		return fmt.Errorf("anchor.interval must be greater than zero")
	}
	if c.IPFS.Enabled && (c.IPFS.APIKey == "" || c.IPFS.APISecret == "") {
		return fmt.Errorf("ipfs.api_key and ipfs.api_secret are required when ipfs is enabled")
	}
	if c.Ethereum.Enabled {
		if c.Ethereum.RPCURL == "" {
			return fmt.Errorf("ethereum.rpc_url is required when ethereum is enabled")
		}
		if !common.IsHexAddress(c.Ethereum.ContractAddress) {
			return fmt.Errorf("ethereum.contract_address is not a valid address")
		}
		if c.Ethereum.PrivateKey == "" {
			return fmt.Errorf("ethereum.private_key is required when ethereum is enabled")
		}
		if c.Ethereum.ChainID <= 0 {
			return fmt.Errorf("ethereum.chain_id must be greater than zero")
		}
	}
	if c.Wallet.Account != "" && !common.IsHexAddress(c.Wallet.Account) {
		return fmt.Errorf("wallet.account is not a valid address")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
