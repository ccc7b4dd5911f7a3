// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mr-tron/base58"
	"github.com/spf13/viper"

	"github.com/denggit/DynamicSmartFlow3/internal/utils/logger"
)

// Provider names used as keys for credentials, limits and metrics.
const (
	ProviderHelius      = "helius"
	ProviderAlchemy     = "alchemy"
	ProviderJupiter     = "jupiter"
	ProviderRugCheck    = "rugcheck"
	ProviderBirdeye     = "birdeye"
	ProviderDexScreener = "dexscreener"
)

// AllProviders lists every provider the pipeline talks to.
var AllProviders = []string{
	ProviderHelius, ProviderAlchemy, ProviderJupiter,
	ProviderRugCheck, ProviderBirdeye, ProviderDexScreener,
}

type Config struct {
	Hunters         []string        `mapstructure:"hunters" validate:"required,min=1,dive,solana_address"`
	WalletKey       string          `mapstructure:"wallet_key" validate:"required"`
	Providers       ProvidersConfig `mapstructure:"providers"`
	Credentials     PoolConfig      `mapstructure:"credentials"`
	Retry           RetryConfig     `mapstructure:"retry"`
	Monitor         MonitorConfig   `mapstructure:"monitor"`
	Risk            RiskConfig      `mapstructure:"risk"`
	Trading         TradingConfig   `mapstructure:"trading"`
	Exit            ExitConfig      `mapstructure:"exit"`
	Storage         StorageConfig   `mapstructure:"storage"`
	Redis           RedisConfig     `mapstructure:"redis"`
	Kafka           KafkaConfig     `mapstructure:"kafka"`
	Admin           AdminConfig     `mapstructure:"admin"`
	Log             logger.Config   `mapstructure:"log"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// ProviderConfig describes one third-party endpoint and the keys rotated against it.
// BaseURL and WSURL may contain a {key} placeholder.
type ProviderConfig struct {
	Keys        []string      `mapstructure:"keys"`
	BaseURL     string        `mapstructure:"base_url" validate:"required,url"`
	WSURL       string        `mapstructure:"ws_url" validate:"omitempty,url"`
	MinInterval time.Duration `mapstructure:"min_interval" validate:"gte=0"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type ProvidersConfig struct {
	Helius      ProviderConfig `mapstructure:"helius"`
	Alchemy     ProviderConfig `mapstructure:"alchemy"`
	Jupiter     ProviderConfig `mapstructure:"jupiter"`
	RugCheck    ProviderConfig `mapstructure:"rugcheck"`
	Birdeye     ProviderConfig `mapstructure:"birdeye"`
	DexScreener ProviderConfig `mapstructure:"dexscreener"`
}

// ByName returns the provider config registered under name.
func (p *ProvidersConfig) ByName(name string) (ProviderConfig, bool) {
	switch name {
	case ProviderHelius:
		return p.Helius, true
	case ProviderAlchemy:
		return p.Alchemy, true
	case ProviderJupiter:
		return p.Jupiter, true
	case ProviderRugCheck:
		return p.RugCheck, true
	case ProviderBirdeye:
		return p.Birdeye, true
	case ProviderDexScreener:
		return p.DexScreener, true
	}
	return ProviderConfig{}, false
}

type PoolConfig struct {
	BaseCooldown time.Duration `mapstructure:"base_cooldown" validate:"gt=0"`
	MaxCooldown  time.Duration `mapstructure:"max_cooldown" validate:"gtefield=BaseCooldown"`
	DeadAfter    int           `mapstructure:"dead_after" validate:"gte=1"`
}

type RetryConfig struct {
	MaxAttempts     uint          `mapstructure:"max_attempts" validate:"gte=1"`
	InitialInterval time.Duration `mapstructure:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval" validate:"gtefield=InitialInterval"`
}

type MonitorConfig struct {
	BackoffInitial time.Duration `mapstructure:"backoff_initial" validate:"gt=0"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffInitial"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	LookbackWindow time.Duration `mapstructure:"lookback_window" validate:"gte=0"`
	LookbackLimit  int           `mapstructure:"lookback_limit" validate:"gte=1,lte=1000"`
	SeenTTL        time.Duration `mapstructure:"seen_ttl" validate:"gt=0"`
	BufferSize     int           `mapstructure:"buffer_size" validate:"gte=1"`
}

type RiskConfig struct {
	MinLiquidityUSD      float64       `mapstructure:"min_liquidity_usd" validate:"gte=0"`
	FullSizeLiquidityUSD float64       `mapstructure:"full_size_liquidity_usd" validate:"gtefield=MinLiquidityUSD"`
	MaxFDVToLiquidity    float64       `mapstructure:"max_fdv_to_liquidity" validate:"gt=0"`
	MaxEntryFDVUSD       float64       `mapstructure:"max_entry_fdv_usd" validate:"gt=0"`
	MinSafetyScore       float64       `mapstructure:"min_safety_score" validate:"gte=0,lte=100"`
	MinTokenAge          time.Duration `mapstructure:"min_token_age" validate:"gte=0"`
	ReportTTL            time.Duration `mapstructure:"report_ttl" validate:"gt=0"`
	RejectAuthorities    bool          `mapstructure:"reject_authorities"`
	MaxBuyTaxPct         float64       `mapstructure:"max_buy_tax_pct" validate:"gte=0,lte=100"`
	MaxTopHoldersShare   float64       `mapstructure:"max_top_holders_share" validate:"gt=0,lte=1"`
	MaxHolderShare       float64       `mapstructure:"max_holder_share" validate:"gt=0,lte=1"`
}

type TradingConfig struct {
	EntrySOL            float64       `mapstructure:"entry_sol" validate:"gt=0"`
	AddSOL              float64       `mapstructure:"add_sol" validate:"gte=0"`
	MaxPositionSOL      float64       `mapstructure:"max_position_sol" validate:"gtefield=EntrySOL"`
	MinTradeSOL         float64       `mapstructure:"min_trade_sol" validate:"gte=0"`
	AddThresholdSOL     float64       `mapstructure:"add_threshold_sol" validate:"gte=0"`
	FollowSellThreshold float64       `mapstructure:"follow_sell_threshold" validate:"gte=0,lte=1"`
	MinSellRatio        float64       `mapstructure:"min_sell_ratio" validate:"gte=0,lte=1"`
	DustValueSOL        float64       `mapstructure:"dust_value_sol" validate:"gte=0"`
	SlippageBps         int           `mapstructure:"slippage_bps" validate:"gt=0,lte=10000"`
	SlippageBandBps     int           `mapstructure:"slippage_band_bps" validate:"gt=0,lte=10000"`
	SellSlippageTiers   []int         `mapstructure:"sell_slippage_tiers" validate:"dive,gt=0,lte=10000"`
	RequoteMultiple     float64       `mapstructure:"requote_multiple" validate:"gt=1"`
	ConfirmTimeout      time.Duration `mapstructure:"confirm_timeout" validate:"gt=0"`
	ConfirmPoll         time.Duration `mapstructure:"confirm_poll" validate:"gt=0"`
}

type LadderStep struct {
	Gain         float64 `mapstructure:"gain" validate:"gt=0"`
	SellFraction float64 `mapstructure:"sell" validate:"gt=0,lte=1"`
}

type ExitConfig struct {
	StopLossPct   float64       `mapstructure:"stop_loss_pct" validate:"gt=0,lt=1"`
	TakeProfitPct float64       `mapstructure:"take_profit_pct" validate:"gt=0"`
	Ladder        []LadderStep  `mapstructure:"ladder" validate:"dive"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

type StorageConfig struct {
	PostgresURL string `mapstructure:"postgres_url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type AdminConfig struct {
	Addr string `mapstructure:"addr"`
}

const (
	DefaultShutdownTimeout = 30 * time.Second
	DefaultProviderTimeout = 10 * time.Second
	DefaultLookbackLimit   = 50
	DefaultSlippageBps     = 200
	DefaultRequoteMultiple = 2.0
)

const envPrefix = "DSF"

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"providers.helius.base_url":      "https://api.helius.xyz",
		"providers.helius.ws_url":        "wss://mainnet.helius-rpc.com/?api-key={key}",
		"providers.helius.min_interval":  2 * time.Second,
		"providers.alchemy.base_url":     "https://solana-mainnet.g.alchemy.com/v2/{key}",
		"providers.alchemy.min_interval": 1200 * time.Millisecond,
		"providers.jupiter.base_url":     "https://api.jup.ag/swap/v1",
		"providers.rugcheck.base_url":    "https://api.rugcheck.xyz/v1/tokens",
		"providers.birdeye.base_url":     "https://public-api.birdeye.so",
		"providers.dexscreener.base_url": "https://api.dexscreener.com",
		"credentials.base_cooldown":      2 * time.Second,
		"credentials.max_cooldown":       5 * time.Minute,
		"credentials.dead_after":         3,
		"retry.max_attempts":             3,
		"retry.initial_interval":         500 * time.Millisecond,
		"retry.max_interval":             5 * time.Second,
		"monitor.backoff_initial":        time.Second,
		"monitor.backoff_max":            30 * time.Second,
		"monitor.idle_timeout":           60 * time.Second,
		"monitor.poll_interval":          15 * time.Second,
		"monitor.lookback_window":        10 * time.Minute,
		"monitor.lookback_limit":         DefaultLookbackLimit,
		"monitor.seen_ttl":               24 * time.Hour,
		"monitor.buffer_size":            256,
		"risk.min_liquidity_usd":         1000.0,
		"risk.full_size_liquidity_usd":   3000.0,
		"risk.max_fdv_to_liquidity":      33.0,
		"risk.max_entry_fdv_usd":         1000000.0,
		"risk.min_safety_score":          20.0,
		"risk.min_token_age":             time.Duration(0),
		"risk.report_ttl":                30 * time.Second,
		"risk.reject_authorities":        true,
		"risk.max_buy_tax_pct":           25.0,
		"risk.max_top_holders_share":     0.30,
		"risk.max_holder_share":          0.10,
		"trading.entry_sol":              0.03,
		"trading.add_sol":                0.03,
		"trading.max_position_sol":       0.09,
		"trading.min_trade_sol":          0.01,
		"trading.add_threshold_sol":      1.0,
		"trading.follow_sell_threshold":  0.05,
		"trading.min_sell_ratio":         0.3,
		"trading.dust_value_sol":         0.01,
		"trading.slippage_bps":           DefaultSlippageBps,
		"trading.slippage_band_bps":      1500,
		"trading.sell_slippage_tiers":    []int{200, 500, 1000},
		"trading.requote_multiple":       DefaultRequoteMultiple,
		"trading.confirm_timeout":        60 * time.Second,
		"trading.confirm_poll":           time.Second,
		"exit.stop_loss_pct":             0.5,
		"exit.take_profit_pct":           10.0,
		"exit.sweep_interval":            5 * time.Second,
		"exit.ladder":                    []map[string]interface{}{{"gain": 1.0, "sell": 0.5}, {"gain": 4.0, "sell": 0.5}},
		"wallet_key":                     "",
		"storage.postgres_url":           "",
		"redis.addr":                     "",
		"redis.password":                 "",
		"redis.db":                       0,
		"kafka.topic":                    "dsf.notifications",
		"redis.prefix":                   "dsf:",
		"admin.addr":                     ":9090",
		"log.file":                       "dsf.log",
		"log.max_size":                   100,
		"log.max_age":                    7,
		"log.max_backups":                3,
		"log.compress":                   true,
		"shutdown_timeout":               DefaultShutdownTimeout,
	}
}

// LoadConfig reads an optional config file, applies DSF_* environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	for _, name := range AllProviders {
		v.SetDefault("providers."+name+".timeout", DefaultProviderTimeout)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	loadEnvironmentVariables(v, &cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnvironmentVariables fills the list-valued settings that arrive as comma separated strings.
func loadEnvironmentVariables(v *viper.Viper, cfg *Config) {
	if hunters := splitList(v.GetString("HUNTERS")); len(hunters) > 0 {
		cfg.Hunters = hunters
	}
	if brokers := splitList(v.GetString("KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Kafka.Brokers = brokers
	}

	keys := map[string]*ProviderConfig{
		ProviderHelius:      &cfg.Providers.Helius,
		ProviderAlchemy:     &cfg.Providers.Alchemy,
		ProviderJupiter:     &cfg.Providers.Jupiter,
		ProviderRugCheck:    &cfg.Providers.RugCheck,
		ProviderBirdeye:     &cfg.Providers.Birdeye,
		ProviderDexScreener: &cfg.Providers.DexScreener,
	}
	for name, pc := range keys {
		if list := splitList(v.GetString(strings.ToUpper(name) + "_KEYS")); len(list) > 0 {
			pc.Keys = list
		}
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if clean := strings.TrimSpace(part); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("solana_address", func(fl validator.FieldLevel) bool {
			return IsSolanaAddress(fl.Field().String())
		})
	})
	return validate
}

// IsSolanaAddress reports whether s decodes to a 32 byte public key.
func IsSolanaAddress(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 32
}

func validateConfig(cfg *Config) error {
	if err := structValidator().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(cfg.Providers.Helius.Keys) == 0 {
		return errors.New("helius keys are required for streaming and parsing")
	}
	if len(cfg.Providers.Alchemy.Keys) == 0 {
		return errors.New("alchemy keys are required for submission and history")
	}
	if cfg.Providers.Helius.WSURL == "" {
		return errors.New("providers.helius.ws_url is empty")
	}
	if err := validateURLWithCache(cfg.Providers.Helius.WSURL, "ws"); err != nil {
		return fmt.Errorf("providers.helius.ws_url: %w", err)
	}
	for _, name := range AllProviders {
		pc, _ := cfg.Providers.ByName(name)
		if err := validateURLWithCache(pc.BaseURL, "http"); err != nil {
			return fmt.Errorf("providers.%s.base_url: %w", name, err)
		}
	}
	if cfg.Exit.TakeProfitPct <= cfg.Exit.StopLossPct {
		return errors.New("exit.take_profit_pct must exceed exit.stop_loss_pct")
	}
	for i := 1; i < len(cfg.Exit.Ladder); i++ {
		if cfg.Exit.Ladder[i].Gain <= cfg.Exit.Ladder[i-1].Gain {
			return errors.New("exit.ladder gains must be strictly increasing")
		}
	}
	seen := make(map[string]struct{}, len(cfg.Hunters))
	for _, h := range cfg.Hunters {
		if _, dup := seen[h]; dup {
			return fmt.Errorf("hunter %s listed twice", h)
		}
		seen[h] = struct{}{}
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	// Placeholders are not valid URL characters in every position.
	parsed, err := url.Parse(strings.ReplaceAll(rawURL, "{key}", "key"))
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL, parsed)
	return nil
}
