// Package config loads and validates the bot's typed configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Timeframe is one of the five supported candle/cron cadences.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// AllTimeframes lists every timeframe this core understands, in
// fastest-to-slowest order.
var AllTimeframes = []Timeframe{TF1m, TF15m, TF1h, TF4h, TF1d}

// StrategyType is the opaque per-timeframe liquidity strategy the pool SDK
// accepts; this core never inspects it, only passes it through.
type StrategyType string

const (
	StrategyBidAsk StrategyType = "BidAsk"
	StrategyCurve  StrategyType = "Curve"
	StrategySpot   StrategyType = "Spot"
)

// Period returns the cron/candle interval for tf.
func (tf Timeframe) Period() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	case TF4h:
		return 4 * time.Hour
	case TF1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// RSICacheTTL returns the indicator cache TTL for tf. Always below Period()
// so a forced tick always sees a fresh datum.
func (tf Timeframe) RSICacheTTL() time.Duration {
	switch tf {
	case TF1m:
		return 45 * time.Second
	case TF15m:
		return 10 * time.Minute
	case TF1h:
		return 50 * time.Minute
	case TF4h:
		return 3*time.Hour + 20*time.Minute
	case TF1d:
		return 23 * time.Hour
	default:
		return 0
	}
}

// RangeCheckInterval returns the minimum interval between range-buffer
// re-evaluations for tf; equal to Period().
func (tf Timeframe) RangeCheckInterval() time.Duration {
	return tf.Period()
}

// BufferPct returns the range-buffer fraction applied in is_in_valid_range.
func (tf Timeframe) BufferPct() float64 {
	switch tf {
	case TF1m:
		return 0.02
	case TF15m:
		return 0.05
	case TF1h:
		return 0.08
	case TF4h:
		return 0.12
	case TF1d:
		return 0.20
	default:
		return 0
	}
}

// HarvestThresholdPct returns the movement fraction that must be crossed
// before harvesting is worth doing for tf.
func (tf Timeframe) HarvestThresholdPct() float64 {
	switch tf {
	case TF1m:
		return 0.05
	case TF15m:
		return 0.08
	case TF1h:
		return 0.10
	case TF4h:
		return 0.12
	case TF1d:
		return 0.15
	default:
		return 0
	}
}

func (tf Timeframe) valid() bool {
	switch tf {
	case TF1m, TF15m, TF1h, TF4h, TF1d:
		return true
	}
	return false
}

// PoolDescriptor is the immutable per-timeframe pool identity, loaded once
// at startup.
type PoolDescriptor struct {
	PoolID   string
	BinStep  int // basis points
	BaseFee  float64
	MaxFee   float64
	Strategy StrategyType
}

// RSIConfig holds the indicator thresholds and period.
type RSIConfig struct {
	Period     int     `json:"period"`
	Oversold   float64 `json:"oversold"`
	Overbought float64 `json:"overbought"`
}

// TransactionConfig tunes the transaction submission loop.
type TransactionConfig struct {
	Timeout       time.Duration
	MaxRetries    int
	SkipPreflight bool
}

// HarvestConfig tunes the global harvest tick.
type HarvestConfig struct {
	Enabled      bool    `json:"enabled"`
	MinBins      int     `json:"min_bins"`
	MinPriceMove float64 `json:"min_price_move"`
	BPSThreshold int     `json:"bps_threshold"`
}

// VaultConfig configures the secrets provider.
type VaultConfig struct {
	Enabled    bool
	Address    string
	Token      string
	SecretPath string
}

// RedisConfig configures the tiered cache's remote tier.
type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

// AuditConfig configures the audit ledger.
type AuditConfig struct {
	DatabaseURL string
}

// Enabled reports whether an audit database was configured.
func (a AuditConfig) Enabled() bool { return a.DatabaseURL != "" }

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	ListenAddr  string
	CORSOrigins []string
}

// LoggingConfig configures the zerolog writer.
type LoggingConfig struct {
	Level string
	JSON  bool
}

// WalletConfig holds wallet derivation material; the seed phrase itself may
// be sourced from Vault instead (see VaultConfig.SecretPath).
type WalletConfig struct {
	SeedPhrase     string
	DerivationPath string
}

// TokenConfig names the base/quote assets this core trades.
type TokenConfig struct {
	TradingSymbol string
	BaseMint      string
	BaseSymbol    string
	QuoteMint     string
	QuoteSymbol   string
}

// EndpointConfig names the opaque external collaborators' base URLs
//: the market-data vendor and the pool-operator sidecar that
// fronts both the AMM program and the trading wallet's token accounts.
type EndpointConfig struct {
	MarketDataBaseURL string
	PoolBaseURL       string
	PoolRPCToken      string
}

// StorageConfig names the flat-file paths backing the position store and
// the balance history.
type StorageConfig struct {
	PositionsPath      string
	BalanceHistoryPath string
}

// Config is the root configuration object.
type Config struct {
	RSI             RSIConfig
	CheckInterval   time.Duration
	PositionFactors map[Timeframe]float64
	EnabledTFs      map[Timeframe]bool
	Pools           map[Timeframe]PoolDescriptor
	Tokens          TokenConfig
	Harvest         HarvestConfig
	Transaction     TransactionConfig
	Wallet          WalletConfig
	Vault           VaultConfig
	Redis           RedisConfig
	Audit           AuditConfig
	Server          ServerConfig
	Logging         LoggingConfig
	Endpoints       EndpointConfig
	Storage         StorageConfig
}

// Load reads configuration from the process environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		RSI: RSIConfig{
			Period:     envInt("RSI_PERIOD", 14),
			Oversold:   envFloat("RSI_OVERSOLD_THRESHOLD", 30),
			Overbought: envFloat("RSI_OVERBOUGHT_THRESHOLD", 70),
		},
		CheckInterval:   envDuration("DEFAULT_CHECK_INTERVAL", 30*time.Second),
		PositionFactors: map[Timeframe]float64{},
		EnabledTFs:      map[Timeframe]bool{},
		Pools:           map[Timeframe]PoolDescriptor{},
		Tokens: TokenConfig{
			TradingSymbol: envStr("TRADING_SYMBOL", "SOLUSDC"),
			BaseMint:      envStr("BASE_TOKEN_MINT", ""),
			BaseSymbol:    envStr("BASE_TOKEN_SYMBOL", "SOL"),
			QuoteMint:     envStr("QUOTE_TOKEN_MINT", ""),
			QuoteSymbol:   envStr("QUOTE_TOKEN_SYMBOL", "USDC"),
		},
		Harvest: HarvestConfig{
			Enabled:      envBool("HARVEST_ENABLED", true),
			MinBins:      envInt("HARVEST_MIN_BINS", 5),
			MinPriceMove: envFloat("HARVEST_MIN_PRICE_MOVE", 0.01),
			BPSThreshold: envInt("HARVEST_BPS_THRESHOLD", 10000),
		},
		Transaction: TransactionConfig{
			Timeout:       envDuration("TRANSACTION_TIMEOUT_MS", 3*time.Minute),
			MaxRetries:    envInt("TRANSACTION_MAX_RETRIES", 5),
			SkipPreflight: envBool("TRANSACTION_SKIP_PREFLIGHT", false),
		},
		Wallet: WalletConfig{
			SeedPhrase:     envStr("WALLET_SEED_PHRASE", ""),
			DerivationPath: envStr("WALLET_DERIVATION_PATH", "m/44'/501'/0'/0'"),
		},
		Vault: VaultConfig{
			Enabled:    envBool("VAULT_ENABLED", false),
			Address:    envStr("VAULT_ADDR", ""),
			Token:      envStr("VAULT_TOKEN", ""),
			SecretPath: envStr("VAULT_SECRET_PATH", "secret/data/meteora-rsi-bot"),
		},
		Redis: RedisConfig{
			Enabled:  envBool("REDIS_ENABLED", false),
			Address:  envStr("REDIS_ADDR", "localhost:6379"),
			Password: envStr("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Audit: AuditConfig{
			DatabaseURL: envStr("AUDIT_DATABASE_URL", ""),
		},
		Server: ServerConfig{
			ListenAddr:  envStr("HTTP_LISTEN_ADDR", ":8080"),
			CORSOrigins: envList("HTTP_CORS_ORIGINS", []string{"http://localhost:3000"}),
		},
		Logging: LoggingConfig{
			Level: envStr("LOG_LEVEL", "info"),
			JSON:  envBool("LOG_JSON", true),
		},
		Endpoints: EndpointConfig{
			MarketDataBaseURL: envStr("MARKETDATA_BASE_URL", "https://api.binance.com/api/v3"),
			PoolBaseURL:       envStr("POOL_SIDECAR_BASE_URL", "http://localhost:9090"),
			PoolRPCToken:      envStr("POOL_RPC_TOKEN", ""),
		},
		Storage: StorageConfig{
			PositionsPath:      envStr("POSITIONS_STATE_PATH", "data/positions.yaml"),
			BalanceHistoryPath: envStr("BALANCE_HISTORY_STATE_PATH", "data/balance_history.yaml"),
		},
	}

	for _, s := range envList("ENABLED_TIMEFRAMES", []string{"1m", "15m", "1h", "4h", "1d"}) {
		tf := Timeframe(strings.TrimSpace(s))
		if tf.valid() {
			cfg.EnabledTFs[tf] = true
		}
	}

	for _, tf := range AllTimeframes {
		envKey := strings.ToUpper(string(tf))
		cfg.PositionFactors[tf] = envFloat("POSITION_FACTOR_"+envKey, defaultPositionFactor(tf))
		cfg.Pools[tf] = PoolDescriptor{
			PoolID:   envStr("POOL_ID_"+envKey, ""),
			BinStep:  envInt("BIN_STEP_"+envKey, 20),
			BaseFee:  envFloat("BASE_FEE_"+envKey, 0.002),
			MaxFee:   envFloat("MAX_FEE_"+envKey, 0.10),
			Strategy: StrategyType(envStr("STRATEGY_TYPE_"+envKey, string(StrategySpot))),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultPositionFactor(tf Timeframe) float64 {
	switch tf {
	case TF1m:
		return 0.05
	case TF15m:
		return 0.10
	case TF1h:
		return 0.20
	case TF4h:
		return 0.35
	case TF1d:
		return 0.50
	default:
		return 0
	}
}

// Validate checks the allowed range of every option.
func (c *Config) Validate() error {
	if c.RSI.Period < 2 || c.RSI.Period > 100 {
		return fmt.Errorf("config: rsi_period %d out of range [2,100]", c.RSI.Period)
	}
	if c.RSI.Oversold < 1 || c.RSI.Oversold > 50 {
		return fmt.Errorf("config: oversold %v out of range [1,50]", c.RSI.Oversold)
	}
	if c.RSI.Overbought < 50 || c.RSI.Overbought > 99 {
		return fmt.Errorf("config: overbought %v out of range [50,99]", c.RSI.Overbought)
	}
	if c.CheckInterval < time.Second {
		return fmt.Errorf("config: check_interval %v must be >= 1s", c.CheckInterval)
	}
	for tf, factor := range c.PositionFactors {
		if factor < 0 || factor > 1 {
			return fmt.Errorf("config: position_factor[%s]=%v out of range [0,1]", tf, factor)
		}
	}
	for tf := range c.EnabledTFs {
		if !tf.valid() {
			return fmt.Errorf("config: enabled_timeframes contains unknown timeframe %q", tf)
		}
	}
	for tf, pd := range c.Pools {
		switch pd.Strategy {
		case StrategyBidAsk, StrategyCurve, StrategySpot:
		default:
			return fmt.Errorf("config: strategy_type[%s]=%q invalid", tf, pd.Strategy)
		}
	}
	return nil
}

// LiveUpdatable is the subset of Config that update_config{partial} may
// change at runtime without a restart.
type LiveUpdatable struct {
	RSI             *RSIConfig            `json:"rsi,omitempty"`
	PositionFactors map[Timeframe]float64 `json:"position_factors,omitempty"`
	EnabledTFs      map[Timeframe]bool    `json:"enabled_timeframes,omitempty"`
	Harvest         *HarvestConfig        `json:"harvest,omitempty"`
}

// ApplyLive merges a LiveUpdatable patch into c, validating the result
// before committing it. The update is all-or-nothing.
func (c *Config) ApplyLive(patch LiveUpdatable) error {
	next, err := mergeLive(*c, patch)
	if err != nil {
		return err
	}
	*c = next
	return nil
}

func mergeLive(c Config, patch LiveUpdatable) (Config, error) {
	next := c
	if patch.RSI != nil {
		next.RSI = *patch.RSI
	}
	if patch.PositionFactors != nil {
		merged := map[Timeframe]float64{}
		for k, v := range c.PositionFactors {
			merged[k] = v
		}
		for k, v := range patch.PositionFactors {
			merged[k] = v
		}
		next.PositionFactors = merged
	}
	if patch.EnabledTFs != nil {
		next.EnabledTFs = patch.EnabledTFs
	}
	if patch.Harvest != nil {
		next.Harvest = *patch.Harvest
	}
	if err := next.Validate(); err != nil {
		return Config{}, err
	}
	return next, nil
}

// Store is the live-updatable configuration holder. Update swaps in a new
// validated snapshot; every other component reads the current snapshot via
// Get() rather than caching its own pointer.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore wraps an already-loaded, already-validated Config.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// Get returns the current configuration snapshot.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update validates and swaps in patch, all-or-nothing.
func (s *Store) Update(patch LiveUpdatable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := mergeLive(*s.cfg, patch)
	if err != nil {
		return err
	}
	s.cfg = &next
	return nil
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func envList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
