package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"liqCascadeBot/internal/adapters/logger" // Import the logger package for LogLevel
	"liqCascadeBot/internal/domain"
)

// SymbolSettings holds the per-symbol trading parameters loaded from the
// YAML symbols file.
type SymbolSettings struct {
	VolumeThresholdLong  float64              `yaml:"volume_threshold_long"`
	VolumeThresholdShort float64              `yaml:"volume_threshold_short"`
	Leverage             int                  `yaml:"leverage"`
	MarginType           domain.MarginType    `yaml:"margin_type"`
	TradeSide            domain.TradeSideMode `yaml:"trade_side"`
	TradeValueUSDT       float64              `yaml:"trade_value_usdt"`
	PriceOffsetPct       float64              `yaml:"price_offset_pct"`
	MaxPositionUSDT      float64              `yaml:"max_position_usdt"`
	TakeProfitEnabled    bool                 `yaml:"take_profit_enabled"`
	TakeProfitPct        float64              `yaml:"take_profit_pct"`
	StopLossEnabled      bool                 `yaml:"stop_loss_enabled"`
	StopLossPct          float64              `yaml:"stop_loss_pct"`
	WorkingType          domain.WorkingType   `yaml:"working_type"`
	PriceProtect         bool                 `yaml:"price_protect"`
}

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Engine Parameters
	WindowDuration         time.Duration // rolling liquidation volume window
	SimulateOnly           bool          // record orders but do not submit
	HedgeMode              bool
	MultiAssetsMode        bool
	OrderTTL               time.Duration // max age for unfilled entry orders
	MaxOpenOrdersPerSymbol int
	MaxTotalExposureUSDT   float64
	TimeInForce            domain.TimeInForce
	BatchOrdersEnabled     bool
	BufferWindow           time.Duration // 0 disables micro-burst coalescing

	// Tranche Parameters
	TranchePnLIncrementPct   float64
	MaxTranchesPerSymbolSide int

	// Fast-Path Price Monitor
	UsePositionMonitor      bool
	InstantTPEnabled        bool
	InstantTPEpsilonPct     float64
	PriceMonitorReconnect   time.Duration
	PriceMonitorStaleAfter  time.Duration

	// Rate Limiting
	RateLimitBufferPct float64

	// Reconciler
	ReconcileInterval time.Duration

	// Shutdown
	ShutdownTimeout time.Duration

	// Per-Symbol Settings
	Symbols map[string]SymbolSettings

	// Database
	DBPath string

	// Logging
	LogLevel    logger.LogLevel
	LogOutput   string // "stderr" or "file"
	LogFilePath string

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file) and
// the per-symbol YAML file.
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("USE_TESTNET", true) // Default to testnet for safety
	cfg.SimulateOnly = getEnvAsBool("SIMULATE_ONLY", false)

	if !cfg.SimulateOnly {
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set unless SIMULATE_ONLY=true")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set unless SIMULATE_ONLY=true")
		}
	}

	// Engine Parameters
	windowMs := getEnvAsInt("WINDOW_MS", 8000)
	if windowMs <= 0 {
		errs = append(errs, "WINDOW_MS must be positive")
	}
	cfg.WindowDuration = time.Duration(windowMs) * time.Millisecond

	cfg.HedgeMode = getEnvAsBool("HEDGE_MODE", false)
	cfg.MultiAssetsMode = getEnvAsBool("MULTI_ASSETS_MODE", false)

	orderTTLMs := getEnvAsInt("ORDER_TTL_MS", 30000)
	if orderTTLMs <= 0 {
		errs = append(errs, "ORDER_TTL_MS must be positive")
	}
	cfg.OrderTTL = time.Duration(orderTTLMs) * time.Millisecond

	cfg.MaxOpenOrdersPerSymbol = getEnvAsInt("MAX_OPEN_ORDERS_PER_SYMBOL", 3)
	if cfg.MaxOpenOrdersPerSymbol <= 0 {
		errs = append(errs, "MAX_OPEN_ORDERS_PER_SYMBOL must be positive")
	}

	cfg.MaxTotalExposureUSDT = getEnvAsFloat("MAX_TOTAL_EXPOSURE_USDT", 10000)
	if cfg.MaxTotalExposureUSDT <= 0 {
		errs = append(errs, "MAX_TOTAL_EXPOSURE_USDT must be positive")
	}

	tif := domain.TimeInForce(strings.ToUpper(getEnv("TIME_IN_FORCE", "GTC")))
	switch tif {
	case domain.GTC, domain.IOC, domain.FOK:
		cfg.TimeInForce = tif
	default:
		errs = append(errs, fmt.Sprintf("TIME_IN_FORCE must be GTC, IOC or FOK, got %q", tif))
	}

	cfg.BatchOrdersEnabled = getEnvAsBool("BATCH_ORDERS_ENABLED", true)

	bufferMs := getEnvAsInt("BUFFER_WINDOW_MS", 0)
	if bufferMs < 0 {
		errs = append(errs, "BUFFER_WINDOW_MS cannot be negative")
	}
	cfg.BufferWindow = time.Duration(bufferMs) * time.Millisecond

	// Tranche Parameters
	cfg.TranchePnLIncrementPct = getEnvAsFloat("TRANCHE_PNL_INCREMENT_PCT", 2.0)
	if cfg.TranchePnLIncrementPct <= 0 {
		errs = append(errs, "TRANCHE_PNL_INCREMENT_PCT must be positive")
	}
	cfg.MaxTranchesPerSymbolSide = getEnvAsInt("MAX_TRANCHES_PER_SYMBOL_SIDE", 5)
	if cfg.MaxTranchesPerSymbolSide <= 0 {
		errs = append(errs, "MAX_TRANCHES_PER_SYMBOL_SIDE must be positive")
	}

	// Fast-Path Price Monitor
	cfg.UsePositionMonitor = getEnvAsBool("USE_POSITION_MONITOR", true)
	cfg.InstantTPEnabled = getEnvAsBool("INSTANT_TP_ENABLED", true)
	cfg.InstantTPEpsilonPct = getEnvAsFloat("INSTANT_TP_EPSILON_PCT", 0.05)
	if cfg.InstantTPEpsilonPct < 0 {
		errs = append(errs, "INSTANT_TP_EPSILON_PCT cannot be negative")
	}
	reconnectMs := getEnvAsInt("PRICE_MONITOR_RECONNECT_MS", 5000)
	if reconnectMs <= 0 {
		errs = append(errs, "PRICE_MONITOR_RECONNECT_MS must be positive")
	}
	cfg.PriceMonitorReconnect = time.Duration(reconnectMs) * time.Millisecond
	cfg.PriceMonitorStaleAfter = time.Duration(getEnvAsInt("PRICE_MONITOR_STALE_SEC", 30)) * time.Second

	// Rate Limiting
	cfg.RateLimitBufferPct = getEnvAsFloat("RATE_LIMIT_BUFFER_PCT", 20.0)
	if cfg.RateLimitBufferPct < 0 || cfg.RateLimitBufferPct >= 100 {
		errs = append(errs, "RATE_LIMIT_BUFFER_PCT must be in [0, 100)")
	}

	// Reconciler
	reconcileSec := getEnvAsInt("RECONCILE_INTERVAL_SEC", 60)
	if reconcileSec <= 0 {
		errs = append(errs, "RECONCILE_INTERVAL_SEC must be positive")
	}
	cfg.ReconcileInterval = time.Duration(reconcileSec) * time.Second

	// Shutdown
	cfg.ShutdownTimeout = time.Duration(getEnvAsInt("SHUTDOWN_TIMEOUT_SEC", 15)) * time.Second

	// Per-Symbol Settings
	symbolsPath := getEnv("SYMBOLS_CONFIG_PATH", "./symbols.yaml")
	symbols, symErrs := loadSymbolSettings(symbolsPath)
	cfg.Symbols = symbols
	errs = append(errs, symErrs...)

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/liq_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogOutput = strings.ToLower(getEnv("LOG_OUTPUT", "stderr"))
	cfg.LogFilePath = getEnv("LOG_FILE_PATH", "./logs/liq_bot.log")
	if cfg.LogOutput != "stderr" && cfg.LogOutput != "file" {
		errs = append(errs, fmt.Sprintf("LOG_OUTPUT must be 'stderr' or 'file', got %q", cfg.LogOutput))
	}

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 0) // 0 = unlimited
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// loadSymbolSettings reads and validates the per-symbol YAML file.
func loadSymbolSettings(path string) (map[string]SymbolSettings, []string) {
	var errs []string

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []string{fmt.Sprintf("cannot read symbols config %s: %v", path, err)}
	}

	var raw struct {
		Symbols map[string]SymbolSettings `yaml:"symbols"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, []string{fmt.Sprintf("cannot parse symbols config %s: %v", path, err)}
	}
	if len(raw.Symbols) == 0 {
		return nil, []string{fmt.Sprintf("symbols config %s defines no symbols", path)}
	}

	out := make(map[string]SymbolSettings, len(raw.Symbols))
	for sym, s := range raw.Symbols {
		sym = strings.ToUpper(sym)
		if s.VolumeThresholdLong <= 0 && s.VolumeThresholdShort <= 0 {
			errs = append(errs, fmt.Sprintf("%s: at least one volume threshold must be positive", sym))
		}
		if s.Leverage <= 0 {
			errs = append(errs, fmt.Sprintf("%s: leverage must be positive", sym))
		}
		if s.TradeValueUSDT <= 0 {
			errs = append(errs, fmt.Sprintf("%s: trade_value_usdt must be positive", sym))
		}
		if s.MaxPositionUSDT <= 0 {
			errs = append(errs, fmt.Sprintf("%s: max_position_usdt must be positive", sym))
		}
		if s.PriceOffsetPct < 0 {
			errs = append(errs, fmt.Sprintf("%s: price_offset_pct cannot be negative", sym))
		}
		if s.TakeProfitEnabled && s.TakeProfitPct <= 0 {
			errs = append(errs, fmt.Sprintf("%s: take_profit_pct must be positive when enabled", sym))
		}
		if s.StopLossEnabled && s.StopLossPct <= 0 {
			errs = append(errs, fmt.Sprintf("%s: stop_loss_pct must be positive when enabled", sym))
		}

		// Defaults
		if s.MarginType == "" {
			s.MarginType = domain.MarginIsolated
		} else if s.MarginType != domain.MarginIsolated && s.MarginType != domain.MarginCrossed {
			errs = append(errs, fmt.Sprintf("%s: margin_type must be ISOLATED or CROSSED", sym))
		}
		if s.TradeSide == "" {
			s.TradeSide = domain.TradeOpposite
		} else if s.TradeSide != domain.TradeOpposite && s.TradeSide != domain.TradeSame {
			errs = append(errs, fmt.Sprintf("%s: trade_side must be OPPOSITE or SAME", sym))
		}
		if s.WorkingType == "" {
			s.WorkingType = domain.WorkingMarkPrice
		} else if s.WorkingType != domain.WorkingContractPrice && s.WorkingType != domain.WorkingMarkPrice {
			errs = append(errs, fmt.Sprintf("%s: working_type must be CONTRACT_PRICE or MARK_PRICE", sym))
		}

		out[sym] = s
	}
	return out, errs
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
