package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"autotrade/internal/domain"
	"autotrade/internal/util"
)

// DefaultPath is used when AUTOTRADE_CONFIG is unset.
const DefaultPath = "config/autotrade.yaml"

// ErrInvalid marks a configuration that must not be used to submit orders.
var ErrInvalid = errors.New("config invalid")

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the autotrade engine.
type Config struct {
	Mode     domain.Mode       `yaml:"mode"`
	Engine   EngineConfig      `yaml:"engine"`
	Broker   BrokerConfig      `yaml:"broker"`
	KIS      KIS               `yaml:"kis"`
	Alpaca   Alpaca            `yaml:"alpaca"`
	Market   util.CalendarSpec `yaml:"market"`
	Strategy StrategyConfig    `yaml:"strategy"`
	Risk     domain.RiskLimits `yaml:"risk"`
	Storage  Storage           `yaml:"storage"`
	Server   Server            `yaml:"server"`
	Notify   Notify            `yaml:"notify"`
	Logging  Logging           `yaml:"logging"`
}

// EngineConfig controls the scan loop.
type EngineConfig struct {
	Enabled             bool     `yaml:"enabled"`
	ScanIntervalSeconds int      `yaml:"scan_interval_seconds"`
	Universe            []string `yaml:"universe"`
}

// BrokerConfig selects the order transport and its call policy.
type BrokerConfig struct {
	Transport      string      `yaml:"transport"` // kis, alpaca or simulator
	QuoteWorkers   int         `yaml:"quote_workers"`
	RatePerSecond  float64     `yaml:"rate_per_second"`
	Burst          int         `yaml:"burst"`
	TimeoutSeconds int         `yaml:"timeout_seconds"`
	Retry          RetryConfig `yaml:"retry"`
	SimulatorSeed  int64       `yaml:"simulator_seed"`
}

// RetryConfig is the backoff policy applied to every brokerage call.
type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMS int     `yaml:"base_delay_ms"`
	MaxDelayMS  int     `yaml:"max_delay_ms"`
	Jitter      float64 `yaml:"jitter"`
}

// KIS holds credentials and the endpoint for the Korea Investment &
// Securities open API.
type KIS struct {
	AppKey    string `yaml:"app_key"`
	AppSecret string `yaml:"app_secret"`
	AccountNo string `yaml:"account_no"` // 12345678-01
	BaseURL   string `yaml:"base_url"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// StrategyConfig holds stage weights and thresholds.
type StrategyConfig struct {
	Weights           StageWeights       `yaml:"weights"`
	Universe          UniverseConfig     `yaml:"universe"`
	PreBreakout       PreBreakoutConfig  `yaml:"pre_breakout"`
	Trigger           TriggerConfig      `yaml:"trigger"`
	Confirmation      ConfirmationConfig `yaml:"confirmation"`
	Exit              ExitConfig         `yaml:"exit"`
	MinCompositeScore float64            `yaml:"min_composite_score"`
	TrendWindow       int                `yaml:"trend_window"`
}

// StageWeights are the maximum partial scores of each stage.
type StageWeights struct {
	Universe     float64 `yaml:"universe"`
	PreBreakout  float64 `yaml:"pre_breakout"`
	Trigger      float64 `yaml:"trigger"`
	Confirmation float64 `yaml:"confirmation"`
}

// UniverseConfig gates basic tradability.
type UniverseConfig struct {
	MinPrice     float64 `yaml:"min_price"`
	MaxSpreadPct float64 `yaml:"max_spread_pct"`
}

// PreBreakoutConfig requires unusual activity.
type PreBreakoutConfig struct {
	VolumeSpikeRatioMin      float64 `yaml:"volume_spike_ratio_min"`
	IntradayVolatilityPctMin float64 `yaml:"intraday_volatility_pct_min"`
}

// TriggerConfig grades the breakout by volatility zone.
type TriggerConfig struct {
	BreakoutZone1Pct float64 `yaml:"breakout_zone_1_pct"`
	BreakoutZone2Pct float64 `yaml:"breakout_zone_2_pct"`
	BreakoutZone3Pct float64 `yaml:"breakout_zone_3_pct"`
	Zone1Factor      float64 `yaml:"zone_1_factor"`
	Zone2Factor      float64 `yaml:"zone_2_factor"`
	Zone3Factor      float64 `yaml:"zone_3_factor"`
	MinVolumeRatio   float64 `yaml:"min_volume_ratio"`
}

// ConfirmationConfig checks that the move is carried by buyers.
type ConfirmationConfig struct {
	ExecutionStrengthMin float64 `yaml:"execution_strength_min"`
	SpreadPctMax         float64 `yaml:"spread_pct_max"`
	TrendSlopeMin        float64 `yaml:"trend_slope_min"`
}

// ExitConfig holds the hard and indicator exit rules.
type ExitConfig struct {
	StopLossPct            float64 `yaml:"stop_loss_pct"`
	TakeProfitPct          float64 `yaml:"take_profit_pct"`
	ExecutionStrengthFloor float64 `yaml:"execution_strength_floor"`
	TrendSlopeFloor        float64 `yaml:"trend_slope_floor"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	ArchiveDir string `yaml:"archive_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Notify configures outbound event delivery.
type Notify struct {
	WebhookURL string `yaml:"webhook_url"`
	KakaoToken string `yaml:"kakao_token"`
	QueueSize  int    `yaml:"queue_size"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the configuration path from AUTOTRADE_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("AUTOTRADE_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct on top of the defaults, and then applies environment
// variable overrides. It does not validate; see Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.Mode = domain.Mode(strings.ToUpper(string(cfg.Mode)))

	return cfg, nil
}

// Default returns the configuration used for any key the file omits.
func Default() *Config {
	return &Config{
		Mode: domain.ModeDryRun,
		Engine: EngineConfig{
			Enabled:             true,
			ScanIntervalSeconds: 30,
		},
		Broker: BrokerConfig{
			Transport:      "kis",
			QuoteWorkers:   4,
			RatePerSecond:  15,
			Burst:          5,
			TimeoutSeconds: 10,
			Retry: RetryConfig{
				MaxAttempts: 4,
				BaseDelayMS: 250,
				MaxDelayMS:  4000,
				Jitter:      0.2,
			},
			SimulatorSeed: 1,
		},
		KIS: KIS{BaseURL: "https://openapi.koreainvestment.com:9443"},
		Alpaca: Alpaca{
			BaseURL: "https://paper-api.alpaca.markets",
			DataURL: "https://data.alpaca.markets",
		},
		Market: util.CalendarSpec{
			Timezone: "Asia/Seoul",
			Open:     "09:00",
			Close:    "15:30",
		},
		Strategy: StrategyConfig{
			Weights: StageWeights{Universe: 20, PreBreakout: 25, Trigger: 30, Confirmation: 25},
			Universe: UniverseConfig{
				MinPrice:     1000,
				MaxSpreadPct: 1.2,
			},
			PreBreakout: PreBreakoutConfig{
				VolumeSpikeRatioMin:      2.2,
				IntradayVolatilityPctMin: 1.8,
			},
			Trigger: TriggerConfig{
				BreakoutZone1Pct: 0.6,
				BreakoutZone2Pct: 1.2,
				BreakoutZone3Pct: 2.0,
				Zone1Factor:      0.4,
				Zone2Factor:      0.75,
				Zone3Factor:      1.0,
				MinVolumeRatio:   3.0,
			},
			Confirmation: ConfirmationConfig{
				ExecutionStrengthMin: 105,
				SpreadPctMax:         0.9,
				TrendSlopeMin:        0.2,
			},
			Exit: ExitConfig{
				StopLossPct:            1.8,
				TakeProfitPct:          4.2,
				ExecutionStrengthFloor: 90,
				TrendSlopeFloor:        -0.3,
			},
			MinCompositeScore: 65,
			TrendWindow:       5,
		},
		Risk: domain.RiskLimits{
			MaxOrdersPerDay:          8,
			MaxDailyLossKRW:          600000,
			MaxDailyLossPct:          2.5,
			EquityBaseKRW:            30000000,
			MaxPositions:             4,
			MaxBuyAmountPerTradeKRW:  1500000,
			CooldownAfterConsecutive: 3,
			CooldownMinutes:          20,
			FeePerTradeKRW:           500,
		},
		Storage: Storage{
			SQLitePath: "data/autotrade.db",
			ArchiveDir: "data/archive",
		},
		Server:  Server{Host: "127.0.0.1", Port: 8080, GRPCPort: 9090},
		Notify:  Notify{QueueSize: 64},
		Logging: Logging{Level: "info", Format: "json"},
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTOTRADE_MODE"); v != "" {
		cfg.Mode = domain.Mode(v)
	}
	if v := os.Getenv("AUTOTRADE_EQUITY_BASE_KRW"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Risk.EquityBaseKRW = f
		}
	}

	if v := os.Getenv("KIS_APPKEY"); v != "" {
		cfg.KIS.AppKey = v
	}
	if v := os.Getenv("KIS_APPSECRET"); v != "" {
		cfg.KIS.AppSecret = v
	}
	if v := os.Getenv("KIS_ACCOUNT_NO"); v != "" {
		cfg.KIS.AccountNo = v
	}
	if v := os.Getenv("KIS_BASE_URL"); v != "" {
		cfg.KIS.BaseURL = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("KAKAO_TOKEN"); v != "" {
		cfg.Notify.KakaoToken = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

var accountPattern = regexp.MustCompile(`^\d{8}-\d{2}$`)

// Validate reports a configuration the engine cannot run with: bad mode,
// transport, universe or strategy thresholds. Risk limits are checked by
// ValidateRisk. The returned error wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Mode != domain.ModeDryRun && c.Mode != domain.ModeLive {
		add("mode %q must be DRY_RUN or LIVE", c.Mode)
	}
	switch c.Broker.Transport {
	case "kis", "alpaca", "simulator":
	default:
		add("broker.transport %q must be kis, alpaca or simulator", c.Broker.Transport)
	}
	if c.Broker.Retry.MaxAttempts < 1 {
		add("broker.retry.max_attempts must be at least 1")
	}
	if len(c.Engine.Universe) == 0 {
		add("engine.universe is empty")
	}

	s := c.Strategy
	w := s.Weights
	if w.Universe < 0 || w.PreBreakout < 0 || w.Trigger < 0 || w.Confirmation < 0 {
		add("strategy weights must not be negative")
	}
	if w.Universe+w.PreBreakout+w.Trigger+w.Confirmation <= 0 {
		add("strategy weights must sum to a positive value")
	}
	t := s.Trigger
	if !(t.BreakoutZone1Pct < t.BreakoutZone2Pct && t.BreakoutZone2Pct < t.BreakoutZone3Pct) {
		add("strategy.trigger breakout zones must be strictly increasing")
	}
	if s.Exit.StopLossPct <= 0 || s.Exit.TakeProfitPct <= 0 {
		add("strategy.exit stop_loss_pct and take_profit_pct must be positive")
	}
	if s.TrendWindow < 2 {
		add("strategy.trend_window must be at least 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ValidateRisk reports malformed risk limits. They block LIVE orders and
// leave DRY_RUN running.
func (c *Config) ValidateRisk() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	r := c.Risk
	if r.MaxOrdersPerDay <= 0 {
		add("risk.max_orders_per_day must be positive")
	}
	if r.MaxDailyLossKRW <= 0 {
		add("risk.max_daily_loss_krw must be positive")
	}
	if r.MaxDailyLossPct <= 0 || r.MaxDailyLossPct > 100 {
		add("risk.max_daily_loss_pct must be in (0, 100]")
	}
	if r.EquityBaseKRW <= 0 {
		add("risk.equity_base_krw must be positive")
	}
	if r.MaxPositions <= 0 {
		add("risk.max_positions must be positive")
	}
	if r.MaxBuyAmountPerTradeKRW <= 0 {
		add("risk.max_buy_amount_per_trade_krw must be positive")
	}
	if r.CooldownAfterConsecutive < 0 || r.CooldownMinutes < 0 || r.FeePerTradeKRW < 0 {
		add("risk cooldown and fee values must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ValidateLive reports missing or malformed credentials for the configured
// transport, and malformed risk limits. Only LIVE order submission depends
// on it.
func (c *Config) ValidateLive() error {
	var missing []string
	switch c.Broker.Transport {
	case "kis":
		if c.KIS.AppKey == "" {
			missing = append(missing, "KIS_APPKEY")
		}
		if c.KIS.AppSecret == "" {
			missing = append(missing, "KIS_APPSECRET")
		}
		if !accountPattern.MatchString(c.KIS.AccountNo) {
			missing = append(missing, "KIS_ACCOUNT_NO (format 12345678-01)")
		}
		if c.KIS.BaseURL == "" {
			missing = append(missing, "KIS_BASE_URL")
		}
	case "alpaca":
		if c.Alpaca.APIKey == "" {
			missing = append(missing, "APCA_API_KEY_ID")
		}
		if c.Alpaca.APISecret == "" {
			missing = append(missing, "APCA_API_SECRET_KEY")
		}
	}
	var credErr error
	if len(missing) > 0 {
		credErr = fmt.Errorf("%w: live credentials missing: %s", ErrInvalid, strings.Join(missing, ", "))
	}
	return errors.Join(credErr, c.ValidateRisk())
}
