package domain

import "time"

// EngineState holds the process-wide risk counters. RiskGuard is its only
// writer; every mutation is persisted before it is acknowledged.
type EngineState struct {
	SessionDate       string    `json:"session_date"` // YYYY-MM-DD in market time
	OrdersToday       int       `json:"orders_today"`
	LossToday         float64   `json:"loss_today_krw"` // <= 0
	ConsecutiveLosses int       `json:"consecutive_losses"`
	CooldownUntil     time.Time `json:"cooldown_until"`
	LastResetAt       time.Time `json:"last_reset_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// RiskLimits is the risk configuration snapshot consulted by RiskGuard.
type RiskLimits struct {
	MaxOrdersPerDay          int     `yaml:"max_orders_per_day" json:"max_orders_per_day"`
	MaxDailyLossKRW          float64 `yaml:"max_daily_loss_krw" json:"max_daily_loss_krw"`
	MaxDailyLossPct          float64 `yaml:"max_daily_loss_pct" json:"max_daily_loss_pct"`
	EquityBaseKRW            float64 `yaml:"equity_base_krw" json:"equity_base_krw"`
	MaxPositions             int     `yaml:"max_positions" json:"max_positions"`
	MaxBuyAmountPerTradeKRW  float64 `yaml:"max_buy_amount_per_trade_krw" json:"max_buy_amount_per_trade_krw"`
	CooldownAfterConsecutive int     `yaml:"cooldown_after_consecutive_losses" json:"cooldown_after_consecutive_losses"`
	CooldownMinutes          int     `yaml:"cooldown_minutes" json:"cooldown_minutes"`
	FeePerTradeKRW           float64 `yaml:"fee_per_trade_krw" json:"fee_per_trade_krw"`
}

// Cooldown returns the configured cooldown duration.
func (l RiskLimits) Cooldown() time.Duration {
	return time.Duration(l.CooldownMinutes) * time.Minute
}
