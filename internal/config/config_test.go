package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"autotrade/internal/domain"
)

const sampleYAML = `
mode: dry_run
engine:
  enabled: true
  scan_interval_seconds: 15
  universe: ["005930", "000660"]
broker:
  transport: simulator
kis:
  app_key: "yaml-key"
  app_secret: "yaml-secret"
  account_no: "12345678-01"
market:
  timezone: Asia/Seoul
  open: "09:00"
  close: "15:30"
  holidays: ["2026-10-09"]
  calendar_valid_through: "2026-12-31"
strategy:
  weights:
    universe: 10
    pre_breakout: 20
    trigger: 30
    confirmation: 40
risk:
  max_orders_per_day: 6
  max_daily_loss_krw: 500000
storage:
  sqlite_path: "/tmp/autotrade/autotrade.db"
logging:
  level: "debug"
  format: "text"
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "autotrade.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AUTOTRADE_MODE", "AUTOTRADE_EQUITY_BASE_KRW", "KIS_APPKEY", "KIS_APPSECRET",
		"KIS_ACCOUNT_NO", "KIS_BASE_URL", "SQLITE_PATH", "LOG_LEVEL",
		"NOTIFY_WEBHOOK_URL", "KAKAO_TOKEN", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, t.TempDir(), sampleYAML))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Mode and engine --
	if cfg.Mode != domain.ModeDryRun {
		t.Errorf("Mode = %q, want %q", cfg.Mode, domain.ModeDryRun)
	}
	if cfg.Engine.ScanIntervalSeconds != 15 {
		t.Errorf("Engine.ScanIntervalSeconds = %d, want %d", cfg.Engine.ScanIntervalSeconds, 15)
	}
	if len(cfg.Engine.Universe) != 2 || cfg.Engine.Universe[0] != "005930" {
		t.Errorf("Engine.Universe = %v, want [005930 000660]", cfg.Engine.Universe)
	}

	// -- Values from the file override defaults --
	if cfg.Strategy.Weights.Confirmation != 40 {
		t.Errorf("Strategy.Weights.Confirmation = %f, want %f", cfg.Strategy.Weights.Confirmation, 40.0)
	}
	if cfg.Risk.MaxOrdersPerDay != 6 {
		t.Errorf("Risk.MaxOrdersPerDay = %d, want %d", cfg.Risk.MaxOrdersPerDay, 6)
	}

	// -- Omitted keys keep defaults --
	if cfg.Risk.MaxPositions != 4 {
		t.Errorf("Risk.MaxPositions = %d, want %d", cfg.Risk.MaxPositions, 4)
	}
	if cfg.Strategy.Trigger.BreakoutZone2Pct != 1.2 {
		t.Errorf("Strategy.Trigger.BreakoutZone2Pct = %f, want %f", cfg.Strategy.Trigger.BreakoutZone2Pct, 1.2)
	}
	if cfg.KIS.BaseURL != "https://openapi.koreainvestment.com:9443" {
		t.Errorf("KIS.BaseURL = %q, want default", cfg.KIS.BaseURL)
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("KIS_APPKEY", "env-key")
	t.Setenv("AUTOTRADE_MODE", "live")
	t.Setenv("AUTOTRADE_EQUITY_BASE_KRW", "50000000")
	t.Setenv("SQLITE_PATH", "/env/autotrade.db")

	cfg, err := Load(writeConfig(t, t.TempDir(), sampleYAML))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.KIS.AppKey != "env-key" {
		t.Errorf("KIS.AppKey = %q, want %q (env override)", cfg.KIS.AppKey, "env-key")
	}
	// app_secret should remain from YAML since no env override was set.
	if cfg.KIS.AppSecret != "yaml-secret" {
		t.Errorf("KIS.AppSecret = %q, want %q (from YAML)", cfg.KIS.AppSecret, "yaml-secret")
	}
	if cfg.Mode != domain.ModeLive {
		t.Errorf("Mode = %q, want %q (env override)", cfg.Mode, domain.ModeLive)
	}
	if cfg.Risk.EquityBaseKRW != 50000000 {
		t.Errorf("Risk.EquityBaseKRW = %f, want %f", cfg.Risk.EquityBaseKRW, 50000000.0)
	}
	if cfg.Storage.SQLitePath != "/env/autotrade.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q (env override)", cfg.Storage.SQLitePath, "/env/autotrade.db")
	}
}

func TestValidateRejectsMalformedThresholds(t *testing.T) {
	cfg := Default()
	cfg.Engine.Universe = []string{"005930"}
	cfg.Strategy.Trigger.BreakoutZone2Pct = 0.1

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Validate() = %v, want ErrInvalid", err)
	}
}

func TestMalformedRiskLimitsBlockOnlyLive(t *testing.T) {
	cfg := Default()
	cfg.Engine.Universe = []string{"005930"}
	cfg.KIS.AppKey = "k"
	cfg.KIS.AppSecret = "s"
	cfg.KIS.AccountNo = "12345678-01"
	cfg.Risk.MaxOrdersPerDay = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil (risk limits do not stop DRY_RUN)", err)
	}
	if err := cfg.ValidateRisk(); !errors.Is(err, ErrInvalid) {
		t.Errorf("ValidateRisk() = %v, want ErrInvalid", err)
	}
	err := cfg.ValidateLive()
	if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "max_orders_per_day") {
		t.Errorf("ValidateLive() = %v, want ErrInvalid naming max_orders_per_day", err)
	}
}

func TestSourceAcceptsMalformedRiskLimits(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), strings.Replace(sampleYAML, "max_orders_per_day: 6", "max_orders_per_day: 0", 1))

	src, err := NewSource(path)
	if err != nil {
		t.Fatalf("NewSource() = %v, want DRY_RUN startup to succeed", err)
	}
	if err := src.Current().ValidateRisk(); err == nil {
		t.Error("ValidateRisk() = nil for max_orders_per_day 0")
	}
}

func TestValidateLive(t *testing.T) {
	cfg := Default()
	cfg.KIS.AppKey = "k"
	cfg.KIS.AppSecret = "s"
	cfg.KIS.AccountNo = "1234-01"

	if err := cfg.ValidateLive(); !errors.Is(err, ErrInvalid) {
		t.Errorf("ValidateLive() with malformed account = %v, want ErrInvalid", err)
	}

	cfg.KIS.AccountNo = "12345678-01"
	if err := cfg.ValidateLive(); err != nil {
		t.Errorf("ValidateLive() = %v, want nil", err)
	}
}

func TestSourceKeepsLastGoodConfig(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleYAML)

	src, err := NewSource(path)
	if err != nil {
		t.Fatalf("NewSource() returned error: %v", err)
	}
	if changed, err := src.Reload(); changed || err != nil {
		t.Errorf("Reload() on unchanged file = (%v, %v), want (false, nil)", changed, err)
	}

	// Broken YAML is rejected and the old config stays.
	bump := time.Now().Add(2 * time.Second)
	writeConfig(t, dir, "risk: [not a map")
	os.Chtimes(path, bump, bump)
	if changed, err := src.Reload(); changed || err == nil {
		t.Errorf("Reload() with broken file = (%v, %v), want (false, error)", changed, err)
	}
	if got := src.Current().Risk.MaxOrdersPerDay; got != 6 {
		t.Errorf("Risk.MaxOrdersPerDay after bad reload = %d, want 6", got)
	}
	if src.LastError() == nil {
		t.Error("LastError() = nil after a failed reload")
	}

	// A valid edit is picked up.
	bump = bump.Add(2 * time.Second)
	writeConfig(t, dir, strings.Replace(sampleYAML, "max_orders_per_day: 6", "max_orders_per_day: 7", 1))
	os.Chtimes(path, bump, bump)
	changed, err := src.Reload()
	if !changed || err != nil {
		t.Fatalf("Reload() with valid edit = (%v, %v), want (true, nil)", changed, err)
	}
	if got := src.Current().Risk.MaxOrdersPerDay; got != 7 {
		t.Errorf("Risk.MaxOrdersPerDay after reload = %d, want 7", got)
	}
}
