package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"autotrade/internal/api"
	"autotrade/internal/broker"
	"autotrade/internal/config"
	"autotrade/internal/engine"
	"autotrade/internal/notify"
	"autotrade/internal/store"
	"autotrade/internal/util"
)

func main() {
	// Credentials may live in .env; a missing file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("loading .env: %v", err)
	}

	cfgPath := config.Path()
	boot, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	util.SetDefault(util.NewLogger(boot.Logging.Level, boot.Logging.Format))

	if err := run(cfgPath); err != nil {
		slog.Error("autotrade exited", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	src, err := config.NewSource(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := src.Current()

	cal, err := util.NewTradingCalendar(cfg.Market)
	if err != nil {
		// The calendar stays usable and reports every instant as CLOSED.
		slog.Warn("trading calendar invalid, engine will not trade", "error", err)
	}

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	transport, err := newTransport(cfg)
	if err != nil {
		return err
	}
	gw := broker.NewGateway(transport, broker.GatewayOptions{
		Mode:    cfg.Mode,
		Retry:   retryPolicy(cfg.Broker.Retry),
		Limiter: util.NewRateLimiter(cfg.Broker.RatePerSecond, cfg.Broker.Burst),
		Workers: cfg.Broker.QuoteWorkers,
		Clock:   cal,
	})

	hub := api.NewHub()
	sinks := []notify.Sink{hub}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.Notify.WebhookURL))
	}
	if cfg.Notify.KakaoToken != "" {
		sinks = append(sinks, notify.NewKakao(cfg.Notify.KakaoToken, ""))
	}
	dispatcher := notify.NewDispatcher(cfg.Notify.QueueSize, sinks...)
	dispatcher.Start()

	eng, err := engine.New(engine.Options{
		Config:   src,
		Broker:   gw,
		Store:    st,
		Clock:    cal,
		Notifier: dispatcher,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := eng.Load(ctx); err != nil {
		return fmt.Errorf("restoring engine state: %w", err)
	}

	srv := api.NewServer(api.Options{
		HTTPAddr: net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		GRPCAddr: net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort)),
		Engine:   eng,
		Store:    st,
		Hub:      hub,
		Loc:      cal.Location(),
	})

	slog.Info("autotrade starting",
		"mode", cfg.Mode,
		"transport", gw.TransportName(),
		"universe", len(cfg.Engine.Universe),
		"config", cfgPath,
	)
	runErr := supervise(ctx, eng.Run, srv.ListenAndServe)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		slog.Warn("notification queue not drained", "error", err, "dropped", dispatcher.Dropped())
	}
	archiveSession(shutdownCtx, st, store.NewParquetArchive(cfg.Storage.ArchiveDir, cal.Location()), cal)

	slog.Info("autotrade stopped")
	return runErr
}

// supervise runs the engine and the API server until ctx is done or either
// of them returns. Whichever stops first stops the other.
func supervise(ctx context.Context, runEngine, runServer func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srvErr := make(chan error, 1)
	go func() {
		err := runServer(ctx)
		if err != nil {
			slog.Error("server error, stopping engine", "error", err)
		}
		cancel()
		srvErr <- err
	}()

	engErr := runEngine(ctx)
	if engErr != nil {
		slog.Error("engine error", "error", engErr)
	}
	cancel()
	return errors.Join(engErr, <-srvErr)
}

// newTransport builds the brokerage transport selected by broker.transport.
func newTransport(cfg *config.Config) (broker.Transport, error) {
	timeout := time.Duration(cfg.Broker.TimeoutSeconds) * time.Second
	switch cfg.Broker.Transport {
	case "kis", "":
		return broker.NewKISClient(broker.KISConfig{
			AppKey:    cfg.KIS.AppKey,
			AppSecret: cfg.KIS.AppSecret,
			AccountNo: cfg.KIS.AccountNo,
			BaseURL:   cfg.KIS.BaseURL,
			Timeout:   timeout,
		}), nil
	case "alpaca":
		return broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, cfg.Alpaca.DataURL), nil
	case "simulator":
		return broker.NewSimulator(cfg.Broker.SimulatorSeed), nil
	}
	return nil, fmt.Errorf("unknown broker transport %q", cfg.Broker.Transport)
}

func retryPolicy(rc config.RetryConfig) util.RetryPolicy {
	return util.RetryPolicy{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   time.Duration(rc.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(rc.MaxDelayMS) * time.Millisecond,
		Jitter:      rc.Jitter,
	}
}

// archiveSession copies the current session's fills to the Parquet archive.
func archiveSession(ctx context.Context, st *store.SQLiteStore, ar *store.ParquetArchive, cal *util.TradingCalendar) {
	now := time.Now().In(cal.Location())
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	trades, err := st.ListTrades(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		slog.Error("listing trades for archive", "error", err)
		return
	}
	if len(trades) == 0 {
		return
	}
	files, err := ar.WriteTrades(ctx, trades)
	if err != nil {
		slog.Error("archiving trades", "error", err)
		return
	}
	slog.Info("archived session trades", "trades", len(trades), "files", len(files))
}
