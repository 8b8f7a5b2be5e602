// Package engine runs the trading loop: it ticks on a fixed interval, scores
// the universe, gates entries through the risk guard and drives every
// position through its state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"autotrade/internal/broker"
	"autotrade/internal/config"
	"autotrade/internal/domain"
	"autotrade/internal/store"
	"autotrade/internal/strategy"
	"autotrade/internal/strategy/builtins"
)

// MinScanInterval is the shortest tick interval Run accepts.
const MinScanInterval = 5 * time.Second

// Broker is what the engine needs from the brokerage gateway.
// *broker.Gateway satisfies it.
type Broker interface {
	OrderRouter
	FetchQuotes(ctx context.Context, symbols []string) (broker.QuoteBatch, error)
	SetMode(mode domain.Mode, liveErr error)
	Mode() domain.Mode
}

// Clock reports the market session. *util.TradingCalendar satisfies it.
type Clock interface {
	SessionDater
	Status(t time.Time) domain.SessionStatus
}

// Options wires an Engine.
type Options struct {
	Config   *config.Source
	Broker   Broker
	Store    store.Store
	Clock    Clock
	Notifier Publisher
	Now      func() time.Time
}

// Heartbeat is the liveness snapshot published after every tick.
type Heartbeat struct {
	LastTick      time.Time            `json:"last_tick"`
	Ticks         int64                `json:"ticks"`
	Mode          domain.Mode          `json:"mode"`
	Enabled       bool                 `json:"enabled"`
	Session       domain.SessionStatus `json:"session"`
	OpenPositions int                  `json:"open_positions"`
	OrdersToday   int                  `json:"orders_today"`
	LossToday     float64              `json:"loss_today_krw"`
	CooldownUntil time.Time            `json:"cooldown_until"`
	ScanBlocked   domain.Blocker       `json:"scan_blocked,omitempty"`
	ExitsHeld     []string             `json:"exits_held,omitempty"` // exit fired but no order was sent
	LastError     string               `json:"last_error,omitempty"`
	IntervalSec   int                  `json:"interval_seconds"`
}

// Diagnosis explains, for one universe symbol, whether the engine would
// place an order right now and what blocks it.
type Diagnosis struct {
	Symbol          string               `json:"symbol"`
	Quote           *domain.Quote        `json:"quote,omitempty"`
	Results         []domain.StageResult `json:"results"`
	Score           float64              `json:"score"`
	Passed          bool                 `json:"passed"`
	CanAutoOrderNow bool                 `json:"can_auto_order_now"`
	Stage           domain.StageName     `json:"stage,omitempty"`
	Blocker         domain.Blocker       `json:"blocker,omitempty"`
	Detail          string               `json:"detail,omitempty"`
}

// Engine is the trading loop. Ticks run strictly one after another on the
// goroutine that calls Run; HTTP and gRPC readers only take snapshots.
type Engine struct {
	src    *config.Source
	broker Broker
	store  store.Store
	clock  Clock
	notify Publisher
	now    func() time.Time
	log    *slog.Logger

	risk      *RiskGuard
	positions *PositionManager
	tracker   *strategy.Tracker

	mu        sync.RWMutex
	cfg       *config.Config
	scorer    *strategy.Scorer
	hb        Heartbeat
	onTick    []func(Heartbeat)
	lastBlock domain.Blocker
}

// New creates an Engine from opts and builds the strategy pipeline from the
// current configuration.
func New(opts Options) (*Engine, error) {
	if opts.Notifier == nil {
		opts.Notifier = nopPublisher{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := opts.Config.Current()

	e := &Engine{
		src:     opts.Config,
		broker:  opts.Broker,
		store:   opts.Store,
		clock:   opts.Clock,
		notify:  opts.Notifier,
		now:     opts.Now,
		log:     slog.Default().With("component", "engine"),
		tracker: strategy.NewTracker(cfg.Strategy.TrendWindow),
	}
	e.risk = NewRiskGuard(opts.Store, opts.Clock)
	e.positions = NewPositionManager(opts.Store, opts.Broker, e.risk,
		builtins.NewExit(cfg.Strategy.Exit), opts.Notifier, opts.Now)

	if err := e.apply(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Load restores EngineState and the active positions from the store. It
// must be called once before the first tick.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.risk.Load(ctx, e.now()); err != nil {
		return err
	}
	return e.positions.Load(ctx)
}

// Risk returns the engine's risk guard.
func (e *Engine) Risk() *RiskGuard { return e.risk }

// Positions returns the engine's position manager.
func (e *Engine) Positions() *PositionManager { return e.positions }

// ActivePositions returns copies of the non-closed positions.
func (e *Engine) ActivePositions() []domain.Position { return e.positions.Positions() }

// Config returns the configuration the current tick runs with.
func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// OnTick registers fn to receive the heartbeat after every tick. Hooks run
// on the engine goroutine and must not block.
func (e *Engine) OnTick(fn func(Heartbeat)) {
	e.mu.Lock()
	e.onTick = append(e.onTick, fn)
	e.mu.Unlock()
}

// Heartbeat returns the snapshot of the last tick.
func (e *Engine) Heartbeat() Heartbeat {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hb
}

// apply installs cfg: pipeline, exit rules, trend window and gateway mode.
func (e *Engine) apply(cfg *config.Config) error {
	reg, err := builtins.NewPipeline(cfg.Strategy)
	if err != nil {
		return fmt.Errorf("building strategy pipeline: %w", err)
	}
	scorer := strategy.NewScorer(reg, cfg.Strategy.MinCompositeScore)

	var liveErr error
	if cfg.Mode == domain.ModeLive {
		liveErr = cfg.ValidateLive()
		if liveErr != nil {
			e.log.Error("LIVE configuration invalid, orders blocked", "error", liveErr)
		}
	} else if err := cfg.ValidateRisk(); err != nil {
		e.log.Warn("risk limits invalid, LIVE orders would be blocked", "error", err)
	}
	e.broker.SetMode(cfg.Mode, liveErr)
	e.positions.SetExit(builtins.NewExit(cfg.Strategy.Exit))
	e.tracker.Resize(cfg.Strategy.TrendWindow)

	e.mu.Lock()
	prev := e.cfg
	e.cfg, e.scorer = cfg, scorer
	e.mu.Unlock()

	if prev != nil && prev.Market.Timezone != cfg.Market.Timezone {
		e.log.Warn("market calendar changes take effect after restart")
	}
	return nil
}

// reload picks up a changed configuration file between ticks.
func (e *Engine) reload() *config.Config {
	changed, err := e.src.Reload()
	if err != nil || !changed {
		return e.Config()
	}
	cfg := e.src.Current()
	if err := e.apply(cfg); err != nil {
		e.log.Error("applying reloaded config failed, keeping previous", "error", err)
	}
	return e.Config()
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

// Run ticks until ctx is cancelled. A tick in progress always finishes its
// current symbol and every in-flight order before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine started", "mode", e.broker.Mode())
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopped")
			return nil
		case <-timer.C:
		}

		if err := e.Tick(ctx); err != nil {
			e.log.Error("tick failed", "error", err)
		}
		timer.Reset(e.interval())
	}
}

func (e *Engine) interval() time.Duration {
	d := time.Duration(e.Config().Engine.ScanIntervalSeconds) * time.Second
	return max(d, MinScanInterval)
}

// Tick runs one full cycle. Broker and store calls use a context that is
// not cancelled with ctx; cancellation of ctx is only honoured between
// symbols.
func (e *Engine) Tick(ctx context.Context) error {
	stop := ctx.Done()
	ctx = context.WithoutCancel(ctx)

	cfg := e.reload()
	now := e.now()
	session := e.clock.Status(now)
	tradable := session == domain.SessionOpen
	hb := Heartbeat{
		LastTick:    now,
		Mode:        e.broker.Mode(),
		Enabled:     cfg.Engine.Enabled,
		Session:     session,
		IntervalSec: cfg.Engine.ScanIntervalSeconds,
	}

	err := e.tick(ctx, stop, cfg, now, tradable, &hb)
	if err != nil {
		hb.LastError = err.Error()
	}
	e.publish(hb)
	return err
}

func (e *Engine) tick(ctx context.Context, stop <-chan struct{}, cfg *config.Config, now time.Time, tradable bool, hb *Heartbeat) error {
	if !cfg.Engine.Enabled {
		return nil
	}
	if _, err := e.risk.RollOver(ctx, now); err != nil {
		return e.fatal(err)
	}

	symbols := mergeSymbols(cfg.Engine.Universe, e.positions.Symbols())
	batch, err := e.broker.FetchQuotes(ctx, symbols)
	if err != nil {
		return e.fatal(err)
	}
	for _, sym := range symbols {
		if q, ok := batch.Quotes[sym]; ok {
			e.tracker.Observe(sym, q.Price)
		}
	}

	var scanErr error
	if d := e.risk.CheckScan(now, cfg.Risk); !d.Allowed {
		hb.ScanBlocked = d.Reason
		if e.lastBlock != d.Reason {
			e.log.Warn("scan blocked", "blocker", d.Reason, "detail", d.Detail)
			e.notify.Publish(domain.Event{Type: domain.EventRiskBlocked, Reason: d.Reason, Message: d.Detail, At: now})
		}
		e.lastBlock = d.Reason
	} else {
		e.lastBlock = ""
		scanErr = e.scan(ctx, stop, cfg, batch, now, tradable)
	}

	return errors.Join(scanErr, e.manage(ctx, stop, cfg, batch, tradable, hb))
}

func (e *Engine) fatal(err error) error {
	e.log.Error("tick aborted", "class", broker.ClassOf(err), "error", err)
	e.notify.Publish(domain.Event{Type: domain.EventEngineFatal, Message: err.Error(), At: e.now()})
	return err
}

func (e *Engine) publish(hb Heartbeat) {
	st := e.risk.State()
	hb.OpenPositions = e.positions.ActiveCount()
	hb.OrdersToday = st.OrdersToday
	hb.LossToday = st.LossToday
	hb.CooldownUntil = st.CooldownUntil

	e.mu.Lock()
	hb.Ticks = e.hb.Ticks + 1
	e.hb = hb
	hooks := slices.Clone(e.onTick)
	e.mu.Unlock()

	for _, fn := range hooks {
		fn(hb)
	}
}

// ---------------------------------------------------------------------------
// Scan
// ---------------------------------------------------------------------------

// scan scores every universe symbol, records a signal for each, and enters
// the passing candidates best score first. A store failure on one entry
// does not stop the others.
func (e *Engine) scan(ctx context.Context, stop <-chan struct{}, cfg *config.Config, batch broker.QuoteBatch, now time.Time, tradable bool) error {
	e.mu.RLock()
	scorer := e.scorer
	e.mu.RUnlock()

	var passing []domain.Candidate
	for _, sym := range cfg.Engine.Universe {
		if stopped(stop) {
			return nil
		}
		q, ok := batch.Quotes[sym]
		if !ok {
			e.saveSignal(ctx, &domain.Signal{
				ID: uuid.NewString(), Symbol: sym, CreatedAt: now,
				Decision: domain.DecisionRejected, Stage: domain.StageUniverse, Reason: domain.BlockerNoQuote,
			})
			continue
		}
		c := scorer.Score(q, e.tracker.Slope(sym))
		if !c.Passed {
			e.log.Debug("candidate rejected", "symbol", sym, "stage", c.FailedAt, "blocker", c.Blocker, "score", c.Score)
			e.saveSignal(ctx, rejectedSignal(c, now, c.FailedAt, c.Blocker))
			continue
		}
		passing = append(passing, c)
	}

	rankCandidates(passing)
	var errs []error
	for _, c := range passing {
		if stopped(stop) {
			break
		}
		if err := e.enter(ctx, cfg, c, now, tradable); err != nil {
			e.log.Error("entry failed", "symbol", c.Symbol, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

// rankCandidates orders passing candidates by composite score, highest
// first, then by symbol so equal scores resolve the same way every tick.
func rankCandidates(cs []domain.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		return cs[i].Symbol < cs[j].Symbol
	})
}

// enter takes one passing candidate through the entry gates. Only store
// failures are returned; every other outcome is recorded on the signal.
func (e *Engine) enter(ctx context.Context, cfg *config.Config, c domain.Candidate, now time.Time, tradable bool) error {
	log := e.log.With("symbol", c.Symbol, "score", c.Score)

	if !tradable {
		e.saveSignal(ctx, rejectedSignal(c, now, domain.StageExecution, domain.BlockerMarketClosed))
		return nil
	}
	if e.positions.Has(c.Symbol) {
		e.saveSignal(ctx, rejectedSignal(c, now, domain.StageExecution, e.positionBlocker(c.Symbol)))
		return nil
	}
	if d := e.risk.CheckEntry(now, cfg.Risk, e.positions.ActiveCount()); !d.Allowed {
		log.Info("entry blocked", "blocker", d.Reason, "detail", d.Detail)
		e.notify.Publish(domain.Event{Type: domain.EventRiskBlocked, Symbol: c.Symbol, Reason: d.Reason, Message: d.Detail, At: now})
		e.saveSignal(ctx, rejectedSignal(c, now, domain.StageRisk, d.Reason))
		return nil
	}

	sig := &domain.Signal{
		ID:        uuid.NewString(),
		Symbol:    c.Symbol,
		CreatedAt: now,
		Decision:  domain.DecisionEntered,
		Score:     c.Score,
		Results:   c.Results,
	}
	pos, d, err := e.positions.Open(ctx, c, sig.ID, cfg.Risk)
	if pos != nil {
		sig.PositionID = pos.ID
	}
	switch {
	case pos != nil && pos.Status == domain.PositionPendingEntry:
		// Outcome not yet known; the next reconcile resolves it.
		sig.Stage = domain.StageExecution
		sig.Reason = domain.BlockerOrderUncertain
	case err != nil || !d.Allowed:
		sig.Decision = domain.DecisionRejected
		sig.Stage = domain.StageExecution
		sig.Reason = d.Reason
		if err != nil && sig.Reason == "" {
			sig.Reason = domain.BlockerOrderRejected
		}
	}
	e.saveSignal(ctx, sig)
	return err
}

// positionBlocker names why symbol cannot be entered while it has an
// active position.
func (e *Engine) positionBlocker(symbol string) domain.Blocker {
	if e.positions.InFlight(symbol) {
		return domain.BlockerOrderUncertain
	}
	return domain.BlockerPositionExists
}

func rejectedSignal(c domain.Candidate, now time.Time, stage domain.StageName, reason domain.Blocker) *domain.Signal {
	return &domain.Signal{
		ID:        uuid.NewString(),
		Symbol:    c.Symbol,
		CreatedAt: now,
		Decision:  domain.DecisionRejected,
		Stage:     stage,
		Reason:    reason,
		Score:     c.Score,
		Results:   c.Results,
	}
}

// saveSignal persists sig. Signals are an audit trail; a failed write is
// logged and the tick continues.
func (e *Engine) saveSignal(ctx context.Context, sig *domain.Signal) {
	if err := e.store.SaveSignal(ctx, sig); err != nil {
		e.log.Error("saving signal failed", "symbol", sig.Symbol, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Manage
// ---------------------------------------------------------------------------

func (e *Engine) manage(ctx context.Context, stop <-chan struct{}, cfg *config.Config, batch broker.QuoteBatch, tradable bool, hb *Heartbeat) error {
	var errs []error
	for _, sym := range e.positions.Symbols() {
		if stopped(stop) {
			break
		}
		q, ok := batch.Quotes[sym]
		ind := strategy.Indicators(q, e.tracker.Slope(sym))
		res, err := e.positions.Manage(ctx, sym, q, ok, ind, tradable, cfg.Risk)
		if err != nil {
			e.log.Error("managing position failed", "symbol", sym, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		if res.Exit != "" {
			e.log.Debug("exit evaluated", "symbol", sym, "reason", res.Exit, "submitted", res.Submitted, "blocked", res.Blocked)
		}
		if res.Blocked != "" {
			hb.ExitsHeld = append(hb.ExitsHeld, sym)
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Diagnosis
// ---------------------------------------------------------------------------

// Diagnose scores every universe symbol against live quotes and reports
// whether an order could be placed now. Nothing is persisted or ordered and
// the trend tracker is only read.
func (e *Engine) Diagnose(ctx context.Context) ([]Diagnosis, error) {
	e.mu.RLock()
	cfg, scorer := e.cfg, e.scorer
	e.mu.RUnlock()

	now := e.now()
	session := e.clock.Status(now)
	batch, err := e.broker.FetchQuotes(ctx, cfg.Engine.Universe)
	if err != nil {
		return nil, err
	}

	out := make([]Diagnosis, 0, len(cfg.Engine.Universe))
	for _, sym := range cfg.Engine.Universe {
		d := Diagnosis{Symbol: sym}
		q, ok := batch.Quotes[sym]
		if !ok {
			d.Stage, d.Blocker = domain.StageUniverse, domain.BlockerNoQuote
			if qerr := batch.Failed[sym]; qerr != nil {
				d.Detail = qerr.Error()
			}
			out = append(out, d)
			continue
		}

		c := scorer.Score(q, e.tracker.Slope(sym))
		d.Quote, d.Results, d.Score, d.Passed = &q, c.Results, c.Score, c.Passed
		switch {
		case !c.Passed:
			d.Stage, d.Blocker = c.FailedAt, c.Blocker
		case !cfg.Engine.Enabled:
			d.Stage, d.Blocker = domain.StageExecution, domain.BlockerEngineDisabled
		case session != domain.SessionOpen:
			d.Stage, d.Blocker, d.Detail = domain.StageExecution, domain.BlockerMarketClosed, "session "+string(session)
		case e.positions.Has(sym):
			d.Stage, d.Blocker = domain.StageExecution, e.positionBlocker(sym)
		default:
			r := e.risk.CheckEntry(now, cfg.Risk, e.positions.ActiveCount())
			if !r.Allowed {
				d.Stage, d.Blocker, d.Detail = domain.StageRisk, r.Reason, r.Detail
			} else if orderQty(cfg.Risk.MaxBuyAmountPerTradeKRW, q.Price) <= 0 {
				d.Stage, d.Blocker = domain.StageExecution, domain.BlockerQtyZero
			} else {
				d.CanAutoOrderNow = true
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// mergeSymbols returns the universe followed by any position symbols not in
// it, without duplicates.
func mergeSymbols(universe, held []string) []string {
	seen := make(map[string]bool, len(universe)+len(held))
	out := make([]string, 0, len(universe)+len(held))
	for _, list := range [][]string{universe, held} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
