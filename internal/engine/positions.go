package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autotrade/internal/broker"
	"autotrade/internal/domain"
	"autotrade/internal/store"
	"autotrade/internal/strategy/builtins"
)

// OrderRouter submits orders and reads back their state. *broker.Gateway
// satisfies it.
type OrderRouter interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error)
	OrderStatus(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error)
}

// Publisher delivers engine events. Delivery is fire-and-forget.
type Publisher interface {
	Publish(ev domain.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}

// PositionStore is the slice of store.Store the position manager writes.
type PositionStore interface {
	store.PositionStore
	store.TradeStore
}

// ManageResult reports what one management pass did for a position.
type ManageResult struct {
	Symbol string
	Status domain.PositionStatus
	// Exit is the exit reason the rules produced this tick, empty when the
	// position should be held.
	Exit domain.Blocker
	// Submitted is true when a SELL was sent.
	Submitted bool
	// Blocked carries the reason an exit could not be submitted.
	Blocked domain.Blocker
}

// PositionManager owns the position state machine. It is the only writer
// of positions; every transition is persisted before it is applied in
// memory. Readers get copies.
type PositionManager struct {
	store  PositionStore
	broker OrderRouter
	risk   *RiskGuard
	notify Publisher
	now    func() time.Time
	log    *slog.Logger

	mu        sync.RWMutex
	exit      *builtins.Exit
	positions map[string]*domain.Position // non-closed, by symbol
}

// NewPositionManager creates a PositionManager.
func NewPositionManager(st PositionStore, b OrderRouter, risk *RiskGuard, exit *builtins.Exit, notify Publisher, now func() time.Time) *PositionManager {
	if notify == nil {
		notify = nopPublisher{}
	}
	if now == nil {
		now = time.Now
	}
	return &PositionManager{
		store:     st,
		broker:    b,
		risk:      risk,
		notify:    notify,
		now:       now,
		exit:      exit,
		positions: make(map[string]*domain.Position),
		log:       slog.Default().With("component", "positions"),
	}
}

// SetExit swaps the exit rules. Stored stop and target levels of open
// positions are unaffected.
func (m *PositionManager) SetExit(exit *builtins.Exit) {
	m.mu.Lock()
	m.exit = exit
	m.mu.Unlock()
}

// Load restores every non-closed position from the store.
func (m *PositionManager) Load(ctx context.Context) error {
	open, err := m.store.LoadOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("loading positions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[string]*domain.Position, len(open))
	for i := range open {
		p := open[i]
		if prev, dup := m.positions[p.Symbol]; dup {
			m.log.Error("duplicate active position in store, keeping the first",
				"symbol", p.Symbol, "kept", prev.ID, "ignored", p.ID)
			continue
		}
		m.positions[p.Symbol] = &p
	}
	m.log.Info("positions loaded", "active", len(m.positions))
	return nil
}

// Positions returns copies of the active positions sorted by symbol.
func (m *PositionManager) Positions() []domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols returns the symbols with an active position, sorted.
func (m *PositionManager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.positions))
	for s := range m.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Has reports whether symbol has an active position.
func (m *PositionManager) Has(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.positions[symbol]
	return ok
}

// InFlight reports whether symbol has a position whose last order has not
// been resolved.
func (m *PositionManager) InFlight(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	return ok && p.ClientOrderID != ""
}

// ActiveCount returns the number of non-closed positions.
func (m *PositionManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// ---------------------------------------------------------------------------
// Entry
// ---------------------------------------------------------------------------

// Open creates a PENDING_ENTRY position for a passing candidate and submits
// the BUY. The returned Decision is blocked when no order could be placed
// or the broker refused it; the position, when one was created, is
// returned either way.
func (m *PositionManager) Open(ctx context.Context, c domain.Candidate, signalID string, limits domain.RiskLimits) (*domain.Position, domain.Decision, error) {
	if m.Has(c.Symbol) {
		return nil, domain.Blocked(domain.BlockerPositionExists, "active position exists"), nil
	}

	price := c.Quote.Price
	qty := orderQty(limits.MaxBuyAmountPerTradeKRW, price)
	if qty <= 0 {
		return nil, domain.Blocked(domain.BlockerQtyZero,
			fmt.Sprintf("budget %.0f buys no share at %.0f", limits.MaxBuyAmountPerTradeKRW, price)), nil
	}

	now := m.now()
	m.mu.RLock()
	stop, target := m.exit.Levels(price)
	m.mu.RUnlock()

	p := &domain.Position{
		ID:            uuid.NewString(),
		Symbol:        c.Symbol,
		Direction:     domain.DirectionLong,
		Status:        domain.PositionPendingEntry,
		Qty:           qty,
		EntryPrice:    price,
		StopPrice:     stop,
		TargetPrice:   target,
		LastPrice:     price,
		ClientOrderID: broker.NewClientOrderID(),
		OrderPrice:    price,
		OrderSentAt:   now,
		SignalID:      signalID,
		UpdatedAt:     now,
	}
	if err := m.store.SavePosition(ctx, p); err != nil {
		return nil, domain.Decision{}, err
	}
	m.mu.Lock()
	m.positions[p.Symbol] = p
	m.mu.Unlock()

	if err := m.risk.RecordOrder(ctx, now); err != nil {
		// Never send an order the counters do not know about.
		cerr := m.closeUnfilled(ctx, p, domain.BlockerOrderRejected)
		return m.snapshot(p), domain.Decision{}, errors.Join(err, cerr)
	}

	log := m.log.With("symbol", p.Symbol, "position_id", p.ID, "client_order_id", p.ClientOrderID)
	log.Info("submitting entry", "qty", qty, "price", price, "score", c.Score)

	res, err := m.broker.PlaceOrder(ctx, orderRequest(p, domain.SideBuy))
	d, rerr := m.resolveEntry(ctx, p, res, err)
	return m.snapshot(p), d, rerr
}

func (m *PositionManager) resolveEntry(ctx context.Context, p *domain.Position, res *domain.OrderResult, err error) (domain.Decision, error) {
	if err != nil {
		if reason, final := finalRejection(err); final {
			status, code, msg := broker.Upstream(err)
			m.notify.Publish(m.event(domain.EventOrderRejected, p.Symbol, reason,
				fmt.Sprintf("BUY %d rejected: status=%d code=%s %s", p.Qty, status, code, msg)))
			return domain.Blocked(reason, err.Error()), m.closeUnfilled(ctx, p, reason)
		}
		m.log.Warn("entry outcome unknown, reconciling", "symbol", p.Symbol, "class", broker.ClassOf(err), "error", err)
		return domain.Pass(), m.markReconciling(ctx, p)
	}

	switch res.State {
	case domain.OrderFilled:
		return domain.Pass(), m.fillEntry(ctx, p, res)
	case domain.OrderRejected, domain.OrderCancelled:
		m.notify.Publish(m.event(domain.EventOrderRejected, p.Symbol, domain.BlockerOrderRejected,
			fmt.Sprintf("BUY %d %s: %s", p.Qty, res.State, res.Message)))
		return domain.Blocked(domain.BlockerOrderRejected, res.Message), m.closeUnfilled(ctx, p, domain.BlockerOrderRejected)
	default:
		return domain.Pass(), m.markReconciling(ctx, p)
	}
}

// fillEntry records the BUY trade and only then moves the position to OPEN,
// so a failed write leaves it PENDING_ENTRY for the next reconcile. The
// trade append is idempotent on the order token.
func (m *PositionManager) fillEntry(ctx context.Context, p *domain.Position, res *domain.OrderResult) error {
	now := m.now()
	m.mu.RLock()
	exit := m.exit
	token := p.ClientOrderID
	qty, price := p.Qty, p.EntryPrice
	m.mu.RUnlock()
	if res.FilledQty > 0 {
		qty = res.FilledQty
	}
	repriced := res.FilledPrice > 0
	if repriced {
		price = res.FilledPrice
	}

	if _, err := m.appendTrade(ctx, p, domain.SideBuy, token, res, qty, price, 0, 0, now); err != nil {
		return fmt.Errorf("recording entry fill: %w", err)
	}
	err := m.commit(ctx, p, func(n *domain.Position) error {
		n.Qty = qty
		if repriced {
			n.EntryPrice = price
			n.StopPrice, n.TargetPrice = exit.Levels(price)
		}
		n.EntryTime = now
		n.LastPrice = n.EntryPrice
		n.BrokerOrderID = res.BrokerOrderID
		n.ClientOrderID = ""
		return n.Transition(domain.PositionOpen, now)
	})
	if err != nil {
		return err
	}

	m.notify.Publish(m.event(domain.EventOrderFilled, p.Symbol, "",
		fmt.Sprintf("BUY %d @ %.0f", qty, price)))
	m.log.Info("entry filled", "symbol", p.Symbol, "qty", qty, "price", price,
		"stop", p.StopPrice, "target", p.TargetPrice, "simulated", res.Simulated)
	return nil
}

// ---------------------------------------------------------------------------
// Management
// ---------------------------------------------------------------------------

// Manage runs one management pass for symbol: reconcile an in-flight order,
// mark an OPEN position to market and evaluate its exit rules. When tradable
// is false the rules are still evaluated but no order is sent.
func (m *PositionManager) Manage(ctx context.Context, symbol string, q domain.Quote, haveQuote bool, ind domain.Indicators, tradable bool, limits domain.RiskLimits) (ManageResult, error) {
	m.mu.RLock()
	p := m.positions[symbol]
	exit := m.exit
	m.mu.RUnlock()
	if p == nil {
		return ManageResult{Symbol: symbol, Status: domain.PositionClosed}, nil
	}

	if p.ClientOrderID != "" {
		if err := m.reconcile(ctx, p, limits); err != nil {
			return m.result(p), err
		}
		if p.Status != domain.PositionOpen {
			return m.result(p), nil
		}
	}
	if p.Status != domain.PositionOpen || !haveQuote || q.Price <= 0 {
		return m.result(p), nil
	}

	now := m.now()
	if err := m.commit(ctx, p, func(n *domain.Position) error {
		n.LastPrice = q.Price
		n.UnrealizedPnL = pnl(n.EntryPrice, q.Price, n.Qty, 0)
		n.UpdatedAt = now
		return nil
	}); err != nil {
		return m.result(p), err
	}

	verdict := exit.Evaluate(m.snapshot(p), q, ind)
	out := m.result(p)
	if verdict.Passed {
		return out, nil
	}
	out.Exit = verdict.Blocker

	log := m.log.With("symbol", p.Symbol, "position_id", p.ID, "reason", verdict.Blocker)
	if !tradable {
		log.Info("exit signalled outside session, holding", "detail", verdict.Detail)
		out.Blocked = domain.BlockerMarketClosed
		return out, nil
	}
	if d := m.risk.CheckExit(limits); !d.Allowed {
		log.Warn("exit blocked", "blocker", d.Reason, "detail", d.Detail)
		m.notify.Publish(m.event(domain.EventRiskBlocked, p.Symbol, d.Reason, "exit held: "+d.Detail))
		out.Blocked = d.Reason
		return out, nil
	}

	m.notify.Publish(m.event(domain.EventExitTriggered, p.Symbol, verdict.Blocker, verdict.Detail))
	if err := m.commit(ctx, p, func(n *domain.Position) error {
		if err := n.Transition(domain.PositionPendingExit, now); err != nil {
			return err
		}
		n.ExitReason = verdict.Blocker
		n.ClientOrderID = broker.NewClientOrderID()
		n.OrderPrice = q.Price
		n.OrderSentAt = now
		return nil
	}); err != nil {
		return out, err
	}
	if err := m.risk.RecordOrder(ctx, now); err != nil {
		rerr := m.rollbackExit(ctx, p)
		return m.result(p), errors.Join(err, rerr)
	}

	log.Info("submitting exit", "qty", p.Qty, "price", q.Price, "detail", verdict.Detail)
	res, err := m.broker.PlaceOrder(ctx, orderRequest(p, domain.SideSell))
	out.Submitted = true
	rerr := m.resolveExit(ctx, p, res, err, limits)
	status := m.result(p)
	out.Status = status.Status
	return out, rerr
}

func (m *PositionManager) resolveExit(ctx context.Context, p *domain.Position, res *domain.OrderResult, err error, limits domain.RiskLimits) error {
	if err != nil {
		if reason, final := finalRejection(err); final {
			status, code, msg := broker.Upstream(err)
			m.notify.Publish(m.event(domain.EventOrderRejected, p.Symbol, reason,
				fmt.Sprintf("SELL %d rejected: status=%d code=%s %s", p.Qty, status, code, msg)))
			return m.rollbackExit(ctx, p)
		}
		m.log.Warn("exit outcome unknown, reconciling", "symbol", p.Symbol, "class", broker.ClassOf(err), "error", err)
		return m.markReconciling(ctx, p)
	}

	switch res.State {
	case domain.OrderFilled:
		return m.fillExit(ctx, p, res, limits)
	case domain.OrderRejected, domain.OrderCancelled:
		m.notify.Publish(m.event(domain.EventOrderRejected, p.Symbol, domain.BlockerOrderRejected,
			fmt.Sprintf("SELL %d %s: %s", p.Qty, res.State, res.Message)))
		return m.rollbackExit(ctx, p)
	default:
		return m.markReconciling(ctx, p)
	}
}

// fillExit records the SELL trade, accounts its P&L and only then closes
// the position. A failed write leaves it PENDING_EXIT so the next reconcile
// replays the fill; the P&L is accounted once, by the call that inserted
// the trade.
func (m *PositionManager) fillExit(ctx context.Context, p *domain.Position, res *domain.OrderResult, limits domain.RiskLimits) error {
	now := m.now()
	m.mu.RLock()
	token := p.ClientOrderID
	qty, entry, reason := p.Qty, p.EntryPrice, p.ExitReason
	price := p.OrderPrice
	m.mu.RUnlock()
	if res.FilledPrice > 0 {
		price = res.FilledPrice
	}
	realized := pnl(entry, price, qty, limits.FeePerTradeKRW)

	inserted, err := m.appendTrade(ctx, p, domain.SideSell, token, res, qty, price, limits.FeePerTradeKRW, realized, now)
	if err != nil {
		return fmt.Errorf("recording exit fill: %w", err)
	}
	if inserted {
		if err := m.risk.RecordClose(ctx, realized, now, limits); err != nil {
			return err
		}
	}

	err = m.commit(ctx, p, func(n *domain.Position) error {
		n.ExitPrice = price
		n.ExitTime = now
		n.LastPrice = price
		n.RealizedPnL = realized
		n.UnrealizedPnL = 0
		n.BrokerOrderID = res.BrokerOrderID
		n.ClientOrderID = ""
		return n.Transition(domain.PositionClosed, now)
	})
	if err != nil {
		return err
	}
	m.forget(p)

	m.notify.Publish(m.event(domain.EventOrderFilled, p.Symbol, reason,
		fmt.Sprintf("SELL %d @ %.0f pnl %.0f", qty, price, realized)))
	m.log.Info("exit filled", "symbol", p.Symbol, "qty", qty, "price", price,
		"pnl", realized, "reason", reason, "simulated", res.Simulated)
	return nil
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// reconcile reads back the in-flight order of p and resolves the position
// when the broker has a definitive answer. A failed read-back leaves the
// position reconciling.
func (m *PositionManager) reconcile(ctx context.Context, p *domain.Position, limits domain.RiskLimits) error {
	side := domain.SideBuy
	if p.Status == domain.PositionPendingExit {
		side = domain.SideSell
	}
	log := m.log.With("symbol", p.Symbol, "position_id", p.ID, "client_order_id", p.ClientOrderID, "side", side)

	res, err := m.broker.OrderStatus(ctx, orderRequest(p, side))
	if err != nil {
		log.Warn("reconciliation read-back failed", "class", broker.ClassOf(err), "error", err)
		return nil
	}
	log.Info("reconciled", "state", res.State, "broker_order_id", res.BrokerOrderID)

	switch res.State {
	case domain.OrderFilled:
		if side == domain.SideBuy {
			return m.fillEntry(ctx, p, res)
		}
		return m.fillExit(ctx, p, res, limits)
	case domain.OrderPending:
		return nil
	default:
		if side == domain.SideBuy {
			m.notify.Publish(m.event(domain.EventOrderRejected, p.Symbol, domain.BlockerOrderRejected,
				fmt.Sprintf("BUY %d resolved %s", p.Qty, res.State)))
			return m.closeUnfilled(ctx, p, domain.BlockerOrderRejected)
		}
		return m.rollbackExit(ctx, p)
	}
}

func (m *PositionManager) markReconciling(ctx context.Context, p *domain.Position) error {
	return m.commit(ctx, p, func(n *domain.Position) error {
		n.Reconciling = true
		n.UpdatedAt = m.now()
		return nil
	})
}

// closeUnfilled resolves a PENDING_ENTRY that never filled.
func (m *PositionManager) closeUnfilled(ctx context.Context, p *domain.Position, reason domain.Blocker) error {
	now := m.now()
	err := m.commit(ctx, p, func(n *domain.Position) error {
		n.ExitReason = reason
		n.ExitTime = now
		n.ClientOrderID = ""
		return n.Transition(domain.PositionClosed, now)
	})
	if err != nil {
		return err
	}
	m.forget(p)
	m.log.Info("entry closed without fill", "symbol", p.Symbol, "position_id", p.ID, "reason", reason)
	return nil
}

// rollbackExit returns a PENDING_EXIT whose SELL did not fill to OPEN.
func (m *PositionManager) rollbackExit(ctx context.Context, p *domain.Position) error {
	err := m.commit(ctx, p, func(n *domain.Position) error {
		n.ClientOrderID = ""
		n.ExitReason = ""
		return n.Transition(domain.PositionOpen, m.now())
	})
	if err != nil {
		return err
	}
	m.log.Warn("exit not filled, position back to OPEN", "symbol", p.Symbol, "position_id", p.ID)
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// commit applies fn to a copy of p, persists the copy and only then makes
// it the current state.
func (m *PositionManager) commit(ctx context.Context, p *domain.Position, fn func(n *domain.Position) error) error {
	m.mu.RLock()
	next := *p
	m.mu.RUnlock()

	if err := fn(&next); err != nil {
		return err
	}
	if err := m.store.SavePosition(ctx, &next); err != nil {
		return err
	}
	m.mu.Lock()
	*p = next
	m.mu.Unlock()
	return nil
}

func (m *PositionManager) forget(p *domain.Position) {
	m.mu.Lock()
	if cur, ok := m.positions[p.Symbol]; ok && cur.ID == p.ID {
		delete(m.positions, p.Symbol)
	}
	m.mu.Unlock()
}

func (m *PositionManager) snapshot(p *domain.Position) *domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := *p
	return &cp
}

func (m *PositionManager) result(p *domain.Position) ManageResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ManageResult{Symbol: p.Symbol, Status: p.Status}
}

// appendTrade stores the fill of token. inserted is false when the fill was
// already recorded by an earlier attempt.
func (m *PositionManager) appendTrade(ctx context.Context, p *domain.Position, side domain.Side, token string, res *domain.OrderResult, qty int64, price, fees, realized float64, at time.Time) (inserted bool, err error) {
	tr := &domain.Trade{
		ID:            uuid.NewString(),
		PositionID:    p.ID,
		Symbol:        p.Symbol,
		Side:          side,
		Qty:           qty,
		Price:         price,
		Fees:          fees,
		RealizedPnL:   realized,
		Timestamp:     at,
		BrokerOrderID: res.BrokerOrderID,
		ClientOrderID: token,
		ResultCode:    res.ResultCode(),
	}
	inserted, err = m.store.AppendTrade(ctx, tr)
	if err != nil {
		return false, err
	}
	if !inserted {
		m.log.Warn("trade already recorded", "symbol", p.Symbol, "client_order_id", token)
	}
	return inserted, nil
}

func (m *PositionManager) event(typ domain.EventType, symbol string, reason domain.Blocker, msg string) domain.Event {
	return domain.Event{Type: typ, Symbol: symbol, Reason: reason, Message: msg, At: m.now()}
}

func orderRequest(p *domain.Position, side domain.Side) domain.OrderRequest {
	return domain.OrderRequest{
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Side:          side,
		Qty:           p.Qty,
		Price:         p.OrderPrice,
		SubmittedAt:   p.OrderSentAt,
	}
}

// finalRejection reports whether err means the order definitely did not
// execute, and the blocker to record for it.
func finalRejection(err error) (domain.Blocker, bool) {
	switch broker.ClassOf(err) {
	case broker.ClassRejected:
		return domain.BlockerOrderRejected, true
	case broker.ClassMarketClosed:
		return domain.BlockerMarketClosed, true
	case broker.ClassConfigInvalid:
		return domain.BlockerConfigInvalid, true
	}
	return "", false
}

// orderQty is the whole number of shares budget buys at price.
func orderQty(budget, price float64) int64 {
	if budget <= 0 || price <= 0 {
		return 0
	}
	return decimal.NewFromFloat(budget).Div(decimal.NewFromFloat(price)).Floor().IntPart()
}

// pnl is (exit - entry) * qty - fees, computed in decimal.
func pnl(entry, exit float64, qty int64, fees float64) float64 {
	v := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry)).
		Mul(decimal.NewFromInt(qty)).
		Sub(decimal.NewFromFloat(fees))
	f, _ := v.Float64()
	return f
}
