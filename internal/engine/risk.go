package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"autotrade/internal/domain"
	"autotrade/internal/store"
)

// SessionDater maps a timestamp to the market session date that bounds the
// daily risk counters. *util.TradingCalendar satisfies it.
type SessionDater interface {
	SessionDate(t time.Time) string
}

// RiskGuard enforces the daily risk limits. It is the only writer of
// EngineState, and every mutation is persisted before the in-memory state
// changes, so a crash can never acknowledge a counter that was not stored.
type RiskGuard struct {
	store store.StateStore
	dates SessionDater
	log   *slog.Logger

	mu    sync.RWMutex
	state domain.EngineState
}

// NewRiskGuard creates a RiskGuard persisting to st.
func NewRiskGuard(st store.StateStore, dates SessionDater) *RiskGuard {
	return &RiskGuard{
		store: st,
		dates: dates,
		log:   slog.Default().With("component", "risk"),
	}
}

// Load reads the persisted EngineState. A missing row starts a fresh state
// for the session containing now, persisted immediately.
func (g *RiskGuard) Load(ctx context.Context, now time.Time) error {
	st, err := g.store.LoadEngineState(ctx)
	if errors.Is(err, store.ErrNotFound) {
		fresh := domain.EngineState{
			SessionDate: g.dates.SessionDate(now),
			LastResetAt: now,
			UpdatedAt:   now,
		}
		return g.commit(ctx, fresh)
	}
	if err != nil {
		return fmt.Errorf("loading risk state: %w", err)
	}

	g.mu.Lock()
	g.state = *st
	g.mu.Unlock()
	g.log.Info("risk state loaded",
		"session_date", st.SessionDate,
		"orders_today", st.OrdersToday,
		"loss_today", st.LossToday,
		"consecutive_losses", st.ConsecutiveLosses,
	)
	return nil
}

// State returns a snapshot of the current EngineState.
func (g *RiskGuard) State() domain.EngineState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// RollOver resets the daily counters when now falls in a new session date.
// The reset is persisted like any other mutation. The consecutive-loss
// streak and an active cooldown carry over.
func (g *RiskGuard) RollOver(ctx context.Context, now time.Time) (bool, error) {
	date := g.dates.SessionDate(now)
	cur := g.State()
	if cur.SessionDate == date {
		return false, nil
	}

	next := cur
	next.SessionDate = date
	next.OrdersToday = 0
	next.LossToday = 0
	next.LastResetAt = now
	next.UpdatedAt = now
	if err := g.commit(ctx, next); err != nil {
		return false, err
	}
	g.log.Info("daily counters reset", "from", cur.SessionDate, "to", date)
	return true, nil
}

// CheckScan decides whether the tick may scan for new entries at all.
func (g *RiskGuard) CheckScan(now time.Time, limits domain.RiskLimits) domain.Decision {
	st := g.State()

	if now.Before(st.CooldownUntil) {
		return domain.Blocked(domain.BlockerCooldown,
			fmt.Sprintf("cooldown until %s", st.CooldownUntil.Format(time.RFC3339)))
	}
	if limits.MaxDailyLossKRW > 0 && st.LossToday <= -limits.MaxDailyLossKRW {
		return domain.Blocked(domain.BlockerDailyLoss,
			fmt.Sprintf("loss today %.0f <= -%.0f", st.LossToday, limits.MaxDailyLossKRW))
	}
	if limits.MaxDailyLossPct > 0 && limits.EquityBaseKRW > 0 {
		pct := -st.LossToday / limits.EquityBaseKRW * 100
		if pct >= limits.MaxDailyLossPct {
			return domain.Blocked(domain.BlockerDailyLossPct,
				fmt.Sprintf("loss today %.2f%% >= %.2f%%", pct, limits.MaxDailyLossPct))
		}
	}
	if st.OrdersToday >= limits.MaxOrdersPerDay {
		return domain.Blocked(domain.BlockerMaxOrders,
			fmt.Sprintf("orders today %d >= %d", st.OrdersToday, limits.MaxOrdersPerDay))
	}
	return domain.Pass()
}

// CheckEntry decides whether a new position may be opened with openCount
// positions already active. An entry needs room for its own buy and sell
// on top of one reserved exit per active position, so the daily order cap
// can never strand an open position without an exit.
func (g *RiskGuard) CheckEntry(now time.Time, limits domain.RiskLimits, openCount int) domain.Decision {
	if d := g.CheckScan(now, limits); !d.Allowed {
		return d
	}
	if openCount >= limits.MaxPositions {
		return domain.Blocked(domain.BlockerMaxPositions,
			fmt.Sprintf("open positions %d >= %d", openCount, limits.MaxPositions))
	}
	st := g.State()
	if need := st.OrdersToday + openCount + 2; need > limits.MaxOrdersPerDay {
		return domain.Blocked(domain.BlockerMaxOrders,
			fmt.Sprintf("orders today %d + %d reserved exits + 2 > %d", st.OrdersToday, openCount, limits.MaxOrdersPerDay))
	}
	return domain.Pass()
}

// CheckExit decides whether an exit order may be submitted. Exits are only
// bounded by the daily order cap.
func (g *RiskGuard) CheckExit(limits domain.RiskLimits) domain.Decision {
	st := g.State()
	if st.OrdersToday >= limits.MaxOrdersPerDay {
		return domain.Blocked(domain.BlockerMaxOrders,
			fmt.Sprintf("orders today %d >= %d", st.OrdersToday, limits.MaxOrdersPerDay))
	}
	return domain.Pass()
}

// RecordOrder counts a submitted order, filled or not. It must succeed
// before the order is sent.
func (g *RiskGuard) RecordOrder(ctx context.Context, now time.Time) error {
	next := g.State()
	next.OrdersToday++
	next.UpdatedAt = now
	return g.commit(ctx, next)
}

// RecordClose accounts a closed position's realized P&L. A loss adds to
// loss-today and extends the losing streak; reaching the configured streak
// starts a cooldown. A win or flat close resets the streak.
func (g *RiskGuard) RecordClose(ctx context.Context, pnl float64, now time.Time, limits domain.RiskLimits) error {
	next := g.State()
	if pnl < 0 {
		next.LossToday += pnl
		next.ConsecutiveLosses++
		if limits.CooldownAfterConsecutive > 0 && next.ConsecutiveLosses >= limits.CooldownAfterConsecutive {
			next.CooldownUntil = now.Add(limits.Cooldown())
			next.ConsecutiveLosses = 0
			g.log.Warn("cooldown started", "until", next.CooldownUntil, "loss_today", next.LossToday)
		}
	} else {
		next.ConsecutiveLosses = 0
	}
	next.UpdatedAt = now
	return g.commit(ctx, next)
}

func (g *RiskGuard) commit(ctx context.Context, next domain.EngineState) error {
	if err := g.store.SaveEngineState(ctx, &next); err != nil {
		return fmt.Errorf("persisting risk state: %w", err)
	}
	g.mu.Lock()
	g.state = next
	g.mu.Unlock()
	return nil
}
