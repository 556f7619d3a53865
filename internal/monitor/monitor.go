// Package monitor implements the Position Monitor: each cycle
// it evaluates the ordered exit rules against every open position and
// closes the first match through Order Management. The breakeven ratchet
// and the trailing-stop high-water mark are the two stateful side effects,
// both monotonic by construction and persisted through the State Store.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"sanad/internal/config"
	"sanad/internal/core"
	"sanad/internal/feed"
	"sanad/internal/flags"
	"sanad/internal/notify"
	"sanad/internal/oms"
	"sanad/internal/portfolio"
	"sanad/internal/store"
)

// Exit reasons recorded on closed positions.
const (
	ExitStopLoss      = "STOP_LOSS"
	ExitTakeProfit    = "TAKE_PROFIT"
	ExitTrailingStop  = "TRAILING_STOP"
	ExitTimeLimit     = "TIME_EXIT"
	ExitMomentumDecay = "MOMENTUM_DECAY"
	ExitSignal        = "EXIT_SIGNAL"
	ExitEmergency     = "EMERGENCY_SELL"
)

// priceFreshnessLimit is the cycle-wide precondition: a price cache older
// than this skips every exit decision for the cycle rather than acting on
// stale data.
const priceFreshnessLimit = 10 * time.Minute

// breakevenStopPct is where the ratchet parks the stop: effectively entry
// with a hair of buffer.
var breakevenStopPct = decimal.NewFromFloat(0.001)

// ExitSignalSource reports externally sourced high-urgency exit signals
// (whale dumps, sentiment collapse) for a token. Nil means no such source
// is wired.
type ExitSignalSource interface {
	UrgentExit(ctx context.Context, tokenAddress string) (bool, string)
}

// Monitor evaluates and closes open positions.
type Monitor struct {
	cfg       *config.Config
	store     *store.Store
	oms       *oms.OMS
	prices    *feed.PriceCache
	portfolio *portfolio.Tracker
	notifier  *notify.Manager
	exits     ExitSignalSource
	killSw    flags.KillSwitch
	lease     flags.LeaseFile
	historyPath string
	logger    core.ILogger
	clock     core.Clock
}

func New(cfg *config.Config, st *store.Store, o *oms.OMS, prices *feed.PriceCache, pf *portfolio.Tracker, notifier *notify.Manager, exits ExitSignalSource, logger core.ILogger, clock core.Clock) *Monitor {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Monitor{
		cfg:         cfg,
		store:       st,
		oms:         o,
		prices:      prices,
		portfolio:   pf,
		notifier:    notifier,
		exits:       exits,
		killSw:      flags.KillSwitch{Path: cfg.System.KillSwitchFile},
		lease:       flags.LeaseFile{Dir: cfg.System.LeaseDir, Owner: "position_monitor"},
		historyPath: cfg.System.DataDir + "/trade_history.jsonl",
		logger:      logger.WithField("component", "position_monitor"),
		clock:       clock,
	}
}

// RunCycle evaluates every open position once.
func (m *Monitor) RunCycle(ctx context.Context) error {
	now := m.clock.Now()
	if err := m.lease.Start(120, now); err != nil {
		m.logger.Warn("lease write failed", "error", err)
	}
	defer m.lease.Complete(m.clock.Now())

	positions, err := m.store.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	if age := m.prices.OldestAge(symbols, now); age > priceFreshnessLimit {
		m.logger.Warn("price cache stale, skipping all exit decisions this cycle", "oldest_age", age)
		return nil
	}

	// Rule 1 runs portfolio-wide before the per-position ladder.
	if crashed, detail := m.flashCrashTriggered(now); crashed {
		m.logger.Error("flash crash detected, closing all meme positions", "detail", detail)
		return m.EmergencySellAll(ctx, "Flash crash: "+detail, true)
	}

	var errs error
	for _, pos := range positions {
		if err := m.evaluate(ctx, pos, now); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("position %s: %w", pos.PositionID, err))
		}
	}
	return errs
}

// evaluate runs the exit-rule ladder for one position; the first match
// closes it.
func (m *Monitor) evaluate(ctx context.Context, pos core.Position, now time.Time) error {
	quote, ok := m.prices.Get(pos.Symbol)
	if !ok || quote.Price.IsZero() {
		return nil
	}
	current := quote.Price

	// Rule 2: stop-loss.
	slPct := pos.StopLossPct
	if slPct.IsZero() {
		slPct = decimal.NewFromFloat(m.cfg.Risk.StopLossDefaultPct / 100)
	}
	stopPrice := pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(slPct))
	if current.LessThanOrEqual(stopPrice) {
		return m.close(ctx, pos, current, ExitStopLoss,
			fmt.Sprintf("price %s <= stop %s (-%s%%)", current, stopPrice, slPct.Mul(decimal.NewFromInt(100))))
	}

	// Rule 3: take-profit.
	tpPct := pos.TakeProfitPct
	if tpPct.IsZero() {
		tpPct = decimal.NewFromFloat(m.cfg.Risk.TakeProfitDefaultPct / 100)
	}
	tpPrice := pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(tpPct))
	if current.GreaterThanOrEqual(tpPrice) {
		return m.close(ctx, pos, current, ExitTakeProfit,
			fmt.Sprintf("price %s >= target %s (+%s%%)", current, tpPrice, tpPct.Mul(decimal.NewFromInt(100))))
	}

	unrealizedPct := current.Sub(pos.EntryPrice).Div(pos.EntryPrice)

	// Rule 4: breakeven ratchet — a stateful tighten, not a close. One-way:
	// once ratcheted, the stop never widens again.
	activation := decimal.NewFromFloat(m.cfg.Risk.BreakevenActivationPct / 100)
	if !pos.BreakevenRatcheted && unrealizedPct.GreaterThanOrEqual(activation) && slPct.GreaterThan(breakevenStopPct) {
		pos.StopLossPct = breakevenStopPct
		pos.BreakevenRatcheted = true
		if err := m.store.UpdatePositionTrailState(ctx, pos.PositionID, pos.StopLossPct, pos.HighWaterMark, true, pos.TrailingActive); err != nil {
			return fmt.Errorf("persist breakeven ratchet: %w", err)
		}
		m.logger.Info("breakeven ratchet fired", "position", pos.PositionID,
			"unrealized_pct", unrealizedPct.Mul(decimal.NewFromInt(100)).StringFixed(1))
	}

	// Rule 5: trailing stop.
	closed, err := m.trailingStop(ctx, &pos, current, unrealizedPct)
	if err != nil || closed {
		return err
	}

	// Rule 6: time exit.
	maxHold := time.Duration(m.cfg.Risk.MaxHoldHours * float64(time.Hour))
	if m.cfg.Mode == "paper" {
		maxHold = time.Duration(m.cfg.Risk.PaperMaxHoldHours * float64(time.Hour))
	}
	if held := now.Sub(pos.OpenedAt); held > maxHold {
		return m.close(ctx, pos, current, ExitTimeLimit,
			fmt.Sprintf("held %.1fh > %.0fh max", held.Hours(), maxHold.Hours()))
	}

	// Rule 7: momentum decay — both conditions required to avoid whipsaw
	// on normal pullbacks.
	if triggered, detail := m.momentumDecay(pos, quote, now); triggered {
		return m.close(ctx, pos, current, ExitMomentumDecay, detail)
	}

	// Rule 8: externally sourced exit signals.
	if m.exits != nil {
		if urgent, why := m.exits.UrgentExit(ctx, pos.TokenAddress); urgent {
			return m.close(ctx, pos, current, ExitSignal, why)
		}
	}

	return nil
}

// trailingStop activates at the configured gain, maintains the
// non-decreasing per-position high-water mark, and closes on the configured
// drop from it.
func (m *Monitor) trailingStop(ctx context.Context, pos *core.Position, current decimal.Decimal, unrealizedPct decimal.Decimal) (bool, error) {
	activation := decimal.NewFromFloat(m.cfg.Risk.TrailingActivationPct / 100)
	dropLimit := decimal.NewFromFloat(m.cfg.Risk.TrailingDropPct / 100)

	if !pos.TrailingActive {
		if unrealizedPct.GreaterThanOrEqual(activation) {
			pos.TrailingActive = true
			pos.HighWaterMark = current
			if err := m.store.UpdatePositionTrailState(ctx, pos.PositionID, pos.StopLossPct, pos.HighWaterMark, pos.BreakevenRatcheted, true); err != nil {
				return false, fmt.Errorf("persist trailing activation: %w", err)
			}
			m.logger.Info("trailing stop activated", "position", pos.PositionID, "hwm", current)
		}
		return false, nil
	}

	hwm := pos.HighWaterMark
	if current.GreaterThan(hwm) {
		hwm = current
		pos.HighWaterMark = hwm
		if err := m.store.UpdatePositionTrailState(ctx, pos.PositionID, pos.StopLossPct, hwm, pos.BreakevenRatcheted, true); err != nil {
			return false, fmt.Errorf("persist high-water mark: %w", err)
		}
	}

	if hwm.IsZero() {
		return false, nil
	}
	drop := hwm.Sub(current).Div(hwm)
	if drop.GreaterThanOrEqual(dropLimit) {
		err := m.close(ctx, *pos, current, ExitTrailingStop,
			fmt.Sprintf("price %s dropped %s%% from HWM %s", current, drop.Mul(decimal.NewFromInt(100)).StringFixed(1), hwm))
		return true, err
	}
	return false, nil
}

// momentumDecay fires when the two-hour return is negative AND current 24h
// volume fell more than the configured share from entry volume.
func (m *Monitor) momentumDecay(pos core.Position, quote feed.ExchangeQuote, now time.Time) (bool, string) {
	past, ok := m.prices.PriceAt(pos.Symbol, now, 2*time.Hour, 15*time.Minute)
	if !ok || past.Price.IsZero() {
		return false, ""
	}
	twoHourReturn := quote.Price.Sub(past.Price).Div(past.Price)
	if twoHourReturn.Sign() >= 0 {
		return false, ""
	}

	entryVol := past.Volume24h // earliest retained observation approximates entry volume
	if entryVol.IsZero() || quote.Volume24h.IsZero() {
		return false, ""
	}
	dropPct := entryVol.Sub(quote.Volume24h).Div(entryVol).Mul(decimal.NewFromInt(100))
	threshold := decimal.NewFromFloat(m.cfg.Risk.MomentumDecayPct)
	if dropPct.GreaterThan(threshold) {
		return true, fmt.Sprintf("2h return %s%% negative and volume dropped %s%% from entry",
			twoHourReturn.Mul(decimal.NewFromInt(100)).StringFixed(1), dropPct.StringFixed(0))
	}
	return false, ""
}

// flashCrashTriggered scans the watched symbols for a drop beyond the
// configured threshold within the flash-crash window.
func (m *Monitor) flashCrashTriggered(now time.Time) (bool, string) {
	window := time.Duration(m.cfg.Risk.FlashCrashWindowMinutes) * time.Minute
	threshold := decimal.NewFromFloat(m.cfg.Risk.FlashCrashDropPct / 100)

	for _, symbol := range m.prices.Symbols() {
		quote, ok := m.prices.Get(symbol)
		if !ok || quote.Price.IsZero() {
			continue
		}
		past, ok := m.prices.PriceAt(symbol, now, window, window/2)
		if !ok || past.Price.IsZero() {
			continue
		}
		change := quote.Price.Sub(past.Price).Div(past.Price)
		if change.LessThanOrEqual(threshold.Neg()) {
			return true, fmt.Sprintf("%s %s%% in %s", symbol,
				change.Mul(decimal.NewFromInt(100)).StringFixed(1), window)
		}
	}
	return false, ""
}

// EmergencySellAll closes every open meme-tier position (or all positions
// when memeOnly is false) with the EMERGENCY_SELL reason. Used by rule 1
// and by the heartbeat's CRITICAL path.
func (m *Monitor) EmergencySellAll(ctx context.Context, reason string, memeOnly bool) error {
	positions, err := m.store.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions for emergency sell: %w", err)
	}

	var errs error
	for _, pos := range positions {
		if memeOnly && !isMemeStrategy(pos.Strategy) {
			continue
		}
		price := pos.EntryPrice
		if quote, ok := m.prices.Get(pos.Symbol); ok && !quote.Price.IsZero() {
			price = quote.Price
		}
		if err := m.close(ctx, pos, price, ExitEmergency, reason); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func isMemeStrategy(strategyID string) bool {
	switch strategyID {
	case "meme-momentum", "early-launch":
		return true
	}
	return false
}
