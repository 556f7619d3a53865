package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"sanad/internal/core"
	"sanad/internal/notify"
	"sanad/internal/oms"
)

// tradeRecord is the trade-history row appended on every close. Recomputing
// PnL from its fields yields the same row.
type tradeRecord struct {
	PositionID  string `json:"position_id"`
	DecisionID  string `json:"decision_id"`
	Symbol      string `json:"symbol"`
	Token       string `json:"token"`
	Strategy    string `json:"strategy"`
	Side        string `json:"side"`
	EntryPrice  string `json:"entry_price"`
	ExitPrice   string `json:"exit_price"`
	Size        string `json:"size"`
	FeeUSD      string `json:"fee_usd"`
	PnLUSD      string `json:"pnl_usd"`
	ExitReason  string `json:"exit_reason"`
	ExitDetail  string `json:"exit_detail"`
	OpenedAt    string `json:"opened_at"`
	ClosedAt    string `json:"closed_at"`
	HoldHours   string `json:"hold_hours"`
}

// close sells the position, computes PnL net of the fixed fee rate,
// persists the closure, appends the trade-history record, and updates the
// portfolio aggregates. Notifications are fire-and-forget; their failure
// never aborts the close.
func (m *Monitor) close(ctx context.Context, pos core.Position, exitPrice decimal.Decimal, reason, detail string) error {
	now := m.clock.Now()
	paperMode := m.cfg.Mode == "paper"

	if !paperMode && m.killSw.Active() && reason != ExitEmergency {
		// The kill switch halts new trades; emergency closes still run.
		m.logger.Warn("kill switch active, deferring non-emergency close", "position", pos.PositionID)
		return nil
	}

	order, err := m.oms.PlaceOrder(ctx, oms.PlaceOrderRequest{
		Symbol:        pos.Symbol,
		Side:          "SELL",
		Quantity:      pos.Size,
		Price:         exitPrice,
		TimeInForce:   "IOC",
		Strategy:      pos.Strategy,
		CorrelationID: pos.PositionID,
		Exchange:      exitExchange(pos),
		PaperMode:     paperMode,
	})
	if err != nil {
		return fmt.Errorf("place exit order: %w", err)
	}
	filledPrice := order.AvgFillPrice
	if filledPrice.IsZero() {
		filledPrice = exitPrice
	}

	pnl, fee := ComputePnL(pos.EntryPrice, filledPrice, pos.Size, m.cfg.Risk.FeeRatePct)

	if err := m.store.UpdatePositionClose(ctx, pos.PositionID, filledPrice, pnl); err != nil {
		return fmt.Errorf("persist position close: %w", err)
	}

	if err := m.portfolio.RecordClose(pos.TokenAddress, pnl, now); err != nil {
		m.logger.Warn("portfolio aggregate update failed", "error", err)
	}

	// Post-trade learning updates are fire-and-forget: a failed stat write
	// never aborts the close.
	m.updateLearningStats(ctx, pos, pnl)

	record := tradeRecord{
		PositionID: pos.PositionID,
		DecisionID: pos.DecisionID,
		Symbol:     pos.Symbol,
		Token:      pos.TokenAddress,
		Strategy:   pos.Strategy,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice.String(),
		ExitPrice:  filledPrice.String(),
		Size:       pos.Size.String(),
		FeeUSD:     fee.String(),
		PnLUSD:     pnl.String(),
		ExitReason: reason,
		ExitDetail: detail,
		OpenedAt:   pos.OpenedAt.UTC().Format(time.RFC3339),
		ClosedAt:   now.UTC().Format(time.RFC3339),
		HoldHours:  fmt.Sprintf("%.2f", now.Sub(pos.OpenedAt).Hours()),
	}
	if err := m.appendTradeHistory(record); err != nil {
		m.logger.Warn("trade history append failed", "error", err)
	}

	level := notify.L2
	if reason == ExitEmergency {
		level = notify.L4
	} else if pnl.Sign() < 0 {
		level = notify.L3
	}
	if m.notifier != nil {
		m.notifier.Send(ctx, "Position closed: "+reason,
			fmt.Sprintf("%s %s entry=%s exit=%s pnl=%s (%s)", pos.Symbol, pos.Strategy, pos.EntryPrice, filledPrice, pnl, detail),
			level, map[string]string{"symbol": pos.Symbol, "reason": reason})
	}

	m.logger.Info("position closed",
		"position", pos.PositionID, "reason", reason, "exit_price", filledPrice, "pnl", pnl, "detail", detail)
	return nil
}

// updateLearningStats feeds the trade outcome back into the Thompson
// posterior for the (strategy, regime) arm and the originating source's
// running reward.
func (m *Monitor) updateLearningStats(ctx context.Context, pos core.Position, pnl decimal.Decimal) {
	win := pnl.Sign() > 0

	regime := pos.RegimeTag
	if regime == "" {
		regime = "UNKNOWN"
	}
	stat, err := m.store.GetBanditStat(ctx, pos.Strategy, regime)
	if err != nil {
		m.logger.Warn("bandit stat read failed", "strategy", pos.Strategy, "error", err)
		return
	}
	if stat.Alpha == 0 && stat.Beta == 0 {
		stat.Alpha, stat.Beta = 1, 1
	}
	stat.StrategyID, stat.RegimeTag = pos.Strategy, regime
	if win {
		stat.Alpha++
	} else {
		stat.Beta++
	}
	stat.N++
	if err := m.store.UpdateBanditStat(ctx, stat); err != nil {
		m.logger.Warn("bandit stat update failed", "strategy", pos.Strategy, "error", err)
	}

	decision, err := m.store.GetDecision(ctx, pos.DecisionID)
	if err != nil || decision == nil {
		return
	}
	source, _ := decision.Packet["source"].(string)
	if source == "" {
		return
	}
	ucb, err := m.store.GetSourceUCB(ctx, source)
	if err != nil {
		return
	}
	ucb.SourceID = source
	ucb.N++
	if win {
		ucb.RewardSum++
	}
	if err := m.store.UpdateSourceUCB(ctx, ucb); err != nil {
		m.logger.Warn("source ucb update failed", "source", source, "error", err)
	}
}

// ComputePnL returns the realized PnL net of the fixed fee rate applied to
// both sides' notional, plus the total fee charged.
func ComputePnL(entry, exit, size decimal.Decimal, feeRatePct float64) (pnl, fee decimal.Decimal) {
	gross := exit.Sub(entry).Mul(size)
	feeRate := decimal.NewFromFloat(feeRatePct / 100)
	fee = entry.Mul(size).Mul(feeRate).Add(exit.Mul(size).Mul(feeRate))
	return gross.Sub(fee), fee
}

func (m *Monitor) appendTradeHistory(record tradeRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(m.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

func exitExchange(pos core.Position) string {
	if len(pos.Symbol) > len(pos.TokenAddress) { // SYMBOL+USDT convention = CEX pair
		return "binance"
	}
	return "raydium"
}
