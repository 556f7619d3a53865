package pipeline

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"sanad/internal/core"
	"sanad/internal/ids"
	"sanad/internal/oms"
	"sanad/internal/policy"
	"sanad/internal/profile"
)

// microSizeFactor shrinks the order when the Judge ruled REVISE in paper
// mode: the system still takes the trade to gather outcome data, at a
// fraction of the computed size.
var microSizeFactor = decimal.NewFromFloat(0.25)

// minFillFraction is the partial-fill sufficiency bar: an order filled
// below this fraction of its intended quantity is treated as a failed
// entry, the remainder canceled, and no position opened.
var minFillFraction = decimal.NewFromFloat(0.5)

// execute is stage 7 on the PASS path: entry parameters, order placement
// through OMS, and the atomic open-position transaction.
func (p *Pipeline) execute(ctx context.Context, in Input, prof profile.TokenProfile, sanad SanadResult, strat StrategyResult, debate DebateResult, verdict policy.Verdict, gateCtx policy.Context, quote Quote, decisionID, correlationID string) (*Outcome, error) {
	paperMode := p.d.Cfg.Mode == "paper"

	qty := strat.Quantity
	microSized := false
	if debate.Judge.Verdict == "REVISE" && paperMode {
		qty = qty.Mul(microSizeFactor)
		microSized = true
	}
	if qty.IsZero() {
		return p.block(ctx, in, decisionID, correlationID, StageExecute, "computed quantity is zero", 0, "", &sanad)
	}

	entryPrice := quote.Price
	if entryPrice.IsZero() {
		entryPrice = in.Signal.Price
	}

	order, err := p.d.OMS.PlaceOrder(ctx, oms.PlaceOrderRequest{
		Symbol:        p.symbol(in),
		Side:          "BUY",
		Quantity:      qty,
		Price:         entryPrice,
		TimeInForce:   "IOC",
		Strategy:      strat.StrategyID,
		CorrelationID: correlationID,
		Exchange:      in.Exchange,
		PaperMode:     paperMode,
	})
	if err != nil {
		return p.block(ctx, in, decisionID, correlationID, StageExecute, fmt.Sprintf("order placement: %v", err), 0, "", &sanad)
	}

	switch order.State {
	case core.OrderFilled, core.OrderPartiallyFilled:
	default:
		return p.block(ctx, in, decisionID, correlationID, StageExecute, fmt.Sprintf("order not filled: state=%s", order.State), 0, "", &sanad)
	}

	if order.FilledQuantity.LessThan(qty.Mul(minFillFraction)) {
		_ = p.d.OMS.CancelOrder(ctx, order.ClientOrderID)
		return p.block(ctx, in, decisionID, correlationID, StageExecute,
			fmt.Sprintf("partial fill insufficient: %s of %s", order.FilledQuantity, qty), 0, "", &sanad)
	}

	evidence := make(map[string]interface{}, len(verdict.Gates))
	for _, g := range verdict.Gates {
		evidence[fmt.Sprintf("gate_%02d_%s", g.Number, g.Name)] = g.Evidence
	}
	decision := core.Decision{
		DecisionID:    decisionID,
		SignalID:      in.Signal.SignalID,
		PolicyVersion: PolicyVersion,
		Result:        core.DecisionExecute,
		TerminalStage: StageExecute,
		ReasonCode:    "all gates passed",
		Evidence:      evidence,
		Packet: map[string]interface{}{
			"correlation_id":     correlationID,
			"token":              in.Signal.TokenAddress,
			"chain":              in.Signal.Chain,
			"source":             in.Signal.SourcePrimary,
			"cross_source_count": in.CrossSourceCount,
			"trust_score":        sanad.TrustScore,
			"grade":              sanad.Grade,
			"strategy":           strat.StrategyID,
			"judge_verdict":      debate.Judge.Verdict,
			"judge_confidence":   debate.Judge.Confidence,
			"paper_override":     debate.PaperOverride,
			"micro_sized":        microSized,
			"client_order_id":    order.ClientOrderID,
			"estimated_slippage_bps": gateCtx.EstimatedSlippageBps,
		},
		CreatedAt: p.clock.Now(),
	}

	entry := order.AvgFillPrice
	if entry.IsZero() {
		entry = entryPrice
	}
	pos := core.Position{
		PositionID:       ids.MakePositionID(decisionID, 1),
		DecisionID:       decisionID,
		Symbol:           order.Symbol,
		TokenAddress:     in.Signal.TokenAddress,
		Side:             "LONG",
		EntryPrice:       entry,
		Size:             order.FilledQuantity,
		StopLossPct:      strat.StopLossPct,
		TakeProfitPct:    strat.TakeProfitPct,
		Strategy:         strat.StrategyID,
		RegimeTag:        in.RegimeTag,
		ExecutionOrdinal: 1,
	}

	saved, alreadyExisted, err := p.d.Store.TryOpenPositionAtomic(ctx, decision, pos)
	if err != nil {
		return nil, fmt.Errorf("open position: %w", err)
	}
	if alreadyExisted {
		p.logger.Warn("position already existed for decision; another worker won the race",
			"decision_id", decisionID, "position_id", saved.PositionID)
	} else {
		if err := p.d.Portfolio.RecordEntry(in.Signal.TokenAddress, p.clock.Now()); err != nil {
			p.logger.Warn("record entry in portfolio failed", "error", err)
		}
	}

	return &Outcome{Decision: decision, Position: saved}, nil
}
