// Package oms implements Order Management: the exchange-facing
// order lifecycle state machine with idempotent placement, bounded retry on
// transient faults, partial-fill accumulation, and paper-mode execution.
package oms

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"sanad/internal/apperrors"
	"sanad/internal/breaker"
	"sanad/internal/config"
	"sanad/internal/core"
	"sanad/internal/ids"
	"sanad/internal/notify"
	"sanad/pkg/retry"
)

// Store is the narrow persistence contract OMS writes through.
type Store interface {
	InsertOrderIntent(ctx context.Context, o core.Order) (*core.Order, bool, error)
	GetOrder(ctx context.Context, clientOrderID string) (*core.Order, error)
	UpdateOrderState(ctx context.Context, clientOrderID string, newState core.OrderState, exchangeOrderID string, filledQty, avgFillPrice decimal.Decimal, fills []core.Fill) error
	IncrementOrderRetries(ctx context.Context, clientOrderID string) error
	ListOpenOrders(ctx context.Context, symbol string) ([]core.Order, error)
}

// Exchange is the narrow live-execution collaborator. Paper mode never
// calls it.
type Exchange interface {
	Name() string
	SubmitOrder(ctx context.Context, o core.Order) (exchangeOrderID string, ackState core.OrderState, fills []core.Fill, err error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
}

var terminalStates = map[core.OrderState]bool{
	core.OrderFilled:   true,
	core.OrderCanceled: true,
	core.OrderRejected: true,
	core.OrderExpired:  true,
	core.OrderFailed:   true,
}

// IsTerminal reports whether state admits no further transitions.
func IsTerminal(state core.OrderState) bool {
	return terminalStates[state]
}

// OMS coordinates order placement across one or more live exchanges, falling
// back to a deterministic paper-fill simulator when paper_mode is set.
type OMS struct {
	store    Store
	breakers *breaker.Pool
	notifier *notify.Manager
	logger   core.ILogger
	clock    core.Clock
	cfg      config.RiskConfig
	policy   config.PolicyGatesConfig
	exchanges map[string]Exchange
}

func New(store Store, breakers *breaker.Pool, notifier *notify.Manager, logger core.ILogger, clock core.Clock, risk config.RiskConfig, policyGates config.PolicyGatesConfig, exchanges map[string]Exchange) *OMS {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &OMS{
		store:     store,
		breakers:  breakers,
		notifier:  notifier,
		logger:    logger.WithField("component", "oms"),
		clock:     clock,
		cfg:       risk,
		policy:    policyGates,
		exchanges: exchanges,
	}
}

// PlaceOrderRequest carries the inputs to place_order.
type PlaceOrderRequest struct {
	Symbol        string
	Side          string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	TimeInForce   string
	Strategy      string
	CorrelationID string
	Exchange      string
	PaperMode     bool
}

// PlaceOrder generates the deterministic client_order_id, persists the order
// intent before any exchange call, and submits it. If an order already
// exists for this id in a non-terminal state, it is returned unchanged
// (idempotent at-most-once submission).
func (o *OMS) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*core.Order, error) {
	now := o.clock.Now()
	clientOrderID := ids.MakeClientOrderID(req.CorrelationID, req.Strategy, req.Side, req.Symbol, now)

	intent := core.Order{
		ClientOrderID: clientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		TimeInForce:   req.TimeInForce,
		State:         core.OrderNew,
		Strategy:      req.Strategy,
		CorrelationID: req.CorrelationID,
		Exchange:      req.Exchange,
		PaperMode:     req.PaperMode,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	order, existed, err := o.store.InsertOrderIntent(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("insert order intent: %w", err)
	}
	if existed && !IsTerminal(order.State) {
		o.logger.Info("place_order idempotent hit", "client_order_id", clientOrderID, "state", order.State)
		return order, nil
	}
	if existed && IsTerminal(order.State) {
		// A terminal order already lives under this bucket/key; treat this
		// call as a no-op retry of a completed submission.
		return order, nil
	}

	if req.PaperMode {
		return o.submitPaper(ctx, order)
	}
	return o.submitLive(ctx, order)
}

func (o *OMS) submitLive(ctx context.Context, order *core.Order) (*core.Order, error) {
	ex, ok := o.exchanges[order.Exchange]
	if !ok {
		return nil, fmt.Errorf("no exchange registered for %q", order.Exchange)
	}

	if o.breakers != nil && !o.breakers.Allow(ctx, "exchange_"+order.Exchange) {
		return nil, apperrors.ErrCircuitOpen
	}

	if err := o.markState(ctx, order, core.OrderSubmitted, "", decimal.Zero, decimal.Zero, nil); err != nil {
		return nil, err
	}

	policy := retry.RetryPolicy{MaxAttempts: 4, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 8 * time.Second}
	var exchangeOrderID string
	var ackState core.OrderState
	var fills []core.Fill

	err := retry.Do(ctx, policy, isRetryable, func() error {
		var submitErr error
		exchangeOrderID, ackState, fills, submitErr = ex.SubmitOrder(ctx, *order)
		if submitErr != nil {
			_ = o.store.IncrementOrderRetries(ctx, order.ClientOrderID)
			if o.breakers != nil {
				if isRetryable(submitErr) {
					o.breakers.RecordFailure(ctx, "exchange_"+order.Exchange)
				}
			}
		}
		return submitErr
	})

	if err != nil {
		if isRetryable(err) {
			_ = o.markState(ctx, order, core.OrderFailed, "", decimal.Zero, decimal.Zero, nil)
			o.notifyFailure(ctx, order, "order submission exhausted retries", err)
			return o.store.GetOrder(ctx, order.ClientOrderID)
		}
		_ = o.markState(ctx, order, core.OrderRejected, "", decimal.Zero, decimal.Zero, nil)
		o.notifyFailure(ctx, order, "order rejected", err)
		return o.store.GetOrder(ctx, order.ClientOrderID)
	}

	if o.breakers != nil {
		o.breakers.RecordSuccess(ctx, "exchange_"+order.Exchange)
	}

	filled, avgPrice := accumulateFills(fills)
	if ackState == "" {
		ackState = core.OrderAcknowledged
	}
	if filled.GreaterThanOrEqual(order.Quantity) && order.Quantity.IsPositive() {
		ackState = core.OrderFilled
	} else if filled.IsPositive() {
		ackState = core.OrderPartiallyFilled
	}

	if err := o.markState(ctx, order, ackState, exchangeOrderID, filled, avgPrice, fills); err != nil {
		return nil, err
	}
	return o.store.GetOrder(ctx, order.ClientOrderID)
}

// ApplyFill records an incremental fill reported asynchronously by an
// exchange callback, accumulating filled_quantity/avg_fill_price and
// transitioning to FILLED once the order is fully executed.
func (o *OMS) ApplyFill(ctx context.Context, clientOrderID string, fill core.Fill) (*core.Order, error) {
	existing, err := o.store.GetOrder(ctx, clientOrderID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("apply fill: unknown order %q", clientOrderID)
	}
	if IsTerminal(existing.State) {
		return existing, nil
	}

	fills := append(append([]core.Fill{}, existing.Fills...), fill)
	filled, avgPrice := accumulateFills(fills)

	newState := core.OrderPartiallyFilled
	if filled.GreaterThanOrEqual(existing.Quantity) {
		newState = core.OrderFilled
	}

	if err := o.store.UpdateOrderState(ctx, clientOrderID, newState, existing.ExchangeOrderID, filled, avgPrice, fills); err != nil {
		return nil, err
	}
	return o.store.GetOrder(ctx, clientOrderID)
}

// submitPaper simulates fill at current price plus uniform [0, 0.1%]
// slippage and the configured fee rate, transitioning straight to FILLED.
func (o *OMS) submitPaper(ctx context.Context, order *core.Order) (*core.Order, error) {
	if err := o.markState(ctx, order, core.OrderSubmitted, "", decimal.Zero, decimal.Zero, nil); err != nil {
		return nil, err
	}

	slippageBps := rand.Float64() * 10 // uniform [0, 0.1%] == [0, 10bps]
	slippageFactor := decimal.NewFromFloat(1 + slippageBps/10000)
	fillPrice := order.Price.Mul(slippageFactor)
	feeUSD := order.Quantity.Mul(fillPrice).Mul(decimal.NewFromFloat(o.cfg.FeeRatePct / 100))

	fill := core.Fill{
		Quantity:  order.Quantity,
		Price:     fillPrice,
		FeeUSD:    feeUSD,
		Timestamp: o.clock.Now(),
	}
	fills := []core.Fill{fill}

	exchangeOrderID := "paper-" + order.ClientOrderID
	if err := o.markState(ctx, order, core.OrderFilled, exchangeOrderID, order.Quantity, fillPrice, fills); err != nil {
		return nil, err
	}
	return o.store.GetOrder(ctx, order.ClientOrderID)
}

// CancelOrder cancels on the exchange if live, and always transitions a
// non-terminal order to CANCELED.
func (o *OMS) CancelOrder(ctx context.Context, clientOrderID string) error {
	order, err := o.store.GetOrder(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if order == nil || IsTerminal(order.State) {
		return nil
	}

	if !order.PaperMode {
		if ex, ok := o.exchanges[order.Exchange]; ok && order.ExchangeOrderID != "" {
			if err := ex.CancelOrder(ctx, order.ExchangeOrderID); err != nil {
				o.logger.Warn("exchange cancel failed, forcing local CANCELED", "client_order_id", clientOrderID, "error", err)
			}
		}
	}

	return o.store.UpdateOrderState(ctx, clientOrderID, core.OrderCanceled, order.ExchangeOrderID, order.FilledQuantity, order.AvgFillPrice, order.Fills)
}

// CancelAll cancels every open order, optionally scoped to symbol.
func (o *OMS) CancelAll(ctx context.Context, symbol string) error {
	orders, err := o.store.ListOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	var firstErr error
	for _, ord := range orders {
		if err := o.CancelOrder(ctx, ord.ClientOrderID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *OMS) markState(ctx context.Context, order *core.Order, state core.OrderState, exchangeOrderID string, filled, avgPrice decimal.Decimal, fills []core.Fill) error {
	if exchangeOrderID == "" {
		exchangeOrderID = order.ExchangeOrderID
	}
	if err := o.store.UpdateOrderState(ctx, order.ClientOrderID, state, exchangeOrderID, filled, avgPrice, fills); err != nil {
		return fmt.Errorf("mark order state %s: %w", state, err)
	}
	order.State = state
	order.ExchangeOrderID = exchangeOrderID
	order.FilledQuantity = filled
	order.AvgFillPrice = avgPrice
	order.Fills = fills
	return nil
}

func (o *OMS) notifyFailure(ctx context.Context, order *core.Order, title string, err error) {
	if o.notifier == nil {
		return
	}
	o.notifier.Send(ctx, title, fmt.Sprintf("client_order_id=%s symbol=%s error=%v", order.ClientOrderID, order.Symbol, err),
		notify.L3, map[string]string{"symbol": order.Symbol, "exchange": order.Exchange})
}

func accumulateFills(fills []core.Fill) (decimal.Decimal, decimal.Decimal) {
	totalQty := decimal.Zero
	totalNotional := decimal.Zero
	for _, f := range fills {
		totalQty = totalQty.Add(f.Quantity)
		totalNotional = totalNotional.Add(f.Quantity.Mul(f.Price))
	}
	if totalQty.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return totalQty, totalNotional.Div(totalQty)
}

// isRetryable classifies submission errors: timeout, rate limit,
// 429/5xx, and connection errors are retryable; everything else is not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrRetryableExternal) || errors.Is(err, apperrors.ErrDBBusy)
}
