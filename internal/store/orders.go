package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sanad/internal/core"
)

// InsertOrderIntent persists a NEW order row before the exchange call is
// made, per the OMS "record intent before submit" rule. Idempotent on
// client_order_id: if a row already exists it is left untouched and
// returned.
func (s *Store) InsertOrderIntent(ctx context.Context, o core.Order) (*core.Order, bool, error) {
	var result *core.Order
	var existed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		fillsJSON, _ := json.Marshal(o.Fills)
		now := time.Now()
		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO orders (
				client_order_id, exchange_order_id, symbol, side, quantity, price,
				time_in_force, state, filled_quantity, avg_fill_price, fills_json,
				retries, strategy, correlation_id, exchange, paper_mode, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ClientOrderID, o.ExchangeOrderID, o.Symbol, o.Side, o.Quantity.String(), o.Price.String(),
			o.TimeInForce, string(core.OrderNew), "0", "0", string(fillsJSON),
			0, o.Strategy, o.CorrelationID, o.Exchange, boolToInt(o.PaperMode), nowStr(now), nowStr(now),
		)
		if execErr == nil {
			existing, getErr := s.getOrderTx(ctx, tx, o.ClientOrderID)
			if getErr != nil {
				return getErr
			}
			result = existing
			existed = false
			return nil
		}
		if !isUniqueConstraintErr(execErr) {
			return fmt.Errorf("insert order intent: %w", execErr)
		}
		existing, getErr := s.getOrderTx(ctx, tx, o.ClientOrderID)
		if getErr != nil {
			return getErr
		}
		result = existing
		existed = true
		return nil
	})
	return result, existed, err
}

// GetOrder fetches an order by client_order_id. Returns nil, nil if not found.
func (s *Store) GetOrder(ctx context.Context, clientOrderID string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx, orderSelectCols+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateOrderState transitions an order to newState together with any fill
// accounting, guarded by the caller having already validated the transition
// is legal in the order state machine.
func (s *Store) UpdateOrderState(ctx context.Context, clientOrderID string, newState core.OrderState, exchangeOrderID string, filledQty, avgFillPrice decimal.Decimal, fills []core.Fill) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		fillsJSON, _ := json.Marshal(fills)
		_, err := tx.ExecContext(ctx, `
			UPDATE orders SET state = ?, exchange_order_id = COALESCE(NULLIF(?, ''), exchange_order_id),
			       filled_quantity = ?, avg_fill_price = ?, fills_json = ?, updated_at = ?
			WHERE client_order_id = ?`,
			string(newState), exchangeOrderID, filledQty.String(), avgFillPrice.String(), string(fillsJSON),
			nowStr(time.Now()), clientOrderID,
		)
		if err != nil {
			return fmt.Errorf("update order state: %w", err)
		}
		return nil
	})
}

// IncrementOrderRetries bumps the retry counter, used by the bounded
// exponential backoff submit loop.
func (s *Store) IncrementOrderRetries(ctx context.Context, clientOrderID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE orders SET retries = retries + 1, updated_at = ? WHERE client_order_id = ?`,
			nowStr(time.Now()), clientOrderID)
		if err != nil {
			return fmt.Errorf("increment order retries: %w", err)
		}
		return nil
	})
}

// ListOpenOrders returns every order not yet in a terminal state, for
// cancel_all and reconciliation.
func (s *Store) ListOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	query := orderSelectCols + ` FROM orders WHERE state NOT IN ('FILLED','CANCELED','REJECTED','EXPIRED','FAILED')`
	args := []interface{}{}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	defer rows.Close()

	var out []core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const orderSelectCols = `SELECT client_order_id, exchange_order_id, symbol, side, quantity, price,
	       time_in_force, state, filled_quantity, avg_fill_price, fills_json, retries,
	       strategy, correlation_id, exchange, paper_mode, created_at, updated_at`

func scanOrder(row rowScanner) (core.Order, error) {
	var o core.Order
	var exchangeOrderID, price, fillsJSON, strategy sql.NullString
	var qty, filledQty, avgFillPrice, createdAt, updatedAt string
	var paperMode int
	err := row.Scan(&o.ClientOrderID, &exchangeOrderID, &o.Symbol, &o.Side, &qty, &price,
		&o.TimeInForce, &o.State, &filledQty, &avgFillPrice, &fillsJSON, &o.Retries,
		&strategy, &o.CorrelationID, &o.Exchange, &paperMode, &createdAt, &updatedAt)
	if err != nil {
		return o, fmt.Errorf("scan order: %w", err)
	}
	o.ExchangeOrderID = exchangeOrderID.String
	o.Strategy = strategy.String
	o.Quantity = decimalOrZero(qty)
	o.Price = decimalOrZero(price.String)
	o.FilledQuantity = decimalOrZero(filledQty)
	o.AvgFillPrice = decimalOrZero(avgFillPrice)
	o.PaperMode = paperMode != 0
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	_ = json.Unmarshal([]byte(fillsJSON.String), &o.Fills)
	return o, nil
}

func (s *Store) getOrderTx(ctx context.Context, tx *sql.Tx, clientOrderID string) (*core.Order, error) {
	row := tx.QueryRowContext(ctx, orderSelectCols+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
