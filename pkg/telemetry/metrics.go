package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricDecisionsTotal     = "sanad_decisions_total"
	MetricGateBlockedTotal   = "sanad_gate_blocked_total"
	MetricPositionsOpen      = "sanad_positions_open"
	MetricPositionsClosed    = "sanad_positions_closed_total"
	MetricPnLRealizedTotal   = "sanad_pnl_realized_total"
	MetricOrdersSubmitted    = "sanad_orders_submitted_total"
	MetricOrderRetries       = "sanad_order_retries_total"
	MetricAsyncQueueBacklog  = "sanad_async_queue_backlog"
	MetricAsyncTaskFailed    = "sanad_async_task_failed_total"
	MetricCircuitBreakerOpen = "sanad_circuit_breaker_open"
	MetricLLMCallsTotal      = "sanad_llm_calls_total"
	MetricLLMSpendUSD        = "sanad_llm_spend_usd_total"
	MetricPipelineLatencyMS  = "sanad_pipeline_latency_ms"
	MetricKillSwitchActive   = "sanad_kill_switch_active"
)

// MetricsHolder holds initialized instruments for the trading core.
type MetricsHolder struct {
	DecisionsTotal     metric.Int64Counter
	GateBlockedTotal   metric.Int64Counter
	PositionsOpen      metric.Int64ObservableGauge
	PositionsClosed    metric.Int64Counter
	PnLRealizedTotal   metric.Float64Counter
	OrdersSubmitted    metric.Int64Counter
	OrderRetries       metric.Int64Counter
	AsyncQueueBacklog  metric.Int64ObservableGauge
	AsyncTaskFailed    metric.Int64Counter
	CircuitBreakerOpen metric.Int64ObservableGauge
	LLMCallsTotal      metric.Int64Counter
	LLMSpendUSD        metric.Float64Counter
	PipelineLatencyMS  metric.Float64Histogram
	KillSwitchActive   metric.Int64ObservableGauge

	mu                sync.RWMutex
	positionsOpenMap  map[string]int64
	asyncBacklogMap   map[string]int64
	circuitBreakerMap map[string]int64
	killSwitchVal     int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			positionsOpenMap:  make(map[string]int64),
			asyncBacklogMap:   make(map[string]int64),
			circuitBreakerMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the given meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.DecisionsTotal, err = meter.Int64Counter(MetricDecisionsTotal, metric.WithDescription("Pipeline decisions by result")); err != nil {
		return err
	}
	if m.GateBlockedTotal, err = meter.Int64Counter(MetricGateBlockedTotal, metric.WithDescription("Policy gate blocks by gate number")); err != nil {
		return err
	}
	if m.PositionsClosed, err = meter.Int64Counter(MetricPositionsClosed, metric.WithDescription("Positions closed, by exit reason")); err != nil {
		return err
	}
	if m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized PnL in USD")); err != nil {
		return err
	}
	if m.OrdersSubmitted, err = meter.Int64Counter(MetricOrdersSubmitted, metric.WithDescription("Orders submitted to OMS")); err != nil {
		return err
	}
	if m.OrderRetries, err = meter.Int64Counter(MetricOrderRetries, metric.WithDescription("Order submission retries")); err != nil {
		return err
	}
	if m.AsyncTaskFailed, err = meter.Int64Counter(MetricAsyncTaskFailed, metric.WithDescription("Async tasks that reached FAILED")); err != nil {
		return err
	}
	if m.LLMCallsTotal, err = meter.Int64Counter(MetricLLMCallsTotal, metric.WithDescription("LLM oracle calls by stage")); err != nil {
		return err
	}
	if m.LLMSpendUSD, err = meter.Float64Counter(MetricLLMSpendUSD, metric.WithDescription("Estimated LLM spend in USD")); err != nil {
		return err
	}
	if m.PipelineLatencyMS, err = meter.Float64Histogram(MetricPipelineLatencyMS, metric.WithDescription("Pipeline end-to-end latency"), metric.WithUnit("ms")); err != nil {
		return err
	}

	if m.PositionsOpen, err = meter.Int64ObservableGauge(MetricPositionsOpen, metric.WithDescription("Currently open positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for tier, val := range m.positionsOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("tier", tier)))
			}
			return nil
		})); err != nil {
		return err
	}

	if m.AsyncQueueBacklog, err = meter.Int64ObservableGauge(MetricAsyncQueueBacklog, metric.WithDescription("Pending/running async tasks"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for status, val := range m.asyncBacklogMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		})); err != nil {
		return err
	}

	if m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for component, val := range m.circuitBreakerMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("component", component)))
			}
			return nil
		})); err != nil {
		return err
	}

	if m.KillSwitchActive, err = meter.Int64ObservableGauge(MetricKillSwitchActive, metric.WithDescription("Kill switch active (1=active)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.killSwitchVal)
			return nil
		})); err != nil {
		return err
	}

	return nil
}

// Setters for observable gauge state.

func (m *MetricsHolder) SetPositionsOpen(tier string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsOpenMap[tier] = count
}

func (m *MetricsHolder) SetAsyncBacklog(status string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asyncBacklogMap[status] = count
}

func (m *MetricsHolder) SetCircuitBreakerOpen(component string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuitBreakerMap[component] = val
}

func (m *MetricsHolder) SetKillSwitchActive(active bool) {
	val := int64(0)
	if active {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitchVal = val
}
