package feed

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"sanad/internal/breaker"
	"sanad/internal/core"
)

// Stream maintains a websocket subscription to an exchange ticker feed and
// writes every update into the PriceCache. Gate 10 (exchange health) reads
// Connected(); a dropped socket flips it false until the reconnect loop
// re-establishes the subscription.
type Stream struct {
	url       string
	symbols   []string
	cache     *PriceCache
	breakers  *breaker.Pool
	logger    core.ILogger
	connected atomic.Bool
	errCount  atomic.Int64
	okCount   atomic.Int64
}

func NewStream(url string, symbols []string, cache *PriceCache, breakers *breaker.Pool, logger core.ILogger) *Stream {
	return &Stream{
		url:      url,
		symbols:  symbols,
		cache:    cache,
		breakers: breakers,
		logger:   logger.WithField("component", "price_stream"),
	}
}

// Connected reports whether the subscription is currently live.
func (s *Stream) Connected() bool {
	return s.connected.Load()
}

// ErrorRatePct returns the share of failed reads over the stream's
// lifetime, the input to Gate 10's error-rate check.
func (s *Stream) ErrorRatePct() float64 {
	errs := float64(s.errCount.Load())
	total := errs + float64(s.okCount.Load())
	if total == 0 {
		return 0
	}
	return errs / total * 100
}

// tickerMessage is the normalized ticker payload the adapters push.
type tickerMessage struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Volume24h float64 `json:"volume_24h"`
}

// Run connects and pumps updates into the cache until ctx is done,
// reconnecting with a fixed delay on failure.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if err := s.connectAndPump(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("price stream disconnected, reconnecting", "error", err)
			if s.breakers != nil {
				s.breakers.RecordFailure(ctx, "price_stream")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Stream) connectAndPump(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		s.errCount.Add(1)
		return err
	}
	defer conn.Close()

	sub := map[string]interface{}{"op": "subscribe", "symbols": s.symbols}
	if err := conn.WriteJSON(sub); err != nil {
		s.errCount.Add(1)
		return err
	}

	s.connected.Store(true)
	defer s.connected.Store(false)
	if s.breakers != nil {
		s.breakers.RecordSuccess(ctx, "price_stream")
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.errCount.Add(1)
			return err
		}

		var msg tickerMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Symbol == "" {
			continue
		}
		s.okCount.Add(1)
		s.cache.Put(ExchangeQuote{
			Symbol:    msg.Symbol,
			Price:     decimal.NewFromFloat(msg.Price),
			BidPrice:  decimal.NewFromFloat(msg.Bid),
			AskPrice:  decimal.NewFromFloat(msg.Ask),
			Volume24h: decimal.NewFromFloat(msg.Volume24h),
			DepthOK:   msg.Bid > 0 && msg.Ask > 0,
		})
	}
}
