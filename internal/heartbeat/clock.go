package heartbeat

import (
	"context"
	"time"

	"sanad/internal/core"
)

// ServerTimeSource returns an external reference clock (exchange server
// time). Containers frequently cannot reach NTP; any exchange the system
// already talks to doubles as a skew reference.
type ServerTimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// ExchangeClockSource is the container-safe ClockSource: skew is local
// time minus the exchange's server time, halved round-trip latency
// subtracted out.
type ExchangeClockSource struct {
	Source ServerTimeSource
	Clock  core.Clock
}

func (e ExchangeClockSource) SkewSeconds(ctx context.Context) (float64, error) {
	if e.Clock == nil {
		e.Clock = core.RealClock{}
	}
	before := e.Clock.Now()
	serverTime, err := e.Source.ServerTime(ctx)
	if err != nil {
		return 0, err
	}
	after := e.Clock.Now()
	rtt := after.Sub(before)
	local := before.Add(rtt / 2)
	return local.Sub(serverTime).Seconds(), nil
}
