package strategy

import (
	"github.com/shopspring/decimal"

	"sanad/internal/config"
)

// SizingInputs carries everything Kelly sizing reads.
type SizingInputs struct {
	Equity       decimal.Decimal
	WinRate      float64 // historical, [0,1]
	AvgWinPct    float64
	AvgLossPct   float64
	TradeCount   int
	RegimeFactor float64 // multiplicative, 1.0 = neutral
	PaperMode    bool
}

// PositionSize computes the position notional: fractional Kelly off the
// historical edge once kelly_min_trades have accumulated, the cold-start
// default before that, bounded by the mode-specific cap and modulated by
// the regime factor.
func PositionSize(cfg config.SizingConfig, in SizingInputs) decimal.Decimal {
	pct := cfg.KellyDefaultPct
	if in.PaperMode {
		pct = cfg.PaperDefaultPct
	}

	if in.TradeCount >= cfg.KellyMinTrades && in.AvgLossPct > 0 {
		b := in.AvgWinPct / in.AvgLossPct
		if b > 0 {
			kelly := in.WinRate - (1-in.WinRate)/b
			if kelly > 0 {
				pct = kelly * cfg.KellyFraction * 100
			} else {
				// Negative edge: fall back to the minimum viable probe size
				// rather than zero, so the arm keeps gathering samples.
				pct = cfg.KellyDefaultPct / 2
			}
		}
	}

	factor := in.RegimeFactor
	if factor <= 0 {
		factor = 1
	}
	if in.PaperMode && factor < cfg.PaperRegimeFloor {
		factor = cfg.PaperRegimeFloor
	}
	pct *= factor

	cap := cfg.MaxPositionPct
	if in.PaperMode {
		cap = cfg.PaperMaxPositionPct
	}
	if pct > cap {
		pct = cap
	}
	if pct < 0 {
		pct = 0
	}

	return in.Equity.Mul(decimal.NewFromFloat(pct / 100))
}
