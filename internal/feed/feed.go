// Package feed is the boundary to the signal and price collaborators.
// Feed clients themselves are out of scope; this package reads the
// normalized signal files the source adapters drop into per-source feed
// directories, maintains the shared price cache, and validates token
// addresses before anything downstream spends money on them.
package feed

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"sanad/internal/core"
	"sanad/internal/ids"
)

// RawSignal is the on-disk normalized signal schema the adapters write.
// Field names follow the adapters' JSON, not Go conventions.
type RawSignal struct {
	SourceEventID    string   `json:"source_event_id,omitempty"`
	Token            string   `json:"token"`
	TokenAddress     string   `json:"token_address,omitempty"`
	Chain            string   `json:"chain,omitempty"`
	Source           string   `json:"source"`
	SignalType       string   `json:"signal_type"`
	Thesis           string   `json:"thesis"`
	Timestamp        string   `json:"timestamp"`
	Price            float64  `json:"price,omitempty"`
	Volume24h        float64  `json:"volume_24h,omitempty"`
	LiquidityUSD     float64  `json:"liquidity_usd,omitempty"`
	TokenAgeHours    *float64 `json:"token_age_hours,omitempty"`
	Top10HolderPct   *float64 `json:"top10_holder_pct,omitempty"`
	HolderCount      int      `json:"holder_count,omitempty"`
	RugcheckScore    *int     `json:"rugcheck_score,omitempty"`
	RugFlags         []string `json:"rug_flags,omitempty"`
	PriceChange1hPct float64  `json:"price_change_1h_pct,omitempty"`
	PriceChange24hPct float64 `json:"price_change_24h_pct,omitempty"`
	BuySellRatio     float64  `json:"buy_sell_ratio,omitempty"`
	SmartMoneySignal bool     `json:"smart_money_signal,omitempty"`
	BoostAmount      int      `json:"boost_amount,omitempty"`
	PaidPromotion    bool     `json:"paid_promotion,omitempty"`
	MarketCap        float64  `json:"market_cap,omitempty"`
	FDV              float64  `json:"fdv,omitempty"`
	CEXListed        bool     `json:"cex_listed,omitempty"`
}

// ParsedTimestamp returns the signal's timestamp, zero if unparseable.
func (r RawSignal) ParsedTimestamp() time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, r.Timestamp); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ToSignal maps the raw adapter schema onto the canonical core.Signal,
// assigning the deterministic signal_id.
func (r RawSignal) ToSignal() core.Signal {
	sig := core.Signal{
		SourceEventID: r.SourceEventID,
		TokenAddress:  r.TokenAddress,
		Chain:         r.Chain,
		SourcePrimary: r.Source,
		SignalType:    r.SignalType,
		Thesis:        r.Thesis,
		Timestamp:     r.ParsedTimestamp(),
		Price:         decimal.NewFromFloat(r.Price),
		Volume24h:     decimal.NewFromFloat(r.Volume24h),
		Liquidity:     decimal.NewFromFloat(r.LiquidityUSD),
		MarketCap:     decimal.NewFromFloat(r.MarketCap),
		FDV:           decimal.NewFromFloat(r.FDV),
		HolderCount:   r.HolderCount,
		IsCEXListed:   r.CEXListed,
		PaidPromotion: r.PaidPromotion,
	}
	if r.RugcheckScore != nil {
		sig.RugcheckScore = *r.RugcheckScore
	}
	if r.TokenAgeHours != nil {
		sig.TokenAgeHours = *r.TokenAgeHours
	}
	if sig.TokenAddress == "" {
		sig.TokenAddress = strings.ToUpper(r.Token)
	}
	sig.SignalID = ids.MakeSignalID(ids.SignalFingerprint{
		SourceEventID: sig.SourceEventID,
		Chain:         sig.Chain,
		TokenAddress:  sig.TokenAddress,
		SourcePrimary: sig.SourcePrimary,
		SignalType:    sig.SignalType,
		Thesis:        sig.Thesis,
		Timestamp:     sig.Timestamp,
	})
	return sig
}

// DirReader reads the latest signal batch from one feed directory, rate
// limited so a misbehaving adapter dropping thousands of files cannot make
// the router spin.
type DirReader struct {
	Dir     string
	Source  string
	limiter *rate.Limiter
	logger  core.ILogger
}

func NewDirReader(dir, source string, logger core.ILogger) *DirReader {
	return &DirReader{
		Dir:     dir,
		Source:  source,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		logger:  logger.WithField("component", "feed_reader").WithField("source", source),
	}
}

// Latest returns the signals from the newest .json file in the directory
// plus the file's age. A missing or empty directory returns no signals and
// no error; the router treats that as "source quiet this cycle".
func (d *DirReader) Latest(now time.Time) ([]RawSignal, time.Duration, error) {
	if !d.limiter.Allow() {
		return nil, 0, nil
	}

	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("read feed dir %s: %w", d.Dir, err)
	}

	var newest string
	var newestMtime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newestMtime) {
			newestMtime = info.ModTime()
			newest = filepath.Join(d.Dir, e.Name())
		}
	}
	if newest == "" {
		return nil, 0, nil
	}

	data, err := os.ReadFile(newest)
	if err != nil {
		return nil, 0, fmt.Errorf("read signal file %s: %w", newest, err)
	}

	var signals []RawSignal
	if err := json.Unmarshal(data, &signals); err != nil {
		// Some adapters write a single object rather than an array.
		var one RawSignal
		if err2 := json.Unmarshal(data, &one); err2 != nil {
			return nil, 0, fmt.Errorf("parse signal file %s: %w", newest, err)
		}
		signals = []RawSignal{one}
	}

	for i := range signals {
		if signals[i].Source == "" {
			signals[i].Source = d.Source
		}
	}
	sort.SliceStable(signals, func(i, j int) bool {
		return signals[i].Token < signals[j].Token
	})
	return signals, now.Sub(newestMtime), nil
}
