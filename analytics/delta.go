package analytics

import (
	"math"
	"time"

	"flowlens/config"
	"flowlens/models"
)

// DeltaTracker maintains buy/sell volume over a trailing time window of
// classified trades and detects divergence between price direction and
// cumulative volume delta.
type DeltaTracker struct {
	symbol string
	cfg    config.DeltaConfig

	trades []models.Trade
	// cumulative delta samples, one per trade, for trend comparison
	cumulative []float64
	cumDelta   float64
}

func NewDeltaTracker(symbol string, cfg config.DeltaConfig) *DeltaTracker {
	return &DeltaTracker{symbol: symbol, cfg: cfg}
}

// AddTrade records a classified trade and returns the delta over the
// trailing window. Neutral trades carry volume but no direction.
func (d *DeltaTracker) AddTrade(trade models.Trade) models.VolumeDelta {
	switch trade.AggressorSide {
	case models.SideBuy:
		d.cumDelta += trade.Size
	case models.SideSell:
		d.cumDelta -= trade.Size
	}

	d.trades = append(d.trades, trade)
	d.cumulative = append(d.cumulative, d.cumDelta)
	d.evict(trade.Timestamp)

	return d.snapshot(trade.Timestamp)
}

// evict drops trades older than the trailing window. The cumulative series
// is trimmed alongside so both slices stay index-aligned.
func (d *DeltaTracker) evict(now time.Time) {
	cutoff := now.Add(-d.cfg.Window.Std())
	idx := 0
	for idx < len(d.trades) && d.trades[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		d.trades = d.trades[idx:]
		d.cumulative = d.cumulative[idx:]
	}
}

func (d *DeltaTracker) snapshot(ts time.Time) models.VolumeDelta {
	var buy, sell float64
	for _, t := range d.trades {
		switch t.AggressorSide {
		case models.SideBuy:
			buy += t.Size
		case models.SideSell:
			sell += t.Size
		}
	}

	delta := buy - sell
	pct := 0.0
	if buy+sell > 0 {
		pct = delta / (buy + sell)
	}

	return models.VolumeDelta{
		Symbol:       d.symbol,
		Delta:        delta,
		DeltaPercent: pct,
		BuyVolume:    buy,
		SellVolume:   sell,
		Timestamp:    ts,
	}
}

// Latest returns the delta over the trailing window as of the last trade.
func (d *DeltaTracker) Latest() models.VolumeDelta {
	if len(d.trades) == 0 {
		return models.VolumeDelta{Symbol: d.symbol}
	}
	return d.snapshot(d.trades[len(d.trades)-1].Timestamp)
}

// CumulativeSeries copies the cumulative-delta samples so divergence
// scoring can run off the processing goroutine without aliasing live
// state.
func (d *DeltaTracker) CumulativeSeries() []float64 {
	out := make([]float64, len(d.cumulative))
	copy(out, d.cumulative)
	return out
}

// DetectDivergence compares the recent price trend against the recent
// cumulative-delta trend over the configured lookback. Price falling while
// delta rises or holds reads bullish; price rising while delta falls reads
// bearish. Strength is the normalized magnitude of the disagreement.
func (d *DeltaTracker) DetectDivergence(priceHistory []models.PricePoint) models.DivergenceSignal {
	return DivergenceOver(d.symbol, priceHistory, d.cumulative, d.cfg.DivergenceLookback)
}

// DivergenceOver scores price/delta disagreement on detached copies of the
// two series. It only reads its arguments, so callers may run it on any
// goroutine.
func DivergenceOver(symbol string, priceHistory []models.PricePoint, cumulative []float64, lookback int) models.DivergenceSignal {
	signal := models.DivergenceSignal{
		Symbol: symbol,
		Type:   models.DivergenceNone,
	}
	if lookback < 2 || len(priceHistory) < lookback || len(cumulative) < lookback {
		return signal
	}

	prices := priceHistory[len(priceHistory)-lookback:]
	deltas := cumulative[len(cumulative)-lookback:]
	signal.Timestamp = prices[len(prices)-1].Timestamp

	priceChange := prices[len(prices)-1].Price - prices[0].Price
	deltaChange := deltas[len(deltas)-1] - deltas[0]

	priceTrend := normalizedChange(priceChange, prices[0].Price)
	deltaTrend := normalizedDeltaChange(deltaChange, deltas)

	switch {
	case priceChange < 0 && deltaChange >= 0:
		signal.Type = models.DivergenceBullish
	case priceChange > 0 && deltaChange < 0:
		signal.Type = models.DivergenceBearish
	default:
		return signal
	}

	strength := math.Abs(priceTrend) + math.Abs(deltaTrend)
	if strength > 1 {
		strength = 1
	}
	signal.Strength = strength
	return signal
}

// normalizedChange scales an absolute change by its reference value.
func normalizedChange(change, reference float64) float64 {
	if reference == 0 {
		return 0
	}
	return change / math.Abs(reference)
}

// normalizedDeltaChange scales the delta move by the series' magnitude so
// instruments with different volumes compare on the same footing.
func normalizedDeltaChange(change float64, series []float64) float64 {
	maxAbs := 0.0
	for _, v := range series {
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		return 0
	}
	return change / maxAbs
}
