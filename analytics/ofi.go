package analytics

import (
	"math"

	"flowlens/config"
	"flowlens/models"
)

// OFICalculator derives buy/sell pressure from consecutive order book
// snapshots. A size increase on a surviving level adds pressure to its
// side; a level disappearing subtracts its previous size. A level sliding
// out of the tracked depth window is indistinguishable from a cancel here;
// the approximation is deliberate.
type OFICalculator struct {
	symbol string
	cfg    config.OFIConfig

	prev    *models.OrderBookSnapshot
	history []float64
	latest  *models.OFIResult
}

func NewOFICalculator(symbol string, cfg config.OFIConfig) *OFICalculator {
	return &OFICalculator{
		symbol:  symbol,
		cfg:     cfg,
		history: make([]float64, 0, cfg.HistorySize),
	}
}

// Calculate compares the snapshot against the previous one and returns the
// resulting imbalance. The first snapshot has no reference and yields a
// zero result.
func (o *OFICalculator) Calculate(snap models.OrderBookSnapshot) models.OFIResult {
	var bidPressure, askPressure float64
	if o.prev != nil {
		bidPressure = sidePressure(o.prev.Bids, snap.Bids)
		askPressure = sidePressure(o.prev.Asks, snap.Asks)
	}

	var total float64
	for _, l := range snap.Bids {
		total += l.Size
	}
	for _, l := range snap.Asks {
		total += l.Size
	}

	// Denominator of zero defines the imbalance to neutral; the clamp keeps
	// the reading in [-1, 1] when pressures carry opposite signs.
	ofi := 0.0
	if denom := bidPressure + askPressure; denom != 0 {
		ofi = (bidPressure - askPressure) / denom
	}
	if ofi > 1 {
		ofi = 1
	} else if ofi < -1 {
		ofi = -1
	}

	o.prev = &snap
	o.history = append(o.history, ofi)
	if len(o.history) > o.cfg.HistorySize {
		o.history = o.history[1:]
	}

	result := models.OFIResult{
		Symbol:      o.symbol,
		OFI:         ofi,
		BidPressure: bidPressure,
		AskPressure: askPressure,
		TotalVolume: total,
		Timestamp:   snap.Timestamp,
	}
	o.latest = &result
	return result
}

// sidePressure sums per-level size changes between two snapshots of one
// book side. Growth counts positive, shrinkage and disappearance negative.
func sidePressure(prev, curr []models.PriceLevel) float64 {
	currSizes := make(map[float64]float64, len(curr))
	for _, l := range curr {
		currSizes[l.Price] = l.Size
	}

	pressure := 0.0
	seen := make(map[float64]struct{}, len(prev))
	for _, l := range prev {
		seen[l.Price] = struct{}{}
		if size, ok := currSizes[l.Price]; ok {
			pressure += size - l.Size
		} else {
			pressure -= l.Size
		}
	}
	for _, l := range curr {
		if _, ok := seen[l.Price]; !ok {
			pressure += l.Size
		}
	}
	return pressure
}

// Latest returns the most recent result, or nil before the first snapshot.
func (o *OFICalculator) Latest() *models.OFIResult {
	return o.latest
}

// MovingAverage returns the simple moving average of the last n OFI values.
func (o *OFICalculator) MovingAverage(n int) float64 {
	if n <= 0 {
		return 0
	}
	if n > len(o.history) {
		n = len(o.history)
	}
	if n == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range o.history[len(o.history)-n:] {
		sum += v
	}
	return sum / float64(n)
}

// DetectSignificantEvent flags the latest OFI reading when its distance
// from the recent mean exceeds the configured number of standard
// deviations. Returns nil when history is too short or the move is within
// band.
func (o *OFICalculator) DetectSignificantEvent() *models.OFIEvent {
	const minHistory = 10
	if len(o.history) < minHistory || o.latest == nil {
		return nil
	}

	sample := o.history[:len(o.history)-1]
	mean := 0.0
	for _, v := range sample {
		mean += v
	}
	mean /= float64(len(sample))

	variance := 0.0
	for _, v := range sample {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(sample))
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return nil
	}

	magnitude := math.Abs(o.latest.OFI-mean) / stddev
	if magnitude < o.cfg.EventStdDevs {
		return nil
	}

	direction := models.SideBuy
	if o.latest.OFI < mean {
		direction = models.SideSell
	}
	return &models.OFIEvent{
		Symbol:    o.symbol,
		Direction: direction,
		Magnitude: magnitude,
		OFI:       o.latest.OFI,
		Timestamp: o.latest.Timestamp,
	}
}
