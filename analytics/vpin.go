package analytics

import (
	"time"

	"flowlens/config"
	"flowlens/models"
)

// VPINEstimator buckets classified trades by volume and computes rolling
// flow toxicity. A bucket seals once its total volume reaches the
// configured threshold; sealed buckets enter a FIFO window and VPIN is
// recomputed as sum(|buy-sell|) / sum(total) over the window.
type VPINEstimator struct {
	symbol string
	cfg    config.VPINConfig

	current models.VolumeBucket
	window  []models.VolumeBucket
	history []float64
	latest  *models.ToxicityResult
}

func NewVPINEstimator(symbol string, cfg config.VPINConfig) *VPINEstimator {
	return &VPINEstimator{
		symbol: symbol,
		cfg:    cfg,
		current: models.VolumeBucket{
			ThresholdVolume: cfg.BucketVolume,
		},
		window: make([]models.VolumeBucket, 0, cfg.WindowSize),
	}
}

// AddTrade accumulates a classified trade into the current bucket. Neutral
// trades split evenly so they cannot bias the imbalance. Returns the
// recomputed result when the trade sealed a bucket, nil otherwise.
func (v *VPINEstimator) AddTrade(trade models.Trade) *models.ToxicityResult {
	if v.current.StartedAt.IsZero() {
		v.current.StartedAt = trade.Timestamp
	}

	switch trade.AggressorSide {
	case models.SideBuy:
		v.current.BuyVolume += trade.Size
	case models.SideSell:
		v.current.SellVolume += trade.Size
	default:
		v.current.BuyVolume += trade.Size / 2
		v.current.SellVolume += trade.Size / 2
	}
	v.current.TotalVolume = v.current.BuyVolume + v.current.SellVolume

	if v.current.TotalVolume < v.current.ThresholdVolume {
		return nil
	}

	v.current.SealedAt = trade.Timestamp
	v.window = append(v.window, v.current)
	if len(v.window) > v.cfg.WindowSize {
		v.window = v.window[1:]
	}
	v.current = models.VolumeBucket{ThresholdVolume: v.cfg.BucketVolume}

	result := v.compute(trade.Timestamp)

	v.history = append(v.history, result.VPIN)
	// Keep enough history for trend queries without growing unbounded.
	if max := 4 * v.cfg.WindowSize; len(v.history) > max {
		v.history = v.history[len(v.history)-max:]
	}

	v.latest = &result
	return &result
}

func (v *VPINEstimator) compute(ts time.Time) models.ToxicityResult {
	var imbalance, total float64
	for _, b := range v.window {
		imbalance += b.Imbalance()
		total += b.TotalVolume
	}

	vpin := 0.0
	if total > 0 {
		vpin = imbalance / total
	}
	if vpin > 1 {
		vpin = 1
	}

	return models.ToxicityResult{
		Symbol:        v.symbol,
		VPIN:          vpin,
		ToxicityLevel: v.level(vpin),
		BucketsFilled: len(v.window),
		CurrentBucket: v.current,
		Timestamp:     ts,
	}
}

func (v *VPINEstimator) level(vpin float64) models.ToxicityLevel {
	switch {
	case vpin >= v.cfg.ExtremeThreshold:
		return models.ToxicityExtreme
	case vpin >= v.cfg.HighThreshold:
		return models.ToxicityHigh
	case vpin >= v.cfg.MediumThreshold:
		return models.ToxicityMedium
	default:
		return models.ToxicityLow
	}
}

// Latest returns the most recent result, or nil before the first bucket
// seals.
func (v *VPINEstimator) Latest() *models.ToxicityResult {
	return v.latest
}

// CurrentBucketProgress reports the unsealed bucket's fill fraction in
// [0, 1], available before any result exists.
func (v *VPINEstimator) CurrentBucketProgress() float64 {
	if v.current.ThresholdVolume <= 0 {
		return 0
	}
	p := v.current.TotalVolume / v.current.ThresholdVolume
	if p > 1 {
		p = 1
	}
	return p
}

// Trend compares the VPIN reading n bucket seals ago to the current one.
// Changes inside a small tolerance band read as stable.
func (v *VPINEstimator) Trend(n int) models.TrendDirection {
	if n <= 0 || len(v.history) <= n {
		return models.TrendStable
	}

	now := v.history[len(v.history)-1]
	past := v.history[len(v.history)-1-n]

	const tolerance = 0.01
	switch {
	case now-past > tolerance:
		return models.TrendIncreasing
	case past-now > tolerance:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}
