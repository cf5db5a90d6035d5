package models

import "time"

// ToxicityLevel is the banded reading of a VPIN value.
type ToxicityLevel string

const (
	ToxicityLow     ToxicityLevel = "low"
	ToxicityMedium  ToxicityLevel = "medium"
	ToxicityHigh    ToxicityLevel = "high"
	ToxicityExtreme ToxicityLevel = "extreme"
)

// TrendDirection describes how a rolling metric moved over a lookback.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// VolumeBucket accumulates classified trade volume until it reaches its
// threshold. Once sealed (TotalVolume >= ThresholdVolume) the bucket is
// immutable and BuyVolume+SellVolume == TotalVolume.
type VolumeBucket struct {
	BuyVolume       float64   `json:"buy_volume"`
	SellVolume      float64   `json:"sell_volume"`
	TotalVolume     float64   `json:"total_volume"`
	ThresholdVolume float64   `json:"threshold_volume"`
	StartedAt       time.Time `json:"started_at"`
	SealedAt        time.Time `json:"sealed_at"`
}

// Imbalance is |buy - sell| for the bucket.
func (b VolumeBucket) Imbalance() float64 {
	d := b.BuyVolume - b.SellVolume
	if d < 0 {
		d = -d
	}
	return d
}

// ToxicityResult is the output of the VPIN estimator, recomputed on every
// bucket seal. VPIN is always within [0, 1].
type ToxicityResult struct {
	Symbol        string        `json:"symbol"`
	VPIN          float64       `json:"vpin"`
	ToxicityLevel ToxicityLevel `json:"toxicity_level"`
	BucketsFilled int           `json:"buckets_filled"`
	CurrentBucket VolumeBucket  `json:"current_bucket"`
	Timestamp     time.Time     `json:"timestamp"`
}

// OFIResult is the output of the order-flow imbalance calculator, recomputed
// on every book snapshot. OFI is always within [-1, 1].
type OFIResult struct {
	Symbol      string    `json:"symbol"`
	OFI         float64   `json:"ofi"`
	BidPressure float64   `json:"bid_pressure"`
	AskPressure float64   `json:"ask_pressure"`
	TotalVolume float64   `json:"total_volume"`
	Timestamp   time.Time `json:"timestamp"`
}

// OFIEvent flags an OFI reading whose magnitude exceeds a standard-deviation
// threshold over recent history.
type OFIEvent struct {
	Symbol    string    `json:"symbol"`
	Direction Side      `json:"direction"`
	Magnitude float64   `json:"magnitude"` // in standard deviations
	OFI       float64   `json:"ofi"`
	Timestamp time.Time `json:"timestamp"`
}

// VolumeDelta is cumulative buy-minus-sell volume over a trailing time
// window of classified trades.
type VolumeDelta struct {
	Symbol       string    `json:"symbol"`
	Delta        float64   `json:"delta"`
	DeltaPercent float64   `json:"delta_percent"`
	BuyVolume    float64   `json:"buy_volume"`
	SellVolume   float64   `json:"sell_volume"`
	Timestamp    time.Time `json:"timestamp"`
}

// DivergenceType classifies disagreement between price and flow direction.
type DivergenceType string

const (
	DivergenceBullish DivergenceType = "bullish"
	DivergenceBearish DivergenceType = "bearish"
	DivergenceNone    DivergenceType = "none"
)

// DivergenceSignal reports price/flow disagreement over a lookback window.
// Strength is the normalized magnitude of the disagreement, > 0 whenever the
// two series strictly disagree.
type DivergenceSignal struct {
	Symbol    string         `json:"symbol"`
	Type      DivergenceType `json:"type"`
	Strength  float64        `json:"strength"`
	Timestamp time.Time      `json:"timestamp"`
}
