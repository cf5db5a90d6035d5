package analytics

import (
	"testing"
	"time"

	"flowlens/config"
	"flowlens/models"
)

func ofiConfig() config.OFIConfig {
	return config.OFIConfig{
		HistorySize:         100,
		MovingAverageLength: 5,
		EventStdDevs:        2.0,
	}
}

func book(sec int, bids, asks []models.PriceLevel) models.OrderBookSnapshot {
	return models.OrderBookSnapshot{
		Symbol:    "BTCUSDT",
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Unix(int64(sec), 0),
	}
}

func TestOFIFirstSnapshotNeutral(t *testing.T) {
	o := NewOFICalculator("BTCUSDT", ofiConfig())
	res := o.Calculate(book(1,
		[]models.PriceLevel{{Price: 100, Size: 5}},
		[]models.PriceLevel{{Price: 101, Size: 5}},
	))
	if res.OFI != 0 || res.BidPressure != 0 || res.AskPressure != 0 {
		t.Fatalf("first snapshot should be neutral: %+v", res)
	}
	if res.TotalVolume != 10 {
		t.Fatalf("total volume = %v, want 10", res.TotalVolume)
	}
}

func TestOFIBidGrowth(t *testing.T) {
	o := NewOFICalculator("BTCUSDT", ofiConfig())
	o.Calculate(book(1,
		[]models.PriceLevel{{Price: 100, Size: 5}},
		[]models.PriceLevel{{Price: 101, Size: 5}},
	))
	res := o.Calculate(book(2,
		[]models.PriceLevel{{Price: 100, Size: 9}}, // +4 bid
		[]models.PriceLevel{{Price: 101, Size: 5}}, // unchanged
	))
	if res.BidPressure != 4 || res.AskPressure != 0 {
		t.Fatalf("pressure = (%v, %v), want (4, 0)", res.BidPressure, res.AskPressure)
	}
	if res.OFI != 1 {
		t.Fatalf("ofi = %v, want 1", res.OFI)
	}
}

func TestOFILevelDisappearance(t *testing.T) {
	o := NewOFICalculator("BTCUSDT", ofiConfig())
	o.Calculate(book(1,
		[]models.PriceLevel{{Price: 100, Size: 5}, {Price: 99, Size: 3}},
		[]models.PriceLevel{{Price: 101, Size: 5}},
	))
	res := o.Calculate(book(2,
		[]models.PriceLevel{{Price: 100, Size: 5}}, // 99 cancelled: -3
		[]models.PriceLevel{{Price: 101, Size: 7}}, // +2 ask
	))
	if res.BidPressure != -3 || res.AskPressure != 2 {
		t.Fatalf("pressure = (%v, %v), want (-3, 2)", res.BidPressure, res.AskPressure)
	}
	if res.OFI < -1 || res.OFI > 1 {
		t.Fatalf("ofi out of range: %v", res.OFI)
	}
}

func TestOFIRangeInvariant(t *testing.T) {
	o := NewOFICalculator("BTCUSDT", ofiConfig())
	sizes := []float64{5, 12, 1, 40, 3, 27, 9, 0.5, 18, 6}
	for i, s := range sizes {
		res := o.Calculate(book(i,
			[]models.PriceLevel{{Price: 100, Size: s}, {Price: 99, Size: sizes[(i+3)%len(sizes)]}},
			[]models.PriceLevel{{Price: 101, Size: sizes[(i+7)%len(sizes)]}},
		))
		if res.OFI < -1 || res.OFI > 1 {
			t.Fatalf("snapshot %d: ofi out of range: %v", i, res.OFI)
		}
	}
}

func TestOFIZeroDenominator(t *testing.T) {
	o := NewOFICalculator("BTCUSDT", ofiConfig())
	snap := book(1,
		[]models.PriceLevel{{Price: 100, Size: 5}},
		[]models.PriceLevel{{Price: 101, Size: 5}},
	)
	o.Calculate(snap)
	// Identical snapshot: no level changed, both pressures zero.
	snap.Timestamp = time.Unix(2, 0)
	res := o.Calculate(snap)
	if res.OFI != 0 {
		t.Fatalf("ofi = %v, want 0 on zero denominator", res.OFI)
	}
}

func TestOFIMovingAverage(t *testing.T) {
	o := NewOFICalculator("BTCUSDT", ofiConfig())
	o.history = []float64{0.2, 0.4, 0.6}
	if got := o.MovingAverage(2); got != 0.5 {
		t.Fatalf("ma(2) = %v, want 0.5", got)
	}
	// n beyond history falls back to the full series.
	want := (0.2 + 0.4 + 0.6) / 3
	if got := o.MovingAverage(10); got != want {
		t.Fatalf("ma(10) = %v, want %v", got, want)
	}
	if got := o.MovingAverage(0); got != 0 {
		t.Fatalf("ma(0) = %v, want 0", got)
	}
}

func TestDetectSignificantEvent(t *testing.T) {
	o := NewOFICalculator("BTCUSDT", ofiConfig())

	// Quiet history, then a strong buy-side reading.
	o.history = []float64{0.01, -0.02, 0.02, -0.01, 0.0, 0.01, -0.01, 0.02, -0.02, 0.0, 0.9}
	o.latest = &models.OFIResult{Symbol: "BTCUSDT", OFI: 0.9, Timestamp: time.Unix(10, 0)}

	ev := o.DetectSignificantEvent()
	if ev == nil {
		t.Fatal("expected significant event")
	}
	if ev.Direction != models.SideBuy {
		t.Fatalf("direction = %s, want buy", ev.Direction)
	}
	if ev.Magnitude < 2 {
		t.Fatalf("magnitude = %v, want >= 2", ev.Magnitude)
	}
}

func TestDetectSignificantEventQuiet(t *testing.T) {
	o := NewOFICalculator("BTCUSDT", ofiConfig())
	o.history = []float64{0.01, -0.02, 0.02, -0.01, 0.0, 0.01, -0.01, 0.02, -0.02, 0.0, 0.01}
	o.latest = &models.OFIResult{Symbol: "BTCUSDT", OFI: 0.01, Timestamp: time.Unix(10, 0)}
	if ev := o.DetectSignificantEvent(); ev != nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
