package analytics

import (
	"testing"
	"time"

	"flowlens/config"
	"flowlens/models"
)

func deltaConfig() config.DeltaConfig {
	return config.DeltaConfig{
		Window:             config.Duration(time.Minute),
		DivergenceLookback: 5,
	}
}

func TestVolumeDelta(t *testing.T) {
	d := NewDeltaTracker("BTCUSDT", deltaConfig())
	d.AddTrade(tradeAt(models.SideBuy, 30, 1))
	d.AddTrade(tradeAt(models.SideSell, 10, 2))
	res := d.AddTrade(tradeAt(models.SideBuy, 20, 3))

	if res.Delta != 40 {
		t.Fatalf("delta = %v, want 40", res.Delta)
	}
	if res.BuyVolume != 50 || res.SellVolume != 10 {
		t.Fatalf("volumes = (%v, %v), want (50, 10)", res.BuyVolume, res.SellVolume)
	}
	want := 40.0 / 60.0
	if res.DeltaPercent != want {
		t.Fatalf("delta pct = %v, want %v", res.DeltaPercent, want)
	}
}

func TestVolumeDeltaWindowEviction(t *testing.T) {
	d := NewDeltaTracker("BTCUSDT", deltaConfig())
	d.AddTrade(tradeAt(models.SideBuy, 100, 0))
	// 2 minutes later the first trade is outside the 1-minute window.
	res := d.AddTrade(tradeAt(models.SideSell, 10, 120))

	if res.BuyVolume != 0 {
		t.Fatalf("stale buy volume retained: %v", res.BuyVolume)
	}
	if res.Delta != -10 {
		t.Fatalf("delta = %v, want -10", res.Delta)
	}
}

func TestVolumeDeltaEmptyWindowPercent(t *testing.T) {
	d := NewDeltaTracker("BTCUSDT", deltaConfig())
	res := d.Latest()
	if res.Delta != 0 || res.DeltaPercent != 0 {
		t.Fatalf("empty tracker should be zero: %+v", res)
	}
}

func TestBullishDivergence(t *testing.T) {
	d := NewDeltaTracker("BTCUSDT", deltaConfig())

	// Strictly increasing cumulative delta: all buys.
	var prices []models.PricePoint
	for i := 0; i < 5; i++ {
		d.AddTrade(tradeAt(models.SideBuy, 10, i))
		// Strictly decreasing price.
		prices = append(prices, models.PricePoint{
			Price:     100 - float64(i),
			Timestamp: time.Unix(int64(i), 0),
		})
	}

	sig := d.DetectDivergence(prices)
	if sig.Type != models.DivergenceBullish {
		t.Fatalf("type = %s, want bullish", sig.Type)
	}
	if sig.Strength <= 0 {
		t.Fatalf("strength = %v, want > 0", sig.Strength)
	}
}

func TestBearishDivergence(t *testing.T) {
	d := NewDeltaTracker("BTCUSDT", deltaConfig())

	var prices []models.PricePoint
	for i := 0; i < 5; i++ {
		d.AddTrade(tradeAt(models.SideSell, 10, i))
		prices = append(prices, models.PricePoint{
			Price:     100 + float64(i),
			Timestamp: time.Unix(int64(i), 0),
		})
	}

	sig := d.DetectDivergence(prices)
	if sig.Type != models.DivergenceBearish {
		t.Fatalf("type = %s, want bearish", sig.Type)
	}
	if sig.Strength <= 0 {
		t.Fatalf("strength = %v, want > 0", sig.Strength)
	}
}

func TestNoDivergenceWhenAligned(t *testing.T) {
	d := NewDeltaTracker("BTCUSDT", deltaConfig())

	var prices []models.PricePoint
	for i := 0; i < 5; i++ {
		d.AddTrade(tradeAt(models.SideBuy, 10, i))
		prices = append(prices, models.PricePoint{
			Price:     100 + float64(i),
			Timestamp: time.Unix(int64(i), 0),
		})
	}

	sig := d.DetectDivergence(prices)
	if sig.Type != models.DivergenceNone {
		t.Fatalf("type = %s, want none", sig.Type)
	}
}

func TestDivergenceInsufficientHistory(t *testing.T) {
	d := NewDeltaTracker("BTCUSDT", deltaConfig())
	d.AddTrade(tradeAt(models.SideBuy, 10, 1))

	prices := []models.PricePoint{{Price: 100, Timestamp: time.Unix(1, 0)}}
	sig := d.DetectDivergence(prices)
	if sig.Type != models.DivergenceNone || sig.Strength != 0 {
		t.Fatalf("expected none on short history: %+v", sig)
	}
}
