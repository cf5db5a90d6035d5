package analytics

import (
	"flowlens/models"
)

// TickRuleClassifier assigns the aggressor side to each trade by comparing
// its price to the immediately preceding trade. Up-ticks are buyer
// initiated, down-ticks seller initiated, and zero-ticks inherit the
// previous classification. State is O(1): last price and last side.
//
// The classifier is single-instrument; the engine keeps one per symbol.
type TickRuleClassifier struct {
	lastPrice float64
	lastSide  models.Side
	primed    bool
}

func NewTickRuleClassifier() *TickRuleClassifier {
	return &TickRuleClassifier{lastSide: models.SideNeutral}
}

// Classify assigns and returns the aggressor side for the trade. The first
// trade after construction or Reset has no reference price and is neutral.
func (c *TickRuleClassifier) Classify(trade models.Trade) models.Trade {
	side := models.SideNeutral
	switch {
	case !c.primed:
		side = models.SideNeutral
	case trade.Price > c.lastPrice:
		side = models.SideBuy
	case trade.Price < c.lastPrice:
		side = models.SideSell
	default:
		side = c.lastSide
	}

	c.lastPrice = trade.Price
	c.lastSide = side
	c.primed = true

	trade.AggressorSide = side
	return trade
}

// Reset clears classifier state. Classification is meaningless across an
// instrument change or a feed discontinuity.
func (c *TickRuleClassifier) Reset() {
	c.lastPrice = 0
	c.lastSide = models.SideNeutral
	c.primed = false
}
