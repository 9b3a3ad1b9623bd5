package models

import "math"

// ApplyFill folds one confirmed fill into the position and returns the
// realized PnL and the size closed by this fill (both zero when the fill
// only increases exposure).
//
// Increasing fills move the weighted average entry price; reducing fills
// realize PnL against it. A fill large enough to flip the sign closes the
// whole old position first and opens the remainder at the fill price.
func (p *Position) ApplyFill(side Side, price, size float64) (realized, closed float64) {
	signed := size
	if side == Sell {
		signed = -size
	}

	sameDirection := p.NetSize == 0 || (p.NetSize > 0) == (signed > 0)
	if sameDirection {
		newSize := p.NetSize + signed
		p.AvgEntryPrice = (p.AvgEntryPrice*math.Abs(p.NetSize) + price*size) / math.Abs(newSize)
		p.NetSize = newSize
		return 0, 0
	}

	closed = math.Min(size, math.Abs(p.NetSize))
	if p.NetSize > 0 {
		realized = (price - p.AvgEntryPrice) * closed
	} else {
		realized = (p.AvgEntryPrice - price) * closed
	}
	p.RealizedPnl += realized
	p.NetSize += signed

	if math.Abs(p.NetSize) < 1e-12 {
		p.NetSize = 0
		p.AvgEntryPrice = 0
		p.UnrealizedPnl = 0
	} else if (p.NetSize > 0) != (signed < 0) {
		// The fill flipped the position: the remainder opens at the fill price.
		p.AvgEntryPrice = price
	}
	return realized, closed
}

// MarkPrice refreshes the unrealized PnL against the given price.
func (p *Position) MarkPrice(price float64) {
	if p.NetSize == 0 {
		p.UnrealizedPnl = 0
		return
	}
	p.UnrealizedPnl = (price - p.AvgEntryPrice) * p.NetSize
}
