package orderbook

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantex/exchange-core/pkg/models"
)

// PriceLevel holds the resting orders at one price in arrival order. The
// order at index 0 is the oldest and matches first.
type PriceLevel struct {
	Price  decimal.Decimal
	orders []*models.Order
}

func newPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{Price: price}
}

// Append adds an order at the back of the FIFO.
func (pl *PriceLevel) Append(order *models.Order) {
	pl.orders = append(pl.orders, order)
}

// Head returns the oldest order at this level, or nil when empty.
func (pl *PriceLevel) Head() *models.Order {
	if len(pl.orders) == 0 {
		return nil
	}
	return pl.orders[0]
}

// Remove deletes the order with id, preserving arrival order of the rest.
func (pl *PriceLevel) Remove(id uuid.UUID) bool {
	for i, o := range pl.orders {
		if o.ID == id {
			pl.orders = append(pl.orders[:i], pl.orders[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of resting orders at this level.
func (pl *PriceLevel) Len() int { return len(pl.orders) }

// Volume sums the remaining quantity at this level.
func (pl *PriceLevel) Volume() decimal.Decimal {
	total := decimal.Zero
	for _, o := range pl.orders {
		total = total.Add(o.RemainingQuantity)
	}
	return total
}

// Orders returns the resting orders in arrival order.
func (pl *PriceLevel) Orders() []*models.Order { return pl.orders }
