// Package orderbook implements the per-symbol resting order structure:
// bids and asks as B-tree maps keyed by a fixed-width sortable price
// string, each price level a FIFO by arrival. Best bid is the highest
// price, best ask the lowest; ties at one price match in arrival order,
// which together give strict price-time priority.
//
// A Book is the owned state of one Matching Engine symbol. It is not
// internally synchronized: the engine serializes all access to a symbol's
// book inside its per-symbol exclusive section.
package orderbook

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/quantex/exchange-core/pkg/models"
)

// priceKeyDigits sizes the zero-padded key so lexicographic order equals
// numeric order for any positive price with up to 12 decimal places.
const priceKeyDigits = 32

// priceKey renders a positive price as a fixed-width sortable string.
func priceKey(price decimal.Decimal) string {
	s := price.Shift(12).Truncate(0).String()
	if len(s) < priceKeyDigits {
		s = strings.Repeat("0", priceKeyDigits-len(s)) + s
	}
	return s
}

// Level is one aggregated price level in a depth snapshot.
type Level struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// Book is the resting order book for one symbol.
type Book struct {
	Symbol string

	bids       *btree.Map[string, *PriceLevel]
	asks       *btree.Map[string, *PriceLevel]
	ordersByID map[uuid.UUID]*models.Order
}

// NewBook creates an empty book for symbol.
func NewBook(symbol string) *Book {
	return &Book{
		Symbol:     symbol,
		bids:       btree.NewMap[string, *PriceLevel](32),
		asks:       btree.NewMap[string, *PriceLevel](32),
		ordersByID: make(map[uuid.UUID]*models.Order),
	}
}

// Add rests an order on its side of the book.
func (b *Book) Add(order *models.Order) {
	side := b.asks
	if order.Side == models.OrderSideBuy {
		side = b.bids
	}
	key := priceKey(order.Price)
	level, ok := side.Get(key)
	if !ok {
		level = newPriceLevel(order.Price)
		side.Set(key, level)
	}
	level.Append(order)
	b.ordersByID[order.ID] = order
}

// Get returns the resting order with id, if present.
func (b *Book) Get(id uuid.UUID) (*models.Order, bool) {
	order, ok := b.ordersByID[id]
	return order, ok
}

// Remove takes the order with id off the book, dropping its price level
// when it empties.
func (b *Book) Remove(id uuid.UUID) (*models.Order, bool) {
	order, ok := b.ordersByID[id]
	if !ok {
		return nil, false
	}
	side := b.asks
	if order.Side == models.OrderSideBuy {
		side = b.bids
	}
	key := priceKey(order.Price)
	if level, exists := side.Get(key); exists {
		level.Remove(id)
		if level.Len() == 0 {
			side.Delete(key)
		}
	}
	delete(b.ordersByID, id)
	return order, true
}

// BestBid returns the oldest order at the highest bid price, or nil.
func (b *Book) BestBid() *models.Order {
	var best *models.Order
	b.bids.Reverse(func(_ string, level *PriceLevel) bool {
		best = level.Head()
		return false
	})
	return best
}

// BestAsk returns the oldest order at the lowest ask price, or nil.
func (b *Book) BestAsk() *models.Order {
	var best *models.Order
	b.asks.Scan(func(_ string, level *PriceLevel) bool {
		best = level.Head()
		return false
	})
	return best
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.ordersByID) }

// Depth returns up to n aggregated levels per side, bids descending and
// asks ascending.
func (b *Book) Depth(n int) (bids, asks []Level) {
	b.bids.Reverse(func(_ string, level *PriceLevel) bool {
		bids = append(bids, Level{Price: level.Price, Volume: level.Volume()})
		return len(bids) < n
	})
	b.asks.Scan(func(_ string, level *PriceLevel) bool {
		asks = append(asks, Level{Price: level.Price, Volume: level.Volume()})
		return len(asks) < n
	})
	return bids, asks
}
