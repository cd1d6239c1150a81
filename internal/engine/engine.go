// Package engine implements the matching engine: price-time priority limit
// order matching over per-symbol books, with funds reserved before an order
// enters the book and each match settled atomically with its records.
//
// Each symbol is an exclusive section: one mutex serializes placement,
// matching and cancellation for that symbol, so matching itself needs no
// finer locking. Balance mutations inside a match additionally run under
// the lock manager scope of every touched balance, ordered deterministically
// to stay deadlock-free against concurrent fund operations.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quantex/exchange-core/internal/breaker"
	"github.com/quantex/exchange-core/internal/events"
	"github.com/quantex/exchange-core/internal/funds"
	"github.com/quantex/exchange-core/internal/ledger"
	"github.com/quantex/exchange-core/internal/lockmanager"
	"github.com/quantex/exchange-core/internal/marketdata"
	"github.com/quantex/exchange-core/internal/orderbook"
	"github.com/quantex/exchange-core/internal/settlement"
	"github.com/quantex/exchange-core/pkg/errors"
	"github.com/quantex/exchange-core/pkg/metrics"
	"github.com/quantex/exchange-core/pkg/models"
)

// Event topics published by the engine.
const (
	TopicOrders = "orders"
	TopicTrades = "trades"
)

// Symbol describes one tradable currency pair.
type Symbol struct {
	Name          string
	BaseCurrency  string
	QuoteCurrency string
}

// symbolRuntime is the owned state of one symbol's exclusive section.
type symbolRuntime struct {
	mu   sync.Mutex
	info Symbol
	book *orderbook.Book
	seq  int64
}

// PlaceOrderRequest is one limit order submission.
type PlaceOrderRequest struct {
	TenantID string
	UserID   uuid.UUID
	Symbol   string
	Side     string
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Engine matches and settles limit orders.
type Engine struct {
	logger  *zap.Logger
	db      *gorm.DB
	store   *ledger.Store
	funds   *funds.Service
	locks   *lockmanager.Manager
	breaker *breaker.Breaker
	feed    *marketdata.InMemoryFeed
	bus     events.Bus

	commissionRate decimal.Decimal

	mu       sync.RWMutex
	symbols  map[string]*symbolRuntime
	orderSym map[uuid.UUID]string
}

// Option customizes the engine.
type Option func(*Engine)

// WithCommissionRate sets the fractional commission charged on the quote
// leg of each trade, e.g. 0.001 for 10 bps. Default is zero.
func WithCommissionRate(rate decimal.Decimal) Option {
	return func(e *Engine) { e.commissionRate = rate }
}

// WithFeed wires a market data feed that receives every execution price.
func WithFeed(feed *marketdata.InMemoryFeed) Option {
	return func(e *Engine) { e.feed = feed }
}

// NewEngine creates a matching engine. Symbols must be registered before
// orders for them are accepted.
func NewEngine(
	logger *zap.Logger,
	db *gorm.DB,
	store *ledger.Store,
	fundsSvc *funds.Service,
	locks *lockmanager.Manager,
	brk *breaker.Breaker,
	bus events.Bus,
	opts ...Option,
) *Engine {
	e := &Engine{
		logger:   logger.Named("engine"),
		db:       db,
		store:    store,
		funds:    fundsSvc,
		locks:    locks,
		breaker:  brk,
		bus:      bus,
		symbols:  make(map[string]*symbolRuntime),
		orderSym: make(map[uuid.UUID]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterSymbol makes a currency pair tradable.
func (e *Engine) RegisterSymbol(sym Symbol) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.symbols[sym.Name]; !ok {
		e.symbols[sym.Name] = &symbolRuntime{info: sym, book: orderbook.NewBook(sym.Name)}
	}
}

func (e *Engine) runtime(symbol string) (*symbolRuntime, error) {
	e.mu.RLock()
	rt, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.KindValidation, "unknown symbol %q", symbol)
	}
	return rt, nil
}

// PlaceOrder validates, reserves funds for, matches and (when liquidity
// remains) rests one limit order. It returns the final order state and the
// trades executed during the matching pass.
//
// A buy order reserves quantity*price of the quote currency, a sell order
// reserves quantity of the base currency, before the order can match or
// rest. Matching walks the opposite side in price-time priority; every
// trade executes at the resting (maker) order's price.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, []*models.Trade, error) {
	rt, err := e.runtime(req.Symbol)
	if err != nil {
		return nil, nil, err
	}
	if err := e.breaker.Allow(req.Symbol); err != nil {
		return nil, nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	order := &models.Order{
		ID:                uuid.New(),
		TenantID:          req.TenantID,
		UserID:            req.UserID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Price:             req.Price,
		Quantity:          req.Quantity,
		FilledQuantity:    decimal.Zero,
		RemainingQuantity: req.Quantity,
		Status:            models.OrderStatusPending,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}

	reserveKey, reserveAmount := reservation(rt.info, order)
	if err := e.funds.Reserve(ctx, uuid.New(), reserveKey, reserveAmount); err != nil {
		return nil, nil, err
	}
	if err := e.db.WithContext(ctx).Create(order).Error; err != nil {
		e.refund(ctx, reserveKey, reserveAmount)
		return nil, nil, errors.Wrap(errors.KindStorageFailure, err, "failed to persist order")
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.seq++
	order.Sequence = rt.seq

	start := time.Now()
	trades, matchErr := e.match(ctx, rt, order)
	metrics.MatchLatency.Observe(time.Since(start).Seconds())

	if matchErr != nil {
		// The failed match settled nothing. Cancel the remainder and hand
		// its reservation back rather than resting an order we could not
		// settle against.
		e.cancelLocked(ctx, rt, order, "settlement failure")
		return order, trades, matchErr
	}

	if !order.Terminal() {
		rt.book.Add(order)
		e.mu.Lock()
		e.orderSym[order.ID] = rt.info.Name
		e.mu.Unlock()
	}
	if err := e.saveOrder(ctx, order); err != nil {
		return order, trades, err
	}

	metrics.OrdersPlaced.WithLabelValues(req.Symbol, req.Side).Inc()
	e.publishOrder(ctx, events.TypeOrderPlaced, order)
	e.logger.Info("order placed",
		zap.String("order_id", order.ID.String()),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side),
		zap.String("price", order.Price.String()),
		zap.String("quantity", order.Quantity.String()),
		zap.Int("trades", len(trades)))
	return order, trades, nil
}

// match runs the matching loop for taker against the opposite side of the
// book. Callers hold rt.mu.
func (e *Engine) match(ctx context.Context, rt *symbolRuntime, taker *models.Order) ([]*models.Trade, error) {
	var trades []*models.Trade

	for taker.RemainingQuantity.IsPositive() {
		maker := e.bestCounter(rt, taker)
		if maker == nil {
			break
		}

		quantity := decimal.Min(taker.RemainingQuantity, maker.RemainingQuantity)
		trade, err := e.settleTrade(ctx, rt, taker, maker, quantity)
		if err != nil {
			e.breaker.RecordFailure(rt.info.Name)
			e.logger.Error("trade settlement failed",
				zap.String("symbol", rt.info.Name),
				zap.String("taker", taker.ID.String()),
				zap.String("maker", maker.ID.String()),
				zap.Error(err))
			return trades, err
		}
		trades = append(trades, trade)

		if maker.Terminal() {
			rt.book.Remove(maker.ID)
			e.forgetOrder(maker.ID)
		}

		e.breaker.RecordSuccess(rt.info.Name)
		e.breaker.ObservePrice(rt.info.Name, trade.MatchedPrice)
		if e.feed != nil {
			e.feed.Observe(rt.info.Name, trade.MatchedPrice)
		}
		metrics.TradesExecuted.WithLabelValues(rt.info.Name).Inc()
		e.publishTrade(ctx, trade)
	}
	return trades, nil
}

// bestCounter returns the best crossing maker for taker, or nil when the
// book does not cross.
func (e *Engine) bestCounter(rt *symbolRuntime, taker *models.Order) *models.Order {
	if taker.Side == models.OrderSideBuy {
		ask := rt.book.BestAsk()
		if ask != nil && ask.Price.LessThanOrEqual(taker.Price) {
			return ask
		}
		return nil
	}
	bid := rt.book.BestBid()
	if bid != nil && bid.Price.GreaterThanOrEqual(taker.Price) {
		return bid
	}
	return nil
}

// settleTrade atomically applies one match: the double-entry settlement,
// the trade record, the trade's transaction record and both order updates
// commit in a single database transaction. On success the in-memory orders
// are advanced; on failure nothing changed anywhere.
func (e *Engine) settleTrade(ctx context.Context, rt *symbolRuntime, taker, maker *models.Order, quantity decimal.Decimal) (*models.Trade, error) {
	buy, sell := taker, maker
	if taker.Side == models.OrderSideSell {
		buy, sell = maker, taker
	}
	price := maker.Price
	total := quantity.Mul(price)
	commission := total.Mul(e.commissionRate).Round(12)

	capture := settlement.TradeCapture{
		TenantID:      taker.TenantID,
		BuyerID:       buy.UserID.String(),
		SellerID:      sell.UserID.String(),
		BaseCurrency:  rt.info.BaseCurrency,
		QuoteCurrency: rt.info.QuoteCurrency,
		Quantity:      quantity,
		Price:         price,
		Commission:    commission,
	}
	entries, err := capture.Entries(nil)
	if err != nil {
		return nil, err
	}

	// An aggressing buy reserved at its own limit; executing at a better
	// maker price leaves an excess hold, returned in the same posting.
	lockSet := capture.Accounts()
	if buy == taker && buy.Price.GreaterThan(price) {
		excess := quantity.Mul(buy.Price.Sub(price))
		entries = append(entries,
			ledger.EntryInput{
				AccountID: capture.BuyerID, Currency: rt.info.QuoteCurrency,
				Amount: excess, Direction: models.EntryDirectionDebit, Reserved: true,
			},
			ledger.EntryInput{
				AccountID: capture.BuyerID, Currency: rt.info.QuoteCurrency,
				Amount: excess, Direction: models.EntryDirectionCredit,
			})
	}

	now := time.Now()
	trade := &models.Trade{
		ID:              uuid.New(),
		TenantID:        taker.TenantID,
		Symbol:          rt.info.Name,
		BuyOrderID:      buy.ID,
		SellOrderID:     sell.ID,
		MatchedQuantity: quantity,
		MatchedPrice:    price,
		ExecutedAt:      now,
	}
	tradeTxn := &models.Transaction{
		ID:          trade.ID,
		TenantID:    taker.TenantID,
		Type:        models.TransactionTypeTrade,
		AccountID:   capture.BuyerID,
		Currency:    rt.info.QuoteCurrency,
		Amount:      total,
		Status:      models.TransactionStatusCompleted,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}

	takerRow := filled(*taker, quantity)
	makerRow := filled(*maker, quantity)

	keys := make([]string, 0, len(lockSet))
	for _, key := range lockSet {
		keys = append(keys, funds.LockKey(key))
	}
	err = e.locks.WithLocks(ctx, trade.ID.String(), keys, func() error {
		return e.store.Post(ctx, taker.TenantID, trade.ID, entries,
			func(tx *gorm.DB) error { return tx.Create(trade).Error },
			func(tx *gorm.DB) error { return tx.Create(tradeTxn).Error },
			func(tx *gorm.DB) error { return tx.Save(&takerRow).Error },
			func(tx *gorm.DB) error { return tx.Save(&makerRow).Error },
		)
	})
	if err != nil {
		return nil, err
	}

	*taker = takerRow
	*maker = makerRow
	return trade, nil
}

// filled returns the order advanced by quantity.
func filled(order models.Order, quantity decimal.Decimal) models.Order {
	order.FilledQuantity = order.FilledQuantity.Add(quantity)
	order.RemainingQuantity = order.RemainingQuantity.Sub(quantity)
	if order.RemainingQuantity.IsZero() {
		order.Status = models.OrderStatusFilled
	} else {
		order.Status = models.OrderStatusPartialFilled
	}
	order.UpdatedAt = time.Now()
	return order
}

// CancelOrder removes a resting order and releases its remaining
// reservation. Only the owner may cancel; a fully filled order reports
// ALREADY_FILLED.
func (e *Engine) CancelOrder(ctx context.Context, tenantID string, userID, orderID uuid.UUID) (*models.Order, error) {
	e.mu.RLock()
	symbol, resting := e.orderSym[orderID]
	e.mu.RUnlock()
	if !resting {
		return nil, e.cancelMissError(ctx, tenantID, userID, orderID)
	}

	rt, err := e.runtime(symbol)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	// Re-check under the symbol lock: a concurrent match may have filled
	// or a concurrent cancel removed the order since the index lookup.
	order, ok := rt.book.Get(orderID)
	if !ok {
		return nil, e.cancelMissError(ctx, tenantID, userID, orderID)
	}
	if order.TenantID != tenantID || order.UserID != userID {
		return nil, errors.New(errors.KindNotOwner, "order %s does not belong to caller", orderID)
	}

	e.cancelLocked(ctx, rt, order, "cancelled by owner")
	metrics.OrdersCancelled.WithLabelValues(symbol).Inc()
	e.publishOrder(ctx, events.TypeOrderCancelled, order)
	e.logger.Info("order cancelled",
		zap.String("order_id", order.ID.String()),
		zap.String("symbol", order.Symbol))
	return order, nil
}

// cancelMissError distinguishes "never existed", "already filled" and
// "not yours" for an order id absent from the books.
func (e *Engine) cancelMissError(ctx context.Context, tenantID string, userID, orderID uuid.UUID) error {
	order, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.TenantID != tenantID || order.UserID != userID {
		return errors.New(errors.KindNotOwner, "order %s does not belong to caller", orderID)
	}
	if order.Status == models.OrderStatusFilled {
		return errors.New(errors.KindAlreadyFilled, "order %s is already fully filled", orderID)
	}
	return errors.New(errors.KindNotFound, "order %s is not open", orderID)
}

// cancelLocked removes order from the book, marks it cancelled and releases
// the reservation backing its remaining quantity. Callers hold rt.mu.
func (e *Engine) cancelLocked(ctx context.Context, rt *symbolRuntime, order *models.Order, reason string) {
	rt.book.Remove(order.ID)
	e.forgetOrder(order.ID)

	key, amount := remainingReservation(rt.info, order)
	if amount.IsPositive() {
		if err := e.funds.Release(ctx, uuid.New(), key, amount); err != nil {
			e.logger.Error("failed to release reservation on cancel",
				zap.String("order_id", order.ID.String()),
				zap.String("balance", key.String()),
				zap.String("amount", amount.String()),
				zap.Error(err))
		}
	}

	order.Status = models.OrderStatusCancelled
	if err := e.saveOrder(ctx, order); err != nil {
		e.logger.Error("failed to persist cancelled order",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	}
	e.logger.Debug("order removed from book",
		zap.String("order_id", order.ID.String()),
		zap.String("reason", reason))
}

// GetOrder loads one order record.
func (e *Engine) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := e.db.WithContext(ctx).Where("id = ?", id).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New(errors.KindNotFound, "no order %s", id)
		}
		return nil, errors.Wrap(errors.KindStorageFailure, err, "failed to load order %s", id)
	}
	return &order, nil
}

// Depth returns up to n aggregated book levels per side for symbol.
func (e *Engine) Depth(symbol string, n int) (bids, asks []orderbook.Level, err error) {
	rt, err := e.runtime(symbol)
	if err != nil {
		return nil, nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	bids, asks = rt.book.Depth(n)
	return bids, asks, nil
}

func (e *Engine) forgetOrder(id uuid.UUID) {
	e.mu.Lock()
	delete(e.orderSym, id)
	e.mu.Unlock()
}

func (e *Engine) saveOrder(ctx context.Context, order *models.Order) error {
	order.UpdatedAt = time.Now()
	if err := e.db.WithContext(ctx).Save(order).Error; err != nil {
		return errors.Wrap(errors.KindStorageFailure, err, "failed to save order %s", order.ID)
	}
	return nil
}

// refund releases a reservation taken for an order that never made it into
// the matching section.
func (e *Engine) refund(ctx context.Context, key models.BalanceKey, amount decimal.Decimal) {
	if err := e.funds.Release(ctx, uuid.New(), key, amount); err != nil {
		e.logger.Error("failed to release orphaned reservation",
			zap.String("balance", key.String()),
			zap.String("amount", amount.String()),
			zap.Error(err))
	}
}

// reservation returns the balance and amount an incoming order must reserve.
func reservation(sym Symbol, order *models.Order) (models.BalanceKey, decimal.Decimal) {
	if order.Side == models.OrderSideBuy {
		return models.BalanceKey{
			TenantID:  order.TenantID,
			AccountID: order.UserID.String(),
			Currency:  sym.QuoteCurrency,
		}, order.Quantity.Mul(order.Price)
	}
	return models.BalanceKey{
		TenantID:  order.TenantID,
		AccountID: order.UserID.String(),
		Currency:  sym.BaseCurrency,
	}, order.Quantity
}

// remainingReservation returns the unconsumed part of an order's
// reservation.
func remainingReservation(sym Symbol, order *models.Order) (models.BalanceKey, decimal.Decimal) {
	if order.Side == models.OrderSideBuy {
		return models.BalanceKey{
			TenantID:  order.TenantID,
			AccountID: order.UserID.String(),
			Currency:  sym.QuoteCurrency,
		}, order.RemainingQuantity.Mul(order.Price)
	}
	return models.BalanceKey{
		TenantID:  order.TenantID,
		AccountID: order.UserID.String(),
		Currency:  sym.BaseCurrency,
	}, order.RemainingQuantity
}

func validateRequest(req PlaceOrderRequest) error {
	if req.TenantID == "" {
		return errors.New(errors.KindValidation, "tenant is required")
	}
	if req.UserID == uuid.Nil {
		return errors.New(errors.KindValidation, "user is required")
	}
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return errors.New(errors.KindValidation, "invalid side %q", req.Side)
	}
	if req.Price.LessThanOrEqual(decimal.Zero) {
		return errors.New(errors.KindValidation, "price must be positive, got %s", req.Price)
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return errors.New(errors.KindValidation, "quantity must be positive, got %s", req.Quantity)
	}
	return nil
}

func (e *Engine) publishOrder(ctx context.Context, eventType string, order *models.Order) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, events.Event{
		Topic: TopicOrders,
		Type:  eventType,
		Payload: map[string]interface{}{
			"order_id":  order.ID.String(),
			"tenant_id": order.TenantID,
			"symbol":    order.Symbol,
			"side":      order.Side,
			"price":     order.Price.String(),
			"quantity":  order.Quantity.String(),
			"remaining": order.RemainingQuantity.String(),
			"status":    order.Status,
		},
	})
}

func (e *Engine) publishTrade(ctx context.Context, trade *models.Trade) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, events.Event{
		Topic: TopicTrades,
		Type:  events.TypeTradeExecuted,
		Payload: map[string]interface{}{
			"trade_id":      trade.ID.String(),
			"tenant_id":     trade.TenantID,
			"symbol":        trade.Symbol,
			"buy_order_id":  trade.BuyOrderID.String(),
			"sell_order_id": trade.SellOrderID.String(),
			"quantity":      trade.MatchedQuantity.String(),
			"price":         trade.MatchedPrice.String(),
		},
	})
}
