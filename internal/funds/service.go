// Package funds provides the atomic available/reserved transitions used by
// order placement, settlement and holds. Every call runs under the lock
// manager's scope for the target balance and carries a caller-supplied
// operation id, so a redelivered call cannot double-apply.
package funds

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantex/exchange-core/internal/ledger"
	"github.com/quantex/exchange-core/internal/lockmanager"
	"github.com/quantex/exchange-core/pkg/errors"
	"github.com/quantex/exchange-core/pkg/models"
)

// Service is the fund reservation service.
type Service struct {
	logger *zap.Logger
	locks  *lockmanager.Manager
	store  *ledger.Store
}

// NewService creates a fund reservation service.
func NewService(logger *zap.Logger, locks *lockmanager.Manager, store *ledger.Store) *Service {
	return &Service{logger: logger.Named("funds"), locks: locks, store: store}
}

// LockKey is the lock manager key guarding one balance row.
func LockKey(key models.BalanceKey) string {
	return "balance:" + key.String()
}

// Reserve moves amount from available to reserved. Fails with
// INSUFFICIENT_FUNDS when available < amount.
func (s *Service) Reserve(ctx context.Context, opID uuid.UUID, key models.BalanceKey, amount decimal.Decimal) error {
	return s.apply(ctx, opID, models.FundOpReserve, key, amount)
}

// Release moves amount from reserved back to available. Fails with
// INVALID_RESERVATION when reserved < amount.
func (s *Service) Release(ctx context.Context, opID uuid.UUID, key models.BalanceKey, amount decimal.Decimal) error {
	return s.apply(ctx, opID, models.FundOpRelease, key, amount)
}

// Consume removes amount from reserved permanently. Fails with
// INVALID_RESERVATION when reserved < amount.
func (s *Service) Consume(ctx context.Context, opID uuid.UUID, key models.BalanceKey, amount decimal.Decimal) error {
	return s.apply(ctx, opID, models.FundOpConsume, key, amount)
}

// Credit increases available directly, creating the balance row on first
// use.
func (s *Service) Credit(ctx context.Context, opID uuid.UUID, key models.BalanceKey, amount decimal.Decimal) error {
	return s.apply(ctx, opID, models.FundOpCredit, key, amount)
}

// Balance returns the current balance row for key.
func (s *Service) Balance(ctx context.Context, key models.BalanceKey) (*models.AccountBalance, error) {
	return s.store.GetBalance(ctx, key)
}

func (s *Service) apply(ctx context.Context, opID uuid.UUID, kind string, key models.BalanceKey, amount decimal.Decimal) error {
	if opID == uuid.Nil {
		return errors.New(errors.KindValidation, "operation id is required")
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return errors.New(errors.KindValidation, "amount must be positive, got %s", amount)
	}

	op := models.FundOperation{
		OperationID: opID,
		Kind:        kind,
		TenantID:    key.TenantID,
		AccountID:   key.AccountID,
		Currency:    key.Currency,
		Amount:      amount,
	}

	err := s.locks.WithLocks(ctx, opID.String(), []string{LockKey(key)}, func() error {
		return s.store.ApplyFundOp(ctx, op)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("fund operation applied",
		zap.String("operation_id", opID.String()),
		zap.String("kind", kind),
		zap.String("balance", key.String()),
		zap.String("amount", amount.String()))
	return nil
}
