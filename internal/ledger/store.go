// Package ledger owns account balances and the append-only double-entry
// ledger. It is the only writer of account_balances rows: every other
// component mutates funds exclusively through the fund reservation and
// posting APIs, which run inside one database transaction each, so a
// posting is either fully visible or not at all.
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quantex/exchange-core/pkg/errors"
	"github.com/quantex/exchange-core/pkg/models"
)

// EntryInput is one leg of a posting before it is persisted.
//
// Direction applies to the available balance unless Reserved is set:
// a Reserved DEBIT draws from the reserved balance (consuming a prior
// reservation) and a Reserved CREDIT adds to it (placing a hold).
type EntryInput struct {
	AccountID string
	Currency  string
	Amount    decimal.Decimal
	Direction string
	Reserved  bool
}

// Store implements the ledger over gorm.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewStore creates a ledger store.
func NewStore(logger *zap.Logger, db *gorm.DB) *Store {
	return &Store{logger: logger.Named("ledger"), db: db}
}

// GetBalance returns the balance row for key, or NOT_FOUND.
func (s *Store) GetBalance(ctx context.Context, key models.BalanceKey) (*models.AccountBalance, error) {
	var balance models.AccountBalance
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND account_id = ? AND currency = ?", key.TenantID, key.AccountID, key.Currency).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New(errors.KindNotFound, "no balance for %s", key)
		}
		return nil, errors.Wrap(errors.KindStorageFailure, err, "failed to load balance %s", key)
	}
	return &balance, nil
}

// CreateBalance creates a zero balance row for key. Creating an existing
// balance is a validation error.
func (s *Store) CreateBalance(ctx context.Context, key models.BalanceKey) (*models.AccountBalance, error) {
	balance := &models.AccountBalance{
		ID:        uuid.New(),
		TenantID:  key.TenantID,
		AccountID: key.AccountID,
		Currency:  key.Currency,
		Available: decimal.Zero,
		Reserved:  decimal.Zero,
		Version:   1,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(balance).Error; err != nil {
		return nil, errors.Wrap(errors.KindStorageFailure, err, "failed to create balance %s", key)
	}
	return balance, nil
}

// Post atomically applies a balanced set of entries for transactionID.
//
// Per currency the debit and credit sums must be equal; an unbalanced set
// is an integrity bug, logged critical and rejected before any write.
// Entries are applied in deterministic account order inside one database
// transaction: all become visible together or none do.
//
// Callers that must persist related records with the posting (trade rows,
// order state, the transaction record) pass them as extras; they run inside
// the same database transaction after the entries are applied.
func (s *Store) Post(ctx context.Context, tenantID string, transactionID uuid.UUID, entries []EntryInput, extras ...func(tx *gorm.DB) error) error {
	if len(entries) == 0 {
		return errors.New(errors.KindValidation, "posting requires at least one entry")
	}
	if err := validateBalanced(entries); err != nil {
		s.logger.Error("rejected unbalanced posting",
			zap.String("transaction_id", transactionID.String()),
			zap.Error(err))
		return err
	}

	sorted := make([]EntryInput, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].AccountID != sorted[j].AccountID {
			return sorted[i].AccountID < sorted[j].AccountID
		}
		return sorted[i].Currency < sorted[j].Currency
	})

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for _, in := range sorted {
			if err := s.applyToBalance(tx, tenantID, in); err != nil {
				return err
			}
			row := &models.LedgerEntry{
				ID:            uuid.New(),
				TransactionID: transactionID,
				TenantID:      tenantID,
				AccountID:     in.AccountID,
				Currency:      in.Currency,
				Amount:        in.Amount,
				Direction:     in.Direction,
				Reserved:      in.Reserved,
				Status:        models.EntryStatusPosted,
				CreatedAt:     now,
			}
			if err := tx.Create(row).Error; err != nil {
				return errors.Wrap(errors.KindStorageFailure, err, "failed to write ledger entry")
			}
		}
		for _, extra := range extras {
			if err := extra(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("posted entries",
		zap.String("transaction_id", transactionID.String()),
		zap.Int("entries", len(entries)))
	return nil
}

// Reverse appends swapped-direction entries offsetting every posted entry
// of originalTxID, restores the affected balances, and marks the originals
// reversed. Posted rows are never mutated beyond the status flag and never
// deleted. The offsetting entries are written under reversalTxID.
func (s *Store) Reverse(ctx context.Context, tenantID string, originalTxID, reversalTxID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var originals []models.LedgerEntry
		err := tx.Where("transaction_id = ? AND status = ?", originalTxID, models.EntryStatusPosted).
			Order("created_at, id").
			Find(&originals).Error
		if err != nil {
			return errors.Wrap(errors.KindStorageFailure, err, "failed to load entries for %s", originalTxID)
		}
		if len(originals) == 0 {
			return errors.New(errors.KindNotFound, "no posted entries for transaction %s", originalTxID)
		}

		now := time.Now()
		for i := range originals {
			orig := &originals[i]
			// Keeping the Reserved flag makes the reversal an exact inverse:
			// a consumed reservation is restored to reserved, not available.
			swapped := EntryInput{
				AccountID: orig.AccountID,
				Currency:  orig.Currency,
				Amount:    orig.Amount,
				Direction: oppositeDirection(orig.Direction),
				Reserved:  orig.Reserved,
			}
			if err := s.applyToBalance(tx, tenantID, swapped); err != nil {
				return err
			}
			reversal := &models.LedgerEntry{
				ID:            uuid.New(),
				TransactionID: reversalTxID,
				TenantID:      tenantID,
				AccountID:     orig.AccountID,
				Currency:      orig.Currency,
				Amount:        orig.Amount,
				Direction:     swapped.Direction,
				Reserved:      orig.Reserved,
				Status:        models.EntryStatusPosted,
				ReversalOf:    &orig.ID,
				CreatedAt:     now,
			}
			if err := tx.Create(reversal).Error; err != nil {
				return errors.Wrap(errors.KindStorageFailure, err, "failed to write reversal entry")
			}
			if err := tx.Model(orig).Update("status", models.EntryStatusReversed).Error; err != nil {
				return errors.Wrap(errors.KindStorageFailure, err, "failed to mark entry reversed")
			}
		}
		return nil
	})
}

// Entries returns all entries recorded under transactionID.
func (s *Store) Entries(ctx context.Context, transactionID uuid.UUID) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at, id").
		Find(&entries).Error
	if err != nil {
		return nil, errors.Wrap(errors.KindStorageFailure, err, "failed to load entries for %s", transactionID)
	}
	return entries, nil
}

// ApplyFundOp applies one idempotent fund-state transition. The operation
// record and the balance mutation commit in the same database transaction;
// replaying an already-applied operation id returns the recorded outcome
// without touching balances.
func (s *Store) ApplyFundOp(ctx context.Context, op models.FundOperation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior models.FundOperation
		err := tx.Where("operation_id = ?", op.OperationID).First(&prior).Error
		switch {
		case err == nil:
			// Already applied: the replayed delivery is a no-op.
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return errors.Wrap(errors.KindStorageFailure, err, "failed to check operation log")
		}

		if err := s.applyFundTransition(tx, &op); err != nil {
			// Nothing was mutated; a deterministic failure repeats on retry.
			return err
		}

		record := op
		record.CreatedAt = time.Now()
		record.Succeeded = true
		if err := tx.Create(&record).Error; err != nil {
			return errors.Wrap(errors.KindStorageFailure, err, "failed to write operation log")
		}
		return nil
	})
}

// applyFundTransition mutates the balance row for one fund operation kind.
// Deterministic failure kinds (insufficient funds, invalid reservation) are
// recorded in the op log by the caller so replays observe the same outcome.
func (s *Store) applyFundTransition(tx *gorm.DB, op *models.FundOperation) error {
	key := models.BalanceKey{TenantID: op.TenantID, AccountID: op.AccountID, Currency: op.Currency}

	var balance models.AccountBalance
	err := tx.Where("tenant_id = ? AND account_id = ? AND currency = ?", key.TenantID, key.AccountID, key.Currency).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if op.Kind == models.FundOpCredit {
				balance = models.AccountBalance{
					ID:        uuid.New(),
					TenantID:  key.TenantID,
					AccountID: key.AccountID,
					Currency:  key.Currency,
					Available: decimal.Zero,
					Reserved:  decimal.Zero,
					CreatedAt: time.Now(),
				}
			} else {
				return errors.New(errors.KindNotFound, "no balance for %s", key)
			}
		} else {
			return errors.Wrap(errors.KindStorageFailure, err, "failed to load balance %s", key)
		}
	}

	switch op.Kind {
	case models.FundOpReserve:
		if balance.Available.LessThan(op.Amount) {
			return errors.New(errors.KindInsufficientFunds,
				"available %s < %s for %s", balance.Available, op.Amount, key)
		}
		balance.Available = balance.Available.Sub(op.Amount)
		balance.Reserved = balance.Reserved.Add(op.Amount)
	case models.FundOpRelease:
		if balance.Reserved.LessThan(op.Amount) {
			return errors.New(errors.KindInvalidReservation,
				"reserved %s < %s for %s", balance.Reserved, op.Amount, key)
		}
		balance.Reserved = balance.Reserved.Sub(op.Amount)
		balance.Available = balance.Available.Add(op.Amount)
	case models.FundOpConsume:
		if balance.Reserved.LessThan(op.Amount) {
			return errors.New(errors.KindInvalidReservation,
				"reserved %s < %s for %s", balance.Reserved, op.Amount, key)
		}
		balance.Reserved = balance.Reserved.Sub(op.Amount)
	case models.FundOpCredit:
		balance.Available = balance.Available.Add(op.Amount)
	default:
		return errors.New(errors.KindValidation, "unknown fund operation kind %q", op.Kind)
	}

	return s.saveBalance(tx, &balance)
}

// applyToBalance applies one entry leg to its balance row inside tx.
func (s *Store) applyToBalance(tx *gorm.DB, tenantID string, in EntryInput) error {
	if in.Amount.LessThanOrEqual(decimal.Zero) {
		return errors.New(errors.KindValidation, "entry amount must be positive, got %s", in.Amount)
	}
	key := models.BalanceKey{TenantID: tenantID, AccountID: in.AccountID, Currency: in.Currency}

	var balance models.AccountBalance
	err := tx.Where("tenant_id = ? AND account_id = ? AND currency = ?", key.TenantID, key.AccountID, key.Currency).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if in.Direction == models.EntryDirectionCredit {
				balance = models.AccountBalance{
					ID:        uuid.New(),
					TenantID:  key.TenantID,
					AccountID: key.AccountID,
					Currency:  key.Currency,
					Available: decimal.Zero,
					Reserved:  decimal.Zero,
					CreatedAt: time.Now(),
				}
			} else {
				return errors.New(errors.KindNotFound, "no balance for %s", key)
			}
		} else {
			return errors.Wrap(errors.KindStorageFailure, err, "failed to load balance %s", key)
		}
	}

	switch in.Direction {
	case models.EntryDirectionDebit:
		if in.Reserved {
			if balance.Reserved.LessThan(in.Amount) {
				return errors.New(errors.KindInvalidReservation,
					"reserved %s < %s for %s", balance.Reserved, in.Amount, key)
			}
			balance.Reserved = balance.Reserved.Sub(in.Amount)
		} else {
			if balance.Available.LessThan(in.Amount) {
				return errors.New(errors.KindInsufficientFunds,
					"available %s < %s for %s", balance.Available, in.Amount, key)
			}
			balance.Available = balance.Available.Sub(in.Amount)
		}
	case models.EntryDirectionCredit:
		if in.Reserved {
			balance.Reserved = balance.Reserved.Add(in.Amount)
		} else {
			balance.Available = balance.Available.Add(in.Amount)
		}
	default:
		return errors.New(errors.KindValidation, "unknown entry direction %q", in.Direction)
	}

	return s.saveBalance(tx, &balance)
}

func (s *Store) saveBalance(tx *gorm.DB, balance *models.AccountBalance) error {
	balance.Version++
	balance.UpdatedAt = time.Now()
	if err := tx.Save(balance).Error; err != nil {
		return errors.Wrap(errors.KindStorageFailure, err, "failed to save balance")
	}
	return nil
}

// validateBalanced enforces the zero-sum invariant per currency group.
func validateBalanced(entries []EntryInput) error {
	debits := make(map[string]decimal.Decimal)
	credits := make(map[string]decimal.Decimal)
	for _, in := range entries {
		if in.Amount.LessThanOrEqual(decimal.Zero) {
			return errors.New(errors.KindValidation, "entry amount must be positive, got %s", in.Amount)
		}
		switch in.Direction {
		case models.EntryDirectionDebit:
			debits[in.Currency] = debits[in.Currency].Add(in.Amount)
		case models.EntryDirectionCredit:
			credits[in.Currency] = credits[in.Currency].Add(in.Amount)
		default:
			return errors.New(errors.KindValidation, "unknown entry direction %q", in.Direction)
		}
	}
	for currency, debit := range debits {
		if !debit.Equal(credits[currency]) {
			return errors.New(errors.KindUnbalancedEntries,
				"%s: debits %s != credits %s", currency, debit, credits[currency])
		}
	}
	for currency, credit := range credits {
		if _, ok := debits[currency]; !ok {
			return errors.New(errors.KindUnbalancedEntries,
				"%s: debits 0 != credits %s", currency, credit)
		}
	}
	return nil
}

func oppositeDirection(direction string) string {
	if direction == models.EntryDirectionDebit {
		return models.EntryDirectionCredit
	}
	return models.EntryDirectionDebit
}
