package workflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quantex/exchange-core/internal/config"
	"github.com/quantex/exchange-core/internal/ledger"
	"github.com/quantex/exchange-core/internal/settlement"
	"github.com/quantex/exchange-core/pkg/errors"
	"github.com/quantex/exchange-core/pkg/models"
)

// BalanceChecker verifies the affected balances can absorb the posting.
// It runs under the transaction's lock scope before any mutation.
type BalanceChecker interface {
	CheckBalances(ctx context.Context, v settlement.Variant, entries []ledger.EntryInput) error
}

// LimitChecker enforces tenant volume limits. It runs after posting; a
// veto rolls the posting back.
type LimitChecker interface {
	CheckLimits(ctx context.Context, v settlement.Variant) error
}

// ComplianceChecker vetoes transactions requiring manual review.
type ComplianceChecker interface {
	CheckCompliance(ctx context.Context, v settlement.Variant) error
}

type balanceChecker struct {
	store *ledger.Store
}

// NewBalanceChecker returns the default sufficiency pre-check: per balance
// the summed debit legs must fit within the current available or reserved
// pool, ignoring credits from the same posting.
func NewBalanceChecker(store *ledger.Store) BalanceChecker {
	return &balanceChecker{store: store}
}

type poolKey struct {
	account  string
	currency string
	reserved bool
}

func (c *balanceChecker) CheckBalances(ctx context.Context, v settlement.Variant, entries []ledger.EntryInput) error {
	needs := make(map[poolKey]decimal.Decimal)
	for _, in := range entries {
		if in.Direction != models.EntryDirectionDebit {
			continue
		}
		key := poolKey{account: in.AccountID, currency: in.Currency, reserved: in.Reserved}
		needs[key] = needs[key].Add(in.Amount)
	}

	for key, need := range needs {
		balance, err := c.store.GetBalance(ctx, models.BalanceKey{
			TenantID:  v.Tenant(),
			AccountID: key.account,
			Currency:  key.currency,
		})
		if err != nil {
			return err
		}
		if key.reserved {
			if balance.Reserved.LessThan(need) {
				return errors.New(errors.KindInvalidReservation,
					"reserved %s < %s for %s/%s/%s", balance.Reserved, need, v.Tenant(), key.account, key.currency)
			}
		} else if balance.Available.LessThan(need) {
			return errors.New(errors.KindInsufficientFunds,
				"available %s < %s for %s/%s/%s", balance.Available, need, v.Tenant(), key.account, key.currency)
		}
	}
	return nil
}

type limitChecker struct {
	db  *gorm.DB
	cfg config.LimitsConfig
}

// NewLimitChecker returns the default limit checker: one cap on the single
// operation amount and one on the account's rolling 24h completed volume.
func NewLimitChecker(db *gorm.DB, cfg config.LimitsConfig) LimitChecker {
	return &limitChecker{db: db, cfg: cfg}
}

func (c *limitChecker) CheckLimits(ctx context.Context, v settlement.Variant) error {
	account, currency, amount := v.Primary()

	if c.cfg.MaxSingleOperation > 0 {
		max := decimal.NewFromFloat(c.cfg.MaxSingleOperation)
		if amount.GreaterThan(max) {
			return errors.New(errors.KindValidation,
				"amount %s %s exceeds single operation limit %s", amount, currency, max)
		}
	}

	if c.cfg.MaxDailyVolume > 0 {
		var total decimal.Decimal
		err := c.db.WithContext(ctx).
			Model(&models.Transaction{}).
			Select("COALESCE(SUM(amount), 0)").
			Where("tenant_id = ? AND account_id = ? AND status = ? AND created_at > ?",
				v.Tenant(), account, models.TransactionStatusCompleted, time.Now().Add(-24*time.Hour)).
			Scan(&total).Error
		if err != nil {
			return errors.Wrap(errors.KindStorageFailure, err, "failed to sum daily volume")
		}
		max := decimal.NewFromFloat(c.cfg.MaxDailyVolume)
		if total.Add(amount).GreaterThan(max) {
			return errors.New(errors.KindValidation,
				"daily volume %s + %s exceeds limit %s for account %s", total, amount, max, account)
		}
	}
	return nil
}

type complianceChecker struct {
	cfg config.LimitsConfig
}

// NewComplianceChecker returns the default compliance gate: amounts at or
// above the review threshold are vetoed pending manual approval.
func NewComplianceChecker(cfg config.LimitsConfig) ComplianceChecker {
	return &complianceChecker{cfg: cfg}
}

func (c *complianceChecker) CheckCompliance(_ context.Context, v settlement.Variant) error {
	if c.cfg.ComplianceReviewAbove <= 0 {
		return nil
	}
	_, currency, amount := v.Primary()
	threshold := decimal.NewFromFloat(c.cfg.ComplianceReviewAbove)
	if amount.GreaterThanOrEqual(threshold) {
		return errors.New(errors.KindValidation,
			"amount %s %s requires manual compliance review (threshold %s)", amount, currency, threshold)
	}
	return nil
}
