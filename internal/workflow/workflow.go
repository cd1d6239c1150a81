// Package workflow orchestrates the lifecycle of financial transactions:
// deposits, withdrawals, transfers, holds and their reversals. Each
// transaction runs as one atomic unit under the lock scope of every balance
// it touches; a business-rule veto after posting undoes the posting by
// reversal, never by rewriting history.
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quantex/exchange-core/internal/config"
	"github.com/quantex/exchange-core/internal/events"
	"github.com/quantex/exchange-core/internal/funds"
	"github.com/quantex/exchange-core/internal/ledger"
	"github.com/quantex/exchange-core/internal/lockmanager"
	"github.com/quantex/exchange-core/internal/marketdata"
	"github.com/quantex/exchange-core/internal/settlement"
	"github.com/quantex/exchange-core/pkg/errors"
	"github.com/quantex/exchange-core/pkg/metrics"
	"github.com/quantex/exchange-core/pkg/models"
)

// TopicTransactions is the event topic for transaction lifecycle events.
const TopicTransactions = "transactions"

// Orchestrator drives transactions through
// PENDING -> PROCESSING -> COMPLETED | FAILED | ROLLED_BACK.
type Orchestrator struct {
	logger     *zap.Logger
	db         *gorm.DB
	store      *ledger.Store
	locks      *lockmanager.Manager
	rates      marketdata.RateSource
	bus        events.Bus
	balances   BalanceChecker
	limits     LimitChecker
	compliance ComplianceChecker
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithBalanceChecker replaces the default balance sufficiency check.
func WithBalanceChecker(c BalanceChecker) Option { return func(o *Orchestrator) { o.balances = c } }

// WithLimitChecker replaces the default limit check.
func WithLimitChecker(c LimitChecker) Option { return func(o *Orchestrator) { o.limits = c } }

// WithComplianceChecker replaces the default compliance gate.
func WithComplianceChecker(c ComplianceChecker) Option {
	return func(o *Orchestrator) { o.compliance = c }
}

// NewOrchestrator creates a transaction orchestrator with the default
// checkers built from cfg; options override them.
func NewOrchestrator(
	logger *zap.Logger,
	db *gorm.DB,
	store *ledger.Store,
	locks *lockmanager.Manager,
	rates marketdata.RateSource,
	bus events.Bus,
	cfg config.LimitsConfig,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		logger:     logger.Named("workflow"),
		db:         db,
		store:      store,
		locks:      locks,
		rates:      rates,
		bus:        bus,
		balances:   NewBalanceChecker(store),
		limits:     NewLimitChecker(db, cfg),
		compliance: NewComplianceChecker(cfg),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Create executes one transaction variant end to end and returns the final
// record. Validation failures abort before any write and return no record.
// Failures after the record exists mark it FAILED with the reason retained;
// a business-rule veto after posting is undone by reversal before failing.
func (o *Orchestrator) Create(ctx context.Context, v settlement.Variant) (*models.Transaction, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}

	account, currency, amount := v.Primary()
	now := time.Now()
	txn := &models.Transaction{
		ID:        uuid.New(),
		TenantID:  v.Tenant(),
		Type:      v.Type(),
		AccountID: account,
		Currency:  currency,
		Amount:    amount,
		Status:    models.TransactionStatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if hold, ok := v.(settlement.Hold); ok {
		txn.HoldReason = hold.Reason
	}
	if err := o.db.WithContext(ctx).Create(txn).Error; err != nil {
		return nil, errors.Wrap(errors.KindStorageFailure, err, "failed to create transaction record")
	}

	// Rate lookups happen before any lock is taken or balance touched.
	entries, err := v.Entries(o.rates)
	if err != nil {
		return txn, o.fail(ctx, txn, err)
	}

	keys := lockKeys(v)
	err = o.locks.WithLocks(ctx, txn.ID.String(), keys, func() error {
		if err := o.balances.CheckBalances(ctx, v, entries); err != nil {
			return err
		}
		if err := o.store.Post(ctx, txn.TenantID, txn.ID, entries); err != nil {
			return err
		}
		if err := o.runPostChecks(ctx, v); err != nil {
			// The posting already landed; undo it as a unit before failing.
			if revErr := o.store.Reverse(ctx, txn.TenantID, txn.ID, uuid.New()); revErr != nil {
				txn.ReconciliationRequired = true
				o.logger.Error("rollback of vetoed transaction failed, reconciliation required",
					zap.String("transaction_id", txn.ID.String()),
					zap.Error(revErr))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return txn, o.fail(ctx, txn, err)
	}

	txn.Status = models.TransactionStatusCompleted
	completed := time.Now()
	txn.CompletedAt = &completed
	if err := o.save(ctx, txn); err != nil {
		return txn, err
	}

	metrics.TransactionsByStatus.WithLabelValues(txn.Type, txn.Status).Inc()
	o.publish(ctx, events.TypeTransactionCompleted, txn)
	o.logger.Info("transaction completed",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("type", txn.Type),
		zap.String("amount", txn.Amount.String()),
		zap.String("currency", txn.Currency))
	return txn, nil
}

// Rollback undoes a transaction. An in-flight transaction moves to
// ROLLED_BACK; a COMPLETED one is offset by a reversal posting and moves to
// REFUNDED. Terminal failed or rolled-back transactions cannot be rolled
// back again.
func (o *Orchestrator) Rollback(ctx context.Context, id uuid.UUID, reason string) (*models.Transaction, error) {
	txn, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Lock the transaction against concurrent rollbacks plus every balance
	// its entries touched, in the lock manager's deterministic order.
	keys := []string{rollbackLockKey(txn)}
	entries, err := o.store.Entries(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		keys = append(keys, funds.LockKey(models.BalanceKey{
			TenantID:  entry.TenantID,
			AccountID: entry.AccountID,
			Currency:  entry.Currency,
		}))
	}

	err = o.locks.WithLocks(ctx, "rollback:"+id.String(), keys, func() error {
		// Re-read under the lock; a concurrent rollback may have won.
		current, err := o.Get(ctx, id)
		if err != nil {
			return err
		}
		txn = current

		switch txn.Status {
		case models.TransactionStatusPending, models.TransactionStatusProcessing:
			err := o.store.Reverse(ctx, txn.TenantID, txn.ID, uuid.New())
			if err != nil && !errors.IsKind(err, errors.KindNotFound) {
				txn.ReconciliationRequired = true
				if saveErr := o.save(ctx, txn); saveErr != nil {
					o.logger.Error("failed to flag reconciliation", zap.Error(saveErr))
				}
				return err
			}
			txn.Status = models.TransactionStatusRolledBack
		case models.TransactionStatusCompleted:
			if err := o.store.Reverse(ctx, txn.TenantID, txn.ID, uuid.New()); err != nil {
				txn.ReconciliationRequired = true
				if saveErr := o.save(ctx, txn); saveErr != nil {
					o.logger.Error("failed to flag reconciliation", zap.Error(saveErr))
				}
				return err
			}
			txn.Status = models.TransactionStatusRefunded
			if txn.Type == models.TransactionTypeHold {
				released := time.Now()
				txn.ReleasedAt = &released
			}
		default:
			return errors.New(errors.KindValidation,
				"transaction %s in status %s cannot be rolled back", txn.ID, txn.Status)
		}

		txn.FailureReason = reason
		return o.save(ctx, txn)
	})
	if err != nil {
		return txn, err
	}

	metrics.TransactionsByStatus.WithLabelValues(txn.Type, txn.Status).Inc()
	o.publish(ctx, events.TypeTransactionRolledBack, txn)
	o.logger.Info("transaction rolled back",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("status", txn.Status),
		zap.String("reason", reason))
	return txn, nil
}

// Get loads one transaction record.
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	err := o.db.WithContext(ctx).Where("id = ?", id).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New(errors.KindNotFound, "no transaction %s", id)
		}
		return nil, errors.Wrap(errors.KindStorageFailure, err, "failed to load transaction %s", id)
	}
	return &txn, nil
}

func (o *Orchestrator) runPostChecks(ctx context.Context, v settlement.Variant) error {
	if o.limits != nil {
		if err := o.limits.CheckLimits(ctx, v); err != nil {
			return err
		}
	}
	return o.compliance.CheckCompliance(ctx, v)
}

func (o *Orchestrator) fail(ctx context.Context, txn *models.Transaction, cause error) error {
	txn.Status = models.TransactionStatusFailed
	txn.FailureReason = cause.Error()
	if err := o.save(ctx, txn); err != nil {
		o.logger.Error("failed to persist FAILED status",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err))
	}

	metrics.TransactionsByStatus.WithLabelValues(txn.Type, txn.Status).Inc()
	o.publish(ctx, events.TypeTransactionFailed, txn)
	o.logger.Warn("transaction failed",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("type", txn.Type),
		zap.Error(cause))
	return cause
}

func (o *Orchestrator) save(ctx context.Context, txn *models.Transaction) error {
	txn.UpdatedAt = time.Now()
	if err := o.db.WithContext(ctx).Save(txn).Error; err != nil {
		return errors.Wrap(errors.KindStorageFailure, err, "failed to save transaction %s", txn.ID)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, txn *models.Transaction) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, events.Event{
		Topic: TopicTransactions,
		Type:  eventType,
		Payload: map[string]interface{}{
			"transaction_id":          txn.ID.String(),
			"tenant_id":               txn.TenantID,
			"type":                    txn.Type,
			"status":                  txn.Status,
			"account_id":              txn.AccountID,
			"currency":                txn.Currency,
			"amount":                  txn.Amount.String(),
			"failure_reason":          txn.FailureReason,
			"reconciliation_required": txn.ReconciliationRequired,
		},
	})
}

func lockKeys(v settlement.Variant) []string {
	accounts := v.Accounts()
	keys := make([]string, 0, len(accounts))
	for _, key := range accounts {
		keys = append(keys, funds.LockKey(key))
	}
	return keys
}

// rollbackLockKey guards rollbacks of the same transaction against each
// other; the ledger reversal itself is atomic.
func rollbackLockKey(txn *models.Transaction) string {
	return "transaction:" + txn.ID.String()
}
