package workflow

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quantex/exchange-core/internal/config"
	"github.com/quantex/exchange-core/internal/database"
	"github.com/quantex/exchange-core/internal/ledger"
	"github.com/quantex/exchange-core/internal/lockmanager"
	"github.com/quantex/exchange-core/internal/marketdata"
	"github.com/quantex/exchange-core/internal/settlement"
	"github.com/quantex/exchange-core/pkg/errors"
	"github.com/quantex/exchange-core/pkg/models"
)

type fixture struct {
	db    *gorm.DB
	store *ledger.Store
	rates *marketdata.StaticRateSource
	orch  *Orchestrator
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	logger := zap.NewNop()
	store := ledger.NewStore(logger, db)
	locks := lockmanager.NewManager(logger)
	t.Cleanup(locks.Shutdown)
	rates := marketdata.NewStaticRateSource()

	cfg := config.LimitsConfig{
		MaxSingleOperation:    10_000,
		MaxDailyVolume:        50_000,
		ComplianceReviewAbove: 8_000,
	}
	orch := NewOrchestrator(logger, db, store, locks, rates, nil, cfg, opts...)
	return &fixture{db: db, store: store, rates: rates, orch: orch}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) available(t *testing.T, account, currency string) decimal.Decimal {
	t.Helper()
	balance, err := f.store.GetBalance(context.Background(),
		models.BalanceKey{TenantID: "acme", AccountID: account, Currency: currency})
	require.NoError(t, err)
	return balance.Available
}

func (f *fixture) deposit(t *testing.T, account, currency, amount string) *models.Transaction {
	t.Helper()
	txn, err := f.orch.Create(context.Background(), settlement.Deposit{
		TenantID: "acme", AccountID: account, Currency: currency, Amount: dec(amount),
	})
	require.NoError(t, err)
	require.Equal(t, models.TransactionStatusCompleted, txn.Status)
	return txn
}

func TestDepositCompletes(t *testing.T) {
	f := setup(t)

	txn := f.deposit(t, "alice", "USD", "500")

	assert.NotNil(t, txn.CompletedAt)
	assert.True(t, f.available(t, "alice", "USD").Equal(dec("500")))

	entries, err := f.store.Entries(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestValidationFailureWritesNothing(t *testing.T) {
	f := setup(t)

	_, err := f.orch.Create(context.Background(), settlement.Deposit{
		TenantID: "acme", AccountID: "alice", Currency: "USD", Amount: dec("-5"),
	})
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	var count int64
	require.NoError(t, f.db.Model(&models.Transaction{}).Count(&count).Error)
	assert.Zero(t, count, "no record for a pre-validation failure")
}

func TestWithdrawalBeyondBalanceFails(t *testing.T) {
	f := setup(t)
	f.deposit(t, "alice", "USD", "100")

	txn, err := f.orch.Create(context.Background(), settlement.Withdrawal{
		TenantID: "acme", AccountID: "alice", Currency: "USD", Amount: dec("100.01"),
	})
	assert.True(t, errors.IsKind(err, errors.KindInsufficientFunds))
	require.NotNil(t, txn)
	assert.Equal(t, models.TransactionStatusFailed, txn.Status)
	assert.NotEmpty(t, txn.FailureReason)

	// Nothing was posted and the balance is untouched.
	entries, err := f.store.Entries(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.True(t, f.available(t, "alice", "USD").Equal(dec("100")))
}

func TestCrossCurrencyTransfer(t *testing.T) {
	f := setup(t)
	f.rates.SetRate("EUR", "USD", dec("1.10"))
	f.deposit(t, "alice", "EUR", "200")
	// The FX book needs USD inventory to emit.
	f.deposit(t, settlement.FXAccount, "USD", "1000")

	txn, err := f.orch.Create(context.Background(), settlement.Transfer{
		TenantID: "acme", FromAccountID: "alice", ToAccountID: "bob",
		FromCurrency: "EUR", ToCurrency: "USD", Amount: dec("100"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, txn.Status)

	assert.True(t, f.available(t, "alice", "EUR").Equal(dec("100")))
	assert.True(t, f.available(t, "bob", "USD").Equal(dec("110")))
	assert.True(t, f.available(t, settlement.FXAccount, "EUR").Equal(dec("100")))
	assert.True(t, f.available(t, settlement.FXAccount, "USD").Equal(dec("890")))
}

func TestMissingRateFailsBeforeAnyPosting(t *testing.T) {
	f := setup(t)
	f.deposit(t, "alice", "EUR", "200")

	txn, err := f.orch.Create(context.Background(), settlement.Transfer{
		TenantID: "acme", FromAccountID: "alice", ToAccountID: "bob",
		FromCurrency: "EUR", ToCurrency: "JPY", Amount: dec("100"),
	})
	assert.True(t, errors.IsKind(err, errors.KindRateUnavailable))
	require.NotNil(t, txn)
	assert.Equal(t, models.TransactionStatusFailed, txn.Status)
	assert.True(t, f.available(t, "alice", "EUR").Equal(dec("200")))
}

func TestHoldAndRollbackReleasesFunds(t *testing.T) {
	f := setup(t)
	f.deposit(t, "alice", "USD", "300")

	hold, err := f.orch.Create(context.Background(), settlement.Hold{
		TenantID: "acme", AccountID: "alice", Currency: "USD",
		Amount: dec("120"), Reason: "chargeback review",
	})
	require.NoError(t, err)
	assert.Equal(t, "chargeback review", hold.HoldReason)
	assert.True(t, f.available(t, "alice", "USD").Equal(dec("180")))

	rolled, err := f.orch.Rollback(context.Background(), hold.ID, "review cleared")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusRefunded, rolled.Status)
	assert.NotNil(t, rolled.ReleasedAt)
	assert.True(t, f.available(t, "alice", "USD").Equal(dec("300")))
}

func TestRollbackOfCompletedDepositRefunds(t *testing.T) {
	f := setup(t)
	txn := f.deposit(t, "alice", "USD", "500")

	rolled, err := f.orch.Rollback(context.Background(), txn.ID, "customer dispute")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusRefunded, rolled.Status)
	assert.True(t, f.available(t, "alice", "USD").IsZero())

	// The original entries are marked reversed, never deleted.
	entries, err := f.store.Entries(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, models.EntryStatusReversed, entry.Status)
	}
}

func TestRollbackIsNotRepeatable(t *testing.T) {
	f := setup(t)
	txn := f.deposit(t, "alice", "USD", "500")

	_, err := f.orch.Rollback(context.Background(), txn.ID, "dispute")
	require.NoError(t, err)

	_, err = f.orch.Rollback(context.Background(), txn.ID, "dispute again")
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestRollbackUnknownTransaction(t *testing.T) {
	f := setup(t)

	_, err := f.orch.Rollback(context.Background(), uuid.New(), "whatever")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestSingleOperationLimitVetoUndoesPosting(t *testing.T) {
	f := setup(t)
	// Seed below the compliance threshold so only the limit trips later.
	f.deposit(t, "alice", "USD", "7000")
	f.deposit(t, "alice", "USD", "7000")

	// 11000 > the 10000 single-operation cap; the posting is applied and
	// then undone as a unit.
	txn, err := f.orch.Create(context.Background(), settlement.Withdrawal{
		TenantID: "acme", AccountID: "alice", Currency: "USD", Amount: dec("11000"),
	})
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	require.NotNil(t, txn)
	assert.Equal(t, models.TransactionStatusFailed, txn.Status)
	assert.False(t, txn.ReconciliationRequired)
	assert.True(t, f.available(t, "alice", "USD").Equal(dec("14000")))

	// The applied-then-undone history is preserved as reversed entries.
	entries, err := f.store.Entries(context.Background(), txn.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		assert.Equal(t, models.EntryStatusReversed, entry.Status)
	}
}

func TestComplianceThresholdVeto(t *testing.T) {
	f := setup(t)
	f.deposit(t, "alice", "USD", "7000")
	f.deposit(t, "alice", "USD", "7000")

	// 8000 clears the balance and single-operation checks but sits at the
	// compliance review threshold.
	_, err := f.orch.Create(context.Background(), settlement.Withdrawal{
		TenantID: "acme", AccountID: "alice", Currency: "USD", Amount: dec("8000"),
	})
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	assert.Contains(t, err.Error(), "compliance")
	assert.True(t, f.available(t, "alice", "USD").Equal(dec("14000")))
}

func TestDailyVolumeLimit(t *testing.T) {
	f := setup(t)
	for i := 0; i < 7; i++ {
		f.deposit(t, "alice", "USD", "7000")
	}
	// 49000 completed today; 2000 more breaches the 50000 cap.
	txn, err := f.orch.Create(context.Background(), settlement.Deposit{
		TenantID: "acme", AccountID: "alice", Currency: "USD", Amount: dec("2000"),
	})
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	assert.Equal(t, models.TransactionStatusFailed, txn.Status)
	assert.True(t, f.available(t, "alice", "USD").Equal(dec("49000")))
}

// failingLimits trips after the posting has landed, simulating an induced
// failure mid-workflow.
type failingLimits struct{}

func (failingLimits) CheckLimits(context.Context, settlement.Variant) error {
	return errors.New(errors.KindStorageFailure, "induced failure")
}

func TestInducedFailureAfterPostingLeavesNoPartialState(t *testing.T) {
	f := setup(t, WithLimitChecker(failingLimits{}))
	require.NoError(t, f.store.ApplyFundOp(context.Background(), models.FundOperation{
		OperationID: uuid.New(),
		Kind:        models.FundOpCredit,
		TenantID:    "acme",
		AccountID:   "alice",
		Currency:    "USD",
		Amount:      dec("100"),
	}))

	txn, err := f.orch.Create(context.Background(), settlement.Withdrawal{
		TenantID: "acme", AccountID: "alice", Currency: "USD", Amount: dec("10"),
	})
	assert.True(t, errors.IsKind(err, errors.KindStorageFailure))
	require.NotNil(t, txn)
	assert.Equal(t, models.TransactionStatusFailed, txn.Status)
	assert.False(t, txn.ReconciliationRequired)
	assert.True(t, f.available(t, "alice", "USD").Equal(dec("100")), "posting was undone as a unit")
}

func TestGetReturnsPersistedRecord(t *testing.T) {
	f := setup(t)
	txn := f.deposit(t, "alice", "USD", "42")

	loaded, err := f.orch.Get(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, loaded.ID)
	assert.Equal(t, models.TransactionTypeDeposit, loaded.Type)
	assert.True(t, loaded.Amount.Equal(dec("42")))
}
