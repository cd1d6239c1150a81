package ledger

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

	"github.com/quantex/exchange-core/internal/database"
	"github.com/quantex/exchange-core/pkg/errors"
	"github.com/quantex/exchange-core/pkg/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return NewStore(zap.NewNop(), db)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func seedBalance(t *testing.T, s *Store, account, currency, available string) models.BalanceKey {
	t.Helper()
	key := models.BalanceKey{TenantID: "t1", AccountID: account, Currency: currency}
	_, err := s.CreateBalance(context.Background(), key)
	require.NoError(t, err)
	err = s.ApplyFundOp(context.Background(), models.FundOperation{
		OperationID: uuid.New(),
		Kind:        models.FundOpCredit,
		TenantID:    key.TenantID,
		AccountID:   key.AccountID,
		Currency:    key.Currency,
		Amount:      dec(available),
	})
	require.NoError(t, err)
	return key
}

func TestPostBalancedEntries(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	alice := seedBalance(t, s, "alice", "USD", "1000")
	bob := seedBalance(t, s, "bob", "USD", "0")

	txID := uuid.New()
	err := s.Post(ctx, "t1", txID, []EntryInput{
		{AccountID: "alice", Currency: "USD", Amount: dec("250"), Direction: models.EntryDirectionDebit},
		{AccountID: "bob", Currency: "USD", Amount: dec("250"), Direction: models.EntryDirectionCredit},
	})
	require.NoError(t, err)

	a, err := s.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.True(t, a.Available.Equal(dec("750")), "got %s", a.Available)

	b, err := s.GetBalance(ctx, bob)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(dec("250")), "got %s", b.Available)

	entries, err := s.Entries(ctx, txID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, models.EntryStatusPosted, e.Status)
	}
}

func TestPostRejectsUnbalancedEntries(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedBalance(t, s, "alice", "USD", "1000")

	err := s.Post(ctx, "t1", uuid.New(), []EntryInput{
		{AccountID: "alice", Currency: "USD", Amount: dec("250"), Direction: models.EntryDirectionDebit},
		{AccountID: "bob", Currency: "USD", Amount: dec("200"), Direction: models.EntryDirectionCredit},
	})
	assert.True(t, errors.IsKind(err, errors.KindUnbalancedEntries))
}

func TestPostRejectsPerCurrencyImbalance(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedBalance(t, s, "alice", "USD", "1000")
	seedBalance(t, s, "bob", "EUR", "1000")

	// Balanced in total but unbalanced within each currency group.
	err := s.Post(ctx, "t1", uuid.New(), []EntryInput{
		{AccountID: "alice", Currency: "USD", Amount: dec("100"), Direction: models.EntryDirectionDebit},
		{AccountID: "bob", Currency: "EUR", Amount: dec("100"), Direction: models.EntryDirectionCredit},
	})
	assert.True(t, errors.IsKind(err, errors.KindUnbalancedEntries))
}

func TestPostIsAtomicOnMidwayFailure(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	alice := seedBalance(t, s, "alice", "USD", "100")

	txID := uuid.New()
	// Sorted application order puts the credit to "aaa" before the debit to
	// "alice"; the credit succeeds, then the oversized debit fails, and the
	// whole posting must roll back.
	err := s.Post(ctx, "t1", txID, []EntryInput{
		{AccountID: "aaa", Currency: "USD", Amount: dec("500"), Direction: models.EntryDirectionCredit},
		{AccountID: "alice", Currency: "USD", Amount: dec("500"), Direction: models.EntryDirectionDebit},
	})
	assert.True(t, errors.IsKind(err, errors.KindInsufficientFunds))

	// Zero partial entries visible and no balance row created for "aaa".
	entries, err := s.Entries(ctx, txID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = s.GetBalance(ctx, models.BalanceKey{TenantID: "t1", AccountID: "aaa", Currency: "USD"})
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	a, err := s.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.True(t, a.Available.Equal(dec("100")))
}

func TestReverseRestoresBalancesAndMarksOriginals(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	alice := seedBalance(t, s, "alice", "USD", "1000")
	bob := seedBalance(t, s, "bob", "USD", "0")

	txID := uuid.New()
	require.NoError(t, s.Post(ctx, "t1", txID, []EntryInput{
		{AccountID: "alice", Currency: "USD", Amount: dec("300"), Direction: models.EntryDirectionDebit},
		{AccountID: "bob", Currency: "USD", Amount: dec("300"), Direction: models.EntryDirectionCredit},
	}))

	reversalID := uuid.New()
	require.NoError(t, s.Reverse(ctx, "t1", txID, reversalID))

	a, _ := s.GetBalance(ctx, alice)
	b, _ := s.GetBalance(ctx, bob)
	assert.True(t, a.Available.Equal(dec("1000")))
	assert.True(t, b.Available.Equal(dec("0")))

	originals, err := s.Entries(ctx, txID)
	require.NoError(t, err)
	for _, e := range originals {
		assert.Equal(t, models.EntryStatusReversed, e.Status)
	}

	reversals, err := s.Entries(ctx, reversalID)
	require.NoError(t, err)
	assert.Len(t, reversals, 2)
	for _, e := range reversals {
		require.NotNil(t, e.ReversalOf)
		assert.Equal(t, models.EntryStatusPosted, e.Status)
	}

	// Reversing twice fails: the originals are no longer posted.
	err = s.Reverse(ctx, "t1", txID, uuid.New())
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestReverseRestoresReservedLegs(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	alice := seedBalance(t, s, "alice", "USD", "1000")

	// Place a hold: available -> reserved.
	holdTx := uuid.New()
	require.NoError(t, s.Post(ctx, "t1", holdTx, []EntryInput{
		{AccountID: "alice", Currency: "USD", Amount: dec("400"), Direction: models.EntryDirectionDebit},
		{AccountID: "alice", Currency: "USD", Amount: dec("400"), Direction: models.EntryDirectionCredit, Reserved: true},
	}))

	a, _ := s.GetBalance(ctx, alice)
	assert.True(t, a.Available.Equal(dec("600")))
	assert.True(t, a.Reserved.Equal(dec("400")))

	require.NoError(t, s.Reverse(ctx, "t1", holdTx, uuid.New()))

	a, _ = s.GetBalance(ctx, alice)
	assert.True(t, a.Available.Equal(dec("1000")), "got %s", a.Available)
	assert.True(t, a.Reserved.Equal(dec("0")), "got %s", a.Reserved)
}

func TestZeroSumInvariantAcrossPostings(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedBalance(t, s, "alice", "USD", "1000")
	seedBalance(t, s, "bob", "USD", "500")

	txIDs := make([]uuid.UUID, 0, 5)
	for i := 0; i < 5; i++ {
		txID := uuid.New()
		txIDs = append(txIDs, txID)
		require.NoError(t, s.Post(ctx, "t1", txID, []EntryInput{
			{AccountID: "alice", Currency: "USD", Amount: dec("10"), Direction: models.EntryDirectionDebit},
			{AccountID: "bob", Currency: "USD", Amount: dec("10"), Direction: models.EntryDirectionCredit},
		}))
	}

	// Per transaction and currency: sum(debits) == sum(credits).
	for _, txID := range txIDs {
		entries, err := s.Entries(ctx, txID)
		require.NoError(t, err)
		sums := make(map[string]decimal.Decimal)
		for _, e := range entries {
			if e.Direction == models.EntryDirectionDebit {
				sums[e.Currency] = sums[e.Currency].Add(e.Amount)
			} else {
				sums[e.Currency] = sums[e.Currency].Sub(e.Amount)
			}
		}
		for currency, sum := range sums {
			assert.True(t, sum.IsZero(), "currency %s unbalanced by %s", currency, sum)
		}
	}
}

func TestApplyFundOpIdempotence(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	key := seedBalance(t, s, "alice", "USD", "1000")

	op := models.FundOperation{
		OperationID: uuid.New(),
		Kind:        models.FundOpReserve,
		TenantID:    key.TenantID,
		AccountID:   key.AccountID,
		Currency:    key.Currency,
		Amount:      dec("600"),
	}
	require.NoError(t, s.ApplyFundOp(ctx, op))
	// At-least-once delivery replays the same operation id.
	require.NoError(t, s.ApplyFundOp(ctx, op))

	b, err := s.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(dec("400")), "got %s", b.Available)
	assert.True(t, b.Reserved.Equal(dec("600")), "got %s", b.Reserved)
}

func TestVersionIncrementsOnEveryWrite(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	key := seedBalance(t, s, "alice", "USD", "100")

	before, err := s.GetBalance(ctx, key)
	require.NoError(t, err)

	require.NoError(t, s.ApplyFundOp(ctx, models.FundOperation{
		OperationID: uuid.New(),
		Kind:        models.FundOpReserve,
		TenantID:    key.TenantID,
		AccountID:   key.AccountID,
		Currency:    key.Currency,
		Amount:      dec("1"),
	}))

	after, err := s.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, before.Version+1, after.Version)
}
