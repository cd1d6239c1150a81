// Package settlement defines the transaction variants the core settles and
// the fixed double-entry template each variant posts. Every variant is a
// tagged type carrying only its own fields, with one pure entry-generation
// function; the workflow and engine never switch on type strings.
package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/quantex/exchange-core/internal/ledger"
	"github.com/quantex/exchange-core/internal/marketdata"
	"github.com/quantex/exchange-core/pkg/errors"
	"github.com/quantex/exchange-core/pkg/models"
)

// Well-known tenant-level accounts referenced by the entry templates.
const (
	// CashAccount is the tenant's external cash position: the counterpart
	// of customer deposits and withdrawals.
	CashAccount = "system:cash"
	// RevenueAccount collects commissions and fees.
	RevenueAccount = "system:revenue"
	// FXAccount is the tenant's conversion book for cross-currency
	// transfers: it absorbs one currency and emits the other.
	FXAccount = "system:fx"
)

// Variant is one settleable transaction type.
type Variant interface {
	// Type returns the transaction type tag persisted on the record.
	Type() string
	// Tenant returns the owning tenant.
	Tenant() string
	// Validate checks the variant's fields before any write.
	Validate() error
	// Entries produces the balanced double-entry template. Rate lookups
	// happen here, before any lock or mutation.
	Entries(rates marketdata.RateSource) ([]ledger.EntryInput, error)
	// Accounts returns every balance touched, for deterministic locking.
	Accounts() []models.BalanceKey
	// Primary returns the customer-facing leg recorded on the transaction
	// row and counted against tenant limits.
	Primary() (accountID, currency string, amount decimal.Decimal)
}

// Deposit credits external funds into a customer account.
type Deposit struct {
	TenantID  string
	AccountID string
	Currency  string
	Amount    decimal.Decimal
}

func (d Deposit) Type() string   { return models.TransactionTypeDeposit }
func (d Deposit) Tenant() string { return d.TenantID }

func (d Deposit) Validate() error {
	return validateCommon(d.TenantID, d.AccountID, d.Currency, d.Amount)
}

func (d Deposit) Entries(marketdata.RateSource) ([]ledger.EntryInput, error) {
	return []ledger.EntryInput{
		{AccountID: CashAccount, Currency: d.Currency, Amount: d.Amount, Direction: models.EntryDirectionDebit},
		{AccountID: d.AccountID, Currency: d.Currency, Amount: d.Amount, Direction: models.EntryDirectionCredit},
	}, nil
}

func (d Deposit) Accounts() []models.BalanceKey {
	return []models.BalanceKey{
		{TenantID: d.TenantID, AccountID: CashAccount, Currency: d.Currency},
		{TenantID: d.TenantID, AccountID: d.AccountID, Currency: d.Currency},
	}
}

func (d Deposit) Primary() (string, string, decimal.Decimal) {
	return d.AccountID, d.Currency, d.Amount
}

// Withdrawal debits a customer account out to the tenant's cash position,
// optionally charging a fee to the revenue account.
type Withdrawal struct {
	TenantID  string
	AccountID string
	Currency  string
	Amount    decimal.Decimal
	Fee       decimal.Decimal
}

func (w Withdrawal) Type() string   { return models.TransactionTypeWithdrawal }
func (w Withdrawal) Tenant() string { return w.TenantID }

func (w Withdrawal) Validate() error {
	if err := validateCommon(w.TenantID, w.AccountID, w.Currency, w.Amount); err != nil {
		return err
	}
	if w.Fee.IsNegative() {
		return errors.New(errors.KindValidation, "fee cannot be negative")
	}
	return nil
}

func (w Withdrawal) Entries(marketdata.RateSource) ([]ledger.EntryInput, error) {
	entries := []ledger.EntryInput{
		{AccountID: w.AccountID, Currency: w.Currency, Amount: w.Amount.Add(w.Fee), Direction: models.EntryDirectionDebit},
		{AccountID: CashAccount, Currency: w.Currency, Amount: w.Amount, Direction: models.EntryDirectionCredit},
	}
	if w.Fee.IsPositive() {
		entries = append(entries, ledger.EntryInput{
			AccountID: RevenueAccount, Currency: w.Currency, Amount: w.Fee, Direction: models.EntryDirectionCredit,
		})
	}
	return entries, nil
}

func (w Withdrawal) Accounts() []models.BalanceKey {
	keys := []models.BalanceKey{
		{TenantID: w.TenantID, AccountID: w.AccountID, Currency: w.Currency},
		{TenantID: w.TenantID, AccountID: CashAccount, Currency: w.Currency},
	}
	if w.Fee.IsPositive() {
		keys = append(keys, models.BalanceKey{TenantID: w.TenantID, AccountID: RevenueAccount, Currency: w.Currency})
	}
	return keys
}

func (w Withdrawal) Primary() (string, string, decimal.Decimal) {
	return w.AccountID, w.Currency, w.Amount
}

// Transfer moves funds between two customer accounts, converting through
// the tenant's FX book when the currencies differ.
type Transfer struct {
	TenantID      string
	FromAccountID string
	ToAccountID   string
	FromCurrency  string
	ToCurrency    string
	Amount        decimal.Decimal
}

func (t Transfer) Type() string   { return models.TransactionTypeTransfer }
func (t Transfer) Tenant() string { return t.TenantID }

func (t Transfer) Validate() error {
	if err := validateCommon(t.TenantID, t.FromAccountID, t.FromCurrency, t.Amount); err != nil {
		return err
	}
	if t.ToAccountID == "" {
		return errors.New(errors.KindValidation, "destination account is required")
	}
	if t.ToCurrency == "" {
		return errors.New(errors.KindValidation, "destination currency is required")
	}
	if t.FromAccountID == t.ToAccountID && t.FromCurrency == t.ToCurrency {
		return errors.New(errors.KindValidation, "cannot transfer to the same balance")
	}
	return nil
}

func (t Transfer) Entries(rates marketdata.RateSource) ([]ledger.EntryInput, error) {
	if t.FromCurrency == t.ToCurrency {
		return []ledger.EntryInput{
			{AccountID: t.FromAccountID, Currency: t.FromCurrency, Amount: t.Amount, Direction: models.EntryDirectionDebit},
			{AccountID: t.ToAccountID, Currency: t.ToCurrency, Amount: t.Amount, Direction: models.EntryDirectionCredit},
		}, nil
	}

	rate, err := rates.GetRate(t.FromCurrency, t.ToCurrency)
	if err != nil {
		return nil, err
	}
	converted := t.Amount.Mul(rate)
	// The FX book absorbs the source currency and emits the destination
	// currency, keeping each currency group balanced.
	return []ledger.EntryInput{
		{AccountID: t.FromAccountID, Currency: t.FromCurrency, Amount: t.Amount, Direction: models.EntryDirectionDebit},
		{AccountID: FXAccount, Currency: t.FromCurrency, Amount: t.Amount, Direction: models.EntryDirectionCredit},
		{AccountID: FXAccount, Currency: t.ToCurrency, Amount: converted, Direction: models.EntryDirectionDebit},
		{AccountID: t.ToAccountID, Currency: t.ToCurrency, Amount: converted, Direction: models.EntryDirectionCredit},
	}, nil
}

func (t Transfer) Accounts() []models.BalanceKey {
	keys := []models.BalanceKey{
		{TenantID: t.TenantID, AccountID: t.FromAccountID, Currency: t.FromCurrency},
		{TenantID: t.TenantID, AccountID: t.ToAccountID, Currency: t.ToCurrency},
	}
	if t.FromCurrency != t.ToCurrency {
		keys = append(keys,
			models.BalanceKey{TenantID: t.TenantID, AccountID: FXAccount, Currency: t.FromCurrency},
			models.BalanceKey{TenantID: t.TenantID, AccountID: FXAccount, Currency: t.ToCurrency})
	}
	return keys
}

func (t Transfer) Primary() (string, string, decimal.Decimal) {
	return t.FromAccountID, t.FromCurrency, t.Amount
}

// Hold earmarks customer funds: available to reserved on the same account,
// pending release or consumption.
type Hold struct {
	TenantID  string
	AccountID string
	Currency  string
	Amount    decimal.Decimal
	Reason    string
}

func (h Hold) Type() string   { return models.TransactionTypeHold }
func (h Hold) Tenant() string { return h.TenantID }

func (h Hold) Validate() error {
	if err := validateCommon(h.TenantID, h.AccountID, h.Currency, h.Amount); err != nil {
		return err
	}
	if h.Reason == "" {
		return errors.New(errors.KindValidation, "hold reason is required")
	}
	return nil
}

func (h Hold) Entries(marketdata.RateSource) ([]ledger.EntryInput, error) {
	return []ledger.EntryInput{
		{AccountID: h.AccountID, Currency: h.Currency, Amount: h.Amount, Direction: models.EntryDirectionDebit},
		{AccountID: h.AccountID, Currency: h.Currency, Amount: h.Amount, Direction: models.EntryDirectionCredit, Reserved: true},
	}, nil
}

func (h Hold) Accounts() []models.BalanceKey {
	return []models.BalanceKey{{TenantID: h.TenantID, AccountID: h.AccountID, Currency: h.Currency}}
}

func (h Hold) Primary() (string, string, decimal.Decimal) {
	return h.AccountID, h.Currency, h.Amount
}

// HoldRelease returns previously held funds to available.
type HoldRelease struct {
	TenantID  string
	AccountID string
	Currency  string
	Amount    decimal.Decimal
}

func (h HoldRelease) Type() string   { return models.TransactionTypeHoldRelease }
func (h HoldRelease) Tenant() string { return h.TenantID }

func (h HoldRelease) Validate() error {
	return validateCommon(h.TenantID, h.AccountID, h.Currency, h.Amount)
}

func (h HoldRelease) Entries(marketdata.RateSource) ([]ledger.EntryInput, error) {
	return []ledger.EntryInput{
		{AccountID: h.AccountID, Currency: h.Currency, Amount: h.Amount, Direction: models.EntryDirectionDebit, Reserved: true},
		{AccountID: h.AccountID, Currency: h.Currency, Amount: h.Amount, Direction: models.EntryDirectionCredit},
	}, nil
}

func (h HoldRelease) Accounts() []models.BalanceKey {
	return []models.BalanceKey{{TenantID: h.TenantID, AccountID: h.AccountID, Currency: h.Currency}}
}

func (h HoldRelease) Primary() (string, string, decimal.Decimal) {
	return h.AccountID, h.Currency, h.Amount
}

// TradeCapture settles one matched trade: the buyer's reserved quote funds
// pay the seller (minus commission to revenue) and the seller's reserved
// base funds deliver to the buyer.
type TradeCapture struct {
	TenantID      string
	BuyerID       string
	SellerID      string
	BaseCurrency  string
	QuoteCurrency string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Commission    decimal.Decimal
}

func (tc TradeCapture) Type() string   { return models.TransactionTypeTrade }
func (tc TradeCapture) Tenant() string { return tc.TenantID }

func (tc TradeCapture) Validate() error {
	if tc.TenantID == "" {
		return errors.New(errors.KindValidation, "tenant is required")
	}
	if tc.BuyerID == "" || tc.SellerID == "" {
		return errors.New(errors.KindValidation, "buyer and seller are required")
	}
	if tc.Quantity.LessThanOrEqual(decimal.Zero) || tc.Price.LessThanOrEqual(decimal.Zero) {
		return errors.New(errors.KindValidation, "quantity and price must be positive")
	}
	total := tc.Quantity.Mul(tc.Price)
	if tc.Commission.IsNegative() || tc.Commission.GreaterThanOrEqual(total) {
		return errors.New(errors.KindValidation, "commission must be in [0, total)")
	}
	return nil
}

func (tc TradeCapture) Entries(marketdata.RateSource) ([]ledger.EntryInput, error) {
	total := tc.Quantity.Mul(tc.Price)
	sellerProceeds := total.Sub(tc.Commission)

	entries := []ledger.EntryInput{
		// Quote leg: buyer's reservation pays the seller.
		{AccountID: tc.BuyerID, Currency: tc.QuoteCurrency, Amount: total, Direction: models.EntryDirectionDebit, Reserved: true},
		{AccountID: tc.SellerID, Currency: tc.QuoteCurrency, Amount: sellerProceeds, Direction: models.EntryDirectionCredit},
		// Base leg: seller's reservation delivers to the buyer.
		{AccountID: tc.SellerID, Currency: tc.BaseCurrency, Amount: tc.Quantity, Direction: models.EntryDirectionDebit, Reserved: true},
		{AccountID: tc.BuyerID, Currency: tc.BaseCurrency, Amount: tc.Quantity, Direction: models.EntryDirectionCredit},
	}
	if tc.Commission.IsPositive() {
		entries = append(entries, ledger.EntryInput{
			AccountID: RevenueAccount, Currency: tc.QuoteCurrency, Amount: tc.Commission, Direction: models.EntryDirectionCredit,
		})
	}
	return entries, nil
}

func (tc TradeCapture) Accounts() []models.BalanceKey {
	keys := []models.BalanceKey{
		{TenantID: tc.TenantID, AccountID: tc.BuyerID, Currency: tc.QuoteCurrency},
		{TenantID: tc.TenantID, AccountID: tc.BuyerID, Currency: tc.BaseCurrency},
		{TenantID: tc.TenantID, AccountID: tc.SellerID, Currency: tc.QuoteCurrency},
		{TenantID: tc.TenantID, AccountID: tc.SellerID, Currency: tc.BaseCurrency},
	}
	if tc.Commission.IsPositive() {
		keys = append(keys, models.BalanceKey{TenantID: tc.TenantID, AccountID: RevenueAccount, Currency: tc.QuoteCurrency})
	}
	return keys
}

func (tc TradeCapture) Primary() (string, string, decimal.Decimal) {
	return tc.BuyerID, tc.QuoteCurrency, tc.Quantity.Mul(tc.Price)
}

func validateCommon(tenant, account, currency string, amount decimal.Decimal) error {
	if tenant == "" {
		return errors.New(errors.KindValidation, "tenant is required")
	}
	if account == "" {
		return errors.New(errors.KindValidation, "account is required")
	}
	if currency == "" {
		return errors.New(errors.KindValidation, "currency is required")
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return errors.New(errors.KindValidation, "amount must be positive, got %s", amount)
	}
	return nil
}
