package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AccountReader fetches the current state of one account.
type AccountReader interface {
	Get(ctx context.Context, accountID AccountID) (Account, error)
}

// Application is the outcome of applying one day of charges.
type Application struct {
	Day      Day
	Updated  map[AccountID]Account
	Rejected []LedgerOrderError
	Failures []BulkFailure
	Warnings []Warning
}

// Complete reports whether every account write succeeded.
func (application Application) Complete() bool {
	return len(application.Failures) == 0
}

// UpdatedAccounts returns the written accounts sorted by id.
func (application Application) UpdatedAccounts() []Account {
	accounts := make([]Account, 0, len(application.Updated))
	for _, account := range application.Updated {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(left, right int) bool { return accounts[left].ID.String() < accounts[right].ID.String() })
	return accounts
}

// Applier folds charge records into account ledgers.
type Applier struct {
	store    DocumentStore
	index    string
	accounts AccountReader
	options  options
}

// NewApplier wires an Applier writing account documents to index.
func NewApplier(store DocumentStore, index string, accounts AccountReader, configure ...Option) (*Applier, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(index) == "" {
		return nil, fmt.Errorf("%w: account index is empty", ErrInvalidServiceConfig)
	}
	if accounts == nil {
		return nil, fmt.Errorf("%w: account reader dependency is nil", ErrInvalidServiceConfig)
	}
	return &Applier{store: store, index: index, accounts: accounts, options: newOptions(configure)}, nil
}

type pendingUpdate struct {
	account  Account
	document Document
	amount   float64
}

// Apply adds the day's charges to each account and advances the charged kinds'
// last charge dates. State is taken from current when present and fetched otherwise.
// An account whose charged kind is already at or past day is rejected whole.
// Per-account write failures are collected; the batch is never aborted.
func (applier *Applier) Apply(ctx context.Context, day Day, charges []ChargeRecord, current map[AccountID]Account) (Application, error) {
	application := Application{Day: day, Updated: make(map[AccountID]Account)}
	grouped := make(map[AccountID][]ChargeRecord)
	for _, record := range charges {
		if !record.Day.Equal(day) {
			application.Warnings = append(application.Warnings, Warning{
				AccountID: record.AccountID,
				Day:       day,
				Err:       fmt.Errorf("%w: record %s is dated %s", ErrInvalidChargeRecord, record.Key(), record.Day),
			})
			continue
		}
		if record.Amount < 0 {
			application.Warnings = append(application.Warnings, Warning{AccountID: record.AccountID, Day: day, Err: fmt.Errorf("%w: record %s", ErrInvalidAmount, record.Key())})
			continue
		}
		grouped[record.AccountID] = append(grouped[record.AccountID], record)
	}
	accountIDs := make([]AccountID, 0, len(grouped))
	for accountID := range grouped {
		accountIDs = append(accountIDs, accountID)
	}
	sort.Slice(accountIDs, func(left, right int) bool { return accountIDs[left].String() < accountIDs[right].String() })

	var pending []pendingUpdate
	for _, accountID := range accountIDs {
		account, found := current[accountID]
		if !found {
			fetched, err := applier.accounts.Get(ctx, accountID)
			if errors.Is(err, ErrUnknownAccount) {
				application.Warnings = append(application.Warnings, Warning{AccountID: accountID, Day: day, Err: err})
				applier.options.logger.Warn("charges for unknown account skipped", zap.String("account_id", accountID.String()), zap.String("day", day.String()))
				continue
			}
			if err != nil {
				return application, err
			}
			account = fetched
		}
		update, rejection, err := applier.prepare(account, day, grouped[accountID])
		if err != nil {
			application.Warnings = append(application.Warnings, Warning{AccountID: accountID, Day: day, Err: err})
			continue
		}
		if rejection != nil {
			application.Rejected = append(application.Rejected, *rejection)
			applier.options.logger.Warn("charges not after last charge date", zap.Error(*rejection))
			applier.options.logOperation(ctx, OperationLog{Operation: operationApply, AccountID: accountID, Day: day, Error: *rejection})
			continue
		}
		pending = append(pending, update)
	}

	if len(pending) == 0 {
		return application, nil
	}
	if applier.options.dryRun {
		for _, update := range pending {
			application.Updated[update.account.ID] = update.account
		}
		return application, nil
	}

	documents := make([]Document, 0, len(pending))
	for _, update := range pending {
		documents = append(documents, update.document)
	}
	result, err := applier.store.BulkUpsert(ctx, applier.index, documents)
	if err != nil {
		operationError := WrapError(errorOperationRepository, errorSubjectAccount, errorCodeBulk, err)
		applier.options.logOperation(ctx, OperationLog{Operation: operationApply, Day: day, Count: len(pending), Error: operationError})
		return application, operationError
	}
	failed := make(map[string]BulkFailure, len(result.Failures))
	for _, failure := range result.Failures {
		failed[failure.ID] = failure
	}
	application.Failures = result.Failures
	for _, update := range pending {
		if failure, isFailed := failed[update.account.ID.String()]; isFailed {
			applier.options.logOperation(ctx, OperationLog{
				Operation: operationApply,
				AccountID: update.account.ID,
				Day:       day,
				Amount:    update.amount,
				Error:     fmt.Errorf("%w: %s", ErrPartialBulkFailure, failure.Reason),
			})
			continue
		}
		update.account.Schema = SchemaV2
		application.Updated[update.account.ID] = update.account
		applier.options.logOperation(ctx, OperationLog{Operation: operationApply, AccountID: update.account.ID, Day: day, Amount: update.amount})
	}
	return application, nil
}

func (applier *Applier) prepare(account Account, day Day, records []ChargeRecord) (pendingUpdate, *LedgerOrderError, error) {
	sums := make(map[ResourceKind]decimal.Decimal)
	for _, record := range records {
		sums[record.Kind] = sums[record.Kind].Add(decimal.NewFromFloat(record.Amount))
	}
	kinds := sortedKeys(sums)
	for _, kind := range kinds {
		kindLedger, carried := account.Kind(kind)
		if !carried {
			return pendingUpdate{}, nil, ConfigurationError{Component: "account " + account.ID.String(), Reason: "no charge function bound for " + kind.String()}
		}
		if !kindLedger.LastChargeDate.IsZero() && !day.After(kindLedger.LastChargeDate) {
			return pendingUpdate{}, &LedgerOrderError{AccountID: account.ID, Kind: kind, Day: day, Watermark: kindLedger.LastChargeDate}, nil
		}
	}
	updated := account.Clone()
	total := decimal.Zero
	for _, kind := range kinds {
		kindLedger := updated.Kinds[kind]
		kindLedger.Charges = decimal.NewFromFloat(kindLedger.Charges).Add(sums[kind]).InexactFloat64()
		kindLedger.LastChargeDate = day
		updated.Kinds[kind] = kindLedger
		total = total.Add(sums[kind])
	}
	document := encodeChargeFields(updated, kinds)
	if account.Schema != SchemaV2 {
		document = EncodeAccount(updated)
	}
	return pendingUpdate{account: updated, document: document, amount: total.InexactFloat64()}, nil, nil
}
