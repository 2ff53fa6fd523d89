package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Default index names of the document store.
const (
	DefaultAccountIndex       = "cas-credit-accounts"
	DefaultUsageIndex         = "path-schedd-*"
	DefaultChargeIndex        = "cas-daily-charge-records"
	DefaultChargeIndexPattern = "cas-daily-charge-records*"
)

// AccountRepository reads and administers account documents.
type AccountRepository struct {
	store   DocumentStore
	index   string
	now     func() Day
	options options
}

// NewAccountRepository wires an account repository over store.
func NewAccountRepository(store DocumentStore, index string, today func() Day, configure ...Option) (*AccountRepository, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(index) == "" {
		return nil, fmt.Errorf("%w: account index is empty", ErrInvalidServiceConfig)
	}
	if today == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &AccountRepository{store: store, index: index, now: today, options: newOptions(configure)}, nil
}

// Index returns the account index name.
func (repository *AccountRepository) Index() string {
	return repository.index
}

// List returns every account sorted by id, migrating legacy documents.
func (repository *AccountRepository) List(ctx context.Context) ([]Account, error) {
	documents, err := repository.store.Search(ctx, repository.index, Query{})
	if err != nil {
		return nil, WrapError(errorOperationRepository, errorSubjectAccount, errorCodeSearch, err)
	}
	accounts := make([]Account, 0, len(documents))
	for _, document := range documents {
		account, err := DecodeAccount(document)
		if err != nil {
			return nil, WrapError(errorOperationRepository, errorSubjectAccount, errorCodeDecode, fmt.Errorf("document %s: %w", document.ID, err))
		}
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(left, right int) bool { return accounts[left].ID.String() < accounts[right].ID.String() })
	return accounts, nil
}

// ListDocuments returns the raw versioned documents, for migration.
func (repository *AccountRepository) ListDocuments(ctx context.Context) ([]AccountDocument, error) {
	documents, err := repository.store.Search(ctx, repository.index, Query{})
	if err != nil {
		return nil, WrapError(errorOperationRepository, errorSubjectAccount, errorCodeSearch, err)
	}
	decoded := make([]AccountDocument, 0, len(documents))
	for _, document := range documents {
		accountDocument, err := DecodeAccountDocument(document)
		if err != nil {
			return nil, WrapError(errorOperationRepository, errorSubjectAccount, errorCodeDecode, fmt.Errorf("document %s: %w", document.ID, err))
		}
		decoded = append(decoded, accountDocument)
	}
	return decoded, nil
}

// Get returns one account. Legacy documents may lack the account_id field, so the
// lookup matches document ids over the whole (small) account index.
func (repository *AccountRepository) Get(ctx context.Context, accountID AccountID) (Account, error) {
	documents, err := repository.store.Search(ctx, repository.index, Query{})
	if err != nil {
		return Account{}, WrapError(errorOperationRepository, errorSubjectAccount, errorCodeSearch, err)
	}
	for _, document := range documents {
		candidate, err := decodeAccountID(document)
		if err != nil || candidate != accountID {
			continue
		}
		account, err := DecodeAccount(document)
		if err != nil {
			return Account{}, WrapError(errorOperationRepository, errorSubjectAccount, errorCodeDecode, err)
		}
		return account, nil
	}
	return Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
}

// NewAccountRequest describes an account to create. Kinds left out of Functions are
// bound to the counterpart of a listed function.
type NewAccountRequest struct {
	ID          AccountID
	Owner       string
	OwnerEmail  string
	Affiliation string
	Functions   map[ResourceKind]ChargeFunctionName
	Credits     map[ResourceKind]float64
}

// Create validates charge function bindings and writes a new v2 account.
func (repository *AccountRepository) Create(ctx context.Context, request NewAccountRequest) (Account, error) {
	account := Account{
		ID:          request.ID,
		Owner:       strings.TrimSpace(request.Owner),
		OwnerEmail:  strings.TrimSpace(request.OwnerEmail),
		Affiliation: strings.TrimSpace(request.Affiliation),
		Kinds:       make(map[ResourceKind]KindLedger, len(request.Functions)),
		Schema:      SchemaV2,
	}
	today := repository.now()
	for kind, function := range request.Functions {
		credits := request.Credits[kind]
		if credits < 0 {
			return Account{}, fmt.Errorf("%w: %s credits %v", ErrInvalidAmount, kind, credits)
		}
		kindLedger := KindLedger{ChargeFunction: function, Credits: credits}
		if credits > 0 {
			kindLedger.LastCreditDate = today
		}
		account.Kinds[kind] = kindLedger
	}
	bindCounterparts(account.Kinds)
	if err := account.ValidateBindings(); err != nil {
		return Account{}, err
	}
	createError := repository.create(ctx, account)
	repository.options.logOperation(ctx, OperationLog{Operation: operationCreate, AccountID: account.ID, Day: today, Error: createError})
	if createError != nil {
		return Account{}, createError
	}
	return account, nil
}

func (repository *AccountRepository) create(ctx context.Context, account Account) error {
	if _, err := repository.Get(ctx, account.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrAccountExists, account.ID)
	} else if !isUnknownAccount(err) {
		return err
	}
	if err := repository.store.IndexUpsert(ctx, repository.index, EncodeAccount(account)); err != nil {
		return WrapError(errorOperationRepository, errorSubjectAccount, errorCodeUpsert, err)
	}
	return nil
}

// AddCredits adds credits to one kind and stamps its last credit date.
func (repository *AccountRepository) AddCredits(ctx context.Context, accountID AccountID, kind ResourceKind, credits float64) (Account, error) {
	today := repository.now()
	var updated Account
	operationError := fmt.Errorf("%w: credits must be greater than zero", ErrInvalidAmount)
	if credits > 0 {
		updated, operationError = repository.updateCredits(ctx, accountID, kind, today, func(current float64) float64 { return current + credits })
	}
	repository.options.logOperation(ctx, OperationLog{Operation: operationAddCredits, AccountID: accountID, Day: today, Amount: credits, Error: operationError})
	return updated, operationError
}

// SetCredits overwrites the credits of one kind, for corrections, and stamps its
// last credit date. Charges are left untouched.
func (repository *AccountRepository) SetCredits(ctx context.Context, accountID AccountID, kind ResourceKind, credits float64) (Account, error) {
	today := repository.now()
	var updated Account
	operationError := fmt.Errorf("%w: credits must not be negative", ErrInvalidAmount)
	if credits >= 0 {
		updated, operationError = repository.updateCredits(ctx, accountID, kind, today, func(float64) float64 { return credits })
	}
	repository.options.logOperation(ctx, OperationLog{Operation: operationSetCredits, AccountID: accountID, Day: today, Amount: credits, Error: operationError})
	return updated, operationError
}

func (repository *AccountRepository) updateCredits(ctx context.Context, accountID AccountID, kind ResourceKind, today Day, next func(current float64) float64) (Account, error) {
	account, err := repository.Get(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	kindLedger, carried := account.Kind(kind)
	if !carried {
		return Account{}, ConfigurationError{Component: "account " + accountID.String(), Reason: "no charge function bound for " + kind.String()}
	}
	kindLedger.Credits = next(kindLedger.Credits)
	kindLedger.LastCreditDate = today
	account.Kinds[kind] = kindLedger
	document := EncodeAccount(account)
	if account.Schema == SchemaV2 {
		prefix := kind.String()
		document = Document{ID: accountID.String(), Body: map[string]any{
			FieldSchemaVersion:                 string(SchemaV2),
			FieldAccountID:                     accountID.String(),
			prefix + fieldSuffixChargeFunction: kindLedger.ChargeFunction.String(),
			prefix + fieldSuffixCredits:        kindLedger.Credits,
			prefix + fieldSuffixLastCredit:     encodeDay(today),
		}}
	}
	if err := repository.merge(ctx, document); err != nil {
		return Account{}, err
	}
	return account, nil
}

// EditOwner replaces the owner name and email; empty values are left unchanged.
func (repository *AccountRepository) EditOwner(ctx context.Context, accountID AccountID, owner string, ownerEmail string) (Account, error) {
	updated, operationError := repository.editOwner(ctx, accountID, strings.TrimSpace(owner), strings.TrimSpace(ownerEmail))
	repository.options.logOperation(ctx, OperationLog{Operation: operationEditOwner, AccountID: accountID, Error: operationError})
	return updated, operationError
}

func (repository *AccountRepository) editOwner(ctx context.Context, accountID AccountID, owner string, ownerEmail string) (Account, error) {
	account, err := repository.Get(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	body := map[string]any{FieldAccountID: accountID.String()}
	if owner != "" {
		account.Owner = owner
		body[FieldOwner] = owner
	}
	if ownerEmail != "" {
		account.OwnerEmail = ownerEmail
		body[FieldOwnerEmail] = ownerEmail
	}
	if err := repository.merge(ctx, Document{ID: accountID.String(), Body: body}); err != nil {
		return Account{}, err
	}
	return account, nil
}

// Migrate rewrites a v1 document in the v2 layout.
func (repository *AccountRepository) Migrate(ctx context.Context, legacy AccountV1) (Account, error) {
	account, operationError := MigrateAccountV1(legacy)
	if operationError == nil {
		account.Schema = SchemaV2
		operationError = repository.store.IndexUpsert(ctx, repository.index, EncodeAccount(account))
		operationError = WrapError(errorOperationRepository, errorSubjectAccount, errorCodeUpsert, operationError)
	}
	repository.options.logOperation(ctx, OperationLog{Operation: operationMigrate, AccountID: legacy.ID, Error: operationError})
	return account, operationError
}

func (repository *AccountRepository) merge(ctx context.Context, document Document) error {
	result, err := repository.store.BulkUpsert(ctx, repository.index, []Document{document})
	if err != nil {
		return WrapError(errorOperationRepository, errorSubjectAccount, errorCodeBulk, err)
	}
	if len(result.Failures) > 0 {
		return WrapError(errorOperationRepository, errorSubjectAccount, errorCodeBulk,
			PartialBulkFailure{Index: repository.index, Failures: result.Failures})
	}
	return nil
}

// ChargeRepository writes and reads daily charge records.
type ChargeRepository struct {
	store        DocumentStore
	index        string
	indexPattern string
}

// NewChargeRepository writes to index and reads from indexPattern.
func NewChargeRepository(store DocumentStore, index string, indexPattern string) (*ChargeRepository, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(index) == "" {
		return nil, fmt.Errorf("%w: charge index is empty", ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(indexPattern) == "" {
		indexPattern = index
	}
	return &ChargeRepository{store: store, index: index, indexPattern: indexPattern}, nil
}

// Write upserts records by identity key. Per-record failures are returned in the result.
func (repository *ChargeRepository) Write(ctx context.Context, records []ChargeRecord) (BulkResult, error) {
	if len(records) == 0 {
		return BulkResult{}, nil
	}
	documents := make([]Document, 0, len(records))
	for _, record := range records {
		documents = append(documents, EncodeChargeRecord(record))
	}
	result, err := repository.store.BulkUpsert(ctx, repository.index, documents)
	if err != nil {
		return BulkResult{}, WrapError(errorOperationRepository, errorSubjectCharge, errorCodeBulk, err)
	}
	return result, nil
}

// ListByDay returns the records of one day, optionally restricted to one account.
func (repository *ChargeRepository) ListByDay(ctx context.Context, day Day, accountID *AccountID) ([]ChargeRecord, error) {
	terms := map[string]string{FieldDate: day.String()}
	if accountID != nil {
		terms[FieldAccountID] = accountID.String()
	}
	documents, err := repository.store.Search(ctx, repository.indexPattern, Query{Terms: terms})
	if err != nil {
		return nil, WrapError(errorOperationRepository, errorSubjectCharge, errorCodeSearch, err)
	}
	records := make([]ChargeRecord, 0, len(documents))
	for _, document := range documents {
		record, err := DecodeChargeRecord(document)
		if err != nil {
			return nil, WrapError(errorOperationRepository, errorSubjectCharge, errorCodeDecode, err)
		}
		records = append(records, record)
	}
	SortChargeRecords(records)
	return records, nil
}

// EncodeChargeRecord renders a charge document keyed by the record identity.
func EncodeChargeRecord(record ChargeRecord) Document {
	return Document{ID: record.Key(), Body: map[string]any{
		FieldSchemaVersion:  string(SchemaV2),
		FieldAccountID:      record.AccountID.String(),
		FieldChargeType:     record.Kind.String(),
		FieldChargeFunction: record.ChargeFunction.String(),
		FieldDate:           record.Day.String(),
		FieldUserID:         record.UserID,
		FieldResourceName:   record.ResourceName,
		FieldTotalCharges:   record.Amount,
	}}
}

// DecodeChargeRecord parses a v2 charge document.
func DecodeChargeRecord(document Document) (ChargeRecord, error) {
	version, _ := StringField(document.Body, FieldSchemaVersion)
	if SchemaVersion(version) != SchemaV2 {
		return ChargeRecord{}, fmt.Errorf("%w: charge %s has version %q", ErrUnsupportedSchema, document.ID, version)
	}
	rawAccount, _ := StringField(document.Body, FieldAccountID)
	accountID, err := NewAccountID(rawAccount)
	if err != nil {
		return ChargeRecord{}, fmt.Errorf("%w: charge %s: %v", ErrInvalidDocument, document.ID, err)
	}
	day, present, err := DayField(document.Body, FieldDate)
	if err != nil {
		return ChargeRecord{}, err
	}
	if !present {
		return ChargeRecord{}, fmt.Errorf("%w: charge %s has no date", ErrInvalidDocument, document.ID)
	}
	rawKind, _ := StringField(document.Body, FieldChargeType)
	kind, err := ParseResourceKind(rawKind)
	if err != nil {
		return ChargeRecord{}, fmt.Errorf("%w: charge %s: %v", ErrInvalidDocument, document.ID, err)
	}
	userID, _ := StringField(document.Body, FieldUserID)
	resourceName, _ := StringField(document.Body, FieldResourceName)
	function, _ := StringField(document.Body, FieldChargeFunction)
	amount, _ := NumberField(document.Body, FieldTotalCharges)
	return NewChargeRecord(accountID, day, userID, kind, resourceName, ChargeFunctionName(function), amount)
}

// SortChargeRecords orders records by day, account, kind, user, then resource.
func SortChargeRecords(records []ChargeRecord) {
	sort.Slice(records, func(left, right int) bool {
		return chargeOrder(records[left], records[right])
	})
}

func chargeOrder(left ChargeRecord, right ChargeRecord) bool {
	if !left.Day.Equal(right.Day) {
		return left.Day.Before(right.Day)
	}
	if left.AccountID != right.AccountID {
		return left.AccountID.String() < right.AccountID.String()
	}
	if left.Kind != right.Kind {
		return left.Kind < right.Kind
	}
	if left.UserID != right.UserID {
		return left.UserID < right.UserID
	}
	return left.ResourceName < right.ResourceName
}

func isUnknownAccount(err error) bool {
	return errors.Is(err, ErrUnknownAccount)
}
