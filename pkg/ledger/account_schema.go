package ledger

import (
	"fmt"
	"strings"
)

// SchemaVersion tags the layout of a stored account document.
type SchemaVersion string

const (
	// SchemaV1 documents carry one charge function and one balance. They predate
	// the cas_version tag, so an untagged document is v1.
	SchemaV1 SchemaVersion = "v1"
	// SchemaV2 documents carry a balance per resource kind.
	SchemaV2 SchemaVersion = "v2"
)

// AccountV1 is the single-ledger account layout.
type AccountV1 struct {
	ID             AccountID
	Owner          string
	OwnerEmail     string
	ChargeFunction ChargeFunctionName
	Credits        float64
	Charges        float64
	LastChargeDate Day
	LastCreditDate Day
}

// AccountDocument is a decoded account in exactly one schema version.
type AccountDocument struct {
	Version SchemaVersion
	V1      *AccountV1
	V2      *Account
}

// Account returns the document as a current account, migrating v1 layouts.
func (document AccountDocument) Account() (Account, error) {
	switch document.Version {
	case SchemaV2:
		if document.V2 == nil {
			return Account{}, fmt.Errorf("%w: empty v2 account", ErrInvalidDocument)
		}
		account := document.V2.Clone()
		account.Schema = SchemaV2
		return account, nil
	case SchemaV1:
		if document.V1 == nil {
			return Account{}, fmt.Errorf("%w: empty v1 account", ErrInvalidDocument)
		}
		return MigrateAccountV1(*document.V1)
	default:
		return Account{}, fmt.Errorf("%w: %q", ErrUnsupportedSchema, document.Version)
	}
}

// MigrateAccountV1 converts a v1 account. The v1 charge function binds its own kind
// and keeps the balances; the other kind is bound to the same-vintage counterpart
// with zero balances and no dates.
func MigrateAccountV1(legacy AccountV1) (Account, error) {
	kind, err := legacy.ChargeFunction.Kind()
	if err != nil {
		return Account{}, fmt.Errorf("migrate account %s: %w", legacy.ID, err)
	}
	counterpart, err := legacy.ChargeFunction.Counterpart()
	if err != nil {
		return Account{}, fmt.Errorf("migrate account %s: %w", legacy.ID, err)
	}
	counterpartKind, err := counterpart.Kind()
	if err != nil {
		return Account{}, fmt.Errorf("migrate account %s: %w", legacy.ID, err)
	}
	return Account{
		ID:               legacy.ID,
		Owner:            legacy.Owner,
		OwnerEmail:       legacy.OwnerEmail,
		V1ChargeFunction: legacy.ChargeFunction,
		Kinds: map[ResourceKind]KindLedger{
			kind: {
				ChargeFunction: legacy.ChargeFunction,
				Credits:        legacy.Credits,
				Charges:        legacy.Charges,
				LastChargeDate: legacy.LastChargeDate,
				LastCreditDate: legacy.LastCreditDate,
			},
			counterpartKind: {ChargeFunction: counterpart},
		},
		Schema: SchemaV1,
	}, nil
}

// DecodeAccountDocument dispatches on the explicit cas_version tag.
func DecodeAccountDocument(document Document) (AccountDocument, error) {
	version := SchemaV1
	if rawVersion, tagged := StringField(document.Body, FieldSchemaVersion); tagged {
		version = SchemaVersion(strings.ToLower(strings.TrimSpace(rawVersion)))
	}
	accountID, err := decodeAccountID(document)
	if err != nil {
		return AccountDocument{}, err
	}
	switch version {
	case SchemaV1:
		legacy, err := decodeAccountV1(accountID, document.Body)
		if err != nil {
			return AccountDocument{}, err
		}
		return AccountDocument{Version: SchemaV1, V1: &legacy}, nil
	case SchemaV2:
		account, err := decodeAccountV2(accountID, document.Body)
		if err != nil {
			return AccountDocument{}, err
		}
		return AccountDocument{Version: SchemaV2, V2: &account}, nil
	default:
		return AccountDocument{}, fmt.Errorf("%w: account %s has version %q", ErrUnsupportedSchema, accountID, version)
	}
}

// DecodeAccount decodes and migrates in one step.
func DecodeAccount(document Document) (Account, error) {
	decoded, err := DecodeAccountDocument(document)
	if err != nil {
		return Account{}, err
	}
	return decoded.Account()
}

func decodeAccountID(document Document) (AccountID, error) {
	raw := document.ID
	if raw == "" {
		raw, _ = StringField(document.Body, FieldAccountID)
	}
	accountID, err := NewAccountID(raw)
	if err != nil {
		return AccountID{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return accountID, nil
}

func decodeAccountV1(accountID AccountID, body map[string]any) (AccountV1, error) {
	legacy := AccountV1{ID: accountID}
	legacy.Owner, _ = StringField(body, FieldOwner)
	legacy.OwnerEmail, _ = StringField(body, FieldOwnerEmail)
	rawFunction, _ := StringField(body, fieldV1Type)
	legacy.ChargeFunction = ChargeFunctionName(strings.TrimSpace(rawFunction))
	legacy.Credits, _ = NumberField(body, fieldV1TotalCredits)
	legacy.Charges, _ = NumberField(body, fieldV1TotalCharges)
	var err error
	if legacy.LastChargeDate, _, err = DayField(body, fieldV1LastChargeDate); err != nil {
		return AccountV1{}, err
	}
	if legacy.LastCreditDate, _, err = DayField(body, fieldV1LastCreditDate); err != nil {
		return AccountV1{}, err
	}
	return legacy, nil
}

func decodeAccountV2(accountID AccountID, body map[string]any) (Account, error) {
	account := Account{ID: accountID, Kinds: make(map[ResourceKind]KindLedger)}
	account.Owner, _ = StringField(body, FieldOwner)
	account.OwnerEmail, _ = StringField(body, FieldOwnerEmail)
	account.Affiliation, _ = StringField(body, FieldAffiliation)
	if legacyFunction, ok := StringField(body, FieldV1Function); ok {
		account.V1ChargeFunction = ChargeFunctionName(legacyFunction)
	}
	for _, kind := range ResourceKinds() {
		prefix := kind.String()
		function, carried := StringField(body, prefix+fieldSuffixChargeFunction)
		if !carried {
			continue
		}
		kindLedger := KindLedger{ChargeFunction: ChargeFunctionName(strings.TrimSpace(function))}
		kindLedger.Credits, _ = NumberField(body, prefix+fieldSuffixCredits)
		kindLedger.Charges, _ = NumberField(body, prefix+fieldSuffixCharges)
		var err error
		if kindLedger.LastChargeDate, _, err = DayField(body, prefix+fieldSuffixLastCharge); err != nil {
			return Account{}, err
		}
		if kindLedger.LastCreditDate, _, err = DayField(body, prefix+fieldSuffixLastCredit); err != nil {
			return Account{}, err
		}
		account.Kinds[kind] = kindLedger
	}
	bindCounterparts(account.Kinds)
	return account, nil
}

// EncodeAccount renders a full v2 document.
func EncodeAccount(account Account) Document {
	body := map[string]any{
		FieldSchemaVersion: string(SchemaV2),
		FieldAccountID:     account.ID.String(),
		FieldOwner:         account.Owner,
		FieldOwnerEmail:    account.OwnerEmail,
	}
	if account.Affiliation != "" {
		body[FieldAffiliation] = account.Affiliation
	}
	if account.V1ChargeFunction != "" {
		body[FieldV1Function] = account.V1ChargeFunction.String()
	}
	for kind, kindLedger := range account.Kinds {
		prefix := kind.String()
		body[prefix+fieldSuffixChargeFunction] = kindLedger.ChargeFunction.String()
		body[prefix+fieldSuffixCredits] = kindLedger.Credits
		body[prefix+fieldSuffixCharges] = kindLedger.Charges
		body[prefix+fieldSuffixLastCharge] = encodeDay(kindLedger.LastChargeDate)
		body[prefix+fieldSuffixLastCredit] = encodeDay(kindLedger.LastCreditDate)
	}
	return Document{ID: account.ID.String(), Body: body}
}

// encodeChargeFields renders the partial document the applier merges: only the
// binding, charge total, and watermark of the given kinds.
func encodeChargeFields(account Account, kinds []ResourceKind) Document {
	body := map[string]any{
		FieldSchemaVersion: string(SchemaV2),
		FieldAccountID:     account.ID.String(),
	}
	for _, kind := range kinds {
		kindLedger := account.Kinds[kind]
		prefix := kind.String()
		body[prefix+fieldSuffixChargeFunction] = kindLedger.ChargeFunction.String()
		body[prefix+fieldSuffixCharges] = kindLedger.Charges
		body[prefix+fieldSuffixLastCharge] = encodeDay(kindLedger.LastChargeDate)
	}
	return Document{ID: account.ID.String(), Body: body}
}

func encodeDay(day Day) any {
	if day.IsZero() {
		return nil
	}
	return day.String()
}
