package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

// AccountID identifies a credit account (the project name usage is attributed to).
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if strings.Contains(trimmed, chargeKeyDelimiter) {
		return AccountID{}, fmt.Errorf("%w: must not contain %q", ErrInvalidAccountID, chargeKeyDelimiter)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// Day is a calendar day in UTC.
type Day struct {
	value time.Time
}

// NewDay builds a day from its calendar components.
func NewDay(year int, month time.Month, dayOfMonth int) Day {
	return Day{value: time.Date(year, month, dayOfMonth, 0, 0, 0, 0, time.UTC)}
}

// DayOf truncates a timestamp to its UTC calendar day.
func DayOf(moment time.Time) Day {
	utc := moment.UTC()
	return NewDay(utc.Year(), utc.Month(), utc.Day())
}

// ParseDay parses a YYYY-MM-DD value.
func ParseDay(raw string) (Day, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Day{}, fmt.Errorf("%w: empty value", ErrInvalidDay)
	}
	parsed, err := time.Parse(dayLayout, trimmed)
	if err != nil {
		return Day{}, fmt.Errorf("%w: %v", ErrInvalidDay, err)
	}
	return DayOf(parsed), nil
}

// String returns YYYY-MM-DD, or an empty string for the zero day.
func (day Day) String() string {
	if day.value.IsZero() {
		return ""
	}
	return day.value.Format(dayLayout)
}

// IsZero reports whether the day is unset.
func (day Day) IsZero() bool {
	return day.value.IsZero()
}

// AddDays returns the day offset by the given number of days.
func (day Day) AddDays(days int) Day {
	return Day{value: day.value.AddDate(0, 0, days)}
}

// Next returns the following day.
func (day Day) Next() Day {
	return day.AddDays(1)
}

// Before reports whether day is earlier than other.
func (day Day) Before(other Day) bool {
	return day.value.Before(other.value)
}

// After reports whether day is later than other.
func (day Day) After(other Day) bool {
	return day.value.After(other.value)
}

// Equal reports whether both values name the same day.
func (day Day) Equal(other Day) bool {
	return day.value.Equal(other.value)
}

// Start returns midnight UTC at the beginning of the day.
func (day Day) Start() time.Time {
	return day.value
}

// End returns midnight UTC at the beginning of the following day.
func (day Day) End() time.Time {
	return day.value.AddDate(0, 0, 1)
}

// ResourceKind is the ledger a charge is applied to.
type ResourceKind string

const (
	ResourceKindCPU ResourceKind = "cpu"
	ResourceKindGPU ResourceKind = "gpu"
)

// ResourceKinds lists every kind in ledger order.
func ResourceKinds() []ResourceKind {
	return []ResourceKind{ResourceKindCPU, ResourceKindGPU}
}

// ParseResourceKind validates a resource kind.
func ParseResourceKind(raw string) (ResourceKind, error) {
	kind := ResourceKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case ResourceKindCPU, ResourceKindGPU:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResourceKind, raw)
	}
}

// String returns the kind name.
func (kind ResourceKind) String() string {
	return string(kind)
}

// KindLedger is the running balance of one resource kind within an account.
type KindLedger struct {
	ChargeFunction ChargeFunctionName
	Credits        float64
	Charges        float64
	LastChargeDate Day
	LastCreditDate Day
}

// Remaining returns credits minus charges.
func (kindLedger KindLedger) Remaining() float64 {
	return kindLedger.Credits - kindLedger.Charges
}

// PercentUsed returns charges as a percentage of credits, or zero with no credits.
func (kindLedger KindLedger) PercentUsed() float64 {
	if kindLedger.Credits <= 0 {
		return 0
	}
	return 100 * kindLedger.Charges / kindLedger.Credits
}

// Account is the ledger state of a credit account.
type Account struct {
	ID          AccountID
	Owner       string
	OwnerEmail  string
	Affiliation string
	// V1ChargeFunction retains the single charge function of a migrated v1 account.
	V1ChargeFunction ChargeFunctionName
	Kinds            map[ResourceKind]KindLedger
	// Schema is the layout the account was read from; v1 accounts are rewritten in full.
	Schema SchemaVersion
}

// Kind returns the ledger for kind and whether the account carries it.
func (account Account) Kind(kind ResourceKind) (KindLedger, bool) {
	kindLedger, ok := account.Kinds[kind]
	return kindLedger, ok
}

// Clone returns a deep copy.
func (account Account) Clone() Account {
	cloned := account
	cloned.Kinds = make(map[ResourceKind]KindLedger, len(account.Kinds))
	for kind, kindLedger := range account.Kinds {
		cloned.Kinds[kind] = kindLedger
	}
	return cloned
}

// bindCounterparts binds every kind missing from kinds to the same-vintage
// counterpart of a carried kind, with an empty balance.
func bindCounterparts(kinds map[ResourceKind]KindLedger) {
	for _, missing := range ResourceKinds() {
		if _, carried := kinds[missing]; carried {
			continue
		}
		for _, carriedKind := range ResourceKinds() {
			kindLedger, carried := kinds[carriedKind]
			if !carried {
				continue
			}
			counterpart, err := kindLedger.ChargeFunction.Counterpart()
			if err != nil {
				continue
			}
			if counterpartKind, err := counterpart.Kind(); err == nil && counterpartKind == missing {
				kinds[missing] = KindLedger{ChargeFunction: counterpart}
				break
			}
		}
	}
}

// ValidateBindings ensures every resource kind is bound to a known charge function of that kind.
func (account Account) ValidateBindings() error {
	if len(account.Kinds) == 0 {
		return ConfigurationError{Component: "account " + account.ID.String(), Reason: "no resource kinds configured"}
	}
	for _, kind := range ResourceKinds() {
		kindLedger, carried := account.Kinds[kind]
		function := kindLedger.ChargeFunction
		if !carried || function == "" {
			return ConfigurationError{Component: "account " + account.ID.String(), Reason: "no charge function bound for " + kind.String()}
		}
		functionKind, err := function.Kind()
		if err != nil {
			return ConfigurationError{Component: "account " + account.ID.String(), Reason: err.Error()}
		}
		if functionKind != kind {
			return ConfigurationError{
				Component: "account " + account.ID.String(),
				Reason:    fmt.Sprintf("charge function %s prices %s, bound to %s", function, functionKind, kind),
			}
		}
	}
	return nil
}

func (account Account) sortedKinds() []ResourceKind {
	kinds := make([]ResourceKind, 0, len(account.Kinds))
	for kind := range account.Kinds {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(left, right int) bool { return kinds[left] < kinds[right] })
	return kinds
}

// ChargeRecord is the amount owed by one user of an account for one resource on one day.
type ChargeRecord struct {
	AccountID      AccountID
	Day            Day
	UserID         string
	Kind           ResourceKind
	ResourceName   string
	ChargeFunction ChargeFunctionName
	Amount         float64
}

// NewChargeRecord validates a charge record.
func NewChargeRecord(accountID AccountID, day Day, userID string, kind ResourceKind, resourceName string, function ChargeFunctionName, amount float64) (ChargeRecord, error) {
	if accountID.String() == "" {
		return ChargeRecord{}, fmt.Errorf("%w: account id is required", ErrInvalidChargeRecord)
	}
	if day.IsZero() {
		return ChargeRecord{}, fmt.Errorf("%w: day is required", ErrInvalidChargeRecord)
	}
	if strings.TrimSpace(userID) == "" || strings.Contains(userID, chargeKeyDelimiter) {
		return ChargeRecord{}, fmt.Errorf("%w: invalid user id %q", ErrInvalidChargeRecord, userID)
	}
	if _, err := ParseResourceKind(kind.String()); err != nil {
		return ChargeRecord{}, fmt.Errorf("%w: %v", ErrInvalidChargeRecord, err)
	}
	if strings.TrimSpace(resourceName) == "" || strings.Contains(resourceName, chargeKeyDelimiter) {
		return ChargeRecord{}, fmt.Errorf("%w: invalid resource name %q", ErrInvalidChargeRecord, resourceName)
	}
	if amount < 0 {
		return ChargeRecord{}, fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	return ChargeRecord{
		AccountID:      accountID,
		Day:            day,
		UserID:         userID,
		Kind:           kind,
		ResourceName:   resourceName,
		ChargeFunction: function,
		Amount:         amount,
	}, nil
}

// Key is the identity of the record: account#date#user#kind#resource.
// Re-writing a record with the same key overwrites it.
func (record ChargeRecord) Key() string {
	return strings.Join([]string{
		record.AccountID.String(),
		record.Day.String(),
		record.UserID,
		record.Kind.String(),
		record.ResourceName,
	}, chargeKeyDelimiter)
}

// UsageRecord is one completed job as reported by the usage index.
type UsageRecord struct {
	ID               string
	Owner            string
	SubmitHost       string
	RecordTime       time.Time
	WallClockSeconds float64
	RequestCpus      float64
	RequestMemoryMiB float64
	RequestGpus      float64
	Hyperthread      bool
	ResourceSite     string
}

// User returns owner@schedd with UNKNOWN for missing parts.
func (record UsageRecord) User() string {
	owner := strings.TrimSpace(record.Owner)
	if owner == "" {
		owner = unknownUserPart
	}
	host := strings.TrimSpace(record.SubmitHost)
	if host == "" {
		host = unknownUserPart
	}
	return owner + userHostDelimiter + host
}

// Kind classifies the job: any requested GPU makes it a gpu job.
func (record UsageRecord) Kind() ResourceKind {
	if record.RequestGpus > 0 {
		return ResourceKindGPU
	}
	return ResourceKindCPU
}

// Hours returns the wall clock time in hours.
func (record UsageRecord) Hours() float64 {
	return record.WallClockSeconds / secondsPerHour
}
