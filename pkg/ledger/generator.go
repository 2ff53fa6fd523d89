package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Warning is a non-fatal problem recorded against an account and day.
type Warning struct {
	AccountID AccountID
	Day       Day
	RecordID  string
	Site      string
	Err       error
}

// String renders the warning for reports.
func (warning Warning) String() string {
	message := fmt.Sprintf("%s %s: %v", warning.AccountID, warning.Day, warning.Err)
	if warning.RecordID != "" {
		message += " (record " + warning.RecordID
		if warning.Site != "" {
			message += " at " + warning.Site
		}
		message += ")"
	}
	return message
}

// Generation is the output of one Generate call.
type Generation struct {
	AccountID  AccountID
	Day        Day
	UsageCount int
	Records    []ChargeRecord
	Warnings   []Warning
}

// Total sums every record amount.
func (generation Generation) Total() float64 {
	total := decimal.Zero
	for _, record := range generation.Records {
		total = total.Add(decimal.NewFromFloat(record.Amount))
	}
	return total.InexactFloat64()
}

// Generator turns one account's usage for one day into charge records.
type Generator struct {
	usage     UsageSource
	evaluator *Evaluator
	options   options
}

// NewGenerator wires a Generator.
func NewGenerator(usage UsageSource, evaluator *Evaluator, configure ...Option) (*Generator, error) {
	if usage == nil {
		return nil, fmt.Errorf("%w: usage source dependency is nil", ErrInvalidServiceConfig)
	}
	if evaluator == nil {
		return nil, fmt.Errorf("%w: evaluator dependency is nil", ErrInvalidServiceConfig)
	}
	return &Generator{usage: usage, evaluator: evaluator, options: newOptions(configure)}, nil
}

// chargeAccumulator sums amounts by kind, user, and resource.
type chargeAccumulator map[ResourceKind]map[string]map[string]decimal.Decimal

func (accumulator chargeAccumulator) add(kind ResourceKind, user string, resource string, amount float64) {
	users, ok := accumulator[kind]
	if !ok {
		users = make(map[string]map[string]decimal.Decimal)
		accumulator[kind] = users
	}
	resources, ok := users[user]
	if !ok {
		resources = make(map[string]decimal.Decimal)
		users[user] = resources
	}
	resources[resource] = resources[resource].Add(decimal.NewFromFloat(amount))
}

// Generate prices every usage record of the day. Re-running it for the same
// account, day, and usage yields the same records. A missing charge function
// binding is returned as a ConfigurationError; record-level problems become warnings.
func (generator *Generator) Generate(ctx context.Context, account Account, day Day) (Generation, error) {
	generation, operationError := generator.generate(ctx, account, day)
	generator.options.logOperation(ctx, OperationLog{
		Operation: operationGenerate,
		AccountID: account.ID,
		Day:       day,
		Amount:    generation.Total(),
		Count:     len(generation.Records),
		Error:     operationError,
	})
	return generation, operationError
}

func (generator *Generator) generate(ctx context.Context, account Account, day Day) (Generation, error) {
	generation := Generation{AccountID: account.ID, Day: day}
	usageRecords, err := generator.usage.UsageRecords(ctx, account.ID, day)
	if err != nil {
		return generation, err
	}
	generation.UsageCount = len(usageRecords)
	accumulator := make(chargeAccumulator)
	functions := make(map[ResourceKind]ChargeFunctionName)
	for _, usage := range usageRecords {
		kind := usage.Kind()
		kindLedger, carried := account.Kind(kind)
		if !carried || kindLedger.ChargeFunction == "" {
			return Generation{AccountID: account.ID, Day: day}, ConfigurationError{
				Component: "account " + account.ID.String(),
				Reason:    "no charge function bound for " + kind.String(),
			}
		}
		charges, negatives, err := generator.evaluator.Evaluate(kindLedger.ChargeFunction, usage)
		if err != nil {
			var rangeError RangeError
			if errors.As(err, &rangeError) {
				generation.Warnings = append(generation.Warnings, Warning{AccountID: account.ID, Day: day, RecordID: usage.ID, Site: usage.ResourceSite, Err: err})
				generator.options.logger.Warn("usage record excluded",
					zap.String("account_id", account.ID.String()),
					zap.String("day", day.String()),
					zap.String("record_id", usage.ID),
					zap.String("site", usage.ResourceSite),
					zap.Error(err))
				continue
			}
			return Generation{AccountID: account.ID, Day: day}, err
		}
		for _, negative := range negatives {
			generation.Warnings = append(generation.Warnings, Warning{AccountID: account.ID, Day: day, RecordID: usage.ID, Site: usage.ResourceSite, Err: negative})
			generator.options.logger.Warn("negative charge clamped to zero",
				zap.String("account_id", account.ID.String()),
				zap.String("day", day.String()),
				zap.String("record_id", usage.ID),
				zap.String("site", usage.ResourceSite),
				zap.String("charge_function", negative.Function.String()),
				zap.String("resource", negative.Resource),
				zap.Float64("value", negative.Amount))
		}
		functions[kind] = kindLedger.ChargeFunction
		user := usage.User()
		for _, resource := range charges.Resources() {
			accumulator.add(kind, user, resource, charges[resource])
		}
	}
	generation.Records, generation.Warnings = generator.emit(account.ID, day, accumulator, functions, generation.Warnings)
	return generation, nil
}

func (generator *Generator) emit(accountID AccountID, day Day, accumulator chargeAccumulator, functions map[ResourceKind]ChargeFunctionName, warnings []Warning) ([]ChargeRecord, []Warning) {
	threshold := decimal.NewFromFloat(negligibleChargeThreshold)
	var records []ChargeRecord
	for _, kind := range sortedKeys(accumulator) {
		users := accumulator[kind]
		for _, user := range sortedKeys(users) {
			resources := users[user]
			for _, resource := range sortedKeys(resources) {
				total := resources[resource]
				if total.LessThan(threshold) {
					continue
				}
				record, err := NewChargeRecord(accountID, day, user, kind, resource, functions[kind], total.InexactFloat64())
				if err != nil {
					warnings = append(warnings, Warning{AccountID: accountID, Day: day, Err: err})
					continue
				}
				records = append(records, record)
			}
		}
	}
	return records, warnings
}

func sortedKeys[Key ~string, Value any](values map[Key]Value) []Key {
	keys := make([]Key, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(left, right int) bool { return keys[left] < keys[right] })
	return keys
}
