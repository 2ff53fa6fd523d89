package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Domain-level error values returned by the charge ledger.
var (
	ErrInvalidAccountID      = errors.New("invalid account id")
	ErrInvalidDay            = errors.New("invalid day")
	ErrInvalidResourceKind   = errors.New("invalid resource kind")
	ErrInvalidChargeFunction = errors.New("invalid charge function")
	ErrInvalidChargeRecord   = errors.New("invalid charge record")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
	ErrInvalidDocument       = errors.New("invalid document")
	ErrUnsupportedSchema     = errors.New("unsupported schema version")
	ErrUnknownAccount        = errors.New("unknown account")
	ErrAccountExists         = errors.New("account already exists")
	ErrSnapshotExists        = errors.New("snapshot already exists")
	ErrSnapshotNotFound      = errors.New("snapshot not found")

	ErrConfiguration      = errors.New("configuration error")
	ErrOutOfRange         = errors.New("value out of range")
	ErrNegativeCharge     = errors.New("negative charge")
	ErrLedgerOrder        = errors.New("ledger order violation")
	ErrPartialBulkFailure = errors.New("partial bulk failure")
	ErrGapDetected        = errors.New("snapshot gap detected")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// ConfigurationError reports a malformed rate table, an unknown charge function,
// or an account kind with no charge function bound. It aborts the run.
type ConfigurationError struct {
	Component string
	Reason    string
}

func (configurationError ConfigurationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrConfiguration, configurationError.Component, configurationError.Reason)
}

func (configurationError ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// RangeError reports a lookup value that no rate table threshold covers.
// The usage record that produced it is excluded from the day's charges.
type RangeError struct {
	Table string
	Value float64
}

func (rangeError RangeError) Error() string {
	return fmt.Sprintf("%v: table %s has no threshold at or below %v", ErrOutOfRange, rangeError.Table, rangeError.Value)
}

func (rangeError RangeError) Unwrap() error {
	return ErrOutOfRange
}

// NegativeChargeWarning reports a cost component that evaluated below zero and was clamped.
type NegativeChargeWarning struct {
	Function ChargeFunctionName
	Resource string
	Amount   float64
}

func (warning NegativeChargeWarning) Error() string {
	return fmt.Sprintf("%v: %s %s evaluated to %v", ErrNegativeCharge, warning.Function, warning.Resource, warning.Amount)
}

func (warning NegativeChargeWarning) Unwrap() error {
	return ErrNegativeCharge
}

// LedgerOrderError reports an apply attempt for a day at or before the kind's watermark.
type LedgerOrderError struct {
	AccountID AccountID
	Kind      ResourceKind
	Day       Day
	Watermark Day
}

func (orderError LedgerOrderError) Error() string {
	return fmt.Sprintf("%v: account %s %s charges for %s not after last charge date %s",
		ErrLedgerOrder, orderError.AccountID, orderError.Kind, orderError.Day, orderError.Watermark)
}

func (orderError LedgerOrderError) Unwrap() error {
	return ErrLedgerOrder
}

// PartialBulkFailure reports per-document failures from a bulk write.
type PartialBulkFailure struct {
	Index    string
	Failures []BulkFailure
}

func (partialFailure PartialBulkFailure) Error() string {
	identifiers := make([]string, 0, len(partialFailure.Failures))
	for _, failure := range partialFailure.Failures {
		identifiers = append(identifiers, failure.ID)
	}
	return fmt.Sprintf("%v: %d documents in %s: %s",
		ErrPartialBulkFailure, len(partialFailure.Failures), partialFailure.Index, strings.Join(identifiers, ", "))
}

func (partialFailure PartialBulkFailure) Unwrap() error {
	return ErrPartialBulkFailure
}

// GapDetectedCritical reports a missing snapshot followed by a present one.
type GapDetectedCritical struct {
	Missing Day
	Present Day
}

func (gapError GapDetectedCritical) Error() string {
	return fmt.Sprintf("%v: snapshot for %s missing while %s exists", ErrGapDetected, gapError.Missing, gapError.Present)
}

func (gapError GapDetectedCritical) Unwrap() error {
	return ErrGapDetected
}
