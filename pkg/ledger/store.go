package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Document is a JSON-like body addressed by an id within an index.
type Document struct {
	ID   string
	Body map[string]any
}

// RangeFilter selects numeric field values in [GTE, LT).
type RangeFilter struct {
	Field string
	GTE   float64
	LT    float64
}

// Query selects documents with exact-match terms and an optional numeric range.
type Query struct {
	Terms map[string]string
	Range *RangeFilter
}

// Matches evaluates the query against a body. Stores that cannot push a filter
// down use it to finish the selection in memory.
func (query Query) Matches(body map[string]any) bool {
	for field, expected := range query.Terms {
		actual, ok := StringField(body, field)
		if !ok || actual != expected {
			return false
		}
	}
	if query.Range != nil {
		value, ok := NumberField(body, query.Range.Field)
		if !ok || value < query.Range.GTE || value >= query.Range.LT {
			return false
		}
	}
	return true
}

// BulkFailure names a document a bulk write could not apply.
type BulkFailure struct {
	ID     string
	Reason string
}

// BulkResult reports the per-document outcome of a bulk write.
type BulkResult struct {
	SuccessCount int
	Failures     []BulkFailure
}

// DocumentStore is the non-transactional document store the ledger runs on.
// BulkUpsert merges the given fields into existing documents (creating missing ones)
// and never aborts the batch on a per-document failure.
type DocumentStore interface {
	Search(ctx context.Context, indexPattern string, query Query) ([]Document, error)
	IndexUpsert(ctx context.Context, index string, document Document) error
	BulkUpsert(ctx context.Context, index string, documents []Document) (BulkResult, error)
}

// UsageSource yields the usage records attributed to an account within a day.
type UsageSource interface {
	UsageRecords(ctx context.Context, accountID AccountID, day Day) ([]UsageRecord, error)
}

// SnapshotStore persists write-once end-of-day copies of every account.
type SnapshotStore interface {
	Exists(ctx context.Context, day Day) (bool, error)
	Write(ctx context.Context, day Day, accounts []Account) error
	Read(ctx context.Context, day Day) ([]Account, error)
}

// NumberField reads a numeric field, accepting the representations the store drivers decode to.
func NumberField(body map[string]any, field string) (float64, bool) {
	raw, ok := body[field]
	if !ok || raw == nil {
		return 0, false
	}
	return toFloat(raw)
}

func toFloat(raw any) (float64, bool) {
	switch value := raw.(type) {
	case float64:
		return value, !math.IsNaN(value)
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int32:
		return float64(value), true
	case int64:
		return float64(value), true
	case uint32:
		return float64(value), true
	case uint64:
		return float64(value), true
	case json.Number:
		parsed, err := value.Float64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return parsed, err == nil
	case bool:
		if value {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// StringField reads a string field.
func StringField(body map[string]any, field string) (string, bool) {
	raw, ok := body[field]
	if !ok || raw == nil {
		return "", false
	}
	switch value := raw.(type) {
	case string:
		return value, true
	case fmt.Stringer:
		return value.String(), true
	default:
		return fmt.Sprint(value), true
	}
}

// BoolField reads a boolean field; numeric values are true when non-zero.
func BoolField(body map[string]any, field string) (bool, bool) {
	raw, ok := body[field]
	if !ok || raw == nil {
		return false, false
	}
	switch value := raw.(type) {
	case bool:
		return value, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		return parsed, err == nil
	default:
		number, isNumber := toFloat(value)
		return number != 0, isNumber
	}
}

// DayField reads a day stored either as YYYY-MM-DD (optionally with a time suffix)
// or as epoch seconds.
func DayField(body map[string]any, field string) (Day, bool, error) {
	raw, ok := body[field]
	if !ok || raw == nil {
		return Day{}, false, nil
	}
	if text, isText := raw.(string); isText {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return Day{}, false, nil
		}
		if len(trimmed) > len(dayLayout) {
			trimmed = trimmed[:len(dayLayout)]
		}
		day, err := ParseDay(trimmed)
		if err != nil {
			return Day{}, false, fmt.Errorf("%w: field %s: %v", ErrInvalidDocument, field, err)
		}
		return day, true, nil
	}
	if moment, isTime := raw.(time.Time); isTime {
		return DayOf(moment), true, nil
	}
	seconds, isNumber := toFloat(raw)
	if !isNumber {
		return Day{}, false, fmt.Errorf("%w: field %s is not a date", ErrInvalidDocument, field)
	}
	return DayOf(time.Unix(int64(seconds), 0)), true, nil
}
