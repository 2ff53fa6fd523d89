package ledger

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// RateTable maps lower-bound thresholds to per-unit rates. A lookup selects the
// rate of the greatest threshold at or below the value.
type RateTable struct {
	name  string
	steps []rateStep
}

type rateStep struct {
	threshold float64
	rate      float64
}

// NewRateTable builds a named table from numeric thresholds.
func NewRateTable(name string, rates map[float64]float64) (RateTable, error) {
	if len(rates) == 0 {
		return RateTable{}, ConfigurationError{Component: "rate table " + name, Reason: "no thresholds"}
	}
	steps := make([]rateStep, 0, len(rates))
	for threshold, rate := range rates {
		if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
			return RateTable{}, ConfigurationError{Component: "rate table " + name, Reason: fmt.Sprintf("threshold %v is not finite", threshold)}
		}
		if math.IsNaN(rate) || math.IsInf(rate, 0) {
			return RateTable{}, ConfigurationError{Component: "rate table " + name, Reason: fmt.Sprintf("rate %v is not finite", rate)}
		}
		steps = append(steps, rateStep{threshold: threshold, rate: rate})
	}
	sort.Slice(steps, func(left, right int) bool { return steps[left].threshold > steps[right].threshold })
	return RateTable{name: name, steps: steps}, nil
}

// ParseRateTable builds a table whose thresholds arrive as strings, as they do in
// pricing files. Non-numeric and duplicate thresholds are configuration errors.
func ParseRateTable(name string, rates map[string]float64) (RateTable, error) {
	numeric := make(map[float64]float64, len(rates))
	for rawThreshold, rate := range rates {
		threshold, err := strconv.ParseFloat(strings.TrimSpace(rawThreshold), 64)
		if err != nil {
			return RateTable{}, ConfigurationError{Component: "rate table " + name, Reason: fmt.Sprintf("threshold %q is not numeric", rawThreshold)}
		}
		if _, duplicate := numeric[threshold]; duplicate {
			return RateTable{}, ConfigurationError{Component: "rate table " + name, Reason: fmt.Sprintf("threshold %q is duplicated", rawThreshold)}
		}
		numeric[threshold] = rate
	}
	return NewRateTable(name, numeric)
}

// mustRateTable is used for the built-in tables, which are known to be valid.
func mustRateTable(name string, rates map[float64]float64) RateTable {
	table, err := NewRateTable(name, rates)
	if err != nil {
		panic(err)
	}
	return table
}

// Name returns the table name used in errors.
func (table RateTable) Name() string {
	return table.name
}

// Lookup returns the rate of the greatest threshold at or below value.
func (table RateTable) Lookup(value float64) (float64, error) {
	if math.IsNaN(value) {
		return 0, RangeError{Table: table.name, Value: value}
	}
	for _, step := range table.steps {
		if step.threshold <= value {
			return step.rate, nil
		}
	}
	return 0, RangeError{Table: table.name, Value: value}
}

// Thresholds returns the thresholds in descending order.
func (table RateTable) Thresholds() []float64 {
	thresholds := make([]float64, len(table.steps))
	for index, step := range table.steps {
		thresholds[index] = step.threshold
	}
	return thresholds
}
