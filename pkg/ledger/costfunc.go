package ledger

import (
	"fmt"
	"sort"
	"strings"
)

// ChargeFunctionName names one of the built-in pricing strategies.
type ChargeFunctionName string

const (
	ChargeFunctionCPU2022 ChargeFunctionName = "cpu_2022"
	ChargeFunctionGPU2022 ChargeFunctionName = "gpu_2022"
)

// Resource names emitted by the cost functions; they double as rate table names.
const (
	ResourceNameCPU    = "cpu"
	ResourceNameMemory = "memory"
	ResourceNameGPU    = "gpu"
)

// Memory conversion factors accepted for RequestMemory (MiB) to GiB.
const (
	MemoryMiBPerGiBBinary  = 1024.0
	MemoryMiBPerGiBDecimal = 1000.0
)

const (
	cpuHyperthreadDiscount = 0.4
	nominalMemoryGiBPerCPU = 2.0
	nominalCPUsPerGPU      = 16.0
	nominalMemoryGiBPerGPU = 128.0
)

// ChargeFunctionNames lists the built-in strategies.
func ChargeFunctionNames() []ChargeFunctionName {
	return []ChargeFunctionName{ChargeFunctionCPU2022, ChargeFunctionGPU2022}
}

// ParseChargeFunctionName validates a strategy name against the built-in set.
func ParseChargeFunctionName(raw string) (ChargeFunctionName, error) {
	name := ChargeFunctionName(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range ChargeFunctionNames() {
		if name == known {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChargeFunction, raw)
}

// String returns the strategy name.
func (name ChargeFunctionName) String() string {
	return string(name)
}

// Kind returns the resource kind the strategy prices.
func (name ChargeFunctionName) Kind() (ResourceKind, error) {
	switch name {
	case ChargeFunctionCPU2022:
		return ResourceKindCPU, nil
	case ChargeFunctionGPU2022:
		return ResourceKindGPU, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChargeFunction, string(name))
	}
}

// Counterpart returns the same-vintage strategy for the other resource kind.
func (name ChargeFunctionName) Counterpart() (ChargeFunctionName, error) {
	switch name {
	case ChargeFunctionCPU2022:
		return ChargeFunctionGPU2022, nil
	case ChargeFunctionGPU2022:
		return ChargeFunctionCPU2022, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChargeFunction, string(name))
	}
}

// ResourceCharges maps resource names to non-negative amounts.
type ResourceCharges map[string]float64

// Total sums every resource.
func (charges ResourceCharges) Total() float64 {
	total := 0.0
	for _, amount := range charges {
		total += amount
	}
	return total
}

// Resources returns the resource names in sorted order.
func (charges ResourceCharges) Resources() []string {
	names := make([]string, 0, len(charges))
	for name := range charges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type pricingFunc func(tables map[string]RateTable, usage UsageRecord, memoryGiB float64) (ResourceCharges, error)

type costFunction struct {
	name   ChargeFunctionName
	tables map[string]RateTable
	price  pricingFunc
}

func builtinCostFunctions() map[ChargeFunctionName]costFunction {
	return map[ChargeFunctionName]costFunction{
		ChargeFunctionCPU2022: {
			name: ChargeFunctionCPU2022,
			tables: map[string]RateTable{
				ResourceNameCPU: mustRateTable("cpu_2022.cpu", map[float64]float64{
					0: 1.0, 2: 1.2, 9: 1.5, 33: 2.0,
				}),
				ResourceNameMemory: mustRateTable("cpu_2022.memory", map[float64]float64{
					0: 0, 0.001: 0.125, 8.001: 0.25, 32.001: 0.375, 128.001: 0.5,
				}),
			},
			price: priceCPU2022,
		},
		ChargeFunctionGPU2022: {
			name: ChargeFunctionGPU2022,
			tables: map[string]RateTable{
				ResourceNameGPU: mustRateTable("gpu_2022.gpu", map[float64]float64{
					0: 0, 1: 1.0, 2: 1.2, 3: 1.5, 4: 2.0,
				}),
				ResourceNameCPU: mustRateTable("gpu_2022.cpu", map[float64]float64{
					0: 0, 1: 0.125, 49: 0.2,
				}),
				ResourceNameMemory: mustRateTable("gpu_2022.memory", map[float64]float64{
					0: 0, 0.001: 0.012, 384.001: 0.2,
				}),
			},
			price: priceGPU2022,
		},
	}
}

func priceCPU2022(tables map[string]RateTable, usage UsageRecord, memoryGiB float64) (ResourceCharges, error) {
	cpus := usage.RequestCpus
	hours := usage.Hours()
	cpuRate, err := tables[ResourceNameCPU].Lookup(cpus)
	if err != nil {
		return nil, err
	}
	hyperthread := 0.0
	if usage.Hyperthread {
		hyperthread = 1
	}
	aboveNominalMemory := max(memoryGiB-cpus*nominalMemoryGiBPerCPU, 0)
	memoryRate, err := tables[ResourceNameMemory].Lookup(aboveNominalMemory)
	if err != nil {
		return nil, err
	}
	return ResourceCharges{
		ResourceNameCPU:    cpus * hours * cpuRate * (1 - hyperthread*cpuHyperthreadDiscount),
		ResourceNameMemory: memoryGiB * hours * memoryRate,
	}, nil
}

func priceGPU2022(tables map[string]RateTable, usage UsageRecord, memoryGiB float64) (ResourceCharges, error) {
	gpus := usage.RequestGpus
	cpus := usage.RequestCpus
	hours := usage.Hours()
	aboveNominalCPUs := cpus
	aboveNominalMemory := memoryGiB
	if gpus > 0 {
		aboveNominalCPUs = max((cpus-nominalCPUsPerGPU*gpus)/gpus, 0)
		aboveNominalMemory = max((memoryGiB-nominalMemoryGiBPerGPU*gpus)/gpus, 0)
	}
	gpuRate, err := tables[ResourceNameGPU].Lookup(gpus)
	if err != nil {
		return nil, err
	}
	cpuRate, err := tables[ResourceNameCPU].Lookup(aboveNominalCPUs)
	if err != nil {
		return nil, err
	}
	memoryRate, err := tables[ResourceNameMemory].Lookup(aboveNominalMemory)
	if err != nil {
		return nil, err
	}
	return ResourceCharges{
		ResourceNameGPU:    gpus * hours * gpuRate,
		ResourceNameCPU:    cpus * hours * cpuRate,
		ResourceNameMemory: memoryGiB * hours * memoryRate,
	}, nil
}

// RateTableOverrides replaces built-in tables, keyed by strategy then table name.
type RateTableOverrides map[ChargeFunctionName]map[string]RateTable

// Evaluator prices usage records with the built-in strategies. It is safe for concurrent use.
type Evaluator struct {
	functions       map[ChargeFunctionName]costFunction
	memoryMiBPerGiB float64
}

// NewEvaluator wires the built-in strategies with the configured memory factor and table overrides.
func NewEvaluator(memoryMiBPerGiB float64, overrides RateTableOverrides) (*Evaluator, error) {
	if memoryMiBPerGiB != MemoryMiBPerGiBBinary && memoryMiBPerGiB != MemoryMiBPerGiBDecimal {
		return nil, ConfigurationError{
			Component: "evaluator",
			Reason:    fmt.Sprintf("memory factor must be %v or %v, got %v", MemoryMiBPerGiBDecimal, MemoryMiBPerGiBBinary, memoryMiBPerGiB),
		}
	}
	functions := builtinCostFunctions()
	for name, tables := range overrides {
		function, known := functions[name]
		if !known {
			return nil, ConfigurationError{Component: "pricing", Reason: fmt.Sprintf("unknown charge function %q", name)}
		}
		replaced := make(map[string]RateTable, len(function.tables))
		for tableName, table := range function.tables {
			replaced[tableName] = table
		}
		for tableName, table := range tables {
			if _, knownTable := replaced[tableName]; !knownTable {
				return nil, ConfigurationError{Component: "pricing", Reason: fmt.Sprintf("charge function %s has no %q table", name, tableName)}
			}
			replaced[tableName] = table
		}
		function.tables = replaced
		functions[name] = function
	}
	return &Evaluator{functions: functions, memoryMiBPerGiB: memoryMiBPerGiB}, nil
}

// Evaluate prices one usage record. Negative components are clamped to zero and
// reported as warnings; a RangeError fails the whole record.
func (evaluator *Evaluator) Evaluate(name ChargeFunctionName, usage UsageRecord) (ResourceCharges, []NegativeChargeWarning, error) {
	function, ok := evaluator.functions[name]
	if !ok {
		return nil, nil, ConfigurationError{Component: "evaluator", Reason: fmt.Sprintf("unknown charge function %q", name)}
	}
	raw, err := function.price(function.tables, usage, usage.RequestMemoryMiB/evaluator.memoryMiBPerGiB)
	if err != nil {
		return nil, nil, err
	}
	charges := make(ResourceCharges, len(raw))
	var warnings []NegativeChargeWarning
	for _, resource := range raw.Resources() {
		amount := raw[resource]
		if amount < 0 {
			warnings = append(warnings, NegativeChargeWarning{Function: name, Resource: resource, Amount: amount})
			amount = 0
		}
		charges[resource] = amount
	}
	return charges, warnings, nil
}
