package main

import (
	"fmt"
	"sort"

	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// pricingKeyDelimiter keeps dotted thresholds such as 0.001 intact as single keys.
const pricingKeyDelimiter = "::"

// loadPricing reads rate table overrides shaped as strategy -> table -> threshold -> rate.
// An empty path means no overrides.
func loadPricing(fs afero.Fs, path string) (ledger.RateTableOverrides, error) {
	if path == "" {
		return nil, nil
	}
	settings := viper.NewWithOptions(viper.KeyDelimiter(pricingKeyDelimiter))
	settings.SetFs(fs)
	settings.SetConfigFile(path)
	if err := settings.ReadInConfig(); err != nil {
		return nil, ledger.ConfigurationError{Component: "pricing", Reason: fmt.Sprintf("read %s: %v", path, err)}
	}
	overrides := make(ledger.RateTableOverrides)
	all := settings.AllSettings()
	for _, function := range sortedKeys(all) {
		tables, err := cast.ToStringMapE(all[function])
		if err != nil {
			return nil, ledger.ConfigurationError{Component: "pricing", Reason: fmt.Sprintf("%s must map table names to rates", function)}
		}
		parsedTables := make(map[string]ledger.RateTable, len(tables))
		for _, tableName := range sortedKeys(tables) {
			rawRates, err := cast.ToStringMapE(tables[tableName])
			if err != nil {
				return nil, ledger.ConfigurationError{Component: "pricing", Reason: fmt.Sprintf("%s.%s must map thresholds to rates", function, tableName)}
			}
			rates := make(map[string]float64, len(rawRates))
			for threshold, rawRate := range rawRates {
				rate, err := cast.ToFloat64E(rawRate)
				if err != nil {
					return nil, ledger.ConfigurationError{Component: "pricing", Reason: fmt.Sprintf("%s.%s rate at %s is not numeric", function, tableName, threshold)}
				}
				rates[threshold] = rate
			}
			table, err := ledger.ParseRateTable(function+"."+tableName, rates)
			if err != nil {
				return nil, err
			}
			parsedTables[tableName] = table
		}
		overrides[ledger.ChargeFunctionName(function)] = parsedTables
	}
	return overrides, nil
}

func sortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
