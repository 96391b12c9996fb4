// Package market holds the instrument catalog and the rotation policy that
// picks the next instrument after a completed phase.
package market

import "deriv-digit-bot-go/internal/models"

// DefaultDecimalPlaces applies to symbols missing from the catalog.
const DefaultDecimalPlaces = 2

// Catalog is the ordered list of streamable instruments. Sequential rotation
// walks it in this order.
var Catalog = []models.InstrumentMeta{
	{Symbol: "1HZ10V", Name: "VOLATILITY 10 (1S) INDEX", DecimalPlaces: 2},
	{Symbol: "R_10", Name: "VOLATILITY 10 INDEX", DecimalPlaces: 3},
	{Symbol: "1HZ15V", Name: "VOLATILITY 15 (1S) INDEX", DecimalPlaces: 3},
	{Symbol: "1HZ25V", Name: "VOLATILITY 25 (1S) INDEX", DecimalPlaces: 2},
	{Symbol: "R_25", Name: "VOLATILITY 25 INDEX", DecimalPlaces: 3},
	{Symbol: "1HZ30V", Name: "VOLATILITY 30 (1S) INDEX", DecimalPlaces: 3},
	{Symbol: "1HZ50V", Name: "VOLATILITY 50 (1S) INDEX", DecimalPlaces: 2},
	{Symbol: "R_50", Name: "VOLATILITY 50 INDEX", DecimalPlaces: 4},
	{Symbol: "1HZ75V", Name: "VOLATILITY 75 (1S) INDEX", DecimalPlaces: 2},
	{Symbol: "R_75", Name: "VOLATILITY 75 INDEX", DecimalPlaces: 4},
	{Symbol: "1HZ90V", Name: "VOLATILITY 90 (1S) INDEX", DecimalPlaces: 3},
	{Symbol: "1HZ100V", Name: "VOLATILITY 100 (1S) INDEX", DecimalPlaces: 2},
	{Symbol: "R_100", Name: "VOLATILITY 100 INDEX", DecimalPlaces: 2},
}

// Lookup returns the metadata for symbol. Unknown symbols get the default
// decimal places and their symbol as name.
func Lookup(symbol string) models.InstrumentMeta {
	for _, m := range Catalog {
		if m.Symbol == symbol {
			return m
		}
	}
	return models.InstrumentMeta{Symbol: symbol, Name: symbol, DecimalPlaces: DefaultDecimalPlaces}
}

// Symbols returns the catalog symbols in rotation order.
func Symbols() []string {
	out := make([]string, len(Catalog))
	for i, m := range Catalog {
		out[i] = m.Symbol
	}
	return out
}

// Label formats a symbol for humans, e.g. "R_50 – VOLATILITY 50 INDEX".
func Label(symbol string) string {
	m := Lookup(symbol)
	return m.Symbol + " – " + m.Name
}
