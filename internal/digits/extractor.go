// Package digits turns quotes into last digits and keeps the rolling
// frequency table the signal logic reads from.
package digits

import (
	"errors"
	"fmt"
	"strings"

	"deriv-digit-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// ErrBadQuote is returned for a quote that is not a decimal number.
var ErrBadQuote = errors.New("quote is not a number")

// Extract returns the digit at position meta.DecimalPlaces after the decimal
// point of quote. A quote with fewer fractional digits is right-padded with
// zeros. A quote that does not parse as a number yields ErrBadQuote.
func Extract(quote string, meta models.InstrumentMeta) (models.Digit, error) {
	places := meta.DecimalPlaces
	if places <= 0 {
		places = 2
	}

	quote = strings.TrimSpace(quote)
	v, err := decimal.NewFromString(quote)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadQuote, quote)
	}
	if strings.ContainsAny(quote, "eE") {
		quote = v.String()
	}

	frac := ""
	if dot := strings.IndexByte(quote, '.'); dot >= 0 {
		frac = quote[dot+1:]
	}
	if len(frac) < places {
		frac += strings.Repeat("0", places-len(frac))
	}
	return models.Digit(frac[places-1] - '0'), nil
}
