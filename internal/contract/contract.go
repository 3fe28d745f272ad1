// Package contract formats and parses the human-readable tickers assigned
// to derivative listings. Tickers identify a contract in API payloads and
// trade descriptions; the listing UUID remains the storage key.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arcadex/market-engine/internal/model"
)

// tickerTime is the expiry/delivery timestamp layout, minute precision.
// Listings are always created on whole-minute boundaries.
const tickerTime = "200601021504"

// ErrInvalidTicker is returned when a ticker does not match the canonical
// option or future layout.
var ErrInvalidTicker = errors.New("contract: invalid ticker format")

// optionRegex matches: {SYMBOL}-{C|P}-{strike}-{YYYYMMDDHHMM}
// Example: GME-C-105.00-202609011230
var optionRegex = regexp.MustCompile(`^([A-Z0-9]+)-([CP])-([0-9]+(?:\.[0-9]+)?)-(\d{12})$`)

// futureRegex matches: {SYMBOL}-FUT-{YYYYMMDDHHMM}
var futureRegex = regexp.MustCompile(`^([A-Z0-9]+)-FUT-(\d{12})$`)

// Option describes a parsed option ticker.
type Option struct {
	Symbol     string
	Kind       model.OptionKind
	Strike     decimal.Decimal
	Expiration time.Time
}

// Future describes a parsed future ticker.
type Future struct {
	Symbol       string
	DeliveryDate time.Time
}

// OptionTicker renders the canonical ticker for an option listing.
func OptionTicker(l *model.OptionListing) string {
	kind := "C"
	if l.Kind == model.Put {
		kind = "P"
	}
	return fmt.Sprintf("%s-%s-%s-%s",
		strings.ToUpper(l.Symbol), kind,
		l.Strike.StringFixed(2),
		l.Expiration.UTC().Format(tickerTime),
	)
}

// FutureTicker renders the canonical ticker for a future listing.
func FutureTicker(l *model.FutureListing) string {
	return fmt.Sprintf("%s-FUT-%s",
		strings.ToUpper(l.Symbol),
		l.DeliveryDate.UTC().Format(tickerTime),
	)
}

// ParseOption parses and validates an option ticker string.
func ParseOption(ticker string) (*Option, error) {
	matches := optionRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected SYMBOL-{C|P}-{strike}-{YYYYMMDDHHMM})", ErrInvalidTicker, ticker)
	}

	kind := model.Call
	if matches[2] == "P" {
		kind = model.Put
	}

	strike, err := decimal.NewFromString(matches[3])
	if err != nil || strike.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidTicker, matches[3])
	}

	expiration, err := time.Parse(tickerTime, matches[4])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid expiration %s", ErrInvalidTicker, matches[4])
	}

	return &Option{
		Symbol:     matches[1],
		Kind:       kind,
		Strike:     strike,
		Expiration: expiration.UTC(),
	}, nil
}

// ParseFuture parses and validates a future ticker string.
func ParseFuture(ticker string) (*Future, error) {
	matches := futureRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected SYMBOL-FUT-{YYYYMMDDHHMM})", ErrInvalidTicker, ticker)
	}

	delivery, err := time.Parse(tickerTime, matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid delivery date %s", ErrInvalidTicker, matches[2])
	}

	return &Future{
		Symbol:       matches[1],
		DeliveryDate: delivery.UTC(),
	}, nil
}
