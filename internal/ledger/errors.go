package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("ledger: invalid trade")

	// ErrInsufficientLots matches every *InsufficientLotsError via errors.Is.
	ErrInsufficientLots = errors.New("ledger: insufficient open lots")
)

// ValidationError rejects a malformed trade before it reaches the matcher.
type ValidationError struct {
	TradeID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.TradeID == "" {
		return fmt.Sprintf("ledger: invalid trade: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("ledger: invalid trade %s: %s %s", e.TradeID, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InsufficientLotsError is returned when a SELL asks for more than the
// open quantity of its asset at that point in the trade history.
type InsufficientLotsError struct {
	TradeID   string
	AssetID   string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientLotsError) Error() string {
	return fmt.Sprintf("ledger: sell %s of %s requests %s but only %s is open",
		e.TradeID, e.AssetID, e.Requested.String(), e.Available.String())
}

func (e *InsufficientLotsError) Is(target error) bool {
	return target == ErrInsufficientLots
}
