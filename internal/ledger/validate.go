package ledger

import (
	"strings"

	"github.com/atmx/ledger-engine/internal/model"
)

// Validate checks a single trade's invariants. Nothing is coerced: a bad
// trade is rejected with a *ValidationError naming the offending field.
func Validate(t model.Trade) error {
	invalid := func(field, reason string) error {
		return &ValidationError{TradeID: t.ID, Field: field, Reason: reason}
	}

	if strings.TrimSpace(t.ID) == "" {
		return invalid("id", "is required")
	}
	if strings.TrimSpace(t.AssetID) == "" {
		return invalid("asset_id", "is required")
	}
	if !t.Side.Valid() {
		return invalid("side", "must be BUY or SELL")
	}
	if !t.Quantity.IsPositive() {
		return invalid("quantity", "must be positive")
	}
	if !t.Price.IsPositive() {
		return invalid("price", "must be positive")
	}
	if t.Fee.IsNegative() {
		return invalid("fee", "must not be negative")
	}
	if t.Tax.IsNegative() {
		return invalid("tax", "must not be negative")
	}
	if t.TradeDate.IsZero() {
		return invalid("trade_date", "is required")
	}
	return nil
}

// ValidateAll validates every trade and rejects duplicate ids.
func ValidateAll(trades []model.Trade) error {
	seen := make(map[string]struct{}, len(trades))
	for _, t := range trades {
		if err := Validate(t); err != nil {
			return err
		}
		if _, dup := seen[t.ID]; dup {
			return &ValidationError{TradeID: t.ID, Field: "id", Reason: "is duplicated"}
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}
