package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/analysis"
	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/price"
	"github.com/atmx/ledger-engine/internal/store"
)

// requestError is a malformed request that never reached the service.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

// validationFailure flattens validator errors into one message naming the
// JSON fields.
func validationFailure(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return badRequest(err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of %s", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Field(), fe.Tag()))
		}
	}
	return badRequest(strings.Join(msgs, "; "))
}

func jsonName(tag, fallback string) string {
	name, _, _ := strings.Cut(tag, ",")
	switch name {
	case "-":
		return ""
	case "":
		return fallback
	}
	return name
}

// insufficientLotsBody carries the oversold asset alongside the message.
type insufficientLotsBody struct {
	Error     string          `json:"error"`
	TradeID   string          `json:"trade_id"`
	Asset     string          `json:"asset"`
	Requested decimal.Decimal `json:"requested"`
	Available decimal.Decimal `json:"available"`
}

// writeServiceError maps domain and store errors to HTTP statuses:
// 400 for malformed input, 404 for unknown resources, 409 for mutations the
// ledger or a concurrent writer refused, 500 otherwise.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		reqErr       *requestError
		insufficient *ledger.InsufficientLotsError
	)
	switch {
	case errors.As(err, &reqErr), errors.Is(err, ledger.ErrValidation), errors.Is(err, price.ErrInvalidList):
		writeError(w, err.Error(), http.StatusBadRequest)

	case errors.Is(err, store.ErrNotFound), errors.Is(err, analysis.ErrNoPosition):
		writeError(w, err.Error(), http.StatusNotFound)

	case errors.As(err, &insufficient):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(insufficientLotsBody{
			Error:     err.Error(),
			TradeID:   insufficient.TradeID,
			Asset:     insufficient.AssetID,
			Requested: insufficient.Requested,
			Available: insufficient.Available,
		})

	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrAlreadyExists):
		writeError(w, err.Error(), http.StatusConflict)

	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
