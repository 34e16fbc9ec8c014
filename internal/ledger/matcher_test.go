package ledger

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return t0.AddDate(0, 0, n)
}

func buy(id, asset string, qty, price float64, at time.Time) model.Trade {
	return model.Trade{ID: id, PortfolioID: "p1", AssetID: asset, Side: model.Buy,
		Quantity: d(qty), Price: d(price), TradeDate: at}
}

func sell(id, asset string, qty, price float64, at time.Time) model.Trade {
	return model.Trade{ID: id, PortfolioID: "p1", AssetID: asset, Side: model.Sell,
		Quantity: d(qty), Price: d(price), TradeDate: at}
}

func TestMatch_SingleRoundTrip(t *testing.T) {
	res, err := NewMatcher(Options{}).Match([]model.Trade{
		buy("b1", "AAPL", 10, 100, day(0)),
		sell("s1", "AAPL", 10, 120, day(1)),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(res.Matches))
	}
	m := res.Matches[0]
	if !m.CostBasis.Equal(d(1000)) {
		t.Errorf("cost basis: expected 1000, got %s", m.CostBasis)
	}
	if !m.Proceeds.Equal(d(1200)) {
		t.Errorf("proceeds: expected 1200, got %s", m.Proceeds)
	}
	if !m.RealizedPL.Equal(d(200)) {
		t.Errorf("realized: expected 200, got %s", m.RealizedPL)
	}
	if open := res.OpenLots(); len(open) != 0 {
		t.Errorf("expected no open lots, got %d", len(open))
	}
	if !res.Lots[0].Closed {
		t.Error("consumed lot should be flagged closed")
	}
}

func TestMatch_SpansTwoLotsOldestFirst(t *testing.T) {
	res, err := NewMatcher(Options{}).Match([]model.Trade{
		buy("b1", "AAPL", 10, 100, day(0)),
		buy("b2", "AAPL", 10, 110, day(1)),
		sell("s1", "AAPL", 15, 130, day(2)),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(res.Matches))
	}

	first, second := res.Matches[0], res.Matches[1]
	if first.LotID != "b1" || !first.MatchedQuantity.Equal(d(10)) || !first.CostPricePerUnit.Equal(d(100)) {
		t.Errorf("first match: got lot=%s qty=%s cost=%s", first.LotID, first.MatchedQuantity, first.CostPricePerUnit)
	}
	if second.LotID != "b2" || !second.MatchedQuantity.Equal(d(5)) || !second.CostPricePerUnit.Equal(d(110)) {
		t.Errorf("second match: got lot=%s qty=%s cost=%s", second.LotID, second.MatchedQuantity, second.CostPricePerUnit)
	}

	realized := first.RealizedPL.Add(second.RealizedPL)
	if !realized.Equal(d(400)) {
		t.Errorf("realized: expected 400, got %s", realized)
	}

	open := res.OpenLots()
	if len(open) != 1 {
		t.Fatalf("expected 1 open lot, got %d", len(open))
	}
	if open[0].ID != "b2" || !open[0].RemainingQuantity.Equal(d(5)) || !open[0].CostPricePerUnit.Equal(d(110)) {
		t.Errorf("open lot: got %s %s @ %s", open[0].ID, open[0].RemainingQuantity, open[0].CostPricePerUnit)
	}
}

func TestMatch_Oversell(t *testing.T) {
	res, err := NewMatcher(Options{}).Match([]model.Trade{
		buy("b1", "AAPL", 5, 100, day(0)),
		sell("s1", "AAPL", 10, 100, day(1)),
	})
	if !errors.Is(err, ErrInsufficientLots) {
		t.Fatalf("expected ErrInsufficientLots, got %v", err)
	}
	var ie *InsufficientLotsError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *InsufficientLotsError, got %T", err)
	}
	if ie.AssetID != "AAPL" || ie.TradeID != "s1" {
		t.Errorf("error should identify asset and trade, got %+v", ie)
	}
	if !ie.Requested.Equal(d(10)) || !ie.Available.Equal(d(5)) {
		t.Errorf("expected requested=10 available=5, got requested=%s available=%s", ie.Requested, ie.Available)
	}
	// No partial match of the offending sell.
	if len(res.Matches) != 0 {
		t.Errorf("expected no matches, got %d", len(res.Matches))
	}
	if !res.OpenQuantity("AAPL").Equal(d(5)) {
		t.Errorf("prior lots should be intact, got open=%s", res.OpenQuantity("AAPL"))
	}
}

func TestMatch_OversellKeepsPriorResults(t *testing.T) {
	res, err := NewMatcher(Options{}).Match([]model.Trade{
		buy("b1", "AAPL", 10, 100, day(0)),
		sell("s1", "AAPL", 4, 120, day(1)),
		sell("s2", "AAPL", 7, 120, day(2)),
		buy("b2", "AAPL", 100, 90, day(3)),
	})
	if !errors.Is(err, ErrInsufficientLots) {
		t.Fatalf("expected ErrInsufficientLots, got %v", err)
	}
	if len(res.Matches) != 1 || res.Matches[0].SellTradeID != "s1" {
		t.Fatalf("expected only the s1 match, got %+v", res.Matches)
	}
	if len(res.Lots) != 1 {
		t.Errorf("trades after the oversell must not be replayed, got %d lots", len(res.Lots))
	}
}

func TestMatch_SellWithoutAnyBuy(t *testing.T) {
	_, err := NewMatcher(Options{}).Match([]model.Trade{
		sell("s1", "MSFT", 1, 100, day(0)),
	})
	var ie *InsufficientLotsError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *InsufficientLotsError, got %v", err)
	}
	if !ie.Available.IsZero() {
		t.Errorf("expected available=0, got %s", ie.Available)
	}
}

func TestMatch_AssetsAreIndependent(t *testing.T) {
	res, err := NewMatcher(Options{}).Match([]model.Trade{
		buy("b1", "AAPL", 10, 100, day(0)),
		buy("b2", "MSFT", 3, 300, day(1)),
		sell("s1", "MSFT", 3, 310, day(2)),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Matches) != 1 || res.Matches[0].LotID != "b2" {
		t.Fatalf("MSFT sell must only touch the MSFT lot, got %+v", res.Matches)
	}
	if !res.OpenQuantity("AAPL").Equal(d(10)) {
		t.Errorf("AAPL lots should be untouched, got %s", res.OpenQuantity("AAPL"))
	}
}

func TestMatch_SortsByDateThenSequence(t *testing.T) {
	// Given out of order; b2 ties with b1 on date but has the later sequence.
	b1 := buy("b1", "AAPL", 1, 100, day(0))
	b1.Seq = 1
	b2 := buy("b2", "AAPL", 1, 200, day(0))
	b2.Seq = 2
	s1 := sell("s1", "AAPL", 1, 150, day(1))
	s1.Seq = 3

	res, err := NewMatcher(Options{}).Match([]model.Trade{s1, b2, b1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Matches[0].LotID != "b1" {
		t.Errorf("expected the lower sequence lot first, got %s", res.Matches[0].LotID)
	}
}

func TestMatch_TiesKeepInputOrder(t *testing.T) {
	res, err := NewMatcher(Options{}).Match([]model.Trade{
		buy("first", "AAPL", 1, 100, day(0)),
		buy("second", "AAPL", 1, 200, day(0)),
		sell("s1", "AAPL", 1, 150, day(0).Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Matches[0].LotID != "first" {
		t.Errorf("expected insertion order to break the tie, got %s", res.Matches[0].LotID)
	}
}

func TestMatch_ProratesSellCosts(t *testing.T) {
	s := sell("s1", "AAPL", 3, 100, day(2))
	s.Fee = d(1)
	s.Tax = d(0)

	res, err := NewMatcher(Options{}).Match([]model.Trade{
		buy("b1", "AAPL", 1, 90, day(0)),
		buy("b2", "AAPL", 1, 90, day(0)),
		buy("b3", "AAPL", 1, 90, day(1)),
		s,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(res.Matches))
	}

	total := decimal.Zero
	for _, m := range res.Matches {
		total = total.Add(m.Fees)
		if !m.Proceeds.Equal(m.MatchedQuantity.Mul(m.SellPrice).Sub(m.Fees)) {
			t.Errorf("proceeds must be gross minus prorated fees, got %s", m.Proceeds)
		}
	}
	if !total.Equal(d(1)) {
		t.Errorf("prorated fees must sum exactly to the sell's costs, got %s", total)
	}
}

func TestMatch_CapitalizeBuyFees(t *testing.T) {
	b := buy("b1", "AAPL", 10, 100, day(0))
	b.Fee = d(5)
	b.Tax = d(5)

	res, err := NewMatcher(Options{CapitalizeBuyFees: true}).Match([]model.Trade{b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Lots[0].CostPricePerUnit.Equal(d(101)) {
		t.Errorf("expected cost 101 per unit, got %s", res.Lots[0].CostPricePerUnit)
	}

	res, _ = NewMatcher(Options{}).Match([]model.Trade{b})
	if !res.Lots[0].CostPricePerUnit.Equal(d(100)) {
		t.Errorf("expected cost 100 per unit by default, got %s", res.Lots[0].CostPricePerUnit)
	}
}

func TestMatch_RejectsInvalidTrades(t *testing.T) {
	zero := buy("b1", "AAPL", 0, 100, day(0))
	negPrice := buy("b2", "AAPL", 1, -1, day(0))
	noSide := buy("b3", "AAPL", 1, 1, day(0))
	noSide.Side = 0

	for name, tr := range map[string]model.Trade{"zero quantity": zero, "negative price": negPrice, "no side": noSide} {
		_, err := NewMatcher(Options{}).Match([]model.Trade{tr})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", name, err)
		}
	}

	_, err := NewMatcher(Options{}).Match([]model.Trade{
		buy("dup", "AAPL", 1, 1, day(0)),
		buy("dup", "AAPL", 1, 1, day(1)),
	})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "id" {
		t.Errorf("expected duplicate id validation error, got %v", err)
	}
}

func TestMatch_Deterministic(t *testing.T) {
	trades := randomHistory(rand.New(rand.NewSource(7)), 200)
	m := NewMatcher(Options{})

	first, err1 := m.Match(trades)
	second, err2 := m.Match(trades)
	if !reflect.DeepEqual(err1, err2) {
		t.Fatalf("errors differ: %v vs %v", err1, err2)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("matching the same trades twice must yield identical results")
	}
}

func TestMatch_ConservationAndNoLeakage(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		trades := randomHistory(rand.New(rand.NewSource(seed)), 150)
		res, err := NewMatcher(Options{}).Match(trades)
		if err != nil {
			t.Fatalf("seed %d: generated history should never oversell: %v", seed, err)
		}

		matched := make(map[string]decimal.Decimal)
		for _, m := range res.Matches {
			matched[m.SellTradeID] = matched[m.SellTradeID].Add(m.MatchedQuantity)
		}

		bought := make(map[string]decimal.Decimal)
		sold := make(map[string]decimal.Decimal)
		for _, tr := range trades {
			switch tr.Side {
			case model.Buy:
				bought[tr.AssetID] = bought[tr.AssetID].Add(tr.Quantity)
			case model.Sell:
				sold[tr.AssetID] = sold[tr.AssetID].Add(tr.Quantity)
				if !matched[tr.ID].Equal(tr.Quantity) {
					t.Errorf("seed %d: sell %s matched %s of %s", seed, tr.ID, matched[tr.ID], tr.Quantity)
				}
			}
		}

		for asset, qty := range bought {
			want := qty.Sub(sold[asset])
			if got := res.OpenQuantity(asset); !got.Equal(want) {
				t.Errorf("seed %d: %s open quantity %s, want %s", seed, asset, got, want)
			}
		}

		for _, l := range res.Lots {
			if l.RemainingQuantity.IsNegative() || l.RemainingQuantity.GreaterThan(l.OpenQuantity) {
				t.Errorf("seed %d: lot %s remaining %s outside [0, %s]", seed, l.ID, l.RemainingQuantity, l.OpenQuantity)
			}
			if l.Closed != l.RemainingQuantity.IsZero() {
				t.Errorf("seed %d: lot %s closed flag disagrees with remaining %s", seed, l.ID, l.RemainingQuantity)
			}
		}
	}
}

// randomHistory builds a valid trade list: sells never exceed the asset's
// open quantity. Quantities carry fractional digits to exercise decimals.
func randomHistory(r *rand.Rand, n int) []model.Trade {
	assets := []string{"AAPL", "MSFT", "BTC"}
	open := make(map[string]decimal.Decimal)
	trades := make([]model.Trade, 0, n)

	for i := 0; i < n; i++ {
		asset := assets[r.Intn(len(assets))]
		qty := decimal.NewFromInt(int64(r.Intn(1000) + 1)).Div(decimal.NewFromInt(100))
		price := decimal.NewFromInt(int64(r.Intn(50000) + 100)).Div(decimal.NewFromInt(100))
		at := t0.Add(time.Duration(i) * time.Hour)
		id := fmt.Sprintf("t%03d", i)

		if r.Intn(3) == 0 && open[asset].IsPositive() {
			qty = decimal.Min(qty, open[asset])
			trades = append(trades, model.Trade{ID: id, AssetID: asset, Side: model.Sell,
				Quantity: qty, Price: price, Fee: d(0.1), TradeDate: at, Seq: int64(i)})
			open[asset] = open[asset].Sub(qty)
			continue
		}
		trades = append(trades, model.Trade{ID: id, AssetID: asset, Side: model.Buy,
			Quantity: qty, Price: price, TradeDate: at, Seq: int64(i)})
		open[asset] = open[asset].Add(qty)
	}
	return trades
}
