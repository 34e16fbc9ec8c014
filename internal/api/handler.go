// Package api provides the HTTP handlers for recording trades and querying
// positions, analysis reports and risk targets of a portfolio.
//
// All monetary values use shopspring/decimal; never float64 for money.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/analysis"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/price"
)

// Handler serves the portfolio API on top of an analysis.Service.
type Handler struct {
	svc      *analysis.Service
	hub      *WSHub // optional; receives triggered risk alerts
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a Handler. Pass nil for hub if alert broadcasting is
// not needed.
func NewHandler(svc *analysis.Service, hub *WSHub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return jsonName(f.Tag.Get("json"), f.Name)
	})
	return &Handler{svc: svc, hub: hub, validate: v, logger: logger}
}

// Routes mounts the portfolio endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/portfolios/{portfolioID}", func(r chi.Router) {
		r.Get("/trades", h.ListTrades)
		r.Post("/trades", h.CreateTrade)
		r.Put("/trades/{tradeID}", h.UpdateTrade)
		r.Delete("/trades/{tradeID}", h.DeleteTrade)

		r.Get("/positions", h.GetPositions)
		r.Get("/positions/{assetID}", h.GetPosition)

		r.Get("/analysis", h.GetAnalysis)

		r.Get("/risk-targets", h.ListRiskTargets)
		r.Get("/risk-targets/alerts", h.RiskAlerts)
		r.Put("/risk-targets/{assetID}", h.PutRiskTarget)
		r.Delete("/risk-targets/{assetID}", h.DeleteRiskTarget)
	})
}

// --- Request/Response types ---

// TradeRequest is the JSON body for creating or replacing a trade.
type TradeRequest struct {
	ID            string          `json:"id" validate:"omitempty,max=64"` // generated when empty
	AssetID       string          `json:"asset_id" validate:"required,max=64"`
	Side          string          `json:"side" validate:"required,oneof=BUY SELL buy sell"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	Tax           decimal.Decimal `json:"tax"`
	TradeDate     string          `json:"trade_date" validate:"required"` // RFC 3339 or 2006-01-02
	Exchange      string          `json:"exchange" validate:"max=64"`
	FundingSource string          `json:"funding_source" validate:"max=64"`
}

// RiskTargetRequest is the JSON body for PUT .../risk-targets/{assetID}.
type RiskTargetRequest struct {
	StopLoss   decimal.NullDecimal `json:"stop_loss"`
	TakeProfit decimal.NullDecimal `json:"take_profit"`
	IsActive   *bool               `json:"is_active"` // defaults to true
}

// RiskTargetsResponse lists stored targets with the live status of those
// that have a priced open position.
type RiskTargetsResponse struct {
	Targets []model.RiskTarget `json:"targets"`
	Status  []model.Alert      `json:"status"`
}

// --- HTTP Handlers ---

// ListTrades handles GET /portfolios/{portfolioID}/trades?asset=&side=&from=&to=
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTradeFilter(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	trades, err := h.svc.ListTrades(r.Context(), chi.URLParam(r, "portfolioID"), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// CreateTrade handles POST /portfolios/{portfolioID}/trades
func (h *Handler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.decodeTrade(r, "")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	res, err := h.svc.RecordTrade(r.Context(), t)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// UpdateTrade handles PUT /portfolios/{portfolioID}/trades/{tradeID}
func (h *Handler) UpdateTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.decodeTrade(r, chi.URLParam(r, "tradeID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	res, err := h.svc.UpdateTrade(r.Context(), t)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteTrade handles DELETE /portfolios/{portfolioID}/trades/{tradeID}
func (h *Handler) DeleteTrade(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.DeleteTrade(r.Context(), chi.URLParam(r, "portfolioID"), chi.URLParam(r, "tradeID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPositions handles GET /portfolios/{portfolioID}/positions?prices=AAPL:187.2
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	prices, err := price.ParseList(r.URL.Query().Get("prices"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	positions, err := h.svc.GetPositions(r.Context(), chi.URLParam(r, "portfolioID"), prices)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /portfolios/{portfolioID}/positions/{assetID}?price=
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	var marketPrice *decimal.Decimal
	if v := r.URL.Query().Get("price"); v != "" {
		p, err := decimal.NewFromString(v)
		if err != nil || !p.IsPositive() {
			h.writeServiceError(w, r, badRequest("price must be a positive number"))
			return
		}
		marketPrice = &p
	}
	pos, err := h.svc.GetPositionByAsset(r.Context(), chi.URLParam(r, "portfolioID"), chi.URLParam(r, "assetID"), marketPrice)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetAnalysis handles GET /portfolios/{portfolioID}/analysis?timeframe=&granularity=
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tf, err := model.ParseTimeframe(q.Get("timeframe"))
	if err != nil {
		h.writeServiceError(w, r, badRequest(err.Error()))
		return
	}
	g, err := model.ParseGranularity(q.Get("granularity"))
	if err != nil {
		h.writeServiceError(w, r, badRequest(err.Error()))
		return
	}

	report, err := h.svc.GetAnalysis(r.Context(), chi.URLParam(r, "portfolioID"), tf, g)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListRiskTargets handles GET /portfolios/{portfolioID}/risk-targets?prices=
func (h *Handler) ListRiskTargets(w http.ResponseWriter, r *http.Request) {
	prices, err := price.ParseList(r.URL.Query().Get("prices"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	portfolioID := chi.URLParam(r, "portfolioID")
	ctx := r.Context()

	targets, err := h.svc.ListRiskTargets(ctx, portfolioID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status, err := h.svc.AssessRiskTargets(ctx, portfolioID, prices)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RiskTargetsResponse{Targets: targets, Status: status})
}

// RiskAlerts handles GET /portfolios/{portfolioID}/risk-targets/alerts?prices=
// Triggered alerts are also pushed to WebSocket subscribers.
func (h *Handler) RiskAlerts(w http.ResponseWriter, r *http.Request) {
	prices, err := price.ParseList(r.URL.Query().Get("prices"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	portfolioID := chi.URLParam(r, "portfolioID")

	alerts, err := h.svc.MonitorRiskTargets(r.Context(), portfolioID, prices)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if h.hub != nil {
		for _, a := range alerts {
			if a.Level == model.LevelTriggered {
				h.hub.Broadcast(AlertMessage(portfolioID, a))
			}
		}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// PutRiskTarget handles PUT /portfolios/{portfolioID}/risk-targets/{assetID}
func (h *Handler) PutRiskTarget(w http.ResponseWriter, r *http.Request) {
	var req RiskTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeServiceError(w, r, badRequest("invalid request body"))
		return
	}

	t := &model.RiskTarget{
		ID:          uuid.New().String(),
		PortfolioID: chi.URLParam(r, "portfolioID"),
		AssetID:     chi.URLParam(r, "assetID"),
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		IsActive:    req.IsActive == nil || *req.IsActive,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := h.svc.UpsertRiskTarget(r.Context(), t); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger.Info("risk target saved",
		"portfolio", t.PortfolioID,
		"asset", t.AssetID,
		"stop_loss", t.StopLoss.Decimal.String(),
		"take_profit", t.TakeProfit.Decimal.String(),
	)
	writeJSON(w, http.StatusOK, t)
}

// DeleteRiskTarget handles DELETE /portfolios/{portfolioID}/risk-targets/{assetID}
func (h *Handler) DeleteRiskTarget(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRiskTarget(r.Context(), chi.URLParam(r, "portfolioID"), chi.URLParam(r, "assetID")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

// decodeTrade reads and validates a TradeRequest. tradeID, when set, comes
// from the URL and overrides the body.
func (h *Handler) decodeTrade(r *http.Request, tradeID string) (*model.Trade, error) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, badRequest("invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return nil, validationFailure(err)
	}

	side, err := model.ParseSide(req.Side)
	if err != nil {
		return nil, badRequest(err.Error())
	}
	tradeDate, err := parseDate(req.TradeDate)
	if err != nil {
		return nil, badRequest("trade_date must be RFC 3339 or YYYY-MM-DD")
	}

	id := req.ID
	switch {
	case tradeID != "":
		id = tradeID
	case id == "":
		id = uuid.New().String()
	}

	return &model.Trade{
		ID:            id,
		PortfolioID:   chi.URLParam(r, "portfolioID"),
		AssetID:       strings.TrimSpace(req.AssetID),
		Side:          side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Fee:           req.Fee,
		Tax:           req.Tax,
		TradeDate:     tradeDate,
		Exchange:      req.Exchange,
		FundingSource: req.FundingSource,
	}, nil
}

func parseTradeFilter(r *http.Request) (model.TradeFilter, error) {
	q := r.URL.Query()
	f := model.TradeFilter{AssetID: q.Get("asset")}
	if v := q.Get("side"); v != "" {
		side, err := model.ParseSide(v)
		if err != nil {
			return f, badRequest(err.Error())
		}
		f.Side = side
	}
	if v := q.Get("from"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return f, badRequest("from must be RFC 3339 or YYYY-MM-DD")
		}
		f.StartDate = t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return f, badRequest("to must be RFC 3339 or YYYY-MM-DD")
		}
		// A bare date includes the whole day.
		if !strings.Contains(v, "T") {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		f.EndDate = t
	}
	return f, nil
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
