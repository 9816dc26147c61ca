package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/exchange"
	"github.com/alanyoungcy/perpcore/internal/market"
	"github.com/alanyoungcy/perpcore/internal/position"
	"github.com/alanyoungcy/perpcore/internal/risk"
	"github.com/alanyoungcy/perpcore/internal/service"
)

// KeeperService defines the methods the keeper handler requires from the
// service layer.
type KeeperService interface {
	CreateOrder(ctx context.Context, account common.Address, p exchange.CreateOrderParams, block uint64) (domain.Order, error)
	GetOrder(ctx context.Context, key common.Hash) (domain.Order, error)
	CancelOrder(ctx context.Context, account common.Address, key common.Hash, block uint64) (exchange.Outcome, error)
	ExecuteOrder(ctx context.Context, key common.Hash, in service.Prices) (exchange.Outcome, error)
	UpdateAdlState(ctx context.Context, mkt common.Address, isLong bool, in service.Prices) (risk.AdlUpdate, error)
	ExecuteAdl(ctx context.Context, p risk.AdlParams, in service.Prices) (risk.AdlResult, error)
	ExecuteLiquidation(ctx context.Context, p risk.LiquidationParams, in service.Prices) (risk.LiquidationResult, error)
	CheckLiquidation(ctx context.Context, p risk.LiquidationParams, in service.Prices) (position.Health, error)
	MarketTokenPrice(ctx context.Context, mkt common.Address, t market.PnlFactorType, maximize bool, in *service.Prices) (service.TokenPrice, error)
	AdlState(ctx context.Context, mkt common.Address, isLong bool) (risk.MarketRiskState, risk.Params, error)
}

// KeeperHandler serves the order, ADL and liquidation endpoints.
type KeeperHandler struct {
	keeper KeeperService
	logger *slog.Logger
}

// NewKeeperHandler creates a KeeperHandler.
func NewKeeperHandler(keeper KeeperService, logger *slog.Logger) *KeeperHandler {
	return &KeeperHandler{keeper: keeper, logger: logger}
}

type createOrderRequest struct {
	Account common.Address             `json:"account"`
	Block   uint64                     `json:"block"`
	Order   exchange.CreateOrderParams `json:"order"`
}

// CreateOrder records a new order.
// POST /api/orders
func (h *KeeperHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Account == (common.Address{}) {
		writeError(w, http.StatusBadRequest, "account is required")
		return
	}
	o, err := h.keeper.CreateOrder(r.Context(), req.Account, req.Order, req.Block)
	if err != nil {
		writeServiceError(w, r, h.logger, "create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// GetOrder returns a pending or frozen order.
// GET /api/orders/{key}
func (h *KeeperHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	key, err := pathHash(r, "key")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, err := h.keeper.GetOrder(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, h.logger, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type cancelOrderRequest struct {
	Account common.Address `json:"account"`
	Block   uint64         `json:"block"`
}

// CancelOrder cancels the caller's own order.
// POST /api/orders/{key}/cancel
func (h *KeeperHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	key, err := pathHash(r, "key")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req cancelOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.keeper.CancelOrder(r.Context(), req.Account, key, req.Block)
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

// ExecuteOrder executes an order with the submitted price reports. Cancelled
// and frozen orders are successful responses carrying their reason.
// POST /api/orders/{key}/execute
func (h *KeeperHandler) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	key, err := pathHash(r, "key")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in service.Prices
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.keeper.ExecuteOrder(r.Context(), key, in)
	if err != nil {
		writeServiceError(w, r, h.logger, "execute order", err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

type outcome struct {
	Kind       string              `json:"kind"`
	OrderKey   common.Hash         `json:"order_key"`
	Reason     string              `json:"reason,omitempty"`
	Settlement exchange.Settlement `json:"settlement"`
}

func outcomeResponse(o exchange.Outcome) outcome {
	return outcome{Kind: o.Kind.String(), OrderKey: o.OrderKey, Reason: o.Reason, Settlement: o.Settlement}
}

type adlUpdateRequest struct {
	service.Prices
	Market common.Address `json:"market"`
	IsLong bool           `json:"is_long"`
}

// UpdateAdlState re-evaluates the ADL state of a market side.
// POST /api/adl/update
func (h *KeeperHandler) UpdateAdlState(w http.ResponseWriter, r *http.Request) {
	var req adlUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	up, err := h.keeper.UpdateAdlState(r.Context(), req.Market, req.IsLong, req.Prices)
	if err != nil {
		writeServiceError(w, r, h.logger, "update adl state", err)
		return
	}
	writeJSON(w, http.StatusOK, up)
}

type adlExecuteRequest struct {
	service.Prices
	Account         common.Address `json:"account"`
	Market          common.Address `json:"market"`
	CollateralToken common.Address `json:"collateral_token"`
	IsLong          bool           `json:"is_long"`
	SizeDeltaUsd    *big.Int       `json:"size_delta_usd"`
}

// ExecuteAdl deleverages one position.
// POST /api/adl/execute
func (h *KeeperHandler) ExecuteAdl(w http.ResponseWriter, r *http.Request) {
	var req adlExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SizeDeltaUsd == nil || req.SizeDeltaUsd.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "size_delta_usd must be positive")
		return
	}
	res, err := h.keeper.ExecuteAdl(r.Context(), risk.AdlParams{
		Account:         req.Account,
		Market:          req.Market,
		CollateralToken: req.CollateralToken,
		IsLong:          req.IsLong,
		SizeDeltaUsd:    req.SizeDeltaUsd,
	}, req.Prices)
	if err != nil {
		writeServiceError(w, r, h.logger, "execute adl", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type liquidationRequest struct {
	service.Prices
	Account         common.Address `json:"account"`
	Market          common.Address `json:"market"`
	CollateralToken common.Address `json:"collateral_token"`
	IsLong          bool           `json:"is_long"`
}

func (req liquidationRequest) params() risk.LiquidationParams {
	return risk.LiquidationParams{
		Account:         req.Account,
		Market:          req.Market,
		CollateralToken: req.CollateralToken,
		IsLong:          req.IsLong,
	}
}

// ExecuteLiquidation liquidates one position.
// POST /api/liquidations
func (h *KeeperHandler) ExecuteLiquidation(w http.ResponseWriter, r *http.Request) {
	var req liquidationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.keeper.ExecuteLiquidation(r.Context(), req.params(), req.Prices)
	if err != nil {
		writeServiceError(w, r, h.logger, "execute liquidation", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CheckLiquidation reports a position's health.
// POST /api/liquidations/check
func (h *KeeperHandler) CheckLiquidation(w http.ResponseWriter, r *http.Request) {
	var req liquidationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	health, err := h.keeper.CheckLiquidation(r.Context(), req.params(), req.Prices)
	if err != nil {
		writeServiceError(w, r, h.logger, "check liquidation", err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// TokenPrice values a market token. GET uses the last recorded prices; POST
// takes a report set in the body.
// GET|POST /api/markets/{market}/token-price?pnl_factor_type=withdrawals&maximize=true
func (h *KeeperHandler) TokenPrice(w http.ResponseWriter, r *http.Request) {
	mkt, err := pathAddress(r, "market")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t := market.PnlFactorForWithdrawals
	if v := r.URL.Query().Get("pnl_factor_type"); v != "" {
		if t, err = market.ParsePnlFactorType(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	maximize, err := queryBool(r, "maximize", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in *service.Prices
	if r.Method == http.MethodPost {
		in = &service.Prices{}
		if err := decodeJSON(w, r, in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	tp, err := h.keeper.MarketTokenPrice(r.Context(), mkt, t, maximize, in)
	if err != nil {
		writeServiceError(w, r, h.logger, "market token price", err)
		return
	}
	writeJSON(w, http.StatusOK, tp)
}

type adlStateResponse struct {
	Market common.Address       `json:"market"`
	IsLong bool                 `json:"is_long"`
	State  risk.MarketRiskState `json:"state"`
	Params risk.Params          `json:"params"`
}

// AdlState returns the ADL state of a market side.
// GET /api/markets/{market}/adl-state?is_long=true
func (h *KeeperHandler) AdlState(w http.ResponseWriter, r *http.Request) {
	mkt, err := pathAddress(r, "market")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	isLong, err := queryBool(r, "is_long", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, params, err := h.keeper.AdlState(r.Context(), mkt, isLong)
	if err != nil {
		writeServiceError(w, r, h.logger, "adl state", err)
		return
	}
	writeJSON(w, http.StatusOK, adlStateResponse{Market: mkt, IsLong: isLong, State: state, Params: params})
}
