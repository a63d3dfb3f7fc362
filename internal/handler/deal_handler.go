package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"deal-settlement/internal/errors"
	"deal-settlement/internal/service"
	"deal-settlement/internal/settlement"
)

type DealHandler struct {
	settlementService *service.SettlementService
}

func NewDealHandler(settlementService *service.SettlementService) *DealHandler {
	return &DealHandler{
		settlementService: settlementService,
	}
}

type CreateDealRequest struct {
	BrokerID        string `json:"broker_id"`
	OperatorID      string `json:"operator_id"`
	DealType        string `json:"deal_type,omitempty"`
	TotalAmount     int64  `json:"total_amount"`
	Currency        string `json:"currency"`
	PlatformFeeRate string `json:"platform_fee_rate,omitempty"`
	Jurisdiction    string `json:"jurisdiction"`
	BuyerCountry    string `json:"buyer_country,omitempty"`
	BuyerVATID      string `json:"buyer_vat_id,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

func (h *DealHandler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	var req CreateDealRequest
	if appErr := decodeBody(r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}

	var feeRate *decimal.Decimal
	if req.PlatformFeeRate != "" {
		rate, err := decimal.NewFromString(req.PlatformFeeRate)
		if err != nil {
			writeError(w, errors.NewAppError(errors.InvalidInput, "invalid platform_fee_rate format").WithDetails(err.Error()))
			return
		}
		feeRate = &rate
	}

	result, err := h.settlementService.CreateEscrow(r.Context(), &service.CreateEscrowRequest{
		BrokerID:        req.BrokerID,
		OperatorID:      req.OperatorID,
		DealType:        req.DealType,
		TotalAmount:     req.TotalAmount,
		Currency:        req.Currency,
		PlatformFeeRate: feeRate,
		Jurisdiction:    req.Jurisdiction,
		BuyerCountry:    req.BuyerCountry,
		BuyerVATID:      req.BuyerVATID,
		IdempotencyKey:  idempotencyKey(r, req.IdempotencyKey),
		Actor:           actor,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeResult(w, http.StatusCreated, result)
}

func (h *DealHandler) GetDeal(w http.ResponseWriter, r *http.Request) {
	deal, err := h.settlementService.GetDeal(r.Context(), mux.Vars(r)["deal_id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deal)
}

func (h *DealHandler) ExportLedger(w http.ResponseWriter, r *http.Request) {
	export, err := h.settlementService.ExportLedger(r.Context(), mux.Vars(r)["deal_id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func (h *DealHandler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	verification, err := h.settlementService.VerifyChain(r.Context(), mux.Vars(r)["deal_id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verification)
}

// writeResult answers a replayed request with 200 and the original result.
func writeResult(w http.ResponseWriter, created int, result *settlement.Result) {
	if result.Duplicate {
		writeJSON(w, http.StatusOK, result)
		return
	}
	writeJSON(w, created, result)
}
