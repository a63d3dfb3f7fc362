package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/service"
	"deal-settlement/internal/settlement"
)

type SettlementHandler struct {
	settlementService *service.SettlementService
}

func NewSettlementHandler(settlementService *service.SettlementService) *SettlementHandler {
	return &SettlementHandler{
		settlementService: settlementService,
	}
}

// TransitionRequest is the body shared by every deal transition. Fields a
// transition does not use are ignored.
type TransitionRequest struct {
	Amount          int64  `json:"amount,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Resolution      string `json:"resolution,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

func (h *SettlementHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, http.StatusCreated, func(req TransitionRequest, base baseRequest) (*settlement.Result, error) {
		return h.settlementService.ConfirmPayment(r.Context(), &service.ConfirmPaymentRequest{
			DealID:          base.dealID,
			IdempotencyKey:  base.key,
			ExpectedVersion: req.ExpectedVersion,
			Actor:           base.actor,
		})
	})
}

func (h *SettlementHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, http.StatusOK, func(req TransitionRequest, base baseRequest) (*settlement.Result, error) {
		return h.settlementService.ReleaseFunds(r.Context(), &service.ReleaseRequest{
			DealID:          base.dealID,
			IdempotencyKey:  base.key,
			ExpectedVersion: req.ExpectedVersion,
			Actor:           base.actor,
		})
	})
}

func (h *SettlementHandler) Refund(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, http.StatusCreated, func(req TransitionRequest, base baseRequest) (*settlement.Result, error) {
		return h.settlementService.Refund(r.Context(), &service.RefundRequest{
			DealID:          base.dealID,
			Amount:          req.Amount,
			Reason:          req.Reason,
			IdempotencyKey:  base.key,
			ExpectedVersion: req.ExpectedVersion,
			Actor:           base.actor,
		})
	})
}

func (h *SettlementHandler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, http.StatusCreated, func(req TransitionRequest, base baseRequest) (*settlement.Result, error) {
		return h.settlementService.OpenDispute(r.Context(), &service.DisputeRequest{
			DealID:          base.dealID,
			Reason:          req.Reason,
			IdempotencyKey:  base.key,
			ExpectedVersion: req.ExpectedVersion,
			Actor:           base.actor,
		})
	})
}

func (h *SettlementHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, http.StatusOK, func(req TransitionRequest, base baseRequest) (*settlement.Result, error) {
		return h.settlementService.ResolveDispute(r.Context(), &service.ResolveDisputeRequest{
			DealID:          base.dealID,
			Resolution:      service.Resolution(req.Resolution),
			Amount:          req.Amount,
			Reason:          req.Reason,
			IdempotencyKey:  base.key,
			ExpectedVersion: req.ExpectedVersion,
			Actor:           base.actor,
		})
	})
}

type baseRequest struct {
	dealID string
	key    string
	actor  domain.Actor
}

func (h *SettlementHandler) transition(
	w http.ResponseWriter,
	r *http.Request,
	status int,
	call func(req TransitionRequest, base baseRequest) (*settlement.Result, error),
) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	var req TransitionRequest
	if r.ContentLength != 0 {
		if appErr := decodeBody(r, &req); appErr != nil {
			writeError(w, appErr)
			return
		}
	}

	result, err := call(req, baseRequest{
		dealID: mux.Vars(r)["deal_id"],
		key:    idempotencyKey(r, req.IdempotencyKey),
		actor:  actor,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeResult(w, status, result)
}
