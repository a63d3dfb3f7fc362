package handler

import (
	"github.com/gorilla/mux"

	"deal-settlement/internal/service"
)

// RegisterRoutes mounts the deal API on router.
func RegisterRoutes(router *mux.Router, settlementService *service.SettlementService) {
	dealHandler := NewDealHandler(settlementService)
	settlementHandler := NewSettlementHandler(settlementService)

	// Deal routes
	router.HandleFunc("/deals", dealHandler.CreateDeal).Methods("POST")
	router.HandleFunc("/deals/{deal_id}", dealHandler.GetDeal).Methods("GET")
	router.HandleFunc("/deals/{deal_id}/ledger", dealHandler.ExportLedger).Methods("GET")
	router.HandleFunc("/deals/{deal_id}/audit/verify", dealHandler.VerifyChain).Methods("GET")

	// Settlement routes
	router.HandleFunc("/deals/{deal_id}/payments", settlementHandler.ConfirmPayment).Methods("POST")
	router.HandleFunc("/deals/{deal_id}/release", settlementHandler.Release).Methods("POST")
	router.HandleFunc("/deals/{deal_id}/refunds", settlementHandler.Refund).Methods("POST")
	router.HandleFunc("/deals/{deal_id}/disputes", settlementHandler.OpenDispute).Methods("POST")
	router.HandleFunc("/deals/{deal_id}/disputes/resolve", settlementHandler.ResolveDispute).Methods("POST")
}
