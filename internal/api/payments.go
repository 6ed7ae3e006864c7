package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/healthme/telehealth-escrow/internal/billing"
)

func initiatePaymentHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := GetPrincipal(r.Context())

		var req InitiatePaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appointmentID, err := uuid.Parse(req.AppointmentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
			return
		}

		link, txRef, err := svc.InitiatePayment(r.Context(), principal, appointmentID, req.Amount, req.Currency)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, InitiatePaymentResponse{
			RedirectLink: link,
			TxRef:        txRef,
		})
	}
}

func walletStatusHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := GetPrincipal(r.Context())

		wallet, err := svc.WalletStatus(r.Context(), principal)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toWalletResponse(wallet))
	}
}

func withdrawHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := GetPrincipal(r.Context())

		var req WithdrawRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		payout, wallet, err := svc.RequestWithdrawal(r.Context(), principal, req.Amount, billing.BankDetails{
			BankName:      req.BankDetails.BankName,
			AccountNumber: req.BankDetails.AccountNumber,
			AccountName:   req.BankDetails.AccountName,
		})
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, WithdrawResponse{
			PayoutID:   payout.ID,
			NewBalance: wallet.Balance,
		})
	}
}

func getPaymentHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := GetPrincipal(r.Context())

		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		payment, err := svc.PaymentForAppointment(r.Context(), principal, id)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toPaymentResponse(payment))
	}
}
