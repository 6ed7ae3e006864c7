package api

import (
	"encoding/json"
	"net/http"

	"github.com/healthme/telehealth-escrow/internal/billing"
)

func listPendingPayoutsHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := GetPrincipal(r.Context())

		payouts, err := svc.ListPendingPayouts(r.Context(), principal)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		resp := make([]PayoutResponse, 0, len(payouts))
		for i := range payouts {
			resp = append(resp, toPayoutResponse(&payouts[i]))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func processPayoutHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := GetPrincipal(r.Context())

		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req ProcessPayoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		payout, err := svc.ProcessPayout(r.Context(), principal, id,
			billing.PayoutStatus(req.Status), req.ExternalReference, req.AdminNotes)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toPayoutResponse(payout))
	}
}
