package api

import (
	"errors"
	"net/http"

	"github.com/healthme/telehealth-escrow/internal/appointment"
	"github.com/healthme/telehealth-escrow/internal/billing"
	redisclient "github.com/healthme/telehealth-escrow/internal/redis"
)

// handleDomainError maps package sentinels onto the HTTP error taxonomy.
// Gateway failures deliberately hide the upstream error body from clients.
func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrPractitionerNotFound):
		writeError(w, http.StatusNotFound, "practitioner_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, billing.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, "payment_not_found", err.Error())
	case errors.Is(err, billing.ErrWalletNotFound):
		writeError(w, http.StatusNotFound, "wallet_not_found", err.Error())
	case errors.Is(err, billing.ErrPayoutNotFound):
		writeError(w, http.StatusNotFound, "payout_not_found", err.Error())

	case errors.Is(err, appointment.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())

	case errors.Is(err, appointment.ErrInvalidBooking),
		errors.Is(err, appointment.ErrReasonRequired),
		errors.Is(err, billing.ErrInvalidAmount),
		errors.Is(err, billing.ErrBelowMinimumWithdrawal),
		errors.Is(err, billing.ErrInvalidPayoutStatus),
		errors.Is(err, billing.ErrMalformedTxRef):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())

	case errors.Is(err, appointment.ErrAlreadyCompleted):
		writeError(w, http.StatusConflict, "already_completed", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition),
		errors.Is(err, appointment.ErrNotReschedulable),
		errors.Is(err, billing.ErrDuplicateTransaction),
		errors.Is(err, billing.ErrDuplicateAppointmentPayment),
		errors.Is(err, billing.ErrAppointmentNotPayable),
		errors.Is(err, billing.ErrInsufficientFunds),
		errors.Is(err, billing.ErrPayoutNotProcessable),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "conflict", err.Error())

	case errors.Is(err, billing.ErrGatewayUnavailable):
		writeError(w, http.StatusBadGateway, "payment_service_unavailable", "payment service unavailable, retry")

	case errors.Is(err, billing.ErrInsufficientPendingFunds):
		// Invariant violation: surfaced as fatal, logged at the service layer.
		writeError(w, http.StatusInternalServerError, "internal_error", "escrow reconciliation failure")

	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
