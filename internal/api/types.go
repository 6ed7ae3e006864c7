package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/healthme/telehealth-escrow/internal/appointment"
	"github.com/healthme/telehealth-escrow/internal/billing"
)

type BookAppointmentRequest struct {
	PractitionerID   string  `json:"practitioner_id"`
	ScheduledAt      string  `json:"scheduled_at"` // RFC 3339
	DurationMinutes  int     `json:"duration_minutes"`
	ConsultationType string  `json:"consultation_type"`
	Notes            *string `json:"notes,omitempty"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason"`
}

type RescheduleAppointmentRequest struct {
	ScheduledAt string `json:"scheduled_at"` // RFC 3339
}

type CompleteAppointmentRequest struct {
	CompletionNote *string `json:"completion_note,omitempty"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID  `json:"id"`
	PatientID          uuid.UUID  `json:"patient_id"`
	PractitionerID     uuid.UUID  `json:"practitioner_id"`
	ScheduledAt        time.Time  `json:"scheduled_at"`
	DurationMinutes    int        `json:"duration_minutes"`
	ConsultationType   string     `json:"consultation_type"`
	Status             string     `json:"status"`
	Notes              *string    `json:"notes,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	CompletionNote     *string    `json:"completion_note,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type InitiatePaymentRequest struct {
	AppointmentID string `json:"appointment_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

type InitiatePaymentResponse struct {
	RedirectLink string `json:"redirect_link"`
	TxRef        string `json:"tx_ref"`
}

type WalletResponse struct {
	PractitionerID   uuid.UUID  `json:"practitioner_id"`
	Balance          int64      `json:"balance"`
	PendingBalance   int64      `json:"pending_balance"`
	TotalEarned      int64      `json:"total_earned"`
	LastWithdrawalAt *time.Time `json:"last_withdrawal_at,omitempty"`
}

type BankDetailsPayload struct {
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

type WithdrawRequest struct {
	Amount      int64              `json:"amount"`
	BankDetails BankDetailsPayload `json:"bank_details"`
}

type WithdrawResponse struct {
	PayoutID   uuid.UUID `json:"payout_id"`
	NewBalance int64     `json:"new_balance"`
}

type ProcessPayoutRequest struct {
	Status            string  `json:"status"` // processing, completed, failed
	ExternalReference *string `json:"external_reference,omitempty"`
	AdminNotes        *string `json:"admin_notes,omitempty"`
}

type PayoutResponse struct {
	ID                uuid.UUID  `json:"id"`
	PractitionerID    uuid.UUID  `json:"practitioner_id"`
	Amount            int64      `json:"amount"`
	Status            string     `json:"status"`
	RequestedAt       time.Time  `json:"requested_at"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	ExternalReference *string    `json:"external_reference,omitempty"`
	AdminNotes        *string    `json:"admin_notes,omitempty"`
}

type PaymentResponse struct {
	ID                uuid.UUID  `json:"id"`
	AppointmentID     uuid.UUID  `json:"appointment_id"`
	GatewayTxID       string     `json:"gateway_tx_id"`
	TxRef             string     `json:"tx_ref"`
	GrossAmount       int64      `json:"gross_amount"`
	GatewayFee        int64      `json:"gateway_fee"`
	PlatformFee       int64      `json:"platform_fee"`
	PractitionerShare int64      `json:"practitioner_share"`
	Status            string     `json:"status"`
	PaidAt            time.Time  `json:"paid_at"`
	ReleasedAt        *time.Time `json:"released_at,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                 a.ID,
		PatientID:          a.PatientID,
		PractitionerID:     a.PractitionerID,
		ScheduledAt:        a.ScheduledAt,
		DurationMinutes:    a.DurationMinutes,
		ConsultationType:   string(a.ConsultationType),
		Status:             string(a.Status),
		Notes:              a.Notes,
		CancellationReason: a.CancellationReason,
		CompletionNote:     a.CompletionNote,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func toWalletResponse(w *billing.Wallet) WalletResponse {
	return WalletResponse{
		PractitionerID:   w.PractitionerID,
		Balance:          w.Balance,
		PendingBalance:   w.PendingBalance,
		TotalEarned:      w.TotalEarned,
		LastWithdrawalAt: w.LastWithdrawalAt,
	}
}

func toPaymentResponse(p *billing.Payment) PaymentResponse {
	return PaymentResponse{
		ID:                p.ID,
		AppointmentID:     p.AppointmentID,
		GatewayTxID:       p.GatewayTxID,
		TxRef:             p.TxRef,
		GrossAmount:       p.GrossAmount,
		GatewayFee:        p.GatewayFee,
		PlatformFee:       p.PlatformFee,
		PractitionerShare: p.PractitionerShare,
		Status:            string(p.Status),
		PaidAt:            p.PaidAt,
		ReleasedAt:        p.ReleasedAt,
	}
}

func toPayoutResponse(p *billing.Payout) PayoutResponse {
	return PayoutResponse{
		ID:                p.ID,
		PractitionerID:    p.PractitionerID,
		Amount:            p.Amount,
		Status:            string(p.Status),
		RequestedAt:       p.RequestedAt,
		ProcessedAt:       p.ProcessedAt,
		ExternalReference: p.ExternalReference,
		AdminNotes:        p.AdminNotes,
	}
}
