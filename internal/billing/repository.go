package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrPayoutNotFound  = errors.New("payout not found")

	// ErrDuplicateTransaction fires on the gateway_tx_id uniqueness guard.
	// It is the expected outcome of a replayed webhook, not a failure.
	ErrDuplicateTransaction = errors.New("payment already recorded for this gateway transaction")

	// ErrDuplicateAppointmentPayment fires when a held or completed payment
	// already exists for the appointment.
	ErrDuplicateAppointmentPayment = errors.New("appointment already has a live payment")

	// ErrAppointmentNotPayable means the appointment was not in the booked
	// state when the charge arrived (cancelled, already paid, completed).
	ErrAppointmentNotPayable = errors.New("appointment is not awaiting payment")

	ErrInsufficientFunds = errors.New("insufficient available balance")

	// ErrInsufficientPendingFunds at release time indicates a reconciliation
	// bug upstream. It must surface, never be clamped.
	ErrInsufficientPendingFunds = errors.New("insufficient pending balance for release")

	ErrPayoutNotProcessable = errors.New("payout is not in a processable state")
)

type RecordChargeParams struct {
	AppointmentID     uuid.UUID
	PatientID         uuid.UUID
	PractitionerID    uuid.UUID
	GatewayTxID       string
	TxRef             string
	GrossAmount       int64
	GatewayFee        int64
	PlatformFee       int64
	PractitionerShare int64
}

type ReleaseResult struct {
	PaymentID         uuid.UUID
	PractitionerID    uuid.UUID
	PractitionerShare int64
}

// Repository contains all DB interactions needed by the billing service.
// Every money movement is either a single conditional statement or a single
// database transaction; the uniqueness and balance constraints in the schema
// are the concurrency primitives.
type Repository interface {
	// RecordVerifiedCharge atomically inserts the held payment, credits the
	// practitioner wallet's pending balance (creating the wallet if absent)
	// and moves the appointment booked -> paid. Nothing persists on any
	// failure.
	RecordVerifiedCharge(ctx context.Context, p RecordChargeParams) (*Payment, error)

	// CompleteAndRelease atomically moves the appointment
	// practitioner_confirmed -> completed, marks the held payment completed
	// and shifts the share from pending to available balance. A missing held
	// payment is a no-op release: the status change commits and the result is
	// nil. ErrInsufficientPendingFunds rolls the whole transaction back.
	CompleteAndRelease(ctx context.Context, appointmentID uuid.UUID, completionNote *string) (*ReleaseResult, error)

	FindPaymentByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error)

	// Wallet ledger: each of these is one atomic statement at the storage layer.
	GetOrCreateWallet(ctx context.Context, practitionerID uuid.UUID) (*Wallet, error)
	CreditPending(ctx context.Context, practitionerID uuid.UUID, amount int64) error
	ReleaseToAvailable(ctx context.Context, practitionerID uuid.UUID, amount int64) error
	DebitAvailable(ctx context.Context, practitionerID uuid.UUID, amount int64) error
	CreditAvailable(ctx context.Context, practitionerID uuid.UUID, amount int64) error

	// CreatePayout debits the available balance and inserts the payout record
	// in one transaction; an insufficient balance leaves both untouched.
	CreatePayout(ctx context.Context, practitionerID uuid.UUID, amount int64, bank BankDetails) (*Payout, *Wallet, error)

	// ProcessPayout moves a requested/processing payout to the given terminal
	// or intermediate state; a failed payout re-credits the wallet in the
	// same transaction.
	ProcessPayout(ctx context.Context, payoutID uuid.UUID, status PayoutStatus, externalRef, adminNotes *string) (*Payout, error)

	ListPayoutsByStatus(ctx context.Context, status PayoutStatus) ([]Payout, error)

	InsertEvent(ctx context.Context, eventType string, appointmentID *uuid.UUID, payload []byte) error
}
