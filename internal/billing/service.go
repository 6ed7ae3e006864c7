package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/healthme/telehealth-escrow/internal/appointment"
	"github.com/healthme/telehealth-escrow/internal/auth"
	"github.com/healthme/telehealth-escrow/internal/gateway"
	"github.com/healthme/telehealth-escrow/internal/notify"
	redisclient "github.com/healthme/telehealth-escrow/internal/redis"
)

const (
	EventPaymentHeld     = "PAYMENT_HELD"
	EventFundsReleased   = "FUNDS_RELEASED"
	EventPayoutRequested = "PAYOUT_REQUESTED"
	EventPayoutProcessed = "PAYOUT_PROCESSED"
)

var (
	// ErrVerificationMismatch means the webhook body and the gateway's own
	// verification endpoint disagree. Nothing is credited.
	ErrVerificationMismatch = errors.New("webhook payload disagrees with verified transaction")

	ErrBelowMinimumWithdrawal = errors.New("amount is below the minimum withdrawal")
	ErrInvalidPayoutStatus    = errors.New("payout status must be processing, completed or failed")
	ErrGatewayUnavailable     = errors.New("payment gateway unavailable")
)

// Gateway is the slice of the payment gateway client the service needs.
type Gateway interface {
	Initiate(ctx context.Context, p gateway.InitiateParams) (string, error)
	Verify(ctx context.Context, gatewayTxID string) (gateway.VerifyResult, error)
}

// ChargeEvent is a successful-charge webhook notification, already filtered
// and field-extracted by the HTTP layer.
type ChargeEvent struct {
	GatewayTxID string
	TxRef       string
	Amount      int64
	GatewayFee  int64
}

type Config struct {
	CommissionRate float64
	MinWithdrawal  int64
	Currency       string
	RedirectURL    string
}

type Service struct {
	repo     Repository
	appts    appointment.Repository
	gw       Gateway
	notifier notify.Notifier
	locker   redisclient.Locker
	cfg      Config
	log      *zap.Logger
}

func NewService(repo Repository, appts appointment.Repository, gw Gateway, notifier notify.Notifier, locker redisclient.Locker, cfg Config, log *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		appts:    appts,
		gw:       gw,
		notifier: notifier,
		locker:   locker,
		cfg:      cfg,
		log:      log,
	}
}

// InitiatePayment builds the merchant reference and asks the gateway for a
// hosted-checkout link. No local state changes until the webhook settles.
func (s *Service) InitiatePayment(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID, amount int64, currency string) (link, txRef string, err error) {
	if amount <= 0 {
		return "", "", ErrInvalidAmount
	}
	if currency == "" {
		currency = s.cfg.Currency
	}

	appt, err := s.appts.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return "", "", err
	}
	// Not-owned reads the same as missing to the caller.
	if principal.Role != auth.RolePatient || principal.ID != appt.PatientID {
		return "", "", appointment.ErrAppointmentNotFound
	}
	if appt.Status != appointment.StatusBooked {
		return "", "", ErrAppointmentNotPayable
	}

	patient, err := s.appts.GetPatientByID(ctx, appt.PatientID)
	if err != nil {
		return "", "", fmt.Errorf("load patient: %w", err)
	}

	email := ""
	if patient.Email != nil {
		email = *patient.Email
	}

	txRef = FormatTxRef(appointmentID, time.Now())
	link, err = s.gw.Initiate(ctx, gateway.InitiateParams{
		TxRef:         txRef,
		Amount:        amount,
		Currency:      currency,
		CustomerEmail: email,
		CustomerName:  patient.Name,
		RedirectURL:   s.cfg.RedirectURL,
		Description:   fmt.Sprintf("Payment for appointment %s", appointmentID),
	})
	if err != nil {
		s.log.Error("gateway initiation failed",
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err))
		return "", "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	return link, txRef, nil
}

// ReconcileCharge settles a verified successful charge: one storage
// transaction creates the held payment, credits the wallet's pending balance
// and moves the appointment to paid. Replays surface ErrDuplicateTransaction
// and change nothing.
func (s *Service) ReconcileCharge(ctx context.Context, evt ChargeEvent) (*Payment, error) {
	appointmentID, _, err := ParseTxRef(evt.TxRef)
	if err != nil {
		return nil, err
	}

	appt, err := s.appts.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	// Never trust the webhook body alone; re-verify with the gateway.
	verified, err := s.gw.Verify(ctx, evt.GatewayTxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if verified.Status != "successful" || verified.Amount != evt.Amount {
		s.log.Warn("webhook verification mismatch",
			zap.String("gateway_tx_id", evt.GatewayTxID),
			zap.String("appointment_id", appointmentID.String()),
			zap.String("verified_status", verified.Status),
			zap.Int64("verified_amount", verified.Amount),
			zap.Int64("payload_amount", evt.Amount))
		return nil, ErrVerificationMismatch
	}

	platformFee, share, err := ComputeSplit(evt.Amount, s.cfg.CommissionRate)
	if err != nil {
		return nil, err
	}

	payment, err := s.repo.RecordVerifiedCharge(ctx, RecordChargeParams{
		AppointmentID:     appointmentID,
		PatientID:         appt.PatientID,
		PractitionerID:    appt.PractitionerID,
		GatewayTxID:       evt.GatewayTxID,
		TxRef:             evt.TxRef,
		GrossAmount:       evt.Amount,
		GatewayFee:        evt.GatewayFee,
		PlatformFee:       platformFee,
		PractitionerShare: share,
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventPaymentHeld, &appointmentID, map[string]any{
		"gateway_tx_id":      payment.GatewayTxID,
		"gross_amount":       payment.GrossAmount,
		"platform_fee":       payment.PlatformFee,
		"practitioner_share": payment.PractitionerShare,
	})

	s.notifyPatient(ctx, appt.PatientID,
		"Payment confirmed",
		fmt.Sprintf("Your payment of %d for appointment %s was successful. The funds are held in escrow until the service is completed.",
			payment.GrossAmount, appointmentID))

	return payment, nil
}

// CompleteAppointment is the escrow release engine's entry point: the
// practitioner marks the service done, and the status change and the fund
// release commit or fail together. Funds have actually moved by the time this
// returns without error.
func (s *Service) CompleteAppointment(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID, completionNote *string) (*appointment.Appointment, *ReleaseResult, error) {
	appt, err := s.appts.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, nil, err
	}
	if principal.Role != auth.RolePractitioner || principal.ID != appt.PractitionerID {
		return nil, nil, appointment.ErrForbidden
	}
	// Idempotency: reject before any release logic runs.
	if appt.Status == appointment.StatusCompleted {
		return nil, nil, appointment.ErrAlreadyCompleted
	}
	if appt.Status != appointment.StatusPractitionerConfirmed {
		return nil, nil, fmt.Errorf("%w: cannot complete from %q", appointment.ErrInvalidTransition, appt.Status)
	}

	var released *ReleaseResult
	err = s.locker.WithAppointmentLock(ctx, appointmentID, func(lockCtx context.Context) error {
		res, err := s.repo.CompleteAndRelease(lockCtx, appointmentID, completionNote)
		if err != nil {
			return err
		}
		released = res
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientPendingFunds) {
			// Reconciliation bug: a held payment exists but the pending
			// balance cannot cover it. The transaction rolled back, the
			// appointment is not completed, and this must be loud.
			s.log.Error("escrow release failed: pending balance cannot cover held payment",
				zap.String("appointment_id", appointmentID.String()),
				zap.Error(err))
		}
		return nil, nil, err
	}

	if released == nil {
		s.log.Warn("appointment completed with no held payment; no funds released",
			zap.String("appointment_id", appointmentID.String()))
	} else {
		s.logEvent(ctx, EventFundsReleased, &appointmentID, map[string]any{
			"payment_id":         released.PaymentID.String(),
			"practitioner_share": released.PractitionerShare,
		})
		s.notifyPractitioner(ctx, released.PractitionerID,
			"Funds released",
			fmt.Sprintf("%d has been released to your available balance for appointment %s.",
				released.PractitionerShare, appointmentID))
	}

	updated, err := s.appts.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, released, fmt.Errorf("reload appointment: %w", err)
	}

	return updated, released, nil
}

// WalletStatus returns the practitioner's wallet, creating a zeroed one on
// first access.
func (s *Service) WalletStatus(ctx context.Context, principal auth.Principal) (*Wallet, error) {
	if principal.Role != auth.RolePractitioner {
		return nil, appointment.ErrForbidden
	}
	return s.repo.GetOrCreateWallet(ctx, principal.ID)
}

// RequestWithdrawal debits the available balance and files a payout request
// for admin processing, atomically.
func (s *Service) RequestWithdrawal(ctx context.Context, principal auth.Principal, amount int64, bank BankDetails) (*Payout, *Wallet, error) {
	if principal.Role != auth.RolePractitioner {
		return nil, nil, appointment.ErrForbidden
	}
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if amount < s.cfg.MinWithdrawal {
		return nil, nil, fmt.Errorf("%w: minimum is %d", ErrBelowMinimumWithdrawal, s.cfg.MinWithdrawal)
	}

	payout, wallet, err := s.repo.CreatePayout(ctx, principal.ID, amount, bank)
	if err != nil {
		return nil, nil, err
	}

	s.logEvent(ctx, EventPayoutRequested, nil, map[string]any{
		"payout_id":       payout.ID.String(),
		"practitioner_id": principal.ID.String(),
		"amount":          amount,
	})

	return payout, wallet, nil
}

// ProcessPayout is the admin action moving a payout through
// processing/completed/failed. Failure re-credits the wallet.
func (s *Service) ProcessPayout(ctx context.Context, principal auth.Principal, payoutID uuid.UUID, status PayoutStatus, externalRef, adminNotes *string) (*Payout, error) {
	if principal.Role != auth.RoleAdmin {
		return nil, appointment.ErrForbidden
	}
	switch status {
	case PayoutProcessing, PayoutCompleted, PayoutFailed:
	default:
		return nil, ErrInvalidPayoutStatus
	}

	payout, err := s.repo.ProcessPayout(ctx, payoutID, status, externalRef, adminNotes)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventPayoutProcessed, nil, map[string]any{
		"payout_id": payout.ID.String(),
		"status":    string(status),
	})

	if status == PayoutFailed {
		s.notifyPractitioner(ctx, payout.PractitionerID,
			"Payout failed",
			fmt.Sprintf("Your payout of %d could not be processed. The funds have been returned to your available balance.", payout.Amount))
	}

	return payout, nil
}

func (s *Service) ListPendingPayouts(ctx context.Context, principal auth.Principal) ([]Payout, error) {
	if principal.Role != auth.RoleAdmin {
		return nil, appointment.ErrForbidden
	}
	return s.repo.ListPayoutsByStatus(ctx, PayoutRequested)
}

func (s *Service) PaymentForAppointment(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID) (*Payment, error) {
	payment, err := s.repo.FindPaymentByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	party := auth.Party{PatientID: payment.PatientID, PractitionerID: payment.PractitionerID}
	if !auth.IsParty(principal, party) && principal.Role != auth.RoleAdmin {
		return nil, appointment.ErrForbidden
	}
	return payment, nil
}

// notifyPatient and notifyPractitioner are best-effort: the financial
// transaction has committed, so delivery failures only get logged.

func (s *Service) notifyPatient(ctx context.Context, patientID uuid.UUID, subject, body string) {
	patient, err := s.appts.GetPatientByID(ctx, patientID)
	if err != nil || patient.Email == nil {
		s.log.Warn("skipping patient notification", zap.String("patient_id", patientID.String()), zap.Error(err))
		return
	}
	s.send(ctx, *patient.Email, subject, body)
}

func (s *Service) notifyPractitioner(ctx context.Context, practitionerID uuid.UUID, subject, body string) {
	practitioner, err := s.appts.GetPractitionerByID(ctx, practitionerID)
	if err != nil || practitioner.Email == nil {
		s.log.Warn("skipping practitioner notification", zap.String("practitioner_id", practitionerID.String()), zap.Error(err))
		return
	}
	s.send(ctx, *practitioner.Email, subject, body)
}

func (s *Service) send(ctx context.Context, to, subject, body string) {
	if err := s.notifier.Send(ctx, notify.Email{To: to, Subject: subject, Body: body}); err != nil {
		s.log.Warn("notification delivery failed", zap.String("to", to), zap.Error(err))
	}
}

func (s *Service) logEvent(ctx context.Context, eventType string, appointmentID *uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	if err := s.repo.InsertEvent(ctx, eventType, appointmentID, data); err != nil {
		s.log.Warn("failed to insert event log", zap.String("event", eventType), zap.Error(err))
	}
}
