package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/healthme/telehealth-escrow/internal/auth"
)

const (
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentExpired     = "APPOINTMENT_EXPIRED"
)

var (
	ErrForbidden         = errors.New("principal is not a party to this appointment")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyCompleted  = errors.New("appointment is already completed")
	ErrReasonRequired    = errors.New("a cancellation reason is required")
	ErrInvalidBooking    = errors.New("invalid booking request")
	ErrNotReschedulable  = errors.New("only unpaid appointments can be rescheduled")
)

type BookParams struct {
	PractitionerID   uuid.UUID
	ScheduledAt      time.Time
	DurationMinutes  int
	ConsultationType ConsultationType
	Notes            *string
}

type Service struct {
	repo       Repository
	paymentTTL time.Duration
	log        *zap.Logger
}

func NewService(repo Repository, paymentTTL time.Duration, log *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		paymentTTL: paymentTTL,
		log:        log,
	}
}

// Book creates an appointment in the booked state. Payment happens afterwards
// through the gateway; the status only moves to paid once the webhook settles.
func (s *Service) Book(ctx context.Context, principal auth.Principal, p BookParams) (*Appointment, error) {
	if principal.Role != auth.RolePatient {
		return nil, ErrForbidden
	}
	if !ValidConsultationType(p.ConsultationType) {
		return nil, fmt.Errorf("%w: unknown consultation type %q", ErrInvalidBooking, p.ConsultationType)
	}
	if p.ScheduledAt.Before(time.Now()) {
		return nil, fmt.Errorf("%w: scheduled time is in the past", ErrInvalidBooking)
	}
	if p.DurationMinutes <= 0 {
		p.DurationMinutes = 30
	}

	if _, err := s.repo.GetPatientByID(ctx, principal.ID); err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if _, err := s.repo.GetPractitionerByID(ctx, p.PractitionerID); err != nil {
		return nil, fmt.Errorf("load practitioner: %w", err)
	}

	created, err := s.repo.CreateAppointment(ctx, &Appointment{
		PatientID:        principal.ID,
		PractitionerID:   p.PractitionerID,
		ScheduledAt:      p.ScheduledAt,
		DurationMinutes:  p.DurationMinutes,
		ConsultationType: p.ConsultationType,
		Status:           StatusBooked,
		Notes:            p.Notes,
	})
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	s.logEvent(ctx, created.ID, EventAppointmentBooked, map[string]any{
		"patient_id":      created.PatientID.String(),
		"practitioner_id": created.PractitionerID.String(),
		"scheduled_at":    created.ScheduledAt,
	})

	return created, nil
}

// Get returns the appointment to one of its parties.
func (s *Service) Get(ctx context.Context, principal auth.Principal, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !auth.IsParty(principal, party(appt)) {
		return nil, ErrForbidden
	}
	return appt, nil
}

func (s *Service) List(ctx context.Context, principal auth.Principal, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	switch principal.Role {
	case auth.RolePatient:
		return s.repo.ListByPatient(ctx, principal.ID, limit, offset)
	case auth.RolePractitioner:
		return s.repo.ListByPractitioner(ctx, principal.ID, limit, offset)
	default:
		return nil, ErrForbidden
	}
}

// Confirm moves a paid appointment to practitioner_confirmed. Practitioner only.
func (s *Service) Confirm(ctx context.Context, principal auth.Principal, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if principal.Role != auth.RolePractitioner || principal.ID != appt.PractitionerID {
		return nil, ErrForbidden
	}
	if appt.Status != StatusPaid {
		return nil, fmt.Errorf("%w: cannot confirm from %q", ErrInvalidTransition, appt.Status)
	}

	updated, err := s.repo.UpdateStatus(ctx, id, StatusPaid, StatusPractitionerConfirmed)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// Lost the race: the status moved between the read and the CAS.
			return nil, fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
		}
		return nil, fmt.Errorf("confirm appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentConfirmed, map[string]any{})

	return updated, nil
}

// Cancel moves any non-terminal appointment to cancelled. Patients must give a
// reason; practitioners may omit one (rejection).
func (s *Service) Cancel(ctx context.Context, principal auth.Principal, id uuid.UUID, reason string) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !auth.IsParty(principal, party(appt)) {
		return nil, ErrForbidden
	}
	if Terminal(appt.Status) {
		if appt.Status == StatusCompleted {
			return nil, ErrAlreadyCompleted
		}
		return nil, fmt.Errorf("%w: appointment is %q", ErrInvalidTransition, appt.Status)
	}
	if principal.Role == auth.RolePatient && reason == "" {
		return nil, ErrReasonRequired
	}
	if reason == "" {
		reason = "cancelled by practitioner"
	}

	active := []Status{StatusBooked, StatusPaid, StatusPractitionerConfirmed}
	updated, err := s.repo.CancelFrom(ctx, id, active, reason)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentCancelled, map[string]any{
		"by":     string(principal.Role),
		"reason": reason,
	})

	return updated, nil
}

// Reschedule moves a booked appointment to a new time. Patient only.
func (s *Service) Reschedule(ctx context.Context, principal auth.Principal, id uuid.UUID, scheduledAt time.Time) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if principal.Role != auth.RolePatient || principal.ID != appt.PatientID {
		return nil, ErrForbidden
	}
	if appt.Status != StatusBooked {
		return nil, ErrNotReschedulable
	}
	if scheduledAt.Before(time.Now()) {
		return nil, fmt.Errorf("%w: scheduled time is in the past", ErrInvalidBooking)
	}

	updated, err := s.repo.Reschedule(ctx, id, scheduledAt)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrNotReschedulable
		}
		return nil, fmt.Errorf("reschedule appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentRescheduled, map[string]any{
		"scheduled_at": scheduledAt,
	})

	return updated, nil
}

// ExpireUnpaid cancels booked appointments whose payment window has lapsed.
// Called periodically by the expiry worker.
func (s *Service) ExpireUnpaid(ctx context.Context) error {
	cutoff := time.Now().Add(-s.paymentTTL)
	candidates, err := s.repo.FindUnpaidBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("find unpaid appointments: %w", err)
	}

	for _, appt := range candidates {
		_, err := s.repo.CancelFrom(ctx, appt.ID, []Status{StatusBooked}, "payment window expired")
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				// Paid or cancelled in the meantime, nothing to do.
				continue
			}
			s.log.Warn("failed to expire appointment",
				zap.String("appointment_id", appt.ID.String()),
				zap.Error(err))
			continue
		}
		s.logEvent(ctx, appt.ID, EventAppointmentExpired, map[string]any{
			"reason": "worker",
		})
	}

	return nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn("failed to insert event log",
			zap.String("event", eventType),
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err))
	}
}

func party(a *Appointment) auth.Party {
	return auth.Party{PatientID: a.PatientID, PractitionerID: a.PractitionerID}
}
