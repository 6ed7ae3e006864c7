package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound      = errors.New("patient not found")
	ErrPractitionerNotFound = errors.New("practitioner not found")
	ErrAppointmentNotFound  = errors.New("appointment not found")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)

	// UpdateStatus is a compare-and-swap: the row moves from -> to only if it
	// is still in from at update time. ErrAppointmentNotFound means the CAS
	// missed (wrong current status) or the row does not exist.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)

	// CancelFrom cancels the appointment if its current status is one of the
	// given states, recording the reason.
	CancelFrom(ctx context.Context, id uuid.UUID, from []Status, reason string) (*Appointment, error)

	// Reschedule moves a still-booked appointment to a new time.
	Reschedule(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (*Appointment, error)

	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListByPractitioner(ctx context.Context, practitionerID uuid.UUID, limit, offset int) ([]Appointment, error)

	// Expiry worker
	FindUnpaidBefore(ctx context.Context, cutoff time.Time) ([]Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
