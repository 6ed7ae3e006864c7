package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	// StatusBooked is the initial state: reserved by the patient, unpaid.
	StatusBooked Status = "booked"
	// StatusPaid is set by webhook reconciliation, never by a client call.
	StatusPaid Status = "paid"
	// StatusPractitionerConfirmed means the practitioner accepted the paid booking.
	StatusPractitionerConfirmed Status = "practitioner_confirmed"
	// StatusCompleted is terminal; reaching it moves escrowed funds.
	StatusCompleted Status = "completed"
	// StatusCancelled is terminal.
	StatusCancelled Status = "cancelled"
)

type ConsultationType string

const (
	ConsultationVideo    ConsultationType = "video"
	ConsultationInPerson ConsultationType = "in_person"
	ConsultationPhone    ConsultationType = "phone"
)

func ValidConsultationType(t ConsultationType) bool {
	switch t {
	case ConsultationVideo, ConsultationInPerson, ConsultationPhone:
		return true
	}
	return false
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Practitioner struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID                 uuid.UUID
	PatientID          uuid.UUID
	PractitionerID     uuid.UUID
	ScheduledAt        time.Time
	DurationMinutes    int
	ConsultationType   ConsultationType
	Status             Status
	Notes              *string
	CancellationReason *string
	CompletionNote     *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Terminal reports whether no further transition may leave the status.
func Terminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition is the single source of truth for the appointment lifecycle:
//
//	booked -> paid -> practitioner_confirmed -> completed
//
// with cancelled reachable from any non-terminal state.
func CanTransition(from, to Status) bool {
	if Terminal(from) {
		return false
	}
	switch to {
	case StatusPaid:
		return from == StatusBooked
	case StatusPractitionerConfirmed:
		return from == StatusPaid
	case StatusCompleted:
		return from == StatusPractitionerConfirmed
	case StatusCancelled:
		return true
	}
	return false
}
