package billing

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	// PaymentInitiated exists for records created before gateway settlement.
	// The happy path never lands here: a verified charge is inserted as held.
	PaymentInitiated PaymentStatus = "initiated"
	PaymentHeld      PaymentStatus = "held"
	PaymentCompleted PaymentStatus = "completed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type PayoutStatus string

const (
	PayoutRequested  PayoutStatus = "requested"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// Payment is the escrow record for one settled appointment charge.
// All amounts are minor currency units.
type Payment struct {
	ID                uuid.UUID
	AppointmentID     uuid.UUID
	PatientID         uuid.UUID
	PractitionerID    uuid.UUID
	GatewayTxID       string
	TxRef             string
	GrossAmount       int64
	GatewayFee        int64
	PlatformFee       int64
	PractitionerShare int64
	Status            PaymentStatus
	PaidAt            time.Time
	ReleasedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Wallet tracks a practitioner's funds: Balance is withdrawable,
// PendingBalance is held in escrow until service completion.
type Wallet struct {
	ID               uuid.UUID
	PractitionerID   uuid.UUID
	Balance          int64
	PendingBalance   int64
	TotalEarned      int64
	LastWithdrawalAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type BankDetails struct {
	BankName      string
	AccountNumber string
	AccountName   string
}

type Payout struct {
	ID                uuid.UUID
	PractitionerID    uuid.UUID
	Amount            int64
	Bank              BankDetails
	Status            PayoutStatus
	RequestedAt       time.Time
	ProcessedAt       *time.Time
	ExternalReference *string
	AdminNotes        *string
}

var ErrInvalidAmount = errors.New("amount must be positive")

// ComputeSplit divides a gross charge into the platform commission and the
// practitioner's share. The two always sum back to gross; the gateway's own
// fee is carried separately and does not participate in the split.
func ComputeSplit(gross int64, commissionRate float64) (platformFee, practitionerShare int64, err error) {
	if gross <= 0 {
		return 0, 0, ErrInvalidAmount
	}
	if commissionRate < 0 || commissionRate >= 1 {
		return 0, 0, fmt.Errorf("commission rate out of range: %v", commissionRate)
	}

	platformFee = int64(math.Round(float64(gross) * commissionRate))
	practitionerShare = gross - platformFee
	return platformFee, practitionerShare, nil
}
