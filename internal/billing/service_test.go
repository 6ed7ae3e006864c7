package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/healthme/telehealth-escrow/internal/appointment"
	"github.com/healthme/telehealth-escrow/internal/auth"
	"github.com/healthme/telehealth-escrow/internal/gateway"
	"github.com/healthme/telehealth-escrow/internal/notify"
	redisclient "github.com/healthme/telehealth-escrow/internal/redis"
)

// memData is shared in-memory state backing the appointment and billing fakes.
// The fakes reproduce the transactional semantics of the Postgres
// repositories: conditional updates either apply fully or change nothing.
type memData struct {
	mu            sync.Mutex
	patients      map[uuid.UUID]appointment.Patient
	practitioners map[uuid.UUID]appointment.Practitioner
	appointments  map[uuid.UUID]appointment.Appointment
	payments      map[uuid.UUID]Payment
	wallets       map[uuid.UUID]Wallet // keyed by practitioner id
	payouts       map[uuid.UUID]Payout
	events        []string
}

func newMemData() *memData {
	return &memData{
		patients:      make(map[uuid.UUID]appointment.Patient),
		practitioners: make(map[uuid.UUID]appointment.Practitioner),
		appointments:  make(map[uuid.UUID]appointment.Appointment),
		payments:      make(map[uuid.UUID]Payment),
		wallets:       make(map[uuid.UUID]Wallet),
		payouts:       make(map[uuid.UUID]Payout),
	}
}

func (d *memData) addPatient() uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uuid.New()
	email := "patient@example.com"
	d.patients[id] = appointment.Patient{ID: id, Name: "Test Patient", Email: &email}
	return id
}

func (d *memData) addPractitioner() uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uuid.New()
	email := "practitioner@example.com"
	d.practitioners[id] = appointment.Practitioner{ID: id, Name: "Test Practitioner", Email: &email}
	return id
}

func (d *memData) addAppointment(patientID, practitionerID uuid.UUID, status appointment.Status) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uuid.New()
	d.appointments[id] = appointment.Appointment{
		ID:             id,
		PatientID:      patientID,
		PractitionerID: practitionerID,
		ScheduledAt:    time.Now().Add(24 * time.Hour),
		Status:         status,
	}
	return id
}

func (d *memData) setStatus(id uuid.UUID, status appointment.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.appointments[id]
	a.Status = status
	d.appointments[id] = a
}

func (d *memData) wallet(practitionerID uuid.UUID) Wallet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wallets[practitionerID]
}

func (d *memData) setWallet(w Wallet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wallets[w.PractitionerID] = w
}

// memApptRepo implements appointment.Repository over memData.
type memApptRepo struct{ d *memData }

func (r *memApptRepo) GetPatientByID(ctx context.Context, id uuid.UUID) (*appointment.Patient, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	p, ok := r.d.patients[id]
	if !ok {
		return nil, appointment.ErrPatientNotFound
	}
	return &p, nil
}

func (r *memApptRepo) GetPractitionerByID(ctx context.Context, id uuid.UUID) (*appointment.Practitioner, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	p, ok := r.d.practitioners[id]
	if !ok {
		return nil, appointment.ErrPractitionerNotFound
	}
	return &p, nil
}

func (r *memApptRepo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	a, ok := r.d.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *memApptRepo) CreateAppointment(ctx context.Context, a *appointment.Appointment) (*appointment.Appointment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	created := *a
	created.ID = uuid.New()
	created.CreatedAt = time.Now()
	created.UpdatedAt = created.CreatedAt
	r.d.appointments[created.ID] = created
	return &created, nil
}

func (r *memApptRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to appointment.Status) (*appointment.Appointment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	a, ok := r.d.appointments[id]
	if !ok || a.Status != from {
		return nil, appointment.ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	r.d.appointments[id] = a
	return &a, nil
}

func (r *memApptRepo) CancelFrom(ctx context.Context, id uuid.UUID, from []appointment.Status, reason string) (*appointment.Appointment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	a, ok := r.d.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	matched := false
	for _, s := range from {
		if a.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return nil, appointment.ErrAppointmentNotFound
	}
	a.Status = appointment.StatusCancelled
	a.CancellationReason = &reason
	r.d.appointments[id] = a
	return &a, nil
}

func (r *memApptRepo) Reschedule(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (*appointment.Appointment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	a, ok := r.d.appointments[id]
	if !ok || a.Status != appointment.StatusBooked {
		return nil, appointment.ErrAppointmentNotFound
	}
	a.ScheduledAt = scheduledAt
	r.d.appointments[id] = a
	return &a, nil
}

func (r *memApptRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]appointment.Appointment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var out []appointment.Appointment
	for _, a := range r.d.appointments {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memApptRepo) ListByPractitioner(ctx context.Context, practitionerID uuid.UUID, limit, offset int) ([]appointment.Appointment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var out []appointment.Appointment
	for _, a := range r.d.appointments {
		if a.PractitionerID == practitionerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memApptRepo) FindUnpaidBefore(ctx context.Context, cutoff time.Time) ([]appointment.Appointment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var out []appointment.Appointment
	for _, a := range r.d.appointments {
		if a.Status == appointment.StatusBooked && a.CreatedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memApptRepo) InsertEvent(ctx context.Context, ev appointment.EventLog) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.d.events = append(r.d.events, ev.EventType)
	return nil
}

// memBillingRepo implements Repository over memData.
type memBillingRepo struct{ d *memData }

func (r *memBillingRepo) RecordVerifiedCharge(ctx context.Context, p RecordChargeParams) (*Payment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()

	for _, existing := range r.d.payments {
		if existing.GatewayTxID == p.GatewayTxID {
			return nil, ErrDuplicateTransaction
		}
	}
	for _, existing := range r.d.payments {
		if existing.AppointmentID == p.AppointmentID &&
			(existing.Status == PaymentHeld || existing.Status == PaymentCompleted) {
			return nil, ErrDuplicateAppointmentPayment
		}
	}

	a, ok := r.d.appointments[p.AppointmentID]
	if !ok || a.Status != appointment.StatusBooked {
		return nil, ErrAppointmentNotPayable
	}

	payment := Payment{
		ID:                uuid.New(),
		AppointmentID:     p.AppointmentID,
		PatientID:         p.PatientID,
		PractitionerID:    p.PractitionerID,
		GatewayTxID:       p.GatewayTxID,
		TxRef:             p.TxRef,
		GrossAmount:       p.GrossAmount,
		GatewayFee:        p.GatewayFee,
		PlatformFee:       p.PlatformFee,
		PractitionerShare: p.PractitionerShare,
		Status:            PaymentHeld,
		PaidAt:            time.Now(),
	}
	r.d.payments[payment.ID] = payment

	w := r.d.wallets[p.PractitionerID]
	w.PractitionerID = p.PractitionerID
	w.PendingBalance += p.PractitionerShare
	r.d.wallets[p.PractitionerID] = w

	a.Status = appointment.StatusPaid
	r.d.appointments[p.AppointmentID] = a

	return &payment, nil
}

func (r *memBillingRepo) CompleteAndRelease(ctx context.Context, appointmentID uuid.UUID, completionNote *string) (*ReleaseResult, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()

	a, ok := r.d.appointments[appointmentID]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	if a.Status == appointment.StatusCompleted {
		return nil, appointment.ErrAlreadyCompleted
	}
	if a.Status != appointment.StatusPractitionerConfirmed {
		return nil, appointment.ErrInvalidTransition
	}

	var held *Payment
	for id, p := range r.d.payments {
		if p.AppointmentID == appointmentID && p.Status == PaymentHeld {
			cp := r.d.payments[id]
			held = &cp
			break
		}
	}

	if held == nil {
		a.Status = appointment.StatusCompleted
		a.CompletionNote = completionNote
		r.d.appointments[appointmentID] = a
		return nil, nil
	}

	w := r.d.wallets[held.PractitionerID]
	if w.PendingBalance < held.PractitionerShare {
		// Nothing persists, including the status change.
		return nil, ErrInsufficientPendingFunds
	}

	w.PendingBalance -= held.PractitionerShare
	w.Balance += held.PractitionerShare
	w.TotalEarned += held.PractitionerShare
	r.d.wallets[held.PractitionerID] = w

	now := time.Now()
	held.Status = PaymentCompleted
	held.ReleasedAt = &now
	r.d.payments[held.ID] = *held

	a.Status = appointment.StatusCompleted
	a.CompletionNote = completionNote
	r.d.appointments[appointmentID] = a

	return &ReleaseResult{
		PaymentID:         held.ID,
		PractitionerID:    held.PractitionerID,
		PractitionerShare: held.PractitionerShare,
	}, nil
}

func (r *memBillingRepo) FindPaymentByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, p := range r.d.payments {
		if p.AppointmentID == appointmentID {
			cp := p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (r *memBillingRepo) GetOrCreateWallet(ctx context.Context, practitionerID uuid.UUID) (*Wallet, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	w, ok := r.d.wallets[practitionerID]
	if !ok {
		w = Wallet{ID: uuid.New(), PractitionerID: practitionerID}
		r.d.wallets[practitionerID] = w
	}
	return &w, nil
}

func (r *memBillingRepo) CreditPending(ctx context.Context, practitionerID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	w := r.d.wallets[practitionerID]
	w.PractitionerID = practitionerID
	w.PendingBalance += amount
	r.d.wallets[practitionerID] = w
	return nil
}

func (r *memBillingRepo) ReleaseToAvailable(ctx context.Context, practitionerID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	w, ok := r.d.wallets[practitionerID]
	if !ok {
		return ErrWalletNotFound
	}
	if w.PendingBalance < amount {
		return ErrInsufficientPendingFunds
	}
	w.PendingBalance -= amount
	w.Balance += amount
	w.TotalEarned += amount
	r.d.wallets[practitionerID] = w
	return nil
}

func (r *memBillingRepo) DebitAvailable(ctx context.Context, practitionerID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	w, ok := r.d.wallets[practitionerID]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Balance < amount {
		return ErrInsufficientFunds
	}
	w.Balance -= amount
	r.d.wallets[practitionerID] = w
	return nil
}

func (r *memBillingRepo) CreditAvailable(ctx context.Context, practitionerID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	w, ok := r.d.wallets[practitionerID]
	if !ok {
		return ErrWalletNotFound
	}
	w.Balance += amount
	r.d.wallets[practitionerID] = w
	return nil
}

func (r *memBillingRepo) CreatePayout(ctx context.Context, practitionerID uuid.UUID, amount int64, bank BankDetails) (*Payout, *Wallet, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	w, ok := r.d.wallets[practitionerID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	if w.Balance < amount {
		return nil, nil, ErrInsufficientFunds
	}
	now := time.Now()
	w.Balance -= amount
	w.LastWithdrawalAt = &now
	r.d.wallets[practitionerID] = w

	payout := Payout{
		ID:             uuid.New(),
		PractitionerID: practitionerID,
		Amount:         amount,
		Bank:           bank,
		Status:         PayoutRequested,
		RequestedAt:    now,
	}
	r.d.payouts[payout.ID] = payout
	return &payout, &w, nil
}

func (r *memBillingRepo) ProcessPayout(ctx context.Context, payoutID uuid.UUID, status PayoutStatus, externalRef, adminNotes *string) (*Payout, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	p, ok := r.d.payouts[payoutID]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	if p.Status != PayoutRequested && p.Status != PayoutProcessing {
		return nil, ErrPayoutNotProcessable
	}
	now := time.Now()
	p.Status = status
	p.ProcessedAt = &now
	if externalRef != nil {
		p.ExternalReference = externalRef
	}
	if adminNotes != nil {
		p.AdminNotes = adminNotes
	}
	r.d.payouts[payoutID] = p

	if status == PayoutFailed {
		w, ok := r.d.wallets[p.PractitionerID]
		if !ok {
			return nil, ErrWalletNotFound
		}
		w.Balance += p.Amount
		r.d.wallets[p.PractitionerID] = w
	}
	return &p, nil
}

func (r *memBillingRepo) ListPayoutsByStatus(ctx context.Context, status PayoutStatus) ([]Payout, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var out []Payout
	for _, p := range r.d.payouts {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memBillingRepo) InsertEvent(ctx context.Context, eventType string, appointmentID *uuid.UUID, payload []byte) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.d.events = append(r.d.events, eventType)
	return nil
}

type fakeGateway struct {
	link        string
	initiateErr error
	verified    gateway.VerifyResult
	verifyErr   error
	verifyCalls int
}

func (g *fakeGateway) Initiate(ctx context.Context, p gateway.InitiateParams) (string, error) {
	if g.initiateErr != nil {
		return "", g.initiateErr
	}
	return g.link, nil
}

func (g *fakeGateway) Verify(ctx context.Context, gatewayTxID string) (gateway.VerifyResult, error) {
	g.verifyCalls++
	return g.verified, g.verifyErr
}

type passLocker struct{}

func (passLocker) WithAppointmentLock(ctx context.Context, appointmentID uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type heldLocker struct{}

func (heldLocker) WithAppointmentLock(ctx context.Context, appointmentID uuid.UUID, fn func(ctx context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

func testConfig() Config {
	return Config{
		CommissionRate: 0.10,
		MinWithdrawal:  5000,
		Currency:       "NGN",
		RedirectURL:    "https://app.example.com/payments/return",
	}
}

func newTestService(d *memData, gw *fakeGateway, locker redisclient.Locker) *Service {
	return NewService(&memBillingRepo{d: d}, &memApptRepo{d: d}, gw, notify.Nop{}, locker, testConfig(), zap.NewNop())
}

func settledCharge(d *memData, gw *fakeGateway) (patientID, practitionerID, apptID uuid.UUID, evt ChargeEvent) {
	patientID = d.addPatient()
	practitionerID = d.addPractitioner()
	apptID = d.addAppointment(patientID, practitionerID, appointment.StatusBooked)
	evt = ChargeEvent{
		GatewayTxID: uuid.NewString(),
		TxRef:       FormatTxRef(apptID, time.Now()),
		Amount:      20000,
		GatewayFee:  280,
	}
	gw.verified = gateway.VerifyResult{Status: "successful", Amount: 20000, Fee: 280}
	return patientID, practitionerID, apptID, evt
}

func TestReconcileChargeSettlesEscrow(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, passLocker{})
	_, practitionerID, apptID, evt := settledCharge(d, gw)

	payment, err := svc.ReconcileCharge(context.Background(), evt)
	require.NoError(t, err)

	assert.Equal(t, PaymentHeld, payment.Status)
	assert.Equal(t, int64(20000), payment.GrossAmount)
	assert.Equal(t, int64(2000), payment.PlatformFee)
	assert.Equal(t, int64(18000), payment.PractitionerShare)
	assert.Equal(t, 1, gw.verifyCalls)

	w := d.wallet(practitionerID)
	assert.Equal(t, int64(18000), w.PendingBalance)
	assert.Equal(t, int64(0), w.Balance)

	appt, err := (&memApptRepo{d: d}).GetAppointmentByID(context.Background(), apptID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPaid, appt.Status)
}

func TestReconcileChargeDuplicateDelivery(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, passLocker{})
	_, practitionerID, _, evt := settledCharge(d, gw)

	_, err := svc.ReconcileCharge(context.Background(), evt)
	require.NoError(t, err)

	_, err = svc.ReconcileCharge(context.Background(), evt)
	assert.ErrorIs(t, err, ErrDuplicateTransaction)

	// The replay credited nothing.
	assert.Equal(t, int64(18000), d.wallet(practitionerID).PendingBalance)
	assert.Len(t, d.payments, 1)
}

func TestReconcileChargeVerificationMismatch(t *testing.T) {
	tests := []struct {
		name     string
		verified gateway.VerifyResult
	}{
		{"amount differs", gateway.VerifyResult{Status: "successful", Amount: 15000}},
		{"not successful", gateway.VerifyResult{Status: "failed", Amount: 20000}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := newMemData()
			gw := &fakeGateway{}
			svc := newTestService(d, gw, passLocker{})
			_, practitionerID, apptID, evt := settledCharge(d, gw)
			gw.verified = tc.verified

			_, err := svc.ReconcileCharge(context.Background(), evt)
			assert.ErrorIs(t, err, ErrVerificationMismatch)

			assert.Empty(t, d.payments)
			assert.Equal(t, int64(0), d.wallet(practitionerID).PendingBalance)
			appt, err := (&memApptRepo{d: d}).GetAppointmentByID(context.Background(), apptID)
			require.NoError(t, err)
			assert.Equal(t, appointment.StatusBooked, appt.Status)
		})
	}
}

func TestReconcileChargeMalformedReference(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, passLocker{})

	_, err := svc.ReconcileCharge(context.Background(), ChargeEvent{
		GatewayTxID: "12345",
		TxRef:       "not-one-of-ours",
		Amount:      20000,
	})
	assert.ErrorIs(t, err, ErrMalformedTxRef)
	assert.Zero(t, gw.verifyCalls, "no gateway call for an unparseable reference")
}

func TestReconcileChargeGatewayDown(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, passLocker{})
	_, _, _, evt := settledCharge(d, gw)
	gw.verifyErr = errors.New("connection refused")

	_, err := svc.ReconcileCharge(context.Background(), evt)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Empty(t, d.payments)
}

// TestEscrowLifecycleConservesFunds walks a single charge through hold,
// release, withdrawal and a failed payout, checking the ledger at each step.
func TestEscrowLifecycleConservesFunds(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, passLocker{})
	_, practitionerID, apptID, evt := settledCharge(d, gw)
	practitioner := auth.Principal{ID: practitionerID, Role: auth.RolePractitioner}
	ctx := context.Background()

	_, err := svc.ReconcileCharge(ctx, evt)
	require.NoError(t, err)
	d.setStatus(apptID, appointment.StatusPractitionerConfirmed)

	appt, released, err := svc.CompleteAppointment(ctx, practitioner, apptID, nil)
	require.NoError(t, err)
	require.NotNil(t, released)
	assert.Equal(t, appointment.StatusCompleted, appt.Status)
	assert.Equal(t, int64(18000), released.PractitionerShare)

	w := d.wallet(practitionerID)
	assert.Equal(t, int64(0), w.PendingBalance)
	assert.Equal(t, int64(18000), w.Balance)
	assert.Equal(t, int64(18000), w.TotalEarned)

	payment, err := svc.PaymentForAppointment(ctx, practitioner, apptID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, payment.Status)
	require.NotNil(t, payment.ReleasedAt)

	payout, wallet, err := svc.RequestWithdrawal(ctx, practitioner, 5000, BankDetails{
		BankName: "Test Bank", AccountNumber: "0123456789", AccountName: "Test Practitioner",
	})
	require.NoError(t, err)
	assert.Equal(t, PayoutRequested, payout.Status)
	assert.Equal(t, int64(13000), wallet.Balance)

	admin := auth.Principal{ID: uuid.New(), Role: auth.RoleAdmin}
	failed, err := svc.ProcessPayout(ctx, admin, payout.ID, PayoutFailed, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, PayoutFailed, failed.Status)

	// The reversal restores the full balance; total earned is untouched.
	w = d.wallet(practitionerID)
	assert.Equal(t, int64(18000), w.Balance)
	assert.Equal(t, int64(18000), w.TotalEarned)
}

func TestCompleteAppointmentTwice(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, passLocker{})
	_, practitionerID, apptID, evt := settledCharge(d, gw)
	practitioner := auth.Principal{ID: practitionerID, Role: auth.RolePractitioner}
	ctx := context.Background()

	_, err := svc.ReconcileCharge(ctx, evt)
	require.NoError(t, err)
	d.setStatus(apptID, appointment.StatusPractitionerConfirmed)

	_, _, err = svc.CompleteAppointment(ctx, practitioner, apptID, nil)
	require.NoError(t, err)

	_, _, err = svc.CompleteAppointment(ctx, practitioner, apptID, nil)
	assert.ErrorIs(t, err, appointment.ErrAlreadyCompleted)

	// No double release.
	w := d.wallet(practitionerID)
	assert.Equal(t, int64(18000), w.Balance)
	assert.Equal(t, int64(18000), w.TotalEarned)
}

func TestCompleteAppointmentAuthorization(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, passLocker{})
	patientID, practitionerID, apptID, _ := settledCharge(d, gw)
	d.setStatus(apptID, appointment.StatusPractitionerConfirmed)
	ctx := context.Background()

	_, _, err := svc.CompleteAppointment(ctx, auth.Principal{ID: patientID, Role: auth.RolePatient}, apptID, nil)
	assert.ErrorIs(t, err, appointment.ErrForbidden)

	_, _, err = svc.CompleteAppointment(ctx, auth.Principal{ID: uuid.New(), Role: auth.RolePractitioner}, apptID, nil)
	assert.ErrorIs(t, err, appointment.ErrForbidden)

	_, _, err = svc.CompleteAppointment(ctx, auth.Principal{ID: practitionerID, Role: auth.RolePractitioner}, uuid.New(), nil)
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
}

func TestCompleteAppointmentBeforeConfirmation(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, passLocker{})
	_, practitionerID, apptID, evt := settledCharge(d, gw)
	practitioner := auth.Principal{ID: practitionerID, Role: auth.RolePractitioner}
	ctx := context.Background()

	_, err := svc.ReconcileCharge(ctx, evt)
	require.NoError(t, err)

	// Still paid, not yet confirmed by the practitioner.
	_, _, err = svc.CompleteAppointment(ctx, practitioner, apptID, nil)
	assert.ErrorIs(t, err, appointment.ErrInvalidTransition)
	assert.Equal(t, int64(18000), d.wallet(practitionerID).PendingBalance)
}

func TestCompleteAppointmentWithoutHeldPayment(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, passLocker{})
	patientID := d.addPatient()
	practitionerID := d.addPractitioner()
	apptID := d.addAppointment(patientID, practitionerID, appointment.StatusPractitionerConfirmed)
	practitioner := auth.Principal{ID: practitionerID, Role: auth.RolePractitioner}

	appt, released, err := svc.CompleteAppointment(context.Background(), practitioner, apptID, nil)
	require.NoError(t, err)
	assert.Nil(t, released)
	assert.Equal(t, appointment.StatusCompleted, appt.Status)
}

func TestCompleteAppointmentLockContention(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, heldLocker{})
	_, practitionerID, apptID, evt := settledCharge(d, gw)
	practitioner := auth.Principal{ID: practitionerID, Role: auth.RolePractitioner}
	ctx := context.Background()

	_, err := svc.ReconcileCharge(ctx, evt)
	require.NoError(t, err)
	d.setStatus(apptID, appointment.StatusPractitionerConfirmed)

	_, _, err = svc.CompleteAppointment(ctx, practitioner, apptID, nil)
	assert.ErrorIs(t, err, redisclient.ErrLockNotAcquired)

	appt, err := (&memApptRepo{d: d}).GetAppointmentByID(ctx, apptID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPractitionerConfirmed, appt.Status)
}

func TestCompleteAppointmentInsufficientPendingRollsBack(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, passLocker{})
	_, practitionerID, apptID, evt := settledCharge(d, gw)
	practitioner := auth.Principal{ID: practitionerID, Role: auth.RolePractitioner}
	ctx := context.Background()

	_, err := svc.ReconcileCharge(ctx, evt)
	require.NoError(t, err)
	d.setStatus(apptID, appointment.StatusPractitionerConfirmed)

	// Corrupt the ledger so the pending balance cannot cover the held share.
	w := d.wallet(practitionerID)
	w.PendingBalance = 100
	d.setWallet(w)

	_, _, err = svc.CompleteAppointment(ctx, practitioner, apptID, nil)
	assert.ErrorIs(t, err, ErrInsufficientPendingFunds)

	appt, err := (&memApptRepo{d: d}).GetAppointmentByID(ctx, apptID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPractitionerConfirmed, appt.Status, "status change must roll back with the release")
}

func TestInitiatePayment(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{link: "https://checkout.example.com/pay/abc"}
	svc := newTestService(d, gw, passLocker{})
	patientID := d.addPatient()
	practitionerID := d.addPractitioner()
	apptID := d.addAppointment(patientID, practitionerID, appointment.StatusBooked)
	patient := auth.Principal{ID: patientID, Role: auth.RolePatient}
	ctx := context.Background()

	link, txRef, err := svc.InitiatePayment(ctx, patient, apptID, 20000, "")
	require.NoError(t, err)
	assert.Equal(t, gw.link, link)

	parsedID, _, err := ParseTxRef(txRef)
	require.NoError(t, err)
	assert.Equal(t, apptID, parsedID)
}

func TestInitiatePaymentRejections(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{link: "https://checkout.example.com/pay/abc"}
	svc := newTestService(d, gw, passLocker{})
	patientID := d.addPatient()
	practitionerID := d.addPractitioner()
	apptID := d.addAppointment(patientID, practitionerID, appointment.StatusBooked)
	patient := auth.Principal{ID: patientID, Role: auth.RolePatient}
	ctx := context.Background()

	_, _, err := svc.InitiatePayment(ctx, patient, apptID, 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// Someone else's appointment reads as missing.
	stranger := auth.Principal{ID: uuid.New(), Role: auth.RolePatient}
	_, _, err = svc.InitiatePayment(ctx, stranger, apptID, 20000, "")
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)

	d.setStatus(apptID, appointment.StatusPaid)
	_, _, err = svc.InitiatePayment(ctx, patient, apptID, 20000, "")
	assert.ErrorIs(t, err, ErrAppointmentNotPayable)

	d.setStatus(apptID, appointment.StatusBooked)
	gw.initiateErr = errors.New("503 from gateway")
	_, _, err = svc.InitiatePayment(ctx, patient, apptID, 20000, "")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestRequestWithdrawalBounds(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, passLocker{})
	practitionerID := d.addPractitioner()
	practitioner := auth.Principal{ID: practitionerID, Role: auth.RolePractitioner}
	d.setWallet(Wallet{ID: uuid.New(), PractitionerID: practitionerID, Balance: 10000})
	bank := BankDetails{BankName: "Test Bank", AccountNumber: "0123456789", AccountName: "T"}
	ctx := context.Background()

	_, _, err := svc.RequestWithdrawal(ctx, practitioner, 4999, bank)
	assert.ErrorIs(t, err, ErrBelowMinimumWithdrawal)

	_, _, err = svc.RequestWithdrawal(ctx, practitioner, -1, bank)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = svc.RequestWithdrawal(ctx, practitioner, 20000, bank)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, _, err = svc.RequestWithdrawal(ctx, auth.Principal{ID: uuid.New(), Role: auth.RolePatient}, 5000, bank)
	assert.ErrorIs(t, err, appointment.ErrForbidden)

	// Pending funds are not withdrawable.
	d.setWallet(Wallet{ID: uuid.New(), PractitionerID: practitionerID, Balance: 0, PendingBalance: 50000})
	_, _, err = svc.RequestWithdrawal(ctx, practitioner, 5000, bank)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestProcessPayoutGuards(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, passLocker{})
	practitionerID := d.addPractitioner()
	practitioner := auth.Principal{ID: practitionerID, Role: auth.RolePractitioner}
	admin := auth.Principal{ID: uuid.New(), Role: auth.RoleAdmin}
	d.setWallet(Wallet{ID: uuid.New(), PractitionerID: practitionerID, Balance: 10000})
	ctx := context.Background()

	payout, _, err := svc.RequestWithdrawal(ctx, practitioner, 5000, BankDetails{BankName: "B", AccountNumber: "1", AccountName: "N"})
	require.NoError(t, err)

	_, err = svc.ProcessPayout(ctx, practitioner, payout.ID, PayoutCompleted, nil, nil)
	assert.ErrorIs(t, err, appointment.ErrForbidden)

	_, err = svc.ProcessPayout(ctx, admin, payout.ID, PayoutRequested, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidPayoutStatus)

	_, err = svc.ProcessPayout(ctx, admin, uuid.New(), PayoutCompleted, nil, nil)
	assert.ErrorIs(t, err, ErrPayoutNotFound)

	_, err = svc.ProcessPayout(ctx, admin, payout.ID, PayoutCompleted, nil, nil)
	require.NoError(t, err)

	// Terminal payouts stay terminal.
	_, err = svc.ProcessPayout(ctx, admin, payout.ID, PayoutFailed, nil, nil)
	assert.ErrorIs(t, err, ErrPayoutNotProcessable)
}

func TestWalletStatus(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, passLocker{})
	practitionerID := d.addPractitioner()
	ctx := context.Background()

	w, err := svc.WalletStatus(ctx, auth.Principal{ID: practitionerID, Role: auth.RolePractitioner})
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Balance)
	assert.Equal(t, int64(0), w.PendingBalance)

	_, err = svc.WalletStatus(ctx, auth.Principal{ID: uuid.New(), Role: auth.RolePatient})
	assert.ErrorIs(t, err, appointment.ErrForbidden)
}

func TestListPendingPayoutsRequiresAdmin(t *testing.T) {
	d := newMemData()
	gw := &fakeGateway{}
	svc := newTestService(d, gw, passLocker{})
	ctx := context.Background()

	_, err := svc.ListPendingPayouts(ctx, auth.Principal{ID: uuid.New(), Role: auth.RolePractitioner})
	assert.ErrorIs(t, err, appointment.ErrForbidden)

	payouts, err := svc.ListPendingPayouts(ctx, auth.Principal{ID: uuid.New(), Role: auth.RoleAdmin})
	require.NoError(t, err)
	assert.Empty(t, payouts)
}
