package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthme/telehealth-escrow/internal/appointment"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const paymentColumns = `id, appointment_id, patient_id, practitioner_id, gateway_tx_id, tx_ref,
	gross_amount, gateway_fee, platform_fee, practitioner_share, status, paid_at, released_at,
	created_at, updated_at`

const walletColumns = `id, practitioner_id, balance, pending_balance, total_earned,
	last_withdrawal_at, created_at, updated_at`

const payoutColumns = `id, practitioner_id, amount, bank_name, account_number, account_name,
	status, requested_at, processed_at, external_reference, admin_notes`

// Helpers

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment

	err := row.Scan(
		&p.ID,
		&p.AppointmentID,
		&p.PatientID,
		&p.PractitionerID,
		&p.GatewayTxID,
		&p.TxRef,
		&p.GrossAmount,
		&p.GatewayFee,
		&p.PlatformFee,
		&p.PractitionerShare,
		&p.Status,
		&p.PaidAt,
		&p.ReleasedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &p, nil
}

func scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet

	err := row.Scan(
		&w.ID,
		&w.PractitionerID,
		&w.Balance,
		&w.PendingBalance,
		&w.TotalEarned,
		&w.LastWithdrawalAt,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &w, nil
}

func scanPayout(row pgx.Row) (*Payout, error) {
	var p Payout
	var bankName, accountNumber, accountName *string

	err := row.Scan(
		&p.ID,
		&p.PractitionerID,
		&p.Amount,
		&bankName,
		&accountNumber,
		&accountName,
		&p.Status,
		&p.RequestedAt,
		&p.ProcessedAt,
		&p.ExternalReference,
		&p.AdminNotes,
	)
	if err != nil {
		return nil, err
	}

	if bankName != nil {
		p.Bank.BankName = *bankName
	}
	if accountNumber != nil {
		p.Bank.AccountNumber = *accountNumber
	}
	if accountName != nil {
		p.Bank.AccountName = *accountName
	}

	return &p, nil
}

// uniqueViolation translates Postgres 23505 errors raised by the payments
// indexes into the domain sentinels. The index itself is the idempotency
// guard; there is deliberately no prior existence check.
func uniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil
	}
	switch pgErr.ConstraintName {
	case "payments_gateway_tx_id_key":
		return ErrDuplicateTransaction
	case "payments_appointment_live_key":
		return ErrDuplicateAppointmentPayment
	}
	return nil
}

// Interface methods

func (r *PgRepository) RecordVerifiedCharge(ctx context.Context, p RecordChargeParams) (*Payment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin charge transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO payments
			(id, appointment_id, patient_id, practitioner_id, gateway_tx_id, tx_ref,
			 gross_amount, gateway_fee, platform_fee, practitioner_share, status,
			 paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'held', now(), now(), now())
		RETURNING `+paymentColumns+`
	`, uuid.New(), p.AppointmentID, p.PatientID, p.PractitionerID, p.GatewayTxID, p.TxRef,
		p.GrossAmount, p.GatewayFee, p.PlatformFee, p.PractitionerShare)

	payment, err := scanPayment(row)
	if err != nil {
		if dup := uniqueViolation(err); dup != nil {
			return nil, dup
		}
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO wallets (id, practitioner_id, pending_balance, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (practitioner_id) DO UPDATE
		SET pending_balance = wallets.pending_balance + EXCLUDED.pending_balance,
		    updated_at = now()
	`, uuid.New(), p.PractitionerID, p.PractitionerShare)
	if err != nil {
		return nil, fmt.Errorf("credit pending balance: %w", err)
	}

	ct, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'paid',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'booked'
	`, p.AppointmentID)
	if err != nil {
		return nil, fmt.Errorf("mark appointment paid: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, ErrAppointmentNotPayable
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit charge transaction: %w", err)
	}

	return payment, nil
}

func (r *PgRepository) CompleteAndRelease(ctx context.Context, appointmentID uuid.UUID, completionNote *string) (*ReleaseResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin release transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Compare-and-swap on the appointment status. Losing the swap is the
	// double-completion guard; distinguish why it missed.
	ct, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'completed',
		    completion_note = COALESCE($2, completion_note),
		    updated_at = now()
		WHERE id = $1
		  AND status = 'practitioner_confirmed'
	`, appointmentID, completionNote)
	if err != nil {
		return nil, fmt.Errorf("complete appointment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		var status appointment.Status
		err := tx.QueryRow(ctx, `SELECT status FROM appointments WHERE id = $1`, appointmentID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, appointment.ErrAppointmentNotFound
			}
			return nil, fmt.Errorf("read appointment status: %w", err)
		}
		if status == appointment.StatusCompleted {
			return nil, appointment.ErrAlreadyCompleted
		}
		return nil, fmt.Errorf("%w: cannot complete from %q", appointment.ErrInvalidTransition, status)
	}

	// Only a held payment releases funds. None found means the appointment
	// completed without escrow (or was already released): commit and no-op.
	var result ReleaseResult
	err = tx.QueryRow(ctx, `
		UPDATE payments
		SET status = 'completed',
		    released_at = now(),
		    updated_at = now()
		WHERE appointment_id = $1
		  AND status = 'held'
		RETURNING id, practitioner_id, practitioner_share
	`, appointmentID).Scan(&result.PaymentID, &result.PractitionerID, &result.PractitionerShare)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("commit release transaction: %w", err)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("mark payment released: %w", err)
	}

	ct, err = tx.Exec(ctx, `
		UPDATE wallets
		SET pending_balance = pending_balance - $2,
		    balance = balance + $2,
		    total_earned = total_earned + $2,
		    updated_at = now()
		WHERE practitioner_id = $1
		  AND pending_balance >= $2
	`, result.PractitionerID, result.PractitionerShare)
	if err != nil {
		return nil, fmt.Errorf("release to available balance: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// Rolls back the status change too: the appointment must not read
		// completed while the money never moved.
		return nil, ErrInsufficientPendingFunds
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit release transaction: %w", err)
	}

	return &result, nil
}

func (r *PgRepository) FindPaymentByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE appointment_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, appointmentID)

	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PgRepository) GetOrCreateWallet(ctx context.Context, practitionerID uuid.UUID) (*Wallet, error) {
	// The no-op DO UPDATE makes RETURNING yield the existing row.
	row := r.pool.QueryRow(ctx, `
		INSERT INTO wallets (id, practitioner_id, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (practitioner_id) DO UPDATE
		SET practitioner_id = EXCLUDED.practitioner_id
		RETURNING `+walletColumns+`
	`, uuid.New(), practitionerID)

	return scanWallet(row)
}

func (r *PgRepository) CreditPending(ctx context.Context, practitionerID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO wallets (id, practitioner_id, pending_balance, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (practitioner_id) DO UPDATE
		SET pending_balance = wallets.pending_balance + EXCLUDED.pending_balance,
		    updated_at = now()
	`, uuid.New(), practitionerID, amount)
	if err != nil {
		return fmt.Errorf("credit pending balance: %w", err)
	}
	return nil
}

func (r *PgRepository) ReleaseToAvailable(ctx context.Context, practitionerID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	ct, err := r.pool.Exec(ctx, `
		UPDATE wallets
		SET pending_balance = pending_balance - $2,
		    balance = balance + $2,
		    total_earned = total_earned + $2,
		    updated_at = now()
		WHERE practitioner_id = $1
		  AND pending_balance >= $2
	`, practitionerID, amount)
	if err != nil {
		return fmt.Errorf("release to available balance: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return r.walletConditionFailure(ctx, practitionerID, ErrInsufficientPendingFunds)
	}
	return nil
}

func (r *PgRepository) DebitAvailable(ctx context.Context, practitionerID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	ct, err := r.pool.Exec(ctx, `
		UPDATE wallets
		SET balance = balance - $2,
		    updated_at = now()
		WHERE practitioner_id = $1
		  AND balance >= $2
	`, practitionerID, amount)
	if err != nil {
		return fmt.Errorf("debit available balance: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return r.walletConditionFailure(ctx, practitionerID, ErrInsufficientFunds)
	}
	return nil
}

func (r *PgRepository) CreditAvailable(ctx context.Context, practitionerID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	ct, err := r.pool.Exec(ctx, `
		UPDATE wallets
		SET balance = balance + $2,
		    updated_at = now()
		WHERE practitioner_id = $1
	`, practitionerID, amount)
	if err != nil {
		return fmt.Errorf("credit available balance: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// walletConditionFailure tells a missing wallet apart from a failed balance guard.
func (r *PgRepository) walletConditionFailure(ctx context.Context, practitionerID uuid.UUID, guardErr error) error {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM wallets WHERE practitioner_id = $1)`, practitionerID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check wallet existence: %w", err)
	}
	if !exists {
		return ErrWalletNotFound
	}
	return guardErr
}

func (r *PgRepository) CreatePayout(ctx context.Context, practitionerID uuid.UUID, amount int64, bank BankDetails) (*Payout, *Wallet, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin payout transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE wallets
		SET balance = balance - $2,
		    last_withdrawal_at = now(),
		    updated_at = now()
		WHERE practitioner_id = $1
		  AND balance >= $2
		RETURNING `+walletColumns+`
	`, practitionerID, amount)

	wallet, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, r.walletConditionFailure(ctx, practitionerID, ErrInsufficientFunds)
		}
		return nil, nil, fmt.Errorf("debit available balance: %w", err)
	}

	row = tx.QueryRow(ctx, `
		INSERT INTO payouts
			(id, practitioner_id, amount, bank_name, account_number, account_name,
			 status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'requested', now())
		RETURNING `+payoutColumns+`
	`, uuid.New(), practitionerID, amount, bank.BankName, bank.AccountNumber, bank.AccountName)

	payout, err := scanPayout(row)
	if err != nil {
		return nil, nil, fmt.Errorf("insert payout: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit payout transaction: %w", err)
	}

	return payout, wallet, nil
}

func (r *PgRepository) ProcessPayout(ctx context.Context, payoutID uuid.UUID, status PayoutStatus, externalRef, adminNotes *string) (*Payout, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin process transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE payouts
		SET status = $2,
		    external_reference = COALESCE($3, external_reference),
		    admin_notes = COALESCE($4, admin_notes),
		    processed_at = now()
		WHERE id = $1
		  AND status IN ('requested', 'processing')
		RETURNING `+payoutColumns+`
	`, payoutID, status, externalRef, adminNotes)

	payout, err := scanPayout(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := r.pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM payouts WHERE id = $1)`, payoutID).Scan(&exists); err != nil {
				return nil, fmt.Errorf("check payout existence: %w", err)
			}
			if !exists {
				return nil, ErrPayoutNotFound
			}
			return nil, ErrPayoutNotProcessable
		}
		return nil, fmt.Errorf("update payout: %w", err)
	}

	// Compensating transaction: the wallet was debited when the payout was
	// requested, so a failed transfer returns the funds.
	if status == PayoutFailed {
		ct, err := tx.Exec(ctx, `
			UPDATE wallets
			SET balance = balance + $2,
			    updated_at = now()
			WHERE practitioner_id = $1
		`, payout.PractitionerID, payout.Amount)
		if err != nil {
			return nil, fmt.Errorf("reverse payout debit: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return nil, ErrWalletNotFound
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit process transaction: %w", err)
	}

	return payout, nil
}

func (r *PgRepository) ListPayoutsByStatus(ctx context.Context, status PayoutStatus) ([]Payout, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE status = $1
		ORDER BY requested_at ASC
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, eventType string, appointmentID *uuid.UUID, payload []byte) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, now())
	`, eventType, appointmentID, payload)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}
