package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Statements are idempotent so the migrate command can run on every deploy.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id         uuid PRIMARY KEY,
		name       text NOT NULL,
		email      text,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS practitioners (
		id         uuid PRIMARY KEY,
		name       text NOT NULL,
		specialty  text,
		email      text,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS appointments (
		id                  uuid PRIMARY KEY,
		patient_id          uuid NOT NULL REFERENCES patients(id),
		practitioner_id     uuid NOT NULL REFERENCES practitioners(id),
		scheduled_at        timestamptz NOT NULL,
		duration_minutes    int NOT NULL DEFAULT 30,
		consultation_type   text NOT NULL,
		status              text NOT NULL,
		notes               text,
		cancellation_reason text,
		completion_note     text,
		created_at          timestamptz NOT NULL DEFAULT now(),
		updated_at          timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments (patient_id, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_practitioner ON appointments (practitioner_id, scheduled_at)`,

	`CREATE TABLE IF NOT EXISTS payments (
		id                 uuid PRIMARY KEY,
		appointment_id     uuid NOT NULL REFERENCES appointments(id),
		patient_id         uuid NOT NULL,
		practitioner_id    uuid NOT NULL,
		gateway_tx_id      text NOT NULL,
		tx_ref             text NOT NULL,
		gross_amount       bigint NOT NULL,
		gateway_fee        bigint NOT NULL DEFAULT 0,
		platform_fee       bigint NOT NULL,
		practitioner_share bigint NOT NULL,
		status             text NOT NULL,
		paid_at            timestamptz NOT NULL DEFAULT now(),
		released_at        timestamptz,
		created_at         timestamptz NOT NULL DEFAULT now(),
		updated_at         timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT payments_split_check CHECK (gross_amount = platform_fee + practitioner_share)
	)`,

	// The unique index on gateway_tx_id is the idempotency guard for webhook
	// redelivery; the partial index caps an appointment at one live payment.
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_gateway_tx_id_key ON payments (gateway_tx_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_appointment_live_key ON payments (appointment_id)
		WHERE status IN ('held', 'completed')`,

	`CREATE TABLE IF NOT EXISTS wallets (
		id                 uuid PRIMARY KEY,
		practitioner_id    uuid NOT NULL,
		balance            bigint NOT NULL DEFAULT 0 CHECK (balance >= 0),
		pending_balance    bigint NOT NULL DEFAULT 0 CHECK (pending_balance >= 0),
		total_earned       bigint NOT NULL DEFAULT 0,
		last_withdrawal_at timestamptz,
		created_at         timestamptz NOT NULL DEFAULT now(),
		updated_at         timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS wallets_practitioner_id_key ON wallets (practitioner_id)`,

	`CREATE TABLE IF NOT EXISTS payouts (
		id                 uuid PRIMARY KEY,
		practitioner_id    uuid NOT NULL,
		amount             bigint NOT NULL CHECK (amount > 0),
		bank_name          text,
		account_number     text,
		account_name       text,
		status             text NOT NULL,
		requested_at       timestamptz NOT NULL DEFAULT now(),
		processed_at       timestamptz,
		external_reference text,
		admin_notes        text
	)`,

	`CREATE INDEX IF NOT EXISTS idx_payouts_status ON payouts (status, requested_at)`,

	`CREATE TABLE IF NOT EXISTS event_logs (
		id             bigserial PRIMARY KEY,
		event_type     text NOT NULL,
		appointment_id uuid,
		payload        jsonb,
		created_at     timestamptz NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema to the connected database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
