package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/healthme/telehealth-escrow/internal/appointment"
	"github.com/healthme/telehealth-escrow/internal/auth"
	"github.com/healthme/telehealth-escrow/internal/billing"
)

// AppointmentService and BillingService are the slices of the domain services
// the handlers need; tests substitute fakes.

type AppointmentService interface {
	Book(ctx context.Context, principal auth.Principal, p appointment.BookParams) (*appointment.Appointment, error)
	Get(ctx context.Context, principal auth.Principal, id uuid.UUID) (*appointment.Appointment, error)
	List(ctx context.Context, principal auth.Principal, limit, offset int) ([]appointment.Appointment, error)
	Confirm(ctx context.Context, principal auth.Principal, id uuid.UUID) (*appointment.Appointment, error)
	Cancel(ctx context.Context, principal auth.Principal, id uuid.UUID, reason string) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, principal auth.Principal, id uuid.UUID, scheduledAt time.Time) (*appointment.Appointment, error)
}

type BillingService interface {
	InitiatePayment(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID, amount int64, currency string) (link, txRef string, err error)
	ReconcileCharge(ctx context.Context, evt billing.ChargeEvent) (*billing.Payment, error)
	CompleteAppointment(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID, completionNote *string) (*appointment.Appointment, *billing.ReleaseResult, error)
	WalletStatus(ctx context.Context, principal auth.Principal) (*billing.Wallet, error)
	RequestWithdrawal(ctx context.Context, principal auth.Principal, amount int64, bank billing.BankDetails) (*billing.Payout, *billing.Wallet, error)
	ProcessPayout(ctx context.Context, principal auth.Principal, payoutID uuid.UUID, status billing.PayoutStatus, externalRef, adminNotes *string) (*billing.Payout, error)
	ListPendingPayouts(ctx context.Context, principal auth.Principal) ([]billing.Payout, error)
	PaymentForAppointment(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID) (*billing.Payment, error)
}

type RouterConfig struct {
	Appointments  AppointmentService
	Billing       BillingService
	PgPool        *pgxpool.Pool
	Redis         *redis.Client
	WebhookSecret string
	Env           string
	Version       string
	Log           *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(PrincipalMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// The webhook authenticates by shared secret, not principal.
	r.Post("/payments/webhook", webhookHandler(cfg.Billing, cfg.WebhookSecret, cfg.Log))

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth)

		r.Post("/appointments", bookAppointmentHandler(cfg.Appointments))
		r.Get("/appointments", listAppointmentsHandler(cfg.Appointments))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Appointments))
		r.Post("/appointments/{id}/confirm", confirmAppointmentHandler(cfg.Appointments))
		r.Post("/appointments/{id}/complete", completeAppointmentHandler(cfg.Billing))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Appointments))
		r.Post("/appointments/{id}/reschedule", rescheduleAppointmentHandler(cfg.Appointments))
		r.Get("/appointments/{id}/payment", getPaymentHandler(cfg.Billing))

		r.Post("/payments/initiate", initiatePaymentHandler(cfg.Billing))
		r.Get("/payments/wallet", walletStatusHandler(cfg.Billing))
		r.Post("/payments/withdraw", withdrawHandler(cfg.Billing))

		r.Get("/admin/payouts/pending", listPendingPayoutsHandler(cfg.Billing))
		r.Post("/admin/payouts/{id}/process", processPayoutHandler(cfg.Billing))
	})

	return r
}
