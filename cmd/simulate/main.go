// simulate drives the full escrow flow against a running api-server:
// book -> webhook settle -> confirm -> complete -> withdraw. It deliberately
// replays a fraction of webhooks and doubles some completion calls to observe
// the idempotency and double-release guards under concurrency.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthme/telehealth-escrow/internal/billing"
	"github.com/healthme/telehealth-escrow/internal/config"
	"github.com/healthme/telehealth-escrow/internal/db"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	ReplayRatio   float64 // fraction of webhooks delivered twice
	DoubleRatio   float64 // fraction of completions invoked twice
	Amount        int64
	WebhookSecret string
	PostgresDSN   string
}

type Actors struct {
	Patients      []uuid.UUID
	Practitioners []uuid.UUID
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	p50 = latencies[len(latencies)*50/100]
	idx95 := len(latencies) * 95 / 100
	if idx95 >= len(latencies) {
		idx95 = len(latencies) - 1
	}
	p95 = latencies[idx95]
	return avg, p50, p95
}

type Metrics struct {
	Book     OperationMetrics
	Webhook  OperationMetrics
	Confirm  OperationMetrics
	Complete OperationMetrics
	Withdraw OperationMetrics
}

type Simulator struct {
	cfg     SimConfig
	actors  Actors
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadSimConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	actors, err := loadActors(ctx, pgPool)
	if err != nil {
		log.Fatalf("load actors: %v", err)
	}
	log.Printf("loaded: %d patients, %d practitioners", len(actors.Patients), len(actors.Practitioners))

	sim := &Simulator{
		cfg:    cfg,
		actors: actors,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	sim.Run()
	sim.PrintReport()
}

func loadSimConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	return SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		ReplayRatio:   getFloat("SIM_REPLAY_RATIO", 0.2),
		DoubleRatio:   getFloat("SIM_DOUBLE_RATIO", 0.2),
		Amount:        20000,
		WebhookSecret: baseCfg.WebhookSecret,
		PostgresDSN:   baseCfg.PostgresDSN,
	}
}

func loadActors(ctx context.Context, pool *pgxpool.Pool) (Actors, error) {
	var actors Actors

	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT 2000`)
	if err != nil {
		return actors, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return actors, err
		}
		actors.Patients = append(actors.Patients, id)
	}

	rows, err = pool.Query(ctx, `SELECT id FROM practitioners LIMIT 200`)
	if err != nil {
		return actors, fmt.Errorf("load practitioners: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return actors, err
		}
		actors.Practitioners = append(actors.Practitioners, id)
	}

	if len(actors.Patients) == 0 || len(actors.Practitioners) == 0 {
		return actors, fmt.Errorf("no seeded actors found; run cmd/seed first")
	}
	return actors, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Duration)
	defer cancel()

	log.Printf("running for %s with %d workers", s.cfg.Duration, s.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			for ctx.Err() == nil {
				s.runFlow(ctx, rng)
			}
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

// runFlow walks one appointment through the whole lifecycle.
func (s *Simulator) runFlow(ctx context.Context, rng *rand.Rand) {
	patientID := s.actors.Patients[rng.Intn(len(s.actors.Patients))]
	practitionerID := s.actors.Practitioners[rng.Intn(len(s.actors.Practitioners))]

	apptID, ok := s.book(ctx, patientID, practitionerID)
	if !ok {
		return
	}

	txRef := billing.FormatTxRef(apptID, time.Now())
	gatewayTxID := rng.Int63()

	if !s.webhook(ctx, gatewayTxID, txRef) {
		return
	}
	if rng.Float64() < s.cfg.ReplayRatio {
		s.webhook(ctx, gatewayTxID, txRef)
	}

	if !s.confirm(ctx, practitionerID, apptID) {
		return
	}

	s.complete(ctx, practitionerID, apptID)
	if rng.Float64() < s.cfg.DoubleRatio {
		s.complete(ctx, practitionerID, apptID)
	}

	s.withdraw(ctx, practitionerID)
}

func (s *Simulator) book(ctx context.Context, patientID, practitionerID uuid.UUID) (uuid.UUID, bool) {
	body := map[string]any{
		"practitioner_id":   practitionerID.String(),
		"scheduled_at":      time.Now().Add(24 * time.Hour).Format(time.RFC3339),
		"duration_minutes":  30,
		"consultation_type": "video",
	}

	start := time.Now()
	resp, err := s.post(ctx, "/appointments", patientID, "patient", body)
	latency := time.Since(start)

	if err != nil {
		s.metrics.Book.Record(latency, false, false)
		return uuid.Nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		s.metrics.Book.Record(latency, false, resp.StatusCode == http.StatusConflict)
		return uuid.Nil, false
	}

	var out struct {
		ID uuid.UUID `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	s.metrics.Book.Record(latency, true, false)
	return out.ID, out.ID != uuid.Nil
}

func (s *Simulator) webhook(ctx context.Context, gatewayTxID int64, txRef string) bool {
	payload := map[string]any{
		"event": "charge.completed",
		"data": map[string]any{
			"id":      gatewayTxID,
			"tx_ref":  txRef,
			"amount":  s.cfg.Amount,
			"status":  "successful",
			"app_fee": 280,
		},
	}
	data, _ := json.Marshal(payload)

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "POST", s.cfg.APIBaseURL+"/payments/webhook", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("verif-hash", s.cfg.WebhookSecret)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	if err != nil {
		s.metrics.Webhook.Record(latency, false, false)
		return false
	}
	defer resp.Body.Close()

	s.metrics.Webhook.Record(latency, resp.StatusCode == http.StatusOK, false)
	return resp.StatusCode == http.StatusOK
}

func (s *Simulator) confirm(ctx context.Context, practitionerID, apptID uuid.UUID) bool {
	start := time.Now()
	resp, err := s.post(ctx, fmt.Sprintf("/appointments/%s/confirm", apptID), practitionerID, "practitioner", nil)
	latency := time.Since(start)

	if err != nil {
		s.metrics.Confirm.Record(latency, false, false)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	s.metrics.Confirm.Record(latency, ok, resp.StatusCode == http.StatusConflict)
	return ok
}

func (s *Simulator) complete(ctx context.Context, practitionerID, apptID uuid.UUID) {
	start := time.Now()
	resp, err := s.post(ctx, fmt.Sprintf("/appointments/%s/complete", apptID), practitionerID, "practitioner", map[string]any{})
	latency := time.Since(start)

	if err != nil {
		s.metrics.Complete.Record(latency, false, false)
		return
	}
	defer resp.Body.Close()

	s.metrics.Complete.Record(latency, resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusConflict)
}

func (s *Simulator) withdraw(ctx context.Context, practitionerID uuid.UUID) {
	body := map[string]any{
		"amount": 5000,
		"bank_details": map[string]any{
			"bank_name":      "Sim Bank",
			"account_number": "0000000000",
			"account_name":   "Simulation",
		},
	}

	start := time.Now()
	resp, err := s.post(ctx, "/payments/withdraw", practitionerID, "practitioner", body)
	latency := time.Since(start)

	if err != nil {
		s.metrics.Withdraw.Record(latency, false, false)
		return
	}
	defer resp.Body.Close()

	s.metrics.Withdraw.Record(latency, resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusConflict)
}

func (s *Simulator) post(ctx context.Context, path string, userID uuid.UUID, role string, body any) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.cfg.APIBaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID.String())
	req.Header.Set("X-User-Role", role)

	return s.client.Do(req)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\nSIMULATION REPORT")
	fmt.Printf("Duration: %s  Workers: %d\n\n", s.cfg.Duration, s.cfg.Workers)

	printOperationReport("Book", &s.metrics.Book)
	printOperationReport("Webhook", &s.metrics.Webhook)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Complete", &s.metrics.Complete)
	printOperationReport("Withdraw", &s.metrics.Withdraw)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	avg, p50, p95 := om.Stats()
	fmt.Printf("%-10s total=%d success=%d conflict=%d error=%d avg=%s p50=%s p95=%s\n",
		name, total,
		atomic.LoadInt64(&om.Success),
		atomic.LoadInt64(&om.Conflict),
		atomic.LoadInt64(&om.Error),
		avg, p50, p95)
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
