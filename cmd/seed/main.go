// seed fills the database with fake patients and practitioners so the API and
// the simulator have actors to work with. Wallets are not seeded; the billing
// layer creates them on first credit.
package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthme/telehealth-escrow/internal/db"
)

const batchSize = 500

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}
	practitionerCount := envCount("SEED_PRACTITIONERS", 100)
	patientCount := envCount("SEED_PATIENTS", 5000)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	insertPractitioner := func(ctx context.Context, tx pgx.Tx) error {
		specialty := specialties[gofakeit.Number(0, len(specialties)-1)]
		_, err := tx.Exec(ctx, `
			INSERT INTO practitioners (id, name, specialty, email, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, uuid.New(), gofakeit.Name(), specialty, gofakeit.Email())
		return err
	}

	insertPatient := func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO patients (id, name, email, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, uuid.New(), gofakeit.Name(), gofakeit.Email())
		return err
	}

	if err := seedBatched(context.Background(), pool, "practitioners", practitionerCount, insertPractitioner); err != nil {
		log.Fatalf("seed practitioners: %v", err)
	}
	if err := seedBatched(context.Background(), pool, "patients", patientCount, insertPatient); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

func seedBatched(ctx context.Context, pool *pgxpool.Pool, what string, count int, insert func(context.Context, pgx.Tx) error) error {
	log.Printf("seeding %d %s", count, what)

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			if err := insert(ctx, tx); err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("%s seeded: %d/%d", what, end, count)
	}

	return nil
}

func envCount(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
