package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointment-booking/internal/auth"
	"github.com/hackgods/clinic-appointment-booking/internal/calendar"
	"github.com/hackgods/clinic-appointment-booking/internal/config"
	"github.com/hackgods/clinic-appointment-booking/internal/db"
	"github.com/hackgods/clinic-appointment-booking/internal/logger"
)

var specialities = []string{
	"General Practice",
	"Dermatology",
	"Cardiology",
	"Pediatrics",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var weekdays = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

func main() {
	rootCmd := &cobra.Command{
		Use:   "seed",
		Short: "Development data for the clinic booking service",
	}

	rootCmd.AddCommand(doctorsCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func doctorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctors",
		Short: "Insert fake doctors with days off and walk-in slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			walkIns, _ := cmd.Flags().GetInt("walk-ins")
			seed, _ := cmd.Flags().GetInt64("seed")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer pool.Close()

			if _, err := db.Migrate(ctx, pool); err != nil {
				return err
			}

			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			faker := gofakeit.New(uint64(seed))

			window, err := cfg.Window()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			first, last := cfg.Policy().Bounds(calendar.Today(time.Now(), loc))

			ids, err := seedDoctors(ctx, pool, faker, count)
			if err != nil {
				return fmt.Errorf("seed doctors: %w", err)
			}
			log.Info("doctors seeded", zap.Int("count", len(ids)))

			n, err := seedWalkIns(ctx, pool, faker, ids, walkIns, first, last, window.Times())
			if err != nil {
				return fmt.Errorf("seed walk-in slots: %w", err)
			}
			log.Info("walk-in slots seeded", zap.Int("count", n))

			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
	cmd.Flags().Int("count", 10, "Number of doctors to insert")
	cmd.Flags().Int("walk-ins", 5, "Walk-in slots to mark taken per doctor inside the booking window")
	cmd.Flags().Int64("seed", 0, "Random seed (0 picks one from the clock)")
	return cmd
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := "Dr. " + faker.LastName()
		spec := specialities[faker.Number(0, len(specialities)-1)]
		dayOff := weekdays[faker.Number(0, len(weekdays)-1)]
		// Roughly one in ten doctors is away.
		available := faker.Number(1, 10) > 1

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, speciality, day_off, available)
			VALUES ($1, $2, $3, $4, $5)
		`, id, name, spec, dayOff, available)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func seedWalkIns(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, doctors []uuid.UUID, perDoctor int, first, last calendar.Date, times []calendar.TimeOfDay) (int, error) {
	if perDoctor <= 0 || len(times) == 0 {
		return 0, nil
	}
	span := 0
	for d := first; !d.After(last); d = d.AddDays(1) {
		span++
	}

	batch := &pgx.Batch{}
	for _, doctorID := range doctors {
		for i := 0; i < perDoctor; i++ {
			date := first.AddDays(faker.Number(0, span-1))
			at := times[faker.Number(0, len(times)-1)]
			batch.Queue(`
				INSERT INTO doctor_booked_slots (doctor_id, slot_date, slot_time)
				VALUES ($1, $2::text::date, $3::text::time)
				ON CONFLICT DO NOTHING
			`, doctorID, date.String(), at.String())
		}
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed development token",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			user, _ := cmd.Flags().GetString("user")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Env == config.EnvProduction {
				return fmt.Errorf("refusing to issue tokens in %s", cfg.Env)
			}

			id := uuid.New()
			if user != "" {
				if id, err = uuid.Parse(user); err != nil {
					return fmt.Errorf("--user: %w", err)
				}
			}
			r := auth.Role(role)
			if !r.Valid() {
				return fmt.Errorf("--role must be patient, doctor or admin")
			}

			token, err := auth.NewVerifier(cfg.JWTSecret).Issue(auth.Identity{UserID: id, Role: r}, ttl)
			if err != nil {
				return err
			}
			fmt.Printf("user_id=%s role=%s\n%s\n", id, r, token)
			return nil
		},
	}
	cmd.Flags().String("role", string(auth.RolePatient), "patient, doctor or admin")
	cmd.Flags().String("user", "", "User id (a doctor's id for doctor tokens); random when empty")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
