package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointment-booking/internal/auth"
	"github.com/hackgods/clinic-appointment-booking/internal/availability"
	"github.com/hackgods/clinic-appointment-booking/internal/calendar"
	"github.com/hackgods/clinic-appointment-booking/internal/config"
	"github.com/hackgods/clinic-appointment-booking/internal/db"
	"github.com/hackgods/clinic-appointment-booking/internal/logger"
	"github.com/hackgods/clinic-appointment-booking/internal/notification"
)

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	Patients    int
	RaceSize    int
	ApproveRate float64
	CancelRate  float64
	ReadRate    float64
	DoctorLimit int
}

// DataPool holds the actors the workers draw from. Tokens are minted locally with the
// service's signing secret.
type DataPool struct {
	Doctors       []uuid.UUID
	DoctorTokens  map[uuid.UUID]string
	Patients      []uuid.UUID
	PatientTokens map[uuid.UUID]string
	AdminToken    string

	mu           sync.RWMutex
	appointments []booked // Thread-safe list of created appointments
}

type booked struct {
	ID       uuid.UUID
	DoctorID uuid.UUID
	Patient  uuid.UUID
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
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

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[min2(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min2(len(latencies)*95/100, len(latencies)-1)]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Race      OperationMetrics
	Approve   OperationMetrics
	Cancel    OperationMetrics
	ReadSlots OperationMetrics
	ReadMonth OperationMetrics

	// Races won by more than one request. Anything but zero is a double booking.
	MultiWinners int64
	Streamed     int64
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *zap.Logger
	policy  calendar.Policy
	loc     *time.Location
}

func main() {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive concurrent booking races against a running api-server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("api-base-url", "http://localhost:8080", "api-server base URL")
	flags.Duration("duration", 30*time.Second, "How long to run")
	flags.Int("workers", 10, "Concurrent workers")
	flags.Int("patients", 200, "Synthetic patients")
	flags.Int("race-size", 8, "Patients racing for the same slot in each round")
	flags.Float64("approve-rate", 0.2, "Share of operations approving a pending appointment")
	flags.Float64("cancel-rate", 0.1, "Share of operations cancelling an appointment")
	flags.Float64("read-rate", 0.3, "Share of operations reading availability")
	flags.Int("doctor-limit", 50, "Doctors loaded from Postgres")

	// Flags can also come from SIM_* environment variables.
	_ = viper.BindPFlags(flags)
	viper.SetEnvPrefix("SIM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	baseCfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(baseCfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg := SimConfig{
		APIBaseURL:  strings.TrimRight(viper.GetString("api-base-url"), "/"),
		Duration:    viper.GetDuration("duration"),
		Workers:     viper.GetInt("workers"),
		Patients:    viper.GetInt("patients"),
		RaceSize:    viper.GetInt("race-size"),
		ApproveRate: viper.GetFloat64("approve-rate"),
		CancelRate:  viper.GetFloat64("cancel-rate"),
		ReadRate:    viper.GetFloat64("read-rate"),
		DoctorLimit: viper.GetInt("doctor-limit"),
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}

	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Int("race_size", cfg.RaceSize),
	)

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(loadCtx, baseCfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(loadCtx, pgPool, cfg, auth.NewVerifier(baseCfg.JWTSecret))
	if err != nil {
		return fmt.Errorf("load data pool: %w", err)
	}
	log.Info("data pool loaded", zap.Int("doctors", len(dataPool.Doctors)), zap.Int("patients", len(dataPool.Patients)))

	loc, err := baseCfg.Location()
	if err != nil {
		return err
	}

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		policy: baseCfg.Policy(),
		loc:    loc,
	}

	sim.Run(ctx)

	doubles, err := countDoubleBookings(ctx, pgPool)
	if err != nil {
		log.Warn("double booking check failed", zap.Error(err))
	}
	sim.PrintReport(doubles)
	return nil
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return errors.New("--workers must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("--duration must be > 0")
	}
	if cfg.RaceSize < 2 {
		return errors.New("--race-size must be at least 2")
	}
	if cfg.Patients < cfg.RaceSize {
		return errors.New("--patients must be at least --race-size")
	}
	if cfg.ApproveRate+cfg.CancelRate+cfg.ReadRate > 1 {
		return errors.New("approve, cancel and read rates must add up to at most 1")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig, signer *auth.Verifier) (*DataPool, error) {
	dataPool := &DataPool{
		DoctorTokens:  make(map[uuid.UUID]string),
		PatientTokens: make(map[uuid.UUID]string),
	}

	rows, err := pool.Query(ctx, `
		SELECT id FROM doctors WHERE available LIMIT $1
	`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Doctors = append(dataPool.Doctors, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(dataPool.Doctors) == 0 {
		return nil, errors.New("no available doctors; run seed doctors first")
	}

	ttl := cfg.Duration + time.Hour
	for _, id := range dataPool.Doctors {
		tok, err := signer.Issue(auth.Identity{UserID: id, Role: auth.RoleDoctor}, ttl)
		if err != nil {
			return nil, err
		}
		dataPool.DoctorTokens[id] = tok
	}
	for i := 0; i < cfg.Patients; i++ {
		id := uuid.New()
		tok, err := signer.Issue(auth.Identity{UserID: id, Role: auth.RolePatient}, ttl)
		if err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
		dataPool.PatientTokens[id] = tok
	}
	dataPool.AdminToken, err = signer.Issue(auth.Identity{UserID: uuid.New(), Role: auth.RoleAdmin}, ttl)
	if err != nil {
		return nil, err
	}
	return dataPool, nil
}

func (s *Simulator) Run(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.config.Duration)
	defer cancel()

	s.log.Info("starting simulation", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	var wg sync.WaitGroup

	// One patient follows the live stream so push delivery is exercised under load.
	follower := s.pool.Patients[0]
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := notification.Follow(ctx, notification.FollowConfig{
			URL:    s.config.APIBaseURL + "/api/v1/notifications/stream",
			Token:  s.pool.PatientTokens[follower],
			Logger: s.log.Named("follow"),
		}, func(notification.Event) error {
			atomic.AddInt64(&s.metrics.Streamed, 1)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("notification follower stopped", zap.Error(err))
		}
	}()

	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.ApproveRate:
				s.doApprove(ctx, rng)
			case r < s.config.ApproveRate+s.config.CancelRate:
				s.doCancel(ctx, rng)
			case r < s.config.ApproveRate+s.config.CancelRate+s.config.ReadRate:
				if rng.Intn(2) == 0 {
					s.doReadMonth(ctx, rng)
				} else {
					s.doReadSlots(ctx, rng)
				}
			default:
				s.doRace(ctx, rng)
			}
		}
	}
}

// doRace picks a free slot and has RaceSize distinct patients book it at once.
func (s *Simulator) doRace(ctx context.Context, rng *rand.Rand) {
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	viewer := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	slot, ok := s.pickFreeSlot(ctx, rng, doctorID, viewer)
	if !ok {
		return
	}

	racers := rng.Perm(len(s.pool.Patients))[:s.config.RaceSize]
	start := make(chan struct{})
	var winners int64
	var wg sync.WaitGroup

	for _, idx := range racers {
		patientID := s.pool.Patients[idx]
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			body, _ := json.Marshal(map[string]string{
				"doctor_id": doctorID.String(),
				"date":      slot.Date.String(),
				"time":      slot.Time.String(),
				"reason":    "load test visit",
			})

			began := time.Now()
			resp, err := s.do(ctx, http.MethodPost, "/api/v1/appointments", s.pool.PatientTokens[patientID], body)
			latency := time.Since(began)
			if err != nil {
				s.metrics.Race.Record(latency, false, false)
				return
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusCreated:
				atomic.AddInt64(&winners, 1)
				var appt struct {
					ID uuid.UUID `json:"id"`
				}
				if json.NewDecoder(resp.Body).Decode(&appt) == nil && appt.ID != uuid.Nil {
					s.pool.AddAppointment(booked{ID: appt.ID, DoctorID: doctorID, Patient: patientID})
				}
				s.metrics.Race.Record(latency, true, false)
			case http.StatusConflict:
				s.metrics.Race.Record(latency, false, true)
			default:
				s.metrics.Race.Record(latency, false, false)
			}
		}()
	}

	close(start)
	wg.Wait()

	if winners > 1 {
		atomic.AddInt64(&s.metrics.MultiWinners, 1)
		s.log.Error("slot booked more than once",
			zap.String("doctor_id", doctorID.String()),
			zap.String("date", slot.Date.String()),
			zap.String("time", slot.Time.String()),
			zap.Int64("winners", winners),
		)
	}
}

func (s *Simulator) pickFreeSlot(ctx context.Context, rng *rand.Rand, doctorID, viewer uuid.UUID) (availability.SlotCandidate, bool) {
	first, last := s.policy.Bounds(calendar.Today(time.Now(), s.loc))
	span := 0
	for d := first; !d.After(last); d = d.AddDays(1) {
		span++
	}
	date := first.AddDays(rng.Intn(span))

	var out struct {
		Slots []availability.SlotCandidate `json:"slots"`
	}
	path := fmt.Sprintf("/api/v1/doctors/%s/slots?date=%s", doctorID, date)
	if !s.getJSON(ctx, path, s.pool.PatientTokens[viewer], &out, &s.metrics.ReadSlots) {
		return availability.SlotCandidate{}, false
	}

	free := out.Slots[:0]
	for _, c := range out.Slots {
		if c.Available {
			free = append(free, c)
		}
	}
	if len(free) == 0 {
		return availability.SlotCandidate{}, false
	}
	return free[rng.Intn(len(free))], true
}

func (s *Simulator) doApprove(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	s.transition(ctx, "/api/v1/appointments/"+appt.ID.String()+"/approve", s.pool.DoctorTokens[appt.DoctorID], nil, &s.metrics.Approve)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	body, _ := json.Marshal(map[string]string{"reason": "schedule changed"})
	s.transition(ctx, "/api/v1/appointments/"+appt.ID.String()+"/cancel", s.pool.PatientTokens[appt.Patient], body, &s.metrics.Cancel)
}

// transition treats 409 as a conflict: the appointment already moved on.
func (s *Simulator) transition(ctx context.Context, path, token string, body []byte, om *OperationMetrics) {
	start := time.Now()
	resp, err := s.do(ctx, http.MethodPost, path, token, body)
	latency := time.Since(start)
	if err != nil {
		om.Record(latency, false, false)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	om.Record(latency, resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusConflict)
}

func (s *Simulator) doReadSlots(ctx context.Context, rng *rand.Rand) {
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	viewer := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	s.pickFreeSlot(ctx, rng, doctorID, viewer)
}

func (s *Simulator) doReadMonth(ctx context.Context, rng *rand.Rand) {
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	viewer := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	var out json.RawMessage
	s.getJSON(ctx, "/api/v1/doctors/"+doctorID.String()+"/availability", s.pool.PatientTokens[viewer], &out, &s.metrics.ReadMonth)
}

func (s *Simulator) getJSON(ctx context.Context, path, token string, dst any, om *OperationMetrics) bool {
	start := time.Now()
	resp, err := s.do(ctx, http.MethodGet, path, token, nil)
	latency := time.Since(start)
	if err != nil {
		om.Record(latency, false, false)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(dst) == nil
	om.Record(latency, ok, false)
	return ok
}

func (s *Simulator) do(ctx context.Context, method, path, token string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return s.client.Do(req)
}

// countDoubleBookings asks the store directly whether any slot holds two active appointments.
func countDoubleBookings(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	var n int64
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT 1 FROM appointments
			WHERE status <> 'cancelled'
			GROUP BY doctor_id, slot_date, slot_time
			HAVING count(*) > 1
		) dup
	`).Scan(&n)
	return n, err
}

func (s *Simulator) PrintReport(doubles int64) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Race size: %d\n", s.config.RaceSize)
	fmt.Println()

	printOperationReport("Booking race", &s.metrics.Race)
	printOperationReport("Approve", &s.metrics.Approve)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read slots", &s.metrics.ReadSlots)
	printOperationReport("Read month", &s.metrics.ReadMonth)

	fmt.Printf("Races with more than one winner: %d\n", atomic.LoadInt64(&s.metrics.MultiWinners))
	fmt.Printf("Double-booked slots in store: %d\n", doubles)
	fmt.Printf("Events streamed to follower: %d\n", atomic.LoadInt64(&s.metrics.Streamed))
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}
