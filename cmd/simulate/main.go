package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/channeling-scheduler/internal/logger"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	ConfirmRatio float64
	AbandonRatio float64
	ReadRatio    float64
	Days         int
	Amount       int64
	// Date and Session pin every booking to one session when set.
	Date    string
	Session int
}

type booking struct {
	ID        uuid.UUID
	Reference string
	Amount    int64
}

// DataPool tracks open dates and the bookings created during the run.
type DataPool struct {
	Dates    []string
	mu       sync.RWMutex
	bookings []booking
}

func (dp *DataPool) AddBooking(b booking) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, b)
}

func (dp *DataPool) RandomBooking(rng *rand.Rand) (booking, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.bookings) == 0 {
		return booking{}, false
	}
	return dp.bookings[rng.Intn(len(dp.bookings))], true
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
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, fastest, slowest, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	fastest = latencies[0]
	slowest = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, fastest, slowest, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking     OperationMetrics
	Confirm     OperationMetrics
	Abandon     OperationMetrics
	ReadByRef   OperationMetrics
	NextFree    OperationMetrics
	SoldOut     int64
	Mismatches  int64
	Redelivered int64
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *zap.Logger
}

func main() {
	_ = godotenv.Load()

	log, err := logger.New(getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info"))
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	log.Info("simulator starting",
		zap.String("api", cfg.APIBaseURL),
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("booking", cfg.BookingRatio),
		zap.Float64("confirm", cfg.ConfirmRatio),
		zap.Float64("abandon", cfg.AbandonRatio),
		zap.Float64("read", cfg.ReadRatio),
	)

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := sim.loadDataPool(ctx)
	cancel()
	if err != nil {
		log.Fatal("load data pool", zap.Error(err))
	}
	sim.pool = pool
	log.Info("loaded open dates", zap.Int("dates", len(pool.Dates)))

	if err := sim.Run(); err != nil {
		log.Error("simulation aborted", zap.Error(err))
	}
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.2),
		AbandonRatio: getFloat("SIM_ABANDON_RATIO", 0.05),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.25),
		Days:         getInt("SIM_DAYS", 14),
		Amount:       int64(getInt("SIM_AMOUNT", 250000)),
		Date:         os.Getenv("SIM_DATE"),
		Session:      getInt("SIM_SESSION", 0),
	}

	total := cfg.BookingRatio + cfg.ConfirmRatio + cfg.AbandonRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ConfirmRatio /= total
		cfg.AbandonRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("SIM_DURATION must be > 0")
	}
	if cfg.Days <= 0 {
		return errors.New("SIM_DAYS must be > 0")
	}
	if cfg.Session < 0 || cfg.Session > 3 {
		return errors.New("SIM_SESSION must be between 1 and 3")
	}
	return nil
}

func (s *Simulator) loadDataPool(ctx context.Context) (*DataPool, error) {
	if s.config.Date != "" {
		return &DataPool{Dates: []string{s.config.Date}}, nil
	}
	from := time.Now().UTC()
	to := from.AddDate(0, 0, s.config.Days)
	url := fmt.Sprintf("%s/availability?from=%s&to=%s", s.config.APIBaseURL, from.Format("2006-01-02"), to.Format("2006-01-02"))

	var resp struct {
		Dates []string `json:"dates"`
	}
	status, _, err := s.call(ctx, http.MethodGet, url, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("load availability: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("load availability: status %d", status)
	}
	if len(resp.Dates) == 0 {
		return nil, errors.New("no open dates, run the seed command first")
	}
	return &DataPool{Dates: resp.Dates}, nil
}

func (s *Simulator) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info("starting simulation", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			s.worker(gctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	s.log.Info("simulation complete")
	return err
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	c := s.config

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < c.BookingRatio:
			s.doBooking(ctx, rng)
		case r < c.BookingRatio+c.ConfirmRatio:
			s.doConfirm(ctx, rng)
		case r < c.BookingRatio+c.ConfirmRatio+c.AbandonRatio:
			s.doAbandon(ctx, rng)
		default:
			if rng.Intn(2) == 0 {
				s.doReadByReference(ctx, rng)
			} else {
				s.doNextFree(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	body := map[string]any{
		"patient_id":      uuid.NewString(),
		"patient_contact": gofakeit.Phone(),
		"date":            s.pool.Dates[rng.Intn(len(s.pool.Dates))],
		"session_number":  s.session(rng),
		"amount":          s.config.Amount,
	}

	var resp struct {
		ID              uuid.UUID `json:"id"`
		ReferenceNumber string    `json:"reference_number"`
		PaymentAmount   int64     `json:"payment_amount"`
	}
	start := time.Now()
	status, code, err := s.call(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", body, &resp)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}

	success := err == nil && status == http.StatusCreated
	if success && resp.ID != uuid.Nil {
		s.pool.AddBooking(booking{ID: resp.ID, Reference: resp.ReferenceNumber, Amount: resp.PaymentAmount})
	}
	if code == "slot_unavailable" {
		atomic.AddInt64(&s.metrics.SoldOut, 1)
	}
	s.metrics.Booking.Record(latency, success, status == http.StatusConflict && code != "slot_unavailable")
}

// doConfirm pays for a random booking. Now and then it redelivers a previous
// confirmation or pays a different amount.
func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	amount := b.Amount
	if rng.Intn(20) == 0 {
		amount--
	}
	body := map[string]any{
		"payment_id":  "sim_" + b.ID.String(),
		"amount_paid": amount,
	}

	var resp struct {
		Confirmed      bool            `json:"confirmed"`
		AmountMismatch json.RawMessage `json:"amount_mismatch"`
	}
	start := time.Now()
	status, _, err := s.call(ctx, http.MethodPost, fmt.Sprintf("%s/appointments/%s/payment/confirm", s.config.APIBaseURL, b.ID), body, &resp)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}

	success := err == nil && status == http.StatusOK
	if success && !resp.Confirmed {
		atomic.AddInt64(&s.metrics.Redelivered, 1)
	}
	if success && len(resp.AmountMismatch) > 0 && string(resp.AmountMismatch) != "null" {
		atomic.AddInt64(&s.metrics.Mismatches, 1)
	}
	s.metrics.Confirm.Record(latency, success, status == http.StatusConflict)
}

func (s *Simulator) doAbandon(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	start := time.Now()
	status, _, err := s.call(ctx, http.MethodPost, fmt.Sprintf("%s/appointments/%s/payment/abandon", s.config.APIBaseURL, b.ID), nil, nil)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Abandon.Record(latency, err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doReadByReference(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	start := time.Now()
	status, _, err := s.call(ctx, http.MethodGet, fmt.Sprintf("%s/appointments/by-reference/%s", s.config.APIBaseURL, b.Reference), nil, nil)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	s.metrics.ReadByRef.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doNextFree(ctx context.Context, rng *rand.Rand) {
	date := s.pool.Dates[rng.Intn(len(s.pool.Dates))]
	start := time.Now()
	status, _, err := s.call(ctx, http.MethodGet, fmt.Sprintf("%s/days/%s/sessions/%d/next-free", s.config.APIBaseURL, date, s.session(rng)), nil, nil)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	s.metrics.NextFree.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) session(rng *rand.Rand) int {
	if s.config.Session > 0 {
		return s.config.Session
	}
	return rng.Intn(3) + 1
}

// call sends a JSON request. A 2xx body is decoded into out when non-nil; an
// error body yields its error code.
func (s *Simulator) call(ctx context.Context, method, url string, body, out any) (int, string, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, "", err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return resp.StatusCode, e.Error, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, "", err
		}
	}
	return resp.StatusCode, "", nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Open dates: %d\n", len(s.pool.Dates))
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Confirm payment", &s.metrics.Confirm)
	printOperationReport("Abandon payment", &s.metrics.Abandon)
	printOperationReport("Read by reference", &s.metrics.ReadByRef)
	printOperationReport("Next free slot", &s.metrics.NextFree)

	fmt.Printf("No-capacity bookings: %d\n", atomic.LoadInt64(&s.metrics.SoldOut))
	fmt.Printf("Redelivered confirmations: %d\n", atomic.LoadInt64(&s.metrics.Redelivered))
	fmt.Printf("Amount mismatches: %d\n", atomic.LoadInt64(&s.metrics.Mismatches))
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, fastest, slowest, p50, p95 := om.Stats()

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
		avg.Round(time.Millisecond), fastest.Round(time.Millisecond), slowest.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

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
