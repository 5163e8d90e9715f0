package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/afrr-clearing/internal/auth"
	"github.com/ksred/afrr-clearing/internal/config"
	"github.com/ksred/afrr-clearing/internal/database"
	"github.com/ksred/afrr-clearing/internal/demand"
	"github.com/ksred/afrr-clearing/internal/ledger"
	"github.com/ksred/afrr-clearing/internal/orchestrator"
	"github.com/ksred/afrr-clearing/internal/pricing"
	"github.com/ksred/afrr-clearing/internal/types"
	"github.com/ksred/afrr-clearing/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	simAPIKey    = "simulation"
	simAPISecret = "simulation-secret"
	simJWTSecret = "simulation-jwt-secret"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the clearing API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// envelope mirrors pkg/response.Response with the payload left raw.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"ingest":   {name: "Ingest"},
			"prices":   {name: "Get Prices"},
			"versions": {name: "Get Versions"},
		},
	}

	var token auth.TokenResponse
	if err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", auth.Credentials{APIKey: simAPIKey, APISecret: simAPISecret}, &token); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token.Token

	return sc, nil
}

// do sends one request, records its latency and decodes the envelope's
// data into out.
func (sc *simulationClient) do(route, method, path string, payload interface{}, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		sc.stats[route].addDuration(time.Since(start), err != nil)
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s failed with status %d: %s", route, resp.StatusCode, string(respBody))
	}

	var result envelope
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(result.Data, out)
}

func (sc *simulationClient) ingest(request orchestrator.IngestRequest, confirm bool) (*orchestrator.Report, error) {
	path := "/api/v1/internal/ingest"
	if confirm {
		path += "?confirm=true"
	}
	var report orchestrator.Report
	if err := sc.do("ingest", http.MethodPost, path, request, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (sc *simulationClient) prices(from, to time.Time) ([]pricing.MarginalPriceResult, error) {
	var results []pricing.MarginalPriceResult
	path := fmt.Sprintf("/api/v1/prices?start=%s&end=%s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	if err := sc.do("prices", http.MethodGet, path, nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (sc *simulationClient) versions(from, to time.Time) ([]ledger.VersionRecord, error) {
	var records []ledger.VersionRecord
	path := fmt.Sprintf("/api/v1/ledger/versions?start=%s&end=%s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	if err := sc.do("versions", http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range []string{"auth", "ingest", "prices", "versions"} {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// generateDay builds one delivery day of synthetic bids and demand. Bid
// prices scatter around zero so both payment directions occur, and a few
// positive-product bids are mixed in to exercise the exclusion filter.
func generateDay(rng *rand.Rand, day time.Time, loc *time.Location) orchestrator.IngestRequest {
	request := orchestrator.IngestRequest{
		SourceBatchID: "SIM_" + uuid.New().String(),
		SourceFiles:   []string{fmt.Sprintf("synthetic_%s.xlsx", day.Format("2006-01-02"))},
	}

	end := day.AddDate(0, 0, 1)
	for t := day; t.Before(end); t = t.Add(types.IntervalWidth) {
		start := t.UTC()
		product := types.ProductCode("NEG", start, loc)

		for i, n := 0, 5+rng.Intn(20); i < n; i++ {
			price := rng.NormFloat64()*25 + 5
			direction := types.GridToProvider
			if price < 0 {
				direction = types.ProviderToGrid
			}
			request.Bids = append(request.Bids, types.RawBid{
				DeliveryTime:     start,
				ProductCode:      product,
				Price:            decPtr(decimal.NewFromFloat(math.Abs(price)).Round(2)),
				PaymentDirection: direction,
				CapacityMW:       decPtr(decimal.NewFromInt(int64(5 + rng.Intn(45)))),
			})
		}
		if rng.Intn(10) == 0 {
			request.Bids = append(request.Bids, types.RawBid{
				DeliveryTime:     start,
				ProductCode:      types.ProductCode("POS", start, loc),
				Price:            decPtr(decimal.NewFromInt(int64(rng.Intn(100)))),
				PaymentDirection: types.GridToProvider,
				CapacityMW:       decPtr(decimal.NewFromInt(10)),
			})
		}

		volume := decimal.Zero
		if rng.Intn(20) != 0 {
			volume = decimal.NewFromFloat(rng.Float64() * 300).Round(3)
		}
		request.Demand = append(request.Demand, types.DemandSample{
			IntervalStart: start,
			VolumeMW:      volume,
			Source:        "simulation",
		})
	}

	return request
}

// main runs the clearing simulation
// It starts a local API server unless -url points at a running one, ingests
// several synthetic days concurrently, re-imports one day as a correction and
// reports prices and latencies.
func main() {
	days := flag.Int("days", 3, "number of delivery days to generate")
	workers := flag.Int("workers", 3, "concurrent ingest clients")
	addr := flag.String("addr", "127.0.0.1:8089", "listen address for the embedded server")
	baseURL := flag.String("url", "", "base URL of a running server; skips the embedded one")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load market timezone")
	}

	if *baseURL == "" {
		go func() {
			if err := startServer(*addr, loc); err != nil {
				log.Fatal().Err(err).Msg("Failed to start server")
			}
		}()
		*baseURL = "http://" + *addr
		time.Sleep(2 * time.Second)
	}

	simClient, err := newSimulationClient(*baseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	rng := rand.New(rand.NewSource(*seed))
	first := time.Date(2024, 9, 1, 0, 0, 0, 0, loc)
	batches := make([]orchestrator.IngestRequest, *days)
	for i := range batches {
		batches[i] = generateDay(rng, first.AddDate(0, 0, i), loc)
	}
	log.Info().Int("days", *days).Int64("seed", *seed).Msg("Starting simulation")

	startTime := time.Now()
	jobs := make(chan int)
	var wg sync.WaitGroup
	var failed int
	var mu sync.Mutex
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := range jobs {
				report, err := simClient.ingest(batches[i], false)
				if err != nil {
					log.Error().Err(err).Int("worker_id", workerID).Int("day", i).Msg("Failed to ingest day")
					mu.Lock()
					failed++
					mu.Unlock()
					continue
				}
				log.Info().
					Int("worker_id", workerID).
					Str("run_id", report.RunID).
					Int64("rows_inserted", report.Replace.RowsInserted).
					Msg("Day ingested")
			}
		}(w)
	}
	for i := range batches {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	// Re-import the first day with fresh bids as a correction.
	correction := generateDay(rng, first, loc)
	correction.Demand = batches[0].Demand
	report, err := simClient.ingest(correction, true)
	if err != nil {
		log.Error().Err(err).Msg("Failed to ingest correction")
		failed++
	} else {
		log.Info().
			Str("run_id", report.RunID).
			Int64("rows_deleted", report.Replace.RowsDeleted).
			Int64("rows_inserted", report.Replace.RowsInserted).
			Msg("Correction ingested")
	}

	last := first.AddDate(0, 0, *days)
	results, err := simClient.prices(first, last)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to fetch prices")
	}
	versions, err := simClient.versions(first, last)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to fetch version history")
	}

	reasons := make(map[types.Reason]int)
	underSupplied := 0
	var prices []float64
	for _, r := range results {
		reasons[r.Reason]++
		if r.UnderSupplied {
			underSupplied++
		}
		if r.MarginalPrice.Valid {
			f, _ := r.MarginalPrice.Decimal.Float64()
			prices = append(prices, f)
		}
	}
	sort.Float64s(prices)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("aFRR CLEARING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Days ingested:     %d
Failed ingests:    %d
Ledger versions:   %d
Intervals priced:  %d of %d
Under supplied:    %d
Duration:          %v
`, *days, failed, len(versions), len(prices), len(results), underSupplied, time.Since(startTime).Round(time.Millisecond))

	if len(prices) > 0 {
		fmt.Printf("Price min/median/max: %.2f / %.2f / %.2f EUR/MWh\n", prices[0], prices[len(prices)/2], prices[len(prices)-1])
	}

	fmt.Println("\nReason Distribution")
	fmt.Println("------------------")
	for _, reason := range []types.Reason{types.ReasonCleared, types.ReasonZeroDemand, types.ReasonNoOffers, types.ReasonNoDemandRecorded} {
		count := reasons[reason]
		barLength := 0
		if len(results) > 0 {
			barLength = int(float64(count) / float64(len(results)) * 40)
		}
		fmt.Printf("%-20s: %s (%d)\n", reason, strings.Repeat("#", barLength), count)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	simClient.printPerformanceStats()
}

// startServer runs an API server on an in-memory database
func startServer(addr string, loc *time.Location) error {
	db, err := database.NewDatabase(config.DatabaseConfig{Driver: "sqlite", DSN: "file::memory:?cache=shared"})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService(simJWTSecret)
	authService.RegisterAPICredentials(simAPIKey, simAPISecret)

	ledgerService := ledger.NewService(db)
	demandService := demand.NewService(db)
	pricingService := pricing.NewService(db, ledgerService, demandService, pricing.Options{
		ProductPrefix: "NEG",
		Location:      loc,
		Workers:       4,
	})
	importer := orchestrator.New(ledgerService, demandService, pricingService, 10000)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", auth.NewGinHandlers(authService).GenerateTokenHandler())

		queries := v1.Group("")
		queries.Use(middleware.JWTAuth(simJWTSecret))
		{
			queries.GET("/prices", pricing.NewGinHandlers(pricingService).GetPricesHandler())
			queries.GET("/ledger/versions", ledger.NewGinHandlers(ledgerService, "POS", 10000).GetVersionsHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(simJWTSecret))
		{
			internal.POST("/ingest", orchestrator.NewGinHandlers(importer, "POS").IngestHandler())
		}
	}

	return router.Run(addr)
}

func decPtr(v decimal.Decimal) *decimal.Decimal {
	return &v
}
