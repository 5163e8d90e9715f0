package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/afrr-clearing/internal/demand"
	"github.com/ksred/afrr-clearing/internal/ledger"
	"github.com/ksred/afrr-clearing/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	db      *gorm.DB
	ledger  *ledger.Service
	demand  *demand.Service
	pricing *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&types.Bid{}, &ledger.VersionRecord{}, &types.DemandSample{}, &MarginalPriceResult{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	l := ledger.NewService(db)
	dm := demand.NewService(db)
	return &fixture{
		db:     db,
		ledger: l,
		demand: dm,
		pricing: NewService(db, l, dm, Options{
			ProductPrefix: "NEG",
			Location:      time.UTC,
			Workers:       4,
		}),
	}
}

var day = time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

func at(quarter int) time.Time {
	return day.Add(time.Duration(quarter) * types.IntervalWidth)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) seedStack(t *testing.T) {
	t.Helper()
	var bids []types.Bid
	for _, q := range []int{0, 1, 2} {
		product := types.ProductCode("NEG", at(q), time.UTC)
		bids = append(bids,
			types.Bid{DeliveryTime: at(q), ProductCode: product, PricePerMWh: d("10.00"), CapacityMW: d("40")},
			types.Bid{DeliveryTime: at(q), ProductCode: product, PricePerMWh: d("-4.00"), CapacityMW: d("30")},
			types.Bid{DeliveryTime: at(q), ProductCode: product, PricePerMWh: d("-5.00"), CapacityMW: d("30")},
			types.Bid{DeliveryTime: at(q), ProductCode: product, PricePerMWh: d("-3.87"), CapacityMW: d("30")},
		)
	}
	if _, err := f.ledger.ReplaceRange(context.Background(), bids, "STACK", ledger.ReplaceOptions{}); err != nil {
		t.Fatalf("seed bids: %v", err)
	}
}

func (f *fixture) upsertDemand(t *testing.T, samples ...types.DemandSample) {
	t.Helper()
	if _, err := f.demand.Upsert(context.Background(), samples); err != nil {
		t.Fatalf("upsert demand: %v", err)
	}
}

func demandAt(quarter int, volume string) types.DemandSample {
	return types.DemandSample{IntervalStart: at(quarter), VolumeMW: d(volume)}
}

func assertPrice(t *testing.T, r MarginalPriceResult, want string) {
	t.Helper()
	if want == "" {
		if r.MarginalPrice.Valid {
			t.Fatalf("%s: price = %s, want null", r.IntervalStart, r.MarginalPrice.Decimal)
		}
		return
	}
	if !r.MarginalPrice.Valid || !r.MarginalPrice.Decimal.Equal(d(want)) {
		t.Fatalf("%s: price = %v, want %s", r.IntervalStart, r.MarginalPrice, want)
	}
}

func TestRecomputeRange(t *testing.T) {
	f := newFixture(t)
	f.seedStack(t)
	f.upsertDemand(t, demandAt(0, "80.528"), demandAt(1, "138"), demandAt(2, "0"), demandAt(3, "25"))

	res, err := f.pricing.RecomputeRange(context.Background(), at(0), at(5))
	if err != nil {
		t.Fatalf("RecomputeRange: %v", err)
	}

	stored, err := f.pricing.Results(context.Background(), at(0), at(5))
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(stored) != 5 {
		t.Fatalf("stored %d results, want 5", len(stored))
	}

	want := []struct {
		price     string
		reason    types.Reason
		available string
		under     bool
	}{
		{"-3.87", types.ReasonCleared, "90", false},
		{"10.00", types.ReasonCleared, "130", true},
		{"", types.ReasonZeroDemand, "0", false},
		{"", types.ReasonNoOffers, "0", false},
		{"", types.ReasonNoDemandRecorded, "0", false},
	}
	for i, w := range want {
		r := stored[i]
		if !r.IntervalStart.Equal(at(i)) {
			t.Fatalf("result %d interval = %s, want %s", i, r.IntervalStart, at(i))
		}
		assertPrice(t, r, w.price)
		if r.Reason != w.reason {
			t.Fatalf("result %d reason = %s, want %s", i, r.Reason, w.reason)
		}
		if !r.AvailableCapacityMW.Equal(d(w.available)) {
			t.Fatalf("result %d available = %s, want %s", i, r.AvailableCapacityMW, w.available)
		}
		if r.UnderSupplied != w.under {
			t.Fatalf("result %d under supplied = %v, want %v", i, r.UnderSupplied, w.under)
		}
	}
	if stored[4].ActivatedVolumeMW.Valid {
		t.Fatalf("missing demand has activated volume %s", stored[4].ActivatedVolumeMW.Decimal)
	}
	if stored[0].ProductCode != "NEG_001" || stored[3].ProductCode != "NEG_004" {
		t.Fatalf("product codes = %s, %s", stored[0].ProductCode, stored[3].ProductCode)
	}

	s := res.Summary
	if s.Intervals != 5 || s.Priced != 2 || s.UnderSupplied != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if !s.MinPrice.Decimal.Equal(d("-3.87")) || !s.MaxPrice.Decimal.Equal(d("10")) || !s.MeanPrice.Decimal.Equal(d("3.065")) {
		t.Fatalf("summary prices = %v %v %v", s.MinPrice, s.MaxPrice, s.MeanPrice)
	}
	if s.Reasons[types.ReasonNoDemandRecorded] != 1 {
		t.Fatalf("reasons = %v", s.Reasons)
	}
}

func TestRecomputeReflectsDemandCorrection(t *testing.T) {
	f := newFixture(t)
	f.seedStack(t)
	ctx := context.Background()

	f.upsertDemand(t, demandAt(0, "80.528"))
	if _, err := f.pricing.RecomputeRange(ctx, at(0), at(1)); err != nil {
		t.Fatalf("first recompute: %v", err)
	}

	f.upsertDemand(t, demandAt(0, "60"))
	if _, err := f.pricing.RecomputeRange(ctx, at(0), at(1)); err != nil {
		t.Fatalf("second recompute: %v", err)
	}

	stored, err := f.pricing.Results(ctx, at(0), at(1))
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored %d results, want 1", len(stored))
	}
	assertPrice(t, stored[0], "-4.00")
}

func TestRecomputeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedStack(t)
	f.upsertDemand(t, demandAt(0, "80.528"), demandAt(1, "138"))
	ctx := context.Background()

	if _, err := f.pricing.RecomputeRange(ctx, at(0), at(3)); err != nil {
		t.Fatalf("first recompute: %v", err)
	}
	first, err := f.pricing.Results(ctx, at(0), at(3))
	if err != nil {
		t.Fatalf("Results: %v", err)
	}

	if _, err := f.pricing.RecomputeRange(ctx, at(0), at(3)); err != nil {
		t.Fatalf("second recompute: %v", err)
	}
	second, err := f.pricing.Results(ctx, at(0), at(3))
	if err != nil {
		t.Fatalf("Results: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if !bytes.Equal(a, b) {
		t.Fatalf("recompute changed results:\n%s\n%s", a, b)
	}
}

func TestUpsertOverwritesInterval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := MarginalPriceResult{
		IntervalStart:       at(0),
		ProductCode:         "NEG_001",
		MarginalPrice:       decimal.NewNullDecimal(d("12.5")),
		Reason:              types.ReasonCleared,
		ActivatedVolumeMW:   decimal.NewNullDecimal(d("10")),
		AvailableCapacityMW: d("10"),
		UsedBidCount:        1,
	}
	if err := f.pricing.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	second := MarginalPriceResult{
		IntervalStart:       at(0),
		ProductCode:         "NEG_001",
		Reason:              types.ReasonZeroDemand,
		ActivatedVolumeMW:   decimal.NewNullDecimal(decimal.Zero),
		AvailableCapacityMW: decimal.Zero,
	}
	if err := f.pricing.Upsert(ctx, second); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	stored, err := f.pricing.Results(ctx, at(0), at(1))
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored %d rows, want 1", len(stored))
	}
	assertPrice(t, stored[0], "")
	if stored[0].Reason != types.ReasonZeroDemand || stored[0].UsedBidCount != 0 {
		t.Fatalf("stored = %+v", stored[0])
	}
}

func TestRecomputeInvertedRange(t *testing.T) {
	f := newFixture(t)

	_, err := f.pricing.RecomputeRange(context.Background(), at(2), at(2))
	var consistency *types.ConsistencyError
	if !errors.As(err, &consistency) {
		t.Fatalf("err = %v, want ConsistencyError", err)
	}
}

type failingBids struct{}

func (failingBids) BidsForInterval(context.Context, time.Time, string) ([]types.Bid, error) {
	return nil, errors.New("ledger unavailable")
}

func TestRecomputeFailureKeepsStoredResults(t *testing.T) {
	f := newFixture(t)
	f.seedStack(t)
	f.upsertDemand(t, demandAt(0, "60"))
	ctx := context.Background()

	if _, err := f.pricing.RecomputeRange(ctx, at(0), at(1)); err != nil {
		t.Fatalf("RecomputeRange: %v", err)
	}

	broken := NewService(f.db, failingBids{}, f.demand, Options{ProductPrefix: "NEG", Workers: 2})
	if _, err := broken.RecomputeRange(ctx, at(0), at(1)); err == nil {
		t.Fatalf("expected error from failing bid source")
	}

	stored, err := f.pricing.Results(ctx, at(0), at(1))
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored %d results, want 1", len(stored))
	}
	assertPrice(t, stored[0], "-4.00")
}

func TestProcessorRunOnce(t *testing.T) {
	f := newFixture(t)
	f.seedStack(t)
	f.upsertDemand(t, demandAt(1, "60"))

	p := NewProcessor(f.pricing, time.Minute, time.Hour)
	p.now = func() time.Time { return at(1).Add(7 * time.Minute) }

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !res.End.Equal(at(2)) || res.Summary.Intervals != 4 {
		t.Fatalf("window = [%s, %s) with %d intervals", res.Start, res.End, res.Summary.Intervals)
	}
	if res.Summary.Priced != 1 {
		t.Fatalf("priced = %d, want 1", res.Summary.Priced)
	}
}

func TestPriceHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	f.seedStack(t)
	f.upsertDemand(t, demandAt(0, "80.528"))
	handlers := NewGinHandlers(f.pricing)

	router := gin.New()
	router.POST("/recompute", handlers.RecomputeHandler())
	router.GET("/prices", handlers.GetPricesHandler())

	body, _ := json.Marshal(RecomputeRequest{Start: "2024-09-01T00:00:00Z", End: "2024-09-01T00:15:00Z"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/recompute", bytes.NewReader(body)))
	if w.Code != http.StatusCreated {
		t.Fatalf("recompute status = %d, body %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/prices?start=2024-09-01T00:00:00Z&end=2024-09-01T01:00:00Z", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("prices status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data []MarginalPriceResult `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("got %d results, want 1", len(resp.Data))
	}
	assertPrice(t, resp.Data[0], "-3.87")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/prices?start=2024-09-02T00:00:00Z&end=2024-09-01T00:00:00Z", nil))
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("inverted range status = %d, want 422", w.Code)
	}
}

func TestSummarizeCountsClearedIntervalsOnly(t *testing.T) {
	results := []MarginalPriceResult{
		{Reason: types.ReasonCleared, MarginalPrice: decimal.NewNullDecimal(decimal.RequireFromString("-3.87"))},
		{Reason: types.ReasonCleared, MarginalPrice: decimal.NewNullDecimal(decimal.RequireFromString("12.13")), UnderSupplied: true},
		{Reason: types.ReasonZeroDemand},
		// a stale price on an unpriced interval must not reach the statistics
		{Reason: types.ReasonNoOffers, MarginalPrice: decimal.NewNullDecimal(decimal.RequireFromString("999"))},
	}

	s := summarize(results)
	if s.Intervals != 4 || s.Priced != 2 || s.UnderSupplied != 1 {
		t.Fatalf("summary = %+v, want 4 intervals, 2 priced, 1 under-supplied", s)
	}
	if s.Reasons[types.ReasonCleared] != 2 || s.Reasons[types.ReasonNoOffers] != 1 {
		t.Fatalf("reasons = %v", s.Reasons)
	}
	if !s.MaxPrice.Decimal.Equal(decimal.RequireFromString("12.13")) {
		t.Fatalf("max = %s, want 12.13", s.MaxPrice.Decimal)
	}
	if !s.MinPrice.Decimal.Equal(decimal.RequireFromString("-3.87")) {
		t.Fatalf("min = %s, want -3.87", s.MinPrice.Decimal)
	}
	if !s.MeanPrice.Decimal.Equal(decimal.RequireFromString("4.13")) {
		t.Fatalf("mean = %s, want 4.13", s.MeanPrice.Decimal)
	}
}
