package orchestrator

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
	"github.com/ksred/afrr-clearing/internal/config"
	"github.com/ksred/afrr-clearing/internal/database"
	"github.com/ksred/afrr-clearing/internal/demand"
	"github.com/ksred/afrr-clearing/internal/ledger"
	"github.com/ksred/afrr-clearing/internal/pricing"
	"github.com/ksred/afrr-clearing/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	ledger  *ledger.Service
	demand  *demand.Service
	pricing *pricing.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.NewDatabase(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	l := ledger.NewService(db)
	dm := demand.NewService(db)
	return &fixture{
		db:      db,
		ledger:  l,
		demand:  dm,
		pricing: pricing.NewService(db, l, dm, pricing.Options{ProductPrefix: "NEG", Location: time.UTC, Workers: 2}),
	}
}

var day = time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

func at(quarter int) time.Time {
	return day.Add(time.Duration(quarter) * types.IntervalWidth)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func stackAt(quarter int) []types.Bid {
	product := types.ProductCode("NEG", at(quarter), time.UTC)
	return []types.Bid{
		{DeliveryTime: at(quarter), ProductCode: product, PricePerMWh: d("10.00"), CapacityMW: d("40")},
		{DeliveryTime: at(quarter), ProductCode: product, PricePerMWh: d("-4.00"), CapacityMW: d("30")},
		{DeliveryTime: at(quarter), ProductCode: product, PricePerMWh: d("-5.00"), CapacityMW: d("30")},
		{DeliveryTime: at(quarter), ProductCode: product, PricePerMWh: d("-3.87"), CapacityMW: d("30")},
	}
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)
	o := New(f.ledger, f.demand, f.pricing, 100)
	ctx := context.Background()

	bids := append(stackAt(0), stackAt(1)...)
	report, err := o.Run(ctx, Batch{
		SourceBatchID: "RUN1",
		Operator:      "ops",
		Bids:          bids,
		Demand: []types.DemandSample{
			{IntervalStart: at(0), VolumeMW: d("80.528")},
			{IntervalStart: at(1), VolumeMW: d("138")},
		},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Replace == nil || report.Replace.RowsInserted != 8 {
		t.Fatalf("replace = %+v", report.Replace)
	}
	if len(report.Ranges) != 1 || !report.Ranges[0].Start.Equal(at(0)) || !report.Ranges[0].End.Equal(at(2)) {
		t.Fatalf("ranges = %+v", report.Ranges)
	}

	results, err := f.pricing.Results(ctx, at(0), at(2))
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !results[0].MarginalPrice.Decimal.Equal(d("-3.87")) || results[0].UnderSupplied {
		t.Fatalf("interval 0 = %+v", results[0])
	}
	if !results[1].MarginalPrice.Decimal.Equal(d("10")) || !results[1].UnderSupplied {
		t.Fatalf("interval 1 = %+v", results[1])
	}

	// a later demand correction alone reprices only its interval
	report, err = o.Run(ctx, Batch{Demand: []types.DemandSample{{IntervalStart: at(0), VolumeMW: d("60")}}}, nil)
	if err != nil {
		t.Fatalf("demand-only Run: %v", err)
	}
	if report.Replace != nil {
		t.Fatalf("demand-only run touched the ledger: %+v", report.Replace)
	}
	results, err = f.pricing.Results(ctx, at(0), at(1))
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if !results[0].MarginalPrice.Decimal.Equal(d("-4")) {
		t.Fatalf("corrected price = %v, want -4", results[0].MarginalPrice)
	}
}

func TestRunRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	o := New(f.ledger, f.demand, f.pricing, 3)
	ctx := context.Background()

	if _, err := o.Run(ctx, Batch{SourceBatchID: "SEED", Bids: stackAt(0)}, nil); err != nil {
		t.Fatalf("seed Run: %v", err)
	}

	replacement := stackAt(0)[:2]
	report, err := o.Run(ctx, Batch{SourceBatchID: "NEW", Bids: replacement}, nil)
	if !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("err = %v, want ErrNotConfirmed", err)
	}
	if report == nil || report.Preview == nil || report.Preview.RowsToDelete != 4 {
		t.Fatalf("report = %+v, want preview of 4 deletions", report)
	}

	declined := ConfirmFunc(func(context.Context, *ledger.Preview) (bool, error) { return false, nil })
	if _, err := o.Run(ctx, Batch{SourceBatchID: "NEW", Bids: replacement}, declined); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("declined err = %v, want ErrNotConfirmed", err)
	}

	bids, err := f.ledger.BidsForInterval(ctx, at(0), "NEG_001")
	if err != nil {
		t.Fatalf("BidsForInterval: %v", err)
	}
	if len(bids) != 4 {
		t.Fatalf("ledger changed without confirmation: %d bids", len(bids))
	}

	if _, err := o.Run(ctx, Batch{SourceBatchID: "NEW", Bids: replacement}, AutoConfirm); err != nil {
		t.Fatalf("confirmed Run: %v", err)
	}
	bids, err = f.ledger.BidsForInterval(ctx, at(0), "NEG_001")
	if err != nil {
		t.Fatalf("BidsForInterval: %v", err)
	}
	if len(bids) != 2 {
		t.Fatalf("got %d bids after confirmed replace, want 2", len(bids))
	}
}

type failingDemand struct{}

func (failingDemand) Upsert(context.Context, []types.DemandSample) (*demand.UpsertResponse, error) {
	return nil, errors.New("demand store unavailable")
}

type recordingPrices struct {
	calls []Range
}

func (r *recordingPrices) RecomputeRange(_ context.Context, start, end time.Time) (*pricing.RecomputeResponse, error) {
	r.calls = append(r.calls, Range{Start: start, End: end})
	return &pricing.RecomputeResponse{Start: start, End: end}, nil
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	prices := &recordingPrices{}
	o := New(f.ledger, failingDemand{}, prices, -1)

	report, err := o.Run(context.Background(), Batch{
		Bids:   stackAt(0),
		Demand: []types.DemandSample{{IntervalStart: at(0), VolumeMW: d("10")}},
	}, nil)
	if err == nil {
		t.Fatalf("expected demand failure")
	}
	if report == nil || report.Replace == nil {
		t.Fatalf("report = %+v, want completed replace step", report)
	}
	if len(prices.calls) != 0 {
		t.Fatalf("recompute ran after failure: %+v", prices.calls)
	}
}

func TestRunValidatesBeforeWriting(t *testing.T) {
	f := newFixture(t)
	prices := &recordingPrices{}
	o := New(f.ledger, f.demand, prices, -1)
	ctx := context.Background()

	_, err := o.Run(ctx, Batch{
		Bids:   stackAt(0),
		Demand: []types.DemandSample{{IntervalStart: at(0), VolumeMW: d("-1")}},
	}, nil)
	var validation *types.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}

	bids, err := f.ledger.BidsInRange(ctx, at(0), at(0))
	if err != nil {
		t.Fatalf("BidsInRange: %v", err)
	}
	if len(bids) != 0 {
		t.Fatalf("ledger written despite invalid demand")
	}

	if _, err := o.Run(ctx, Batch{}, nil); !errors.Is(err, types.ErrEmptyBatch) {
		t.Fatalf("empty batch err = %v, want ErrEmptyBatch", err)
	}
}

func TestRunRecomputesDisjointRangesSeparately(t *testing.T) {
	f := newFixture(t)
	prices := &recordingPrices{}
	o := New(f.ledger, f.demand, prices, -1)

	_, err := o.Run(context.Background(), Batch{
		Bids:   stackAt(0),
		Demand: []types.DemandSample{{IntervalStart: at(10), VolumeMW: d("10")}},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []Range{{at(0), at(1)}, {at(10), at(11)}}
	if len(prices.calls) != len(want) {
		t.Fatalf("calls = %+v, want %+v", prices.calls, want)
	}
	for i := range want {
		if !prices.calls[i].Start.Equal(want[i].Start) || !prices.calls[i].End.Equal(want[i].End) {
			t.Fatalf("call %d = %+v, want %+v", i, prices.calls[i], want[i])
		}
	}
}

func TestMergeRanges(t *testing.T) {
	tests := []struct {
		name string
		in   []Range
		want []Range
	}{
		{"empty", nil, nil},
		{"overlapping", []Range{{at(2), at(6)}, {at(0), at(3)}}, []Range{{at(0), at(6)}}},
		{"touching", []Range{{at(0), at(2)}, {at(2), at(4)}}, []Range{{at(0), at(4)}}},
		{"contained", []Range{{at(0), at(8)}, {at(2), at(4)}}, []Range{{at(0), at(8)}}},
		{"disjoint", []Range{{at(5), at(6)}, {at(0), at(1)}}, []Range{{at(0), at(1)}, {at(5), at(6)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeRanges(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if !got[i].Start.Equal(tt.want[i].Start) || !got[i].End.Equal(tt.want[i].End) {
					t.Fatalf("got %+v, want %+v", got, tt.want)
				}
			}
		})
	}
}

func TestIngestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	handlers := NewGinHandlers(New(f.ledger, f.demand, f.pricing, 0), "POS")

	router := gin.New()
	router.POST("/ingest", handlers.IngestHandler())

	raw := func(price string, direction string) types.RawBid {
		p, capacity := d(price), d("30")
		return types.RawBid{DeliveryTime: at(0), ProductCode: "NEG_001", Price: &p, PaymentDirection: direction, CapacityMW: &capacity}
	}
	body, _ := json.Marshal(IngestRequest{
		SourceBatchID: "HTTP",
		Bids:          []types.RawBid{raw("3.87", types.ProviderToGrid), raw("4", types.GridToProvider)},
		Demand:        []types.DemandSample{{IntervalStart: at(0), VolumeMW: d("20")}},
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body)))
	if w.Code != http.StatusCreated {
		t.Fatalf("first ingest status = %d, body %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body)))
	if w.Code != http.StatusConflict {
		t.Fatalf("unconfirmed ingest status = %d, want 409", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ingest?confirm=true", bytes.NewReader(body)))
	if w.Code != http.StatusCreated {
		t.Fatalf("confirmed ingest status = %d, body %s", w.Code, w.Body.String())
	}

	results, err := f.pricing.Results(context.Background(), at(0), at(1))
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(results) != 1 || !results[0].MarginalPrice.Decimal.Equal(d("-3.87")) {
		t.Fatalf("results = %+v, want -3.87", results)
	}
}
