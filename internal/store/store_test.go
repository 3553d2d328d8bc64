package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"soilsense/internal/analysis"
	"soilsense/internal/geo"
	"soilsense/internal/metrics"
	"soilsense/internal/migrate"
)

func TestLocationName(t *testing.T) {
	for in, want := range map[string]string{
		"":          DefaultLocationName,
		"  ":        DefaultLocationName,
		" Plot A ":  "Plot A",
		"Kajiado 3": "Kajiado 3",
	} {
		if got := locationName(in); got != want {
			t.Errorf("locationName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct{ in, want int }{{0, 10}, {-3, 10}, {5, 5}, {100, 100}, {500, 100}}
	for _, tc := range cases {
		if got := clampLimit(tc.in); got != tc.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func square(t *testing.T, lng, lat float64) geo.Polygon {
	t.Helper()
	p, err := geo.FromPairs([][]float64{{lng, lat}, {lng, lat + 0.01}, {lng + 0.01, lat + 0.01}, {lng + 0.01, lat}})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRecord_FailureCountsError(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://nobody@127.0.0.1:1/soilsense?sslmode=disable&connect_timeout=2")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := AttachDB(db)

	before := testutil.ToFloat64(metrics.HistoryWritesTotal.WithLabelValues("error"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Record(ctx, square(t, 36.8, -1.3), analysis.Snapshot{LocationLabel: "Plot A"}); err == nil {
		t.Fatal("expected an error from an unreachable database")
	}
	if got := testutil.ToFloat64(metrics.HistoryWritesTotal.WithLabelValues("error")); got != before+1 {
		t.Errorf("history_writes_total{status=error} = %v, want %v", got, before+1)
	}
}

// openTestDB connects to PG_DSN and ensures the schema; the test is skipped without it.
func openTestDB(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := migrate.EnsureSchema(ctx, db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return AttachDB(db)
}

func TestStore_SaveAndQueryHistory(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	label := fmt.Sprintf("test-plot-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.Exec(`DELETE FROM locations WHERE name=$1`, label)
	})

	p := square(t, 36.8, -1.3)
	observed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	first := analysis.Snapshot{Generation: 1, DegradationScore: 30, Severity: analysis.AtRisk, Confidence: 0.8, ObservedAt: observed, LocationLabel: label, AreaHectares: p.AreaHectares()}
	second := first
	second.Generation, second.DegradationScore, second.Severity = 2, 80, analysis.SeverelyDegraded

	okBefore := testutil.ToFloat64(metrics.HistoryWritesTotal.WithLabelValues("ok"))
	if _, err := s.SaveAnalysis(ctx, p, first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := s.Record(ctx, p, second); err != nil {
		t.Fatalf("record second: %v", err)
	}
	if got := testutil.ToFloat64(metrics.HistoryWritesTotal.WithLabelValues("ok")); got != okBefore+1 {
		t.Errorf("history_writes_total{status=ok} = %v, want %v", got, okBefore+1)
	}

	id1, err := s.UpsertLocation(ctx, label, geo.Point{Lng: 0, Lat: 0})
	if err != nil {
		t.Fatal(err)
	}
	locs, err := s.Locations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var loc *Location
	for i := range locs {
		if locs[i].Name == label {
			loc = &locs[i]
		}
	}
	if loc == nil || loc.ID != id1 {
		t.Fatalf("location %q not listed once with id %d: %+v", label, id1, loc)
	}
	if c := p.Centroid(); loc.Center != c || loc.Geohash != geo.Geohash(c, 6) {
		t.Errorf("location keeps first centroid: got %+v %q, want %+v", loc.Center, loc.Geohash, c)
	}

	recs, err := s.History(ctx, id1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].DegradationScore != 80 || recs[1].DegradationScore != 30 {
		t.Fatalf("history = %+v", recs)
	}
	if recs[0].Severity != string(analysis.SeverelyDegraded) || !recs[0].ObservedAt.Equal(observed) || len(recs[0].Polygon) == 0 {
		t.Errorf("newest record = %+v", recs[0])
	}
	if recs, err := s.History(ctx, id1, 1); err != nil || len(recs) != 1 {
		t.Errorf("limited history = %d records, err %v", len(recs), err)
	}
}
