package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"soilsense/internal/geo"
)

func testPolygon(t *testing.T) geo.Polygon {
	t.Helper()
	p, err := geo.FromPairs([][]float64{{0, 0}, {0, 1}, {1, 1}, {1, 0}})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestClient_Analyze_RingShape(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/analyze" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"degradation_score": 82.3, "indicators": {"vegetation_health": 20, "moisture_level": 30, "soil_exposure": 70, "erosion_risk": 60}, "confidence": 0.85, "date": "2024-05-01", "location_name": "Plot A"}`)
	}))
	defer server.Close()

	c := New(server.URL, WithHTTPClient(server.Client()))
	p, err := c.Analyze(context.Background(), AnalyzeRequest{
		Polygon:      testPolygon(t),
		LocationName: "Plot A",
		StartDate:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if *p.DegradationScore != 82.3 || p.Severity != "" || p.Recommendations != nil {
		t.Errorf("unexpected payload: %+v", p)
	}
	if len(p.Raw) == 0 {
		t.Error("Raw should hold the response body")
	}

	ring, ok := got["polygon"].([]any)
	if !ok || len(ring) != 5 {
		t.Fatalf("expected closed ring of 5 pairs, got %v", got["polygon"])
	}
	if _, nested := ring[0].([]any)[0].([]any); nested {
		t.Error("ring shape should not be nested")
	}
	if got["start_date"] != "2024-01-01" {
		t.Errorf("start_date = %v", got["start_date"])
	}
	if _, ok := got["end_date"]; ok {
		t.Error("zero end_date should be omitted")
	}
}

func TestClient_Analyze_NestedShape(t *testing.T) {
	var got struct {
		Polygon [][][2]float64 `json:"polygon"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"degradation_score": 10}`)
	}))
	defer server.Close()

	c := New(server.URL, WithHTTPClient(server.Client()), WithPolygonShape(ParseShape("NESTED")))
	if _, err := c.Analyze(context.Background(), AnalyzeRequest{Polygon: testPolygon(t)}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(got.Polygon) != 1 || len(got.Polygon[0]) != 5 {
		t.Errorf("expected one nested ring, got %v", got.Polygon)
	}
}

func TestClient_Analyze_MissingScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"severity": "Healthy"}`)
	}))
	defer server.Close()

	_, err := New(server.URL).Analyze(context.Background(), AnalyzeRequest{Polygon: testPolygon(t)})
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
}

func TestClient_BackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail": "polygon too large"}`)
	}))
	defer server.Close()

	_, err := New(server.URL).Analyze(context.Background(), AnalyzeRequest{Polygon: testPolygon(t)})
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BackendError, got %v", err)
	}
	if be.Status != http.StatusUnprocessableEntity || be.Message != "polygon too large" {
		t.Errorf("unexpected backend error: %+v", be)
	}
	if !errors.Is(err, ErrBackend) {
		t.Error("BackendError should unwrap to ErrBackend")
	}
}

func TestClient_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := New(url).TimeSeries(context.Background(), TimeSeriesRequest{Polygon: testPolygon(t)})
	if !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("expected ErrTransportFailure, got %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(server.URL).Recommendations(ctx, RecommendationRequest{Polygon: testPolygon(t)})
	if !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("timeout should be a transport failure, got %v", err)
	}
}

func TestClient_TimeSeries_BothShapes(t *testing.T) {
	want := []SeriesPoint{
		{Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), NDVI: 0.4},
		{Date: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), NDVI: 0.5},
	}
	bodies := map[string]string{
		"envelope": `{"time_series": [{"date": "2024-02-01", "ndvi": 0.5}, {"date": "2024-01-01", "ndvi": 0.4}]}`,
		"bare":     `[{"date": "2024-01-01", "ndvi": 0.4}, {"date": "bogus", "ndvi": 0.1}, {"date": "2024-02-01", "ndvi": 0.5}]`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			var req map[string]any
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewDecoder(r.Body).Decode(&req)
				_, _ = io.WriteString(w, body)
			}))
			defer server.Close()

			got, err := New(server.URL).TimeSeries(context.Background(), TimeSeriesRequest{
				Polygon:   testPolygon(t),
				StartDate: time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC),
				EndDate:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			})
			if err != nil {
				t.Fatalf("TimeSeries: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("series mismatch (-want +got):\n%s", diff)
			}
			if req["start_date"] != "2023-08-01" || req["end_date"] != "2024-02-01" {
				t.Errorf("unexpected date window: %v", req)
			}
		})
	}
}

func TestClient_Recommendations_StringOrList(t *testing.T) {
	cases := []struct {
		name string
		body string
		want []string
	}{
		{"list", `{"recommendations": ["Plant cover crops", " ", "Build terraces"]}`, []string{"Plant cover crops", "Build terraces"}},
		{"text", `{"recommendations": "1. Plant cover crops\n\n- Build terraces\n* Mulch"}`, []string{"Plant cover crops", "Build terraces", "Mulch"}},
		{"missing", `{}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var req map[string]json.RawMessage
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewDecoder(r.Body).Decode(&req)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer server.Close()

			got, err := New(server.URL).Recommendations(context.Background(), RecommendationRequest{
				Polygon:         testPolygon(t),
				DegradationData: json.RawMessage(`{"degradation_score": 40}`),
			})
			if err != nil {
				t.Fatalf("Recommendations: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("recommendations mismatch (-want +got):\n%s", diff)
			}
			if string(req["degradation_data"]) != `{"degradation_score":40}` {
				t.Errorf("degradation_data = %s", req["degradation_data"])
			}
		})
	}
}

func TestClient_PassthroughEndpoints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/predict":
			_, _ = io.WriteString(w, `{"risk_level": "High"}`)
		case r.URL.Path == "/api/health":
			_, _ = io.WriteString(w, `{"status": "healthy"}`)
		case r.URL.Path == "/api/locations":
			_, _ = io.WriteString(w, `[{"id": 1}]`)
		case r.URL.Path == "/api/location/7/history" && r.URL.Query().Get("limit") == "10":
			_, _ = io.WriteString(w, `[]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := New(server.URL)
	ctx := context.Background()
	raw, err := c.Predict(ctx, AnalyzeRequest{Polygon: testPolygon(t)})
	if err != nil || string(raw) != `{"risk_level": "High"}` {
		t.Errorf("Predict = %s, %v", raw, err)
	}
	if err := c.Health(ctx); err != nil {
		t.Errorf("Health: %v", err)
	}
	if raw, err := c.Locations(ctx); err != nil || string(raw) != `[{"id": 1}]` {
		t.Errorf("Locations = %s, %v", raw, err)
	}
	if _, err := c.LocationHistory(ctx, 7, 0); err != nil {
		t.Errorf("LocationHistory: %v", err)
	}
}
