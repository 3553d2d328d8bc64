package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"soilsense/internal/analysis"
	"soilsense/internal/gateway"
	"soilsense/internal/geo"
	"soilsense/internal/geocode"
	"soilsense/internal/mapctl"
)

type stubSearcher struct{ calls atomic.Int32 }

func (s *stubSearcher) Search(ctx context.Context, q string) iter.Seq2[geocode.PlaceCandidate, error] {
	return func(yield func(geocode.PlaceCandidate, error) bool) {
		s.calls.Add(1)
		yield(geocode.PlaceCandidate{ID: "place.1", DisplayName: q + ", Kenya", ShortName: q, Center: geo.Point{Lng: 36.07, Lat: -0.3}, Kind: "place"}, nil)
	}
}

// fakeBackend serves the analysis endpoints; analyzeStatus != 200 makes /api/analyze fail.
func fakeBackend(t *testing.T, analyzeStatus int) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/analyze":
			if analyzeStatus != http.StatusOK {
				w.WriteHeader(analyzeStatus)
				_, _ = io.WriteString(w, `{"detail": "earth engine quota exceeded"}`)
				return
			}
			_, _ = io.WriteString(w, `{"degradation_score": 82.3, "severity": "Moderate", "indicators": {"vegetation_health": 25, "moisture_level": 30, "soil_exposure": 75, "erosion_risk": 70}, "confidence": 0.85, "date": "2024-05-01"}`)
		case "/api/time-series":
			_, _ = io.WriteString(w, `[{"date": "2024-03-01", "ndvi": 0.31}, {"date": "2024-04-01", "ndvi": 0.28}]`)
		case "/api/recommendations":
			_, _ = io.WriteString(w, `{"recommendations": "1. Plant cover crops\n2. Build terraces"}`)
		case "/api/predict":
			_, _ = io.WriteString(w, `{"predicted_score": 85}`)
		case "/api/locations":
			_, _ = io.WriteString(w, `[{"id": 3, "name": "Selected Area"}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestServer(t *testing.T, analyzeStatus int) (*Session, *httptest.Server, *stubSearcher) {
	t.Helper()
	backend := fakeBackend(t, analyzeStatus)
	gw := gateway.New(backend.URL)
	searcher := &stubSearcher{}
	s := NewSession(context.Background(), Deps{
		Searcher:     searcher,
		Orchestrator: analysis.New(gw),
		Backend:      gw,
	})
	srv := httptest.NewServer(BuildRoutes(s))
	t.Cleanup(srv.Close)
	return s, srv, searcher
}

func post(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	resp, err := http.Post(srv.URL+path, "application/json", rd)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func sessionView(t *testing.T, srv *httptest.Server) map[string]any {
	t.Helper()
	_, b := get(t, srv, "/session")
	var v map[string]any
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode session: %v (%s)", err, b)
	}
	return v
}

func TestDrawFlow_TriggersAnalysis(t *testing.T) {
	s, srv, _ := newTestServer(t, http.StatusOK)

	if resp, b := post(t, srv, "/draw/begin", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("begin: %d %s", resp.StatusCode, b)
	}
	for _, v := range []string{`{"lng":0,"lat":0}`, `{"lng":0,"lat":1}`, `{"lng":1,"lat":1}`, `{"lng":1,"lat":0}`} {
		if resp, b := post(t, srv, "/draw/vertex", v); resp.StatusCode != http.StatusOK {
			t.Fatalf("vertex: %d %s", resp.StatusCode, b)
		}
	}
	if resp, b := post(t, srv, "/draw/finish", `{"label":"Plot 7"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("finish: %d %s", resp.StatusCode, b)
	}
	s.Wait()

	v := sessionView(t, srv)
	if v["state"] != "ready" {
		t.Fatalf("state = %v", v["state"])
	}
	snap := v["snapshot"].(map[string]any)
	if snap["severity"] != string(analysis.SeverelyDegraded) || snap["location_label"] != "Plot 7" {
		t.Errorf("snapshot = %v", snap)
	}
	if recs := snap["recommendations"].([]any); len(recs) != 2 || recs[0] != "Plant cover crops" {
		t.Errorf("recommendations = %v", recs)
	}
	ts := v["time_series"].(map[string]any)
	if ts["status"] != "available" || len(ts["points"].([]any)) != 2 {
		t.Errorf("time series = %v", ts)
	}
	if m := v["map"].(map[string]any); m["state"] != "finalized" {
		t.Errorf("map state = %v", m["state"])
	}

	_, b := get(t, srv, "/area.geojson")
	var fc struct {
		Features []struct {
			Geometry struct {
				Type string `json:"type"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		t.Fatal(err)
	}
	if len(fc.Features) == 0 || fc.Features[0].Geometry.Type != "Polygon" || fc.Features[0].Properties["severity"] != "SeverelyDegraded" {
		t.Errorf("area = %s", b)
	}
}

func TestDrawFinish_InvalidGeometry(t *testing.T) {
	_, srv, _ := newTestServer(t, http.StatusOK)
	post(t, srv, "/draw/begin", "")
	post(t, srv, "/draw/vertex", `{"lng":0,"lat":0}`)
	post(t, srv, "/draw/vertex", `{"lng":0,"lat":1}`)
	resp, _ := post(t, srv, "/draw/finish", "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	v := sessionView(t, srv)
	if v["map"].(map[string]any)["state"] != "idle" || v["snapshot"] != nil {
		t.Errorf("session = %v", v)
	}
}

func TestDraw_InvalidTransition(t *testing.T) {
	_, srv, _ := newTestServer(t, http.StatusOK)
	if resp, _ := post(t, srv, "/draw/vertex", `{"lng":0,"lat":0}`); resp.StatusCode != http.StatusConflict {
		t.Errorf("vertex before begin = %d, want 409", resp.StatusCode)
	}
}

func TestSubmit_BackendFailureAndDismiss(t *testing.T) {
	_, srv, _ := newTestServer(t, http.StatusInternalServerError)
	resp, b := post(t, srv, "/submit", `{"polygon":[[0,0],[0,1],[1,1],[1,0]]}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 (%s)", resp.StatusCode, b)
	}
	v := sessionView(t, srv)
	if v["state"] != "failed" || v["snapshot"] != nil {
		t.Fatalf("session = %v", v)
	}
	banner := v["banner"].(map[string]any)
	if !strings.Contains(banner["message"].(string), "earth engine quota exceeded") {
		t.Errorf("banner = %v", banner)
	}

	post(t, srv, "/dismiss", "")
	v = sessionView(t, srv)
	if v["banner"] != nil || v["state"] != "failed" {
		t.Errorf("after dismiss: %v", v)
	}
}

func TestSubmit_Direct(t *testing.T) {
	_, srv, _ := newTestServer(t, http.StatusOK)
	resp, b := post(t, srv, "/submit", `{"polygon":[[0,0],[0,1],[1,1],[1,0],[0,0]],"label":"Farm","start_date":"2024-01-01","end_date":"2024-06-01"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, b)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["state"] != "ready" || m["snapshot"].(map[string]any)["location_label"] != "Farm" {
		t.Errorf("session = %v", m)
	}
	if mp := m["map"].(map[string]any); mp["state"] != "finalized" {
		t.Errorf("map state = %v, want finalized", mp["state"])
	}

	_, b = get(t, srv, "/area.geojson")
	var fc struct {
		Features []struct {
			Geometry struct {
				Type        string          `json:"type"`
				Coordinates json.RawMessage `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		t.Fatal(err)
	}
	if len(fc.Features) == 0 || fc.Features[0].Geometry.Type != "Polygon" {
		t.Fatalf("area = %s", b)
	}
	var rings [][][]float64
	if err := json.Unmarshal(fc.Features[0].Geometry.Coordinates, &rings); err != nil {
		t.Fatal(err)
	}
	if len(rings) != 1 || len(rings[0]) != 5 || rings[0][2][0] != 1 || rings[0][2][1] != 1 || fc.Features[0].Properties["label"] != "Farm" {
		t.Errorf("area does not describe the submitted polygon: %s", b)
	}
}

func TestSubmit_Rejects(t *testing.T) {
	_, srv, _ := newTestServer(t, http.StatusOK)
	cases := map[string]struct {
		body string
		want int
	}{
		"two vertices": {`{"polygon":[[0,0],[1,1]]}`, http.StatusUnprocessableEntity},
		"bad json":     {`{"polygon":`, http.StatusBadRequest},
		"bad date":     {`{"polygon":[[0,0],[0,1],[1,1]],"start_date":"yesterday"}`, http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if resp, b := post(t, srv, "/submit", tc.body); resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tc.want, b)
			}
		})
	}
	if v := sessionView(t, srv); v["state"] != "idle" {
		t.Errorf("rejected submissions must not touch the session, state = %v", v["state"])
	}
}

func TestSearchAndPlace(t *testing.T) {
	_, srv, searcher := newTestServer(t, http.StatusOK)

	_, b := get(t, srv, "/search?q=%20%20")
	var sr searchResponse
	if err := json.Unmarshal(b, &sr); err != nil || len(sr.Candidates) != 0 {
		t.Fatalf("blank search = %s", b)
	}
	if searcher.calls.Load() != 0 {
		t.Error("blank search must not call the searcher")
	}

	_, b = get(t, srv, "/search?q=Nakuru")
	if err := json.Unmarshal(b, &sr); err != nil || len(sr.Candidates) != 1 {
		t.Fatalf("search = %s", b)
	}

	resp, b := post(t, srv, "/place", `{"id":"place.1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("place: %d %s", resp.StatusCode, b)
	}
	var vr viewResponse
	_ = json.Unmarshal(b, &vr)
	if vr.View.Zoom != mapctl.PlaceZoom || vr.View.Center != (geo.Point{Lng: 36.07, Lat: -0.3}) {
		t.Errorf("view = %+v", vr.View)
	}
	if v := sessionView(t, srv); v["state"] != "idle" {
		t.Errorf("choosing a place must not start an analysis, state = %v", v["state"])
	}

	if resp, _ := post(t, srv, "/place", `{"id":"missing"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown candidate = %d", resp.StatusCode)
	}
}

func TestView_DefaultWithoutLocator(t *testing.T) {
	_, srv, _ := newTestServer(t, http.StatusOK)
	_, b := get(t, srv, "/view")
	var vr viewResponse
	if err := json.Unmarshal(b, &vr); err != nil {
		t.Fatal(err)
	}
	if vr.Source != "default" || vr.View != mapctl.DefaultView {
		t.Errorf("view = %+v", vr)
	}
}

func TestHistory_BackendPassthrough(t *testing.T) {
	_, srv, _ := newTestServer(t, http.StatusOK)
	resp, b := get(t, srv, "/history")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(b, []byte(`"Selected Area"`)) {
		t.Errorf("history = %d %s", resp.StatusCode, b)
	}
	if resp, _ := get(t, srv, "/history?location_id=abc"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id = %d", resp.StatusCode)
	}
}

func TestPredict_UsesCurrentPolygon(t *testing.T) {
	s, srv, _ := newTestServer(t, http.StatusOK)
	if resp, _ := post(t, srv, "/predict", `{}`); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("predict without selection = %d", resp.StatusCode)
	}
	post(t, srv, "/draw/begin", "")
	for _, v := range []string{`{"lng":0,"lat":0}`, `{"lng":0,"lat":1}`, `{"lng":1,"lat":1}`} {
		post(t, srv, "/draw/vertex", v)
	}
	post(t, srv, "/draw/finish", "")
	s.Wait()
	resp, b := post(t, srv, "/predict", `{}`)
	if resp.StatusCode != http.StatusOK || string(b) != `{"predicted_score": 85}` {
		t.Errorf("predict = %d %s", resp.StatusCode, b)
	}
}

func TestClear_ResetsSession(t *testing.T) {
	s, srv, _ := newTestServer(t, http.StatusOK)
	post(t, srv, "/draw/begin", "")
	for _, v := range []string{`{"lng":0,"lat":0}`, `{"lng":0,"lat":1}`, `{"lng":1,"lat":1}`} {
		post(t, srv, "/draw/vertex", v)
	}
	post(t, srv, "/draw/finish", "")
	s.Wait()
	post(t, srv, "/draw/clear", "")
	v := sessionView(t, srv)
	if v["state"] != "idle" || v["snapshot"] != nil || v["map"].(map[string]any)["state"] != "idle" {
		t.Errorf("after clear: %v", v)
	}
}
