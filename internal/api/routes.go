package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"soilsense/internal/analysis"
	"soilsense/internal/gateway"
	"soilsense/internal/geo"
	"soilsense/internal/geocode"
	"soilsense/internal/geoip"
	"soilsense/internal/logger"
	"soilsense/internal/mapctl"
	"soilsense/internal/metrics"
)

const maxRequestBody = 1 << 20

// 构建并返回 API 路由：独立 ServeMux，由主入口挂载到 API_BASE 前缀
func BuildRoutes(s *Session) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.View())
	})

	mux.HandleFunc("POST /draw/begin", func(w http.ResponseWriter, r *http.Request) {
		if err := s.BeginDraw(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Map.Snapshot())
	})

	mux.HandleFunc("POST /draw/vertex", func(w http.ResponseWriter, r *http.Request) {
		var req vertexRequest
		if !decode(w, r, &req) {
			return
		}
		if err := s.Map.CommitVertex(geo.Point{Lng: req.Lng, Lat: req.Lat}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Map.Snapshot())
	})

	mux.HandleFunc("POST /draw/finish", func(w http.ResponseWriter, r *http.Request) {
		var req finishRequest
		if r.ContentLength != 0 && !decode(w, r, &req) {
			return
		}
		s.SetLabel(req.Label)
		if _, err := s.FinishDraw(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, s.View())
	})

	mux.HandleFunc("POST /draw/update", func(w http.ResponseWriter, r *http.Request) {
		var req polygonRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Label != "" {
			s.SetLabel(req.Label)
		}
		p, err := geo.FromPairs(req.Polygon)
		if err == nil {
			_, err = s.UpdatePolygon(p.Vertices())
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, s.View())
	})

	mux.HandleFunc("POST /draw/clear", func(w http.ResponseWriter, r *http.Request) {
		s.Clear()
		writeJSON(w, http.StatusOK, s.View())
	})

	mux.HandleFunc("GET /search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		cands, err := s.Map.Search(r.Context(), q)
		resp := searchResponse{Query: q, Candidates: cands, Notice: s.Map.Notice()}
		if errors.Is(err, mapctl.ErrSuperseded) {
			resp.Superseded = true
			resp.Notice = ""
			err = nil
		}
		if err != nil {
			writeError(w, err)
			return
		}
		if resp.Candidates == nil {
			resp.Candidates = []geocode.PlaceCandidate{}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("POST /place", func(w http.ResponseWriter, r *http.Request) {
		var req placeRequest
		if !decode(w, r, &req) {
			return
		}
		pc, ok := findCandidate(s.Map.Candidates(), req.ID)
		if !ok {
			if req.Center == nil {
				writeError(w, fmt.Errorf("%w: unknown candidate %q", errBadRequest, req.ID))
				return
			}
			pc = geocode.PlaceCandidate{ID: req.ID, DisplayName: req.Name, ShortName: req.Name, Center: *req.Center}
		}
		s.Map.ChoosePlace(pc)
		writeJSON(w, http.StatusOK, viewResponse{View: s.Map.View(), Source: "place"})
	})

	mux.HandleFunc("POST /submit", func(w http.ResponseWriter, r *http.Request) {
		var req polygonRequest
		if !decode(w, r, &req) {
			return
		}
		p, err := geo.FromPairs(req.Polygon)
		if err != nil {
			writeError(w, err)
			return
		}
		rng, err := parseRange(req.StartDate, req.EndDate)
		if err != nil {
			writeError(w, err)
			return
		}
		label := req.Label
		if label == "" {
			label = DefaultLabel
		}
		if _, err := s.Submit(r.Context(), p, label, rng); err != nil {
			writeJSON(w, statusFor(err), s.View())
			return
		}
		writeJSON(w, http.StatusOK, s.View())
	})

	mux.HandleFunc("POST /reset", func(w http.ResponseWriter, r *http.Request) {
		s.Analysis.Reset()
		writeJSON(w, http.StatusOK, s.View())
	})

	mux.HandleFunc("POST /dismiss", func(w http.ResponseWriter, r *http.Request) {
		s.Analysis.DismissError()
		writeJSON(w, http.StatusOK, s.View())
	})

	mux.HandleFunc("GET /area.geojson", func(w http.ResponseWriter, r *http.Request) {
		props := map[string]any{"label": s.Label()}
		if snap := s.Analysis.Store().Snapshot(); snap != nil {
			props["label"] = snap.LocationLabel
			props["degradation_score"] = snap.DegradationScore
			props["severity"] = string(snap.Severity)
		}
		fc := s.Map.Polygon().FeatureCollection(props)
		b, err := json.Marshal(fc)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("content-type", "application/geo+json")
		w.Header().Set("cache-control", "no-store")
		_, _ = w.Write(b)
	})

	mux.HandleFunc("GET /view", func(w http.ResponseWriter, r *http.Request) {
		v, src := s.InitialView(geoip.ClientIP(r))
		writeJSON(w, http.StatusOK, viewResponse{View: v, Source: src})
	})

	mux.HandleFunc("GET /history", func(w http.ResponseWriter, r *http.Request) {
		s.serveHistory(w, r)
	})

	mux.HandleFunc("POST /predict", func(w http.ResponseWriter, r *http.Request) {
		var req polygonRequest
		if !decode(w, r, &req) {
			return
		}
		p := s.Map.Polygon()
		if len(req.Polygon) > 0 {
			var err error
			if p, err = geo.FromPairs(req.Polygon); err != nil {
				writeError(w, err)
				return
			}
		}
		label := req.Label
		if label == "" {
			label = s.Label()
		}
		raw, err := s.Analysis.Predict(r.Context(), p, label)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("content-type", "application/json; charset=utf-8")
		w.Header().Set("cache-control", "no-store")
		_, _ = w.Write(raw)
	})

	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// serveHistory：无 location_id 时列出地点，否则返回该地点最近的分析；本地历史库优先，其次透传后端
func (s *Session) serveHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	idText := q.Get("location_id")
	var id int64
	if idText != "" {
		n, err := strconv.ParseInt(idText, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: location_id must be a positive integer", errBadRequest))
			return
		}
		id = n
	}
	switch {
	case s.history != nil && id == 0:
		locs, err := s.history.Locations(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, locs)
	case s.history != nil:
		recs, err := s.history.History(ctx, id, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, recs)
	case s.backend != nil:
		var raw json.RawMessage
		var err error
		if id == 0 {
			raw, err = s.backend.Locations(ctx)
		} else {
			raw, err = s.backend.LocationHistory(ctx, id, limit)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("content-type", "application/json; charset=utf-8")
		w.Header().Set("cache-control", "no-store")
		_, _ = w.Write(raw)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "history is not enabled", Status: http.StatusNotFound})
	}
}

var errBadRequest = errors.New("bad request")

func findCandidate(cands []geocode.PlaceCandidate, id string) (geocode.PlaceCandidate, bool) {
	for _, c := range cands {
		if c.ID == id && id != "" {
			return c, true
		}
	}
	return geocode.PlaceCandidate{}, false
}

func parseRange(start, end string) (analysis.DateRange, error) {
	var rng analysis.DateRange
	if start != "" {
		t, ok := gateway.ParseDate(start)
		if !ok {
			return rng, fmt.Errorf("%w: bad start_date %q", errBadRequest, start)
		}
		rng.Start = t
	}
	if end != "" {
		t, ok := gateway.ParseDate(end)
		if !ok {
			return rng, fmt.Errorf("%w: bad end_date %q", errBadRequest, end)
		}
		rng.End = t
	}
	if !rng.Start.IsZero() && !rng.End.IsZero() && rng.End.Before(rng.Start) {
		return rng, fmt.Errorf("%w: end_date before start_date", errBadRequest)
	}
	return rng, nil
}

// statusFor：错误种类到 HTTP 状态码
func statusFor(err error) int {
	var be *gateway.BackendError
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, geo.ErrInvalidGeometry):
		return http.StatusUnprocessableEntity
	case errors.Is(err, mapctl.ErrInvalidTransition), errors.Is(err, analysis.ErrStaleResponse):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrTransportFailure):
		return http.StatusGatewayTimeout
	case errors.As(err, &be):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.L().Warn("api_error", "status", code, "err", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Status: code})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
