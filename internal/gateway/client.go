// 包 gateway：分析后端的 REST 客户端（/api/analyze、/api/time-series、/api/recommendations、
// /api/predict、/api/health），负责请求形态适配与响应归一化前的宽松解析
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"soilsense/internal/geo"
	"soilsense/internal/logger"
	"soilsense/internal/metrics"
)

// PolygonShape：请求体中 polygon 字段的形态
type PolygonShape string

const (
	// ShapeRing：[[lng,lat],...]
	ShapeRing PolygonShape = "ring"
	// ShapeNested：[[[lng,lat],...]]，即单环的 GeoJSON Polygon 坐标
	ShapeNested PolygonShape = "nested"
)

// ParseShape：未知取值回退到 ring
func ParseShape(s string) PolygonShape {
	if strings.EqualFold(strings.TrimSpace(s), string(ShapeNested)) {
		return ShapeNested
	}
	return ShapeRing
}

const maxBody = 8 << 20

// Client：分析后端客户端
// 约束：不设置整体超时，按调用角色由调用方通过 ctx 控制（主调用 30s，次要调用 15s）
type Client struct {
	baseURL string
	http    *http.Client
	shape   PolygonShape
	log     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithPolygonShape(s PolygonShape) Option { return func(c *Client) { c.shape = s } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		shape:   ShapeRing,
		log:     logger.Component("gateway"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) polygonBody(p geo.Polygon) any {
	ring := p.Ring()
	if c.shape == ShapeNested {
		return [][][2]float64{ring}
	}
	return ring
}

func formatDate(t time.Time) string { return t.Format("2006-01-02") }

// Analyze：主调用，返回未归一化的分析结果
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalysisPayload, error) {
	body := map[string]any{
		"polygon":       c.polygonBody(req.Polygon),
		"location_name": req.LocationName,
	}
	if !req.StartDate.IsZero() {
		body["start_date"] = formatDate(req.StartDate)
	}
	if !req.EndDate.IsZero() {
		body["end_date"] = formatDate(req.EndDate)
	}
	b, err := c.do(ctx, http.MethodPost, "/api/analyze", "analyze", body)
	if err != nil {
		return nil, err
	}
	var p AnalysisPayload
	if err := json.Unmarshal(b, &p); err != nil {
		metrics.GatewayFailTotal.WithLabelValues("analyze", "decode").Inc()
		return nil, &BackendError{Endpoint: "/api/analyze", Status: http.StatusOK, Message: "malformed response: " + err.Error()}
	}
	if p.DegradationScore == nil {
		metrics.GatewayFailTotal.WithLabelValues("analyze", "decode").Inc()
		return nil, &BackendError{Endpoint: "/api/analyze", Status: http.StatusOK, Message: "response has no degradation_score"}
	}
	p.Raw = json.RawMessage(b)
	return &p, nil
}

// TimeSeries：次要调用，兼容两种响应形态
func (c *Client) TimeSeries(ctx context.Context, req TimeSeriesRequest) ([]SeriesPoint, error) {
	body := map[string]any{
		"polygon":    c.polygonBody(req.Polygon),
		"start_date": formatDate(req.StartDate),
		"end_date":   formatDate(req.EndDate),
	}
	b, err := c.do(ctx, http.MethodPost, "/api/time-series", "time_series", body)
	if err != nil {
		return nil, err
	}
	pts, err := decodeSeries(b)
	if err != nil {
		metrics.GatewayFailTotal.WithLabelValues("time_series", "decode").Inc()
		return nil, &BackendError{Endpoint: "/api/time-series", Status: http.StatusOK, Message: "malformed response: " + err.Error()}
	}
	return pts, nil
}

// Recommendations：次要调用，recommendations 可为字符串或字符串数组
func (c *Client) Recommendations(ctx context.Context, req RecommendationRequest) ([]string, error) {
	body := map[string]any{"polygon": c.polygonBody(req.Polygon)}
	if len(req.DegradationData) > 0 {
		body["degradation_data"] = req.DegradationData
	}
	b, err := c.do(ctx, http.MethodPost, "/api/recommendations", "recommendations", body)
	if err != nil {
		return nil, err
	}
	var r struct {
		Recommendations StringList `json:"recommendations"`
	}
	if err := json.Unmarshal(b, &r); err != nil {
		metrics.GatewayFailTotal.WithLabelValues("recommendations", "decode").Inc()
		return nil, &BackendError{Endpoint: "/api/recommendations", Status: http.StatusOK, Message: "malformed response: " + err.Error()}
	}
	return r.Recommendations, nil
}

// Predict：透传 /api/predict 响应
func (c *Client) Predict(ctx context.Context, req AnalyzeRequest) (json.RawMessage, error) {
	body := map[string]any{
		"polygon":       c.polygonBody(req.Polygon),
		"location_name": req.LocationName,
	}
	b, err := c.do(ctx, http.MethodPost, "/api/predict", "predict", body)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// Locations：透传后端记录的位置列表
func (c *Client) Locations(ctx context.Context) (json.RawMessage, error) {
	b, err := c.do(ctx, http.MethodGet, "/api/locations", "locations", nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// LocationHistory：透传单个位置的历史分析；limit<=0 时取 10
func (c *Client) LocationHistory(ctx context.Context, id int64, limit int) (json.RawMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	path := "/api/location/" + strconv.FormatInt(id, 10) + "/history?" + q.Encode()
	b, err := c.do(ctx, http.MethodGet, path, "location_history", nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// Health：存活探测，仅用于连接状态指示
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/health", "health", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path, endpoint string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", endpoint, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	t0 := time.Now()
	metrics.GatewayRequestsTotal.WithLabelValues(endpoint).Inc()
	c.log.Debug("gateway_req", "endpoint", endpoint, "method", method)
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GatewayFailTotal.WithLabelValues(endpoint, "transport").Inc()
		c.log.Warn("gateway_http_error", "endpoint", endpoint, "err", err)
		return nil, transportErr(endpoint, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	ms := time.Since(t0).Milliseconds()
	metrics.GatewayDurationMs.WithLabelValues(endpoint).Observe(float64(ms))
	if err != nil {
		metrics.GatewayFailTotal.WithLabelValues(endpoint, "transport").Inc()
		return nil, transportErr(endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.GatewayFailTotal.WithLabelValues(endpoint, "backend").Inc()
		c.log.Warn("gateway_status_error", "endpoint", endpoint, "status", resp.StatusCode, "duration_ms", ms)
		return nil, &BackendError{Endpoint: path, Status: resp.StatusCode, Message: errorMessage(b)}
	}
	c.log.Debug("gateway_resp", "endpoint", endpoint, "status", resp.StatusCode, "bytes", len(b), "duration_ms", ms)
	return b, nil
}

// errorMessage：优先取 detail / error / message 字段，其次原始文本（截断）
func errorMessage(b []byte) string {
	var m map[string]any
	if json.Unmarshal(b, &m) == nil {
		for _, k := range []string{"detail", "error", "message"} {
			if v, ok := m[k]; ok {
				if s, ok := v.(string); ok {
					return s
				}
				if enc, err := json.Marshal(v); err == nil {
					return string(enc)
				}
			}
		}
	}
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
