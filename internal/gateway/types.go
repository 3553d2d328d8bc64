package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"soilsense/internal/geo"
)

// 文档注释：分析请求
// 约束：StartDate/EndDate 为零值时不发送，由后端取默认窗口
type AnalyzeRequest struct {
	Polygon      geo.Polygon
	LocationName string
	StartDate    time.Time
	EndDate      time.Time
}

// Indicators：四项指标，取值 0..100
type Indicators struct {
	VegetationHealth float64 `json:"vegetation_health"`
	MoistureLevel    float64 `json:"moisture_level"`
	SoilExposure     float64 `json:"soil_exposure"`
	ErosionRisk      float64 `json:"erosion_risk"`
}

// 文档注释：/api/analyze 响应（宽松解析）
// 背景：不同后端版本字段不一致，severity / recommendations / primary_factors 可能缺失，
// confidence 也可能缺失；Raw 保留原始响应用于 /api/recommendations 的请求体。
type AnalysisPayload struct {
	DegradationScore *float64   `json:"degradation_score"`
	Severity         string     `json:"severity,omitempty"`
	Indicators       Indicators `json:"indicators"`
	Recommendations  StringList `json:"recommendations,omitempty"`
	PrimaryFactors   StringList `json:"primary_factors,omitempty"`
	Confidence       *float64   `json:"confidence,omitempty"`
	Date             string     `json:"date,omitempty"`
	LocationName     string     `json:"location_name,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// 文档注释：时间序列请求
type TimeSeriesRequest struct {
	Polygon   geo.Polygon
	StartDate time.Time
	EndDate   time.Time
}

// SeriesPoint：单个 NDVI 观测
type SeriesPoint struct {
	Date time.Time
	NDVI float64
}

// 文档注释：建议请求
// 约束：DegradationData 原样作为 degradation_data 发送；通常为分析响应的 Raw
type RecommendationRequest struct {
	Polygon         geo.Polygon
	DegradationData json.RawMessage
}

// StringList：兼容 string 与 []string 两种形态
// 约束：单个字符串按行拆分，去掉空行与常见列表前缀（-、*、•、"1."）
type StringList []string

func (s *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = nil
		return nil
	}
	if b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = splitLines(one)
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("string list: %w", err)
	}
	out := make([]string, 0, len(many))
	for _, m := range many {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	*s = out
	return nil
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		line = trimOrdinal(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// trimOrdinal：去掉 "1." / "2)" 形式的序号
func trimOrdinal(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// ParseDate：按常见日期格式解析
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type rawPoint struct {
	Date string  `json:"date"`
	NDVI float64 `json:"ndvi"`
}

// decodeSeries：兼容 {"time_series":[...]} 与裸数组；按日期升序输出
// 约束：日期无法解析的点丢弃；NDVI 截断到 [-1,1]
func decodeSeries(b []byte) ([]SeriesPoint, error) {
	b = bytes.TrimSpace(b)
	var raw []rawPoint
	switch {
	case len(b) == 0 || string(b) == "null":
		return nil, nil
	case b[0] == '[':
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, err
		}
	default:
		var env struct {
			TimeSeries []rawPoint `json:"time_series"`
		}
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, err
		}
		raw = env.TimeSeries
	}
	out := make([]SeriesPoint, 0, len(raw))
	for _, r := range raw {
		d, ok := ParseDate(r.Date)
		if !ok {
			continue
		}
		out = append(out, SeriesPoint{Date: d, NDVI: clamp(r.NDVI, -1, 1)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
