// 包 analysis：选区到分析结果的编排（代次令牌、主/次调用、本地严重度判定）与结果存储
package analysis

import (
	"fmt"
	"strings"
	"time"
)

// Severity：本地判定的退化等级
type Severity string

const (
	Healthy          Severity = "Healthy"
	AtRisk           Severity = "AtRisk"
	Degraded         Severity = "Degraded"
	SeverelyDegraded Severity = "SeverelyDegraded"
)

// SeverityOf：按固定阈值分桶，左闭右开：<25、<50、<75、>=75
func SeverityOf(score float64) Severity {
	switch {
	case score < 25:
		return Healthy
	case score < 50:
		return AtRisk
	case score < 75:
		return Degraded
	default:
		return SeverelyDegraded
	}
}

// parseSeverity：宽松识别后端 severity 文本（"At Risk"、"severely_degraded" 等）；无法识别时返回空
func parseSeverity(s string) Severity {
	k := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(s))
	for _, v := range []Severity{Healthy, AtRisk, Degraded, SeverelyDegraded} {
		if strings.ToLower(string(v)) == k {
			return v
		}
	}
	return ""
}

// FieldStatus：可选字段的获取状态；Unavailable 为次要调用失败时的哨兵
type FieldStatus string

const (
	Pending     FieldStatus = "pending"
	Available   FieldStatus = "available"
	Unavailable FieldStatus = "unavailable"
)

// Indicators：四项指标，0..100
type Indicators struct {
	VegetationHealth float64 `json:"vegetation_health"`
	MoistureLevel    float64 `json:"moisture_level"`
	SoilExposure     float64 `json:"soil_exposure"`
	ErosionRisk      float64 `json:"erosion_risk"`
}

// 文档注释：规范化分析快照
// 背景：不论后端返回哪种字段形态，展示层只看到这一种结构；Severity 恒有值。
type Snapshot struct {
	Generation            uint64      `json:"generation"`
	DegradationScore      float64     `json:"degradation_score"`
	Severity              Severity    `json:"severity"`
	Indicators            Indicators  `json:"indicators"`
	Recommendations       []string    `json:"recommendations"`
	RecommendationsStatus FieldStatus `json:"recommendations_status"`
	PrimaryFactors        []string    `json:"primary_factors,omitempty"`
	Confidence            float64     `json:"confidence"`
	ObservedAt            time.Time   `json:"observed_at"`
	LocationLabel         string      `json:"location_label"`
	AreaHectares          float64     `json:"area_hectares"`
}

func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Recommendations = append([]string(nil), s.Recommendations...)
	c.PrimaryFactors = append([]string(nil), s.PrimaryFactors...)
	return &c
}

// TimeSeriesPoint：NDVI 观测，-1..1
type TimeSeriesPoint struct {
	Date time.Time `json:"date"`
	NDVI float64   `json:"ndvi"`
}

// TimeSeries：按日期升序的观测序列及其获取状态
type TimeSeries struct {
	Points []TimeSeriesPoint `json:"points"`
	Status FieldStatus       `json:"status"`
}

// SessionState：会话生命周期
type SessionState int

const (
	Idle SessionState = iota
	Drawing
	Selected
	Loading
	PartiallyReady
	Ready
	Failed
)

var stateNames = [...]string{"idle", "drawing", "selected", "loading", "partially_ready", "ready", "failed"}

func (s SessionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Banner：会话级可关闭错误提示
type Banner struct {
	Generation uint64 `json:"generation"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// DateRange：时间序列窗口；零值表示取默认窗口
type DateRange struct {
	Start time.Time
	End   time.Time
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
