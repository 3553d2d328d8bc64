// 包 api：集中注册 HTTP API 路由，把地图控制器与分析编排器组装为单会话服务
package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"soilsense/internal/analysis"
	"soilsense/internal/gateway"
	"soilsense/internal/geo"
	"soilsense/internal/geoip"
	"soilsense/internal/logger"
	"soilsense/internal/mapctl"
	"soilsense/internal/store"
)

// DefaultLabel：未命名选区的地点名
const DefaultLabel = "Selected Area"

// HistoryReader：本地历史库
type HistoryReader interface {
	Locations(ctx context.Context) ([]store.Location, error)
	History(ctx context.Context, locationID int64, limit int) ([]store.Record, error)
}

// BackendHistory：后端自带的历史接口，未启用本地历史库时透传
type BackendHistory interface {
	Locations(ctx context.Context) (json.RawMessage, error)
	LocationHistory(ctx context.Context, id int64, limit int) (json.RawMessage, error)
}

// ConnectivitySource：连接状态来源
type ConnectivitySource interface {
	Status() (gateway.Connectivity, time.Time)
}

// Deps：会话依赖；除 Orchestrator 外均可为空
type Deps struct {
	Searcher     mapctl.Searcher
	Orchestrator *analysis.Orchestrator
	Health       ConnectivitySource
	Locator      *geoip.Locator
	History      HistoryReader
	Backend      BackendHistory
	Debounce     time.Duration
}

// 文档注释：单用户会话
// 背景：地图控制器的定稿事件驱动分析：定稿即 MarkSelected 并在后台提交；开始绘制即 MarkDrawing。
// 约束：后台提交使用会话级 ctx，进程退出时取消；label 为下一次定稿使用的地点名；
// 选区变更与代次领取在 sel 锁内完成，分析代次与用户操作顺序一致。
type Session struct {
	Map      *mapctl.Controller
	Analysis *analysis.Orchestrator

	health  ConnectivitySource
	locator *geoip.Locator
	history HistoryReader
	backend BackendHistory

	ctx   context.Context
	wg    sync.WaitGroup
	sel   sync.Mutex
	mu    sync.Mutex
	label string
}

func NewSession(ctx context.Context, d Deps) *Session {
	s := &Session{
		Analysis: d.Orchestrator,
		health:   d.Health,
		locator:  d.Locator,
		history:  d.History,
		backend:  d.Backend,
		ctx:      ctx,
		label:    DefaultLabel,
	}
	s.Map = mapctl.New(d.Searcher, mapctl.WithDebounce(d.Debounce), mapctl.OnPolygon(s.onPolygon))
	return s
}

// SetLabel：设置下一次定稿使用的地点名；空串恢复默认
func (s *Session) SetLabel(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if label == "" {
		label = DefaultLabel
	}
	s.label = label
}

func (s *Session) Label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// onPolygon：在地图控制器调用方的 goroutine 内同步领取代次，分析本身在后台执行
func (s *Session) onPolygon(p geo.Polygon) {
	s.Analysis.MarkSelected()
	b := s.Analysis.Begin(s.ctx)
	label := s.Label()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Analysis.Run(b, p, label, analysis.DateRange{}); err != nil {
			logger.L().Debug("session_submit_done", "gen", b.Generation(), "err", err)
		}
	}()
}

// Wait：等待后台提交全部结束
func (s *Session) Wait() { s.wg.Wait() }

// BeginDraw：地图进入绘制，会话结果随之作废
func (s *Session) BeginDraw() error {
	s.sel.Lock()
	defer s.sel.Unlock()
	if err := s.Map.BeginDraw(); err != nil {
		return err
	}
	s.Analysis.MarkDrawing()
	return nil
}

// FinishDraw：定稿当前绘制并提交分析
func (s *Session) FinishDraw() (geo.Polygon, error) {
	s.sel.Lock()
	defer s.sel.Unlock()
	return s.Map.FinishDraw()
}

// UpdatePolygon：整体替换已定稿选区并重新提交
func (s *Session) UpdatePolygon(vertices []geo.Point) (geo.Polygon, error) {
	s.sel.Lock()
	defer s.sel.Unlock()
	return s.Map.UpdatePolygon(vertices)
}

// Submit：直接提交选区（不经绘制），地图选区同步为该多边形；阻塞到落定
func (s *Session) Submit(ctx context.Context, p geo.Polygon, label string, rng analysis.DateRange) (uint64, error) {
	s.sel.Lock()
	s.Map.SetSelection(p)
	b := s.Analysis.Begin(ctx)
	s.sel.Unlock()
	return s.Analysis.Run(b, p, label, rng)
}

// Clear：清空选区与会话结果
func (s *Session) Clear() {
	s.sel.Lock()
	defer s.sel.Unlock()
	s.Map.ClearSelection()
	s.Analysis.Reset()
}

// SessionView：/session 响应
type SessionView struct {
	State        analysis.SessionState `json:"state"`
	Generation   uint64                `json:"generation"`
	Snapshot     *analysis.Snapshot    `json:"snapshot"`
	TimeSeries   analysis.TimeSeries   `json:"time_series"`
	Banner       *analysis.Banner      `json:"banner"`
	Map          mapctl.MapState       `json:"map"`
	Label        string                `json:"label"`
	Connectivity ConnectivityView      `json:"connectivity"`
}

type ConnectivityView struct {
	Status    gateway.Connectivity `json:"status"`
	CheckedAt *time.Time           `json:"checked_at,omitempty"`
}

func (s *Session) View() SessionView {
	st := s.Analysis.Store()
	v := SessionView{
		State:        st.SessionState(),
		Generation:   st.Generation(),
		Snapshot:     st.Snapshot(),
		TimeSeries:   st.TimeSeries(),
		Banner:       st.Banner(),
		Map:          s.Map.Snapshot(),
		Label:        s.Label(),
		Connectivity: ConnectivityView{Status: gateway.Checking},
	}
	if v.TimeSeries.Points == nil {
		v.TimeSeries.Points = []analysis.TimeSeriesPoint{}
	}
	if s.health != nil {
		c, at := s.health.Status()
		v.Connectivity.Status = c
		if !at.IsZero() {
			v.Connectivity.CheckedAt = &at
		}
	}
	return v
}

// InitialView：地图仍为默认视野时，按访问者 IP 定位初始中心（缩放保持默认）
func (s *Session) InitialView(ip string) (mapctl.View, string) {
	v := s.Map.View()
	if v != mapctl.DefaultView {
		return v, "session"
	}
	if s.locator == nil {
		return v, "default"
	}
	p, err := s.locator.Lookup(ip)
	if err != nil {
		return v, "default"
	}
	v = mapctl.View{Center: p.Center, Zoom: mapctl.DefaultView.Zoom}
	s.Map.SetView(v)
	return v, "geoip"
}
