// 包 mapctl：地图交互状态机（绘制/选区/地名检索），输出定稿选区或选中地点
package mapctl

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"soilsense/internal/geo"
	"soilsense/internal/geocode"
	"soilsense/internal/logger"
	"soilsense/internal/metrics"
)

var (
	// ErrInvalidTransition：当前状态不允许该操作
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrSuperseded：检索已被更新的查询取代，结果丢弃
	ErrSuperseded = errors.New("search superseded")
)

// State：绘制状态
type State int

const (
	Idle State = iota
	Drawing
	Finalized
)

func (s State) String() string {
	switch s {
	case Drawing:
		return "drawing"
	case Finalized:
		return "finalized"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// View：地图视野
type View struct {
	Center geo.Point `json:"center"`
	Zoom   float64   `json:"zoom"`
}

// DefaultView：内罗毕，缩放 10
var DefaultView = View{Center: geo.Point{Lng: 36.8219, Lat: -1.2921}, Zoom: 10}

// PlaceZoom：选中地点后的缩放级别
const PlaceZoom = 12

// SearchUnavailableNotice：检索不可用时的非致命提示
const SearchUnavailableNotice = "Place search is currently unavailable"

// Searcher：地名检索能力
type Searcher interface {
	Search(ctx context.Context, query string) iter.Seq2[geocode.PlaceCandidate, error]
}

type Option func(*Controller)

// WithDebounce：检索防抖时长，<=0 表示不防抖
func WithDebounce(d time.Duration) Option { return func(c *Controller) { c.debounce = d } }

// OnPolygon：选区定稿（含整体替换）时回调，在锁外同步调用
func OnPolygon(fn func(geo.Polygon)) Option { return func(c *Controller) { c.onPolygon = fn } }

// OnPlace：选中地点时回调，在锁外同步调用
func OnPlace(fn func(geocode.PlaceCandidate)) Option {
	return func(c *Controller) { c.onPlace = fn }
}

// 文档注释：地图交互控制器
// 背景：绘制状态 Idle → Drawing → Finalized 与检索状态（打开/已选地点）相互正交。
// 约束：检索为防抖 single-flight，每次调用领取递增令牌，结果仅在令牌仍为最新时生效。
type Controller struct {
	mu       sync.Mutex
	searcher Searcher
	debounce time.Duration

	state    State
	vertices []geo.Point
	polygon  geo.Polygon

	searchOpen bool
	candidates []geocode.PlaceCandidate
	notice     string
	view       View
	token      uint64
	cancel     context.CancelFunc

	onPolygon func(geo.Polygon)
	onPlace   func(geocode.PlaceCandidate)
	log       *slog.Logger
}

func New(s Searcher, opts ...Option) *Controller {
	c := &Controller{
		searcher: s,
		debounce: 300 * time.Millisecond,
		view:     DefaultView,
		log:      logger.Component("mapctl"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BeginDraw：从 Idle 或 Finalized 进入 Drawing；旧选区被丢弃
func (c *Controller) BeginDraw() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Drawing {
		return ErrInvalidTransition
	}
	c.state = Drawing
	c.vertices = nil
	c.polygon = geo.Polygon{}
	c.log.Debug("draw_begin")
	return nil
}

// CommitVertex：仅在 Drawing 状态下累积顶点
func (c *Controller) CommitVertex(v geo.Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Drawing {
		return ErrInvalidTransition
	}
	c.vertices = append(c.vertices, v)
	return nil
}

// FinishDraw：校验并定稿；校验失败时返回 ErrInvalidGeometry 并回到 Idle
func (c *Controller) FinishDraw() (geo.Polygon, error) {
	c.mu.Lock()
	if c.state != Drawing {
		c.mu.Unlock()
		return geo.Polygon{}, ErrInvalidTransition
	}
	p, err := geo.NewPolygon(c.vertices)
	c.vertices = nil
	if err != nil {
		c.state = Idle
		c.mu.Unlock()
		c.log.Debug("draw_invalid", "err", err)
		return geo.Polygon{}, err
	}
	c.state = Finalized
	c.polygon = p
	fn := c.onPolygon
	c.mu.Unlock()

	c.log.Debug("draw_finished", "vertices", len(p.Vertices()))
	if fn != nil {
		fn(p)
	}
	return p, nil
}

// UpdatePolygon：编辑已定稿选区，一步整体替换并重新发出
// 约束：仅在 Finalized 状态有效；校验失败时保留原选区
func (c *Controller) UpdatePolygon(vertices []geo.Point) (geo.Polygon, error) {
	p, err := geo.NewPolygon(vertices)
	c.mu.Lock()
	if c.state != Finalized {
		c.mu.Unlock()
		return geo.Polygon{}, ErrInvalidTransition
	}
	if err != nil {
		c.mu.Unlock()
		return geo.Polygon{}, err
	}
	c.polygon = p
	fn := c.onPolygon
	c.mu.Unlock()

	c.log.Debug("draw_updated", "vertices", len(p.Vertices()))
	if fn != nil {
		fn(p)
	}
	return p, nil
}

// SetSelection：记录外部直接提交的选区，进入 Finalized；不触发 OnPolygon 回调
func (c *Controller) SetSelection(p geo.Polygon) {
	if p.IsZero() {
		return
	}
	c.mu.Lock()
	c.state = Finalized
	c.vertices = nil
	c.polygon = p
	c.mu.Unlock()
}

// ClearSelection：任意状态回到 Idle，丢弃顶点与选区，取消进行中的检索并清空候选
func (c *Controller) ClearSelection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Idle
	c.vertices = nil
	c.polygon = geo.Polygon{}
	c.abortSearchLocked()
	c.candidates = nil
	c.notice = ""
}

func (c *Controller) abortSearchLocked() {
	c.token++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// OpenSearch：进入检索模式
func (c *Controller) OpenSearch() {
	c.mu.Lock()
	c.searchOpen = true
	c.mu.Unlock()
}

// 文档注释：检索地名并替换候选列表
// 背景：新查询取消尚在防抖或请求中的旧查询；旧调用返回 ErrSuperseded，其结果不落地。
// 约束：空白查询直接清空候选，不发起网络请求；检索不可用时候选为空并设置非致命提示，返回 nil 错误。
func (c *Controller) Search(ctx context.Context, query string) ([]geocode.PlaceCandidate, error) {
	c.mu.Lock()
	c.abortSearchLocked()
	tok := c.token
	c.searchOpen = true
	q := strings.TrimSpace(query)
	if q == "" || c.searcher == nil {
		c.candidates = nil
		c.notice = ""
		c.mu.Unlock()
		return nil, nil
	}
	sctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	if c.debounce > 0 {
		t := time.NewTimer(c.debounce)
		select {
		case <-sctx.Done():
			t.Stop()
			return nil, c.supersededOr(tok, ctx.Err())
		case <-t.C:
		}
	}

	cands, err := geocode.Collect(c.searcher.Search(sctx, q))

	c.mu.Lock()
	defer c.mu.Unlock()
	if tok != c.token {
		metrics.SearchSupersededTotal.Inc()
		c.log.Debug("search_superseded", "query", q)
		return nil, ErrSuperseded
	}
	c.cancel = nil
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, geocode.ErrSearchUnavailable) {
			c.log.Warn("search_unavailable", "query", q, "err", err)
			c.candidates = nil
			c.notice = SearchUnavailableNotice
			return nil, nil
		}
		return nil, err
	}
	c.candidates = cands
	c.notice = ""
	return append([]geocode.PlaceCandidate(nil), cands...), nil
}

func (c *Controller) supersededOr(tok uint64, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tok != c.token {
		metrics.SearchSupersededTotal.Inc()
		return ErrSuperseded
	}
	return err
}

// ChoosePlace：按候选中心重定位视野并退出检索模式；不产生选区
func (c *Controller) ChoosePlace(pc geocode.PlaceCandidate) {
	c.mu.Lock()
	c.abortSearchLocked()
	c.view = View{Center: pc.Center, Zoom: PlaceZoom}
	c.searchOpen = false
	c.candidates = nil
	c.notice = ""
	fn := c.onPlace
	c.mu.Unlock()

	c.log.Debug("place_chosen", "id", pc.ID, "lng", pc.Center.Lng, "lat", pc.Center.Lat)
	if fn != nil {
		fn(pc)
	}
}

// SetView：设置视野（例如按客户端 IP 定位的初始视野）
func (c *Controller) SetView(v View) {
	c.mu.Lock()
	c.view = v
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Vertices：绘制中的顶点副本
func (c *Controller) Vertices() []geo.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]geo.Point(nil), c.vertices...)
}

// Polygon：当前定稿选区；无选区时为零值
func (c *Controller) Polygon() geo.Polygon {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polygon
}

func (c *Controller) Candidates() []geocode.PlaceCandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]geocode.PlaceCandidate(nil), c.candidates...)
}

func (c *Controller) Notice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notice
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

func (c *Controller) SearchOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.searchOpen
}

// MapState：控制器状态快照，供 HTTP 层序列化
type MapState struct {
	State      State                    `json:"state"`
	Vertices   []geo.Point              `json:"vertices"`
	Polygon    [][2]float64             `json:"polygon,omitempty"`
	SearchOpen bool                     `json:"search_open"`
	Candidates []geocode.PlaceCandidate `json:"candidates"`
	Notice     string                   `json:"notice,omitempty"`
	View       View                     `json:"view"`
}

func (c *Controller) Snapshot() MapState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := MapState{
		State:      c.state,
		Vertices:   append([]geo.Point{}, c.vertices...),
		SearchOpen: c.searchOpen,
		Candidates: append([]geocode.PlaceCandidate{}, c.candidates...),
		Notice:     c.notice,
		View:       c.view,
	}
	if !c.polygon.IsZero() {
		ms.Polygon = c.polygon.Ring()
	}
	return ms
}
