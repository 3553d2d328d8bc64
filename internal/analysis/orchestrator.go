package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"soilsense/internal/gateway"
	"soilsense/internal/geo"
	"soilsense/internal/logger"
	"soilsense/internal/metrics"
)

// ErrStaleResponse：响应所属代次已不是当前代次，结果被丢弃；不对用户可见
var ErrStaleResponse = errors.New("stale response")

// Gateway：编排器所需的后端能力
type Gateway interface {
	Analyze(ctx context.Context, req gateway.AnalyzeRequest) (*gateway.AnalysisPayload, error)
	TimeSeries(ctx context.Context, req gateway.TimeSeriesRequest) ([]gateway.SeriesPoint, error)
	Recommendations(ctx context.Context, req gateway.RecommendationRequest) ([]string, error)
	Predict(ctx context.Context, req gateway.AnalyzeRequest) (json.RawMessage, error)
}

// Recorder：已落定（Ready/PartiallyReady）结果的历史记录器
type Recorder interface {
	Record(ctx context.Context, p geo.Polygon, snap Snapshot) error
}

type Option func(*Orchestrator)

// WithTimeouts：主调用与次要调用的超时；<=0 的取值保持默认
func WithTimeouts(primary, secondary time.Duration) Option {
	return func(o *Orchestrator) {
		if primary > 0 {
			o.primaryTimeout = primary
		}
		if secondary > 0 {
			o.secondaryTimeout = secondary
		}
	}
}

// WithSeriesMonths：默认时间序列窗口（提交时刻之前的月数）
func WithSeriesMonths(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.months = n
		}
	}
}

func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.rec = r } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// 文档注释：分析编排器
// 背景：每次提交领取新代次 g；任何响应只有在 g 仍为当前代次时才写入存储，
// 代次校验与写入在同一把锁内完成，旧代次的慢响应无法覆盖新结果。
// 约束：存储只由本类型写入；订阅通知在锁外发出。
type Orchestrator struct {
	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc

	gw    Gateway
	store *Store
	rec   Recorder

	primaryTimeout   time.Duration
	secondaryTimeout time.Duration
	months           int
	now              func() time.Time
	log              *slog.Logger
}

func New(gw Gateway, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gw:               gw,
		store:            NewStore(),
		primaryTimeout:   30 * time.Second,
		secondaryTimeout: 15 * time.Second,
		months:           6,
		now:              time.Now,
		log:              logger.Component("analysis"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store：只读结果存储
func (o *Orchestrator) Store() *Store { return o.store }

// Submit：以默认时间窗口提交分析，见 SubmitRange
func (o *Orchestrator) Submit(ctx context.Context, p geo.Polygon, label string) (uint64, error) {
	return o.SubmitRange(ctx, p, label, DateRange{})
}

// 文档注释：提交分析并阻塞到本批次落定
// 背景：任意状态下都可提交，新提交取代进行中的批次（旧批次的 ctx 被取消，其响应按代次丢弃）。
// 返回：本批次代次；主调用失败时返回其错误（状态 Failed），批次被取代时返回 ErrStaleResponse，
// 次要调用失败不返回错误（状态 PartiallyReady）。
func (o *Orchestrator) SubmitRange(ctx context.Context, p geo.Polygon, label string, rng DateRange) (uint64, error) {
	if p.IsZero() {
		return 0, fmt.Errorf("%w: no selection", geo.ErrInvalidGeometry)
	}
	return o.Run(o.Begin(ctx), p, label, rng)
}

// Batch：已领取代次、尚未执行的提交
type Batch struct {
	parent    context.Context
	ctx       context.Context
	gen       uint64
	submitted time.Time
}

func (b *Batch) Generation() uint64 { return b.gen }

// Begin：同步领取新代次并进入 Loading，取代进行中的批次
// 约束：代次顺序即 Begin 的调用顺序；异步执行时须先在调用方 goroutine 内 Begin，再把 Run 交给后台
func (o *Orchestrator) Begin(ctx context.Context) *Batch {
	submitted := o.now()
	bctx, g := o.begin(ctx, Loading)
	return &Batch{parent: ctx, ctx: bctx, gen: g, submitted: submitted}
}

// Run：执行 Begin 领取的批次并阻塞到落定，返回值同 SubmitRange
func (o *Orchestrator) Run(b *Batch, p geo.Polygon, label string, rng DateRange) (uint64, error) {
	ctx, bctx, g, submitted := b.parent, b.ctx, b.gen, b.submitted
	defer o.release(g)
	if p.IsZero() {
		o.apply(g, "analyze", func() []Event { return []Event{o.store.setState(Idle)} })
		return g, fmt.Errorf("%w: no selection", geo.ErrInvalidGeometry)
	}
	metrics.SubmitTotal.Inc()
	o.log.Info("analysis_submit", "gen", g, "label", label, "vertices", len(p.Vertices()))

	pctx, pcancel := context.WithTimeout(bctx, o.primaryTimeout)
	payload, err := o.gw.Analyze(pctx, gateway.AnalyzeRequest{
		Polygon:      p,
		LocationName: label,
		StartDate:    rng.Start,
		EndDate:      rng.End,
	})
	pcancel()
	if err != nil {
		return g, o.failPrimary(g, err)
	}

	snap := normalize(payload, g, label, submitted)
	snap.AreaHectares = p.AreaHectares()
	if !o.apply(g, "analyze", func() []Event { return []Event{o.store.setSnapshot(snap)} }) {
		return g, ErrStaleResponse
	}

	start, end := o.window(rng, submitted)
	var (
		eg        errgroup.Group
		seriesErr error
		recErr    error
	)
	eg.Go(func() error {
		sctx, cancel := context.WithTimeout(bctx, o.secondaryTimeout)
		defer cancel()
		pts, err := o.gw.TimeSeries(sctx, gateway.TimeSeriesRequest{Polygon: p, StartDate: start, EndDate: end})
		ts := TimeSeries{Status: Available}
		if err != nil {
			seriesErr = err
			ts.Status = Unavailable
			o.log.Warn("time_series_unavailable", "gen", g, "err", err)
		}
		for _, pt := range pts {
			ts.Points = append(ts.Points, TimeSeriesPoint{Date: pt.Date, NDVI: pt.NDVI})
		}
		o.apply(g, "time_series", func() []Event { return []Event{o.store.setSeries(ts)} })
		return nil
	})
	eg.Go(func() error {
		sctx, cancel := context.WithTimeout(bctx, o.secondaryTimeout)
		defer cancel()
		recs, err := o.gw.Recommendations(sctx, gateway.RecommendationRequest{Polygon: p, DegradationData: payload.Raw})
		st := Available
		if err != nil {
			recErr = err
			st = Unavailable
			recs = nil
			o.log.Warn("recommendations_unavailable", "gen", g, "err", err)
		} else if len(recs) == 0 {
			recs = nil
		}
		o.apply(g, "recommendations", func() []Event { return []Event{o.store.setRecommendations(recs, st)} })
		return nil
	})
	_ = eg.Wait()

	final := Ready
	if seriesErr != nil || recErr != nil {
		final = PartiallyReady
	}
	if !o.apply(g, "settle", func() []Event { return []Event{o.store.setState(final)} }) {
		return g, ErrStaleResponse
	}
	metrics.SessionOutcomeTotal.WithLabelValues(final.String()).Inc()
	o.log.Info("analysis_settled", "gen", g, "state", final.String(), "score", snap.DegradationScore, "severity", string(snap.Severity))
	o.record(ctx, g, p)
	return g, nil
}

// begin：领取新代次并取消上一批次；返回本批次 ctx
func (o *Orchestrator) begin(ctx context.Context, state SessionState) (context.Context, uint64) {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.gen++
	g := o.gen
	bctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	ev := o.store.reset(g, state)
	o.mu.Unlock()
	o.store.publish(ev)
	return bctx, g
}

// release：批次结束后释放其 ctx；已被取代时由新批次负责
func (o *Orchestrator) release(g uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if g == o.gen && o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

// apply：代次仍为当前时执行写入并通知订阅者，否则丢弃
func (o *Orchestrator) apply(g uint64, call string, write func() []Event) bool {
	o.mu.Lock()
	if g != o.gen {
		cur := o.gen
		o.mu.Unlock()
		metrics.StaleResponsesTotal.WithLabelValues(call).Inc()
		o.log.Debug("stale_response", "call", call, "gen", g, "current", cur)
		return false
	}
	evs := write()
	o.mu.Unlock()
	o.store.publish(evs...)
	return true
}

func (o *Orchestrator) failPrimary(g uint64, err error) error {
	b := &Banner{Generation: g, Kind: "transport", Message: "The analysis service could not be reached. Check your connection and try again."}
	var be *gateway.BackendError
	if errors.As(err, &be) {
		b.Kind = "backend"
		b.Message = "Analysis failed: " + be.Message
		if be.Message == "" {
			b.Message = fmt.Sprintf("Analysis failed with status %d", be.Status)
		}
	}
	if !o.apply(g, "analyze", func() []Event { return o.store.fail(b) }) {
		return ErrStaleResponse
	}
	metrics.SessionOutcomeTotal.WithLabelValues(Failed.String()).Inc()
	o.log.Warn("analysis_failed", "gen", g, "kind", b.Kind, "err", err)
	return err
}

func (o *Orchestrator) record(ctx context.Context, g uint64, p geo.Polygon) {
	if o.rec == nil {
		return
	}
	snap := o.store.Snapshot()
	if snap == nil || snap.Generation != g {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.rec.Record(rctx, p, *snap); err != nil {
		o.log.Warn("history_record_error", "gen", g, "err", err)
	}
}

// window：显式日期优先；缺省为提交时刻之前 months 个月
func (o *Orchestrator) window(rng DateRange, submitted time.Time) (time.Time, time.Time) {
	end := rng.End
	if end.IsZero() {
		end = submitted
	}
	start := rng.Start
	if start.IsZero() {
		start = end.AddDate(0, -o.months, 0)
	}
	return start, end
}

// Reset：领取新代次使进行中的调用失效，回到 Idle 并清空存储
func (o *Orchestrator) Reset() {
	_, g := o.begin(context.Background(), Idle)
	o.release(g)
	o.log.Debug("analysis_reset", "gen", g)
}

// MarkDrawing：开始新的绘制，丢弃当前会话结果
func (o *Orchestrator) MarkDrawing() {
	_, g := o.begin(context.Background(), Drawing)
	o.release(g)
}

// MarkSelected：选区已定稿、尚未提交
func (o *Orchestrator) MarkSelected() {
	_, g := o.begin(context.Background(), Selected)
	o.release(g)
}

// DismissError：关闭错误提示，不改变会话状态
func (o *Orchestrator) DismissError() {
	o.mu.Lock()
	ev, ok := o.store.clearBanner()
	o.mu.Unlock()
	if ok {
		o.store.publish(ev)
	}
}

// Predict：透传 /api/predict，不影响会话状态
func (o *Orchestrator) Predict(ctx context.Context, p geo.Polygon, label string) (json.RawMessage, error) {
	if p.IsZero() {
		return nil, fmt.Errorf("%w: no selection", geo.ErrInvalidGeometry)
	}
	ctx, cancel := context.WithTimeout(ctx, o.primaryTimeout)
	defer cancel()
	return o.gw.Predict(ctx, gateway.AnalyzeRequest{Polygon: p, LocationName: label})
}

// normalize：把后端响应归一化为规范快照
// 约束：严重度总是由分数本地判定；分数截断到 0..100，置信度到 0..1，指标到 0..100；
// 缺少观测日期时取提交时刻，缺少地点名时取提交时的名称
func normalize(pl *gateway.AnalysisPayload, g uint64, label string, submitted time.Time) *Snapshot {
	score := clamp(*pl.DegradationScore, 0, 100)
	s := &Snapshot{
		Generation:       g,
		DegradationScore: score,
		Severity:         SeverityOf(score),
		Indicators: Indicators{
			VegetationHealth: clamp(pl.Indicators.VegetationHealth, 0, 100),
			MoistureLevel:    clamp(pl.Indicators.MoistureLevel, 0, 100),
			SoilExposure:     clamp(pl.Indicators.SoilExposure, 0, 100),
			ErosionRisk:      clamp(pl.Indicators.ErosionRisk, 0, 100),
		},
		Recommendations:       append([]string(nil), pl.Recommendations...),
		RecommendationsStatus: Pending,
		PrimaryFactors:        append([]string(nil), pl.PrimaryFactors...),
		ObservedAt:            submitted,
		LocationLabel:         label,
	}
	if pl.Confidence != nil {
		s.Confidence = clamp(*pl.Confidence, 0, 1)
	}
	if t, ok := gateway.ParseDate(pl.Date); ok {
		s.ObservedAt = t
	}
	if pl.LocationName != "" {
		s.LocationLabel = pl.LocationName
	}
	if pl.Severity != "" && parseSeverity(pl.Severity) != s.Severity {
		logger.L().Debug("severity_override", "gen", g, "backend", pl.Severity, "local", string(s.Severity))
	}
	return s
}
