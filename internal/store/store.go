// 包 store: 提供与 PostgreSQL 的数据访问层，保存已落定的分析结果并按地点查询历史
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"soilsense/internal/analysis"
	"soilsense/internal/geo"
	"soilsense/internal/logger"
	"soilsense/internal/metrics"
)

// DefaultLocationName：未提供地点名时使用
const DefaultLocationName = "Unnamed Location"

// Store: 数据库访问入口，持有连接池
type Store struct {
	db *sql.DB
}

// AttachDB: 包装已打开的连接池（驱动由 utils.OpenPostgresFromEnv 注册）
func AttachDB(db *sql.DB) *Store { return &Store{db: db} }

// Close: 关闭数据库连接
func (s *Store) Close() error { return s.db.Close() }

// Location: 被分析过的地点，以选区质心定位
type Location struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Center    geo.Point `json:"center"`
	Geohash   string    `json:"geohash"`
	CreatedAt time.Time `json:"created_at"`
}

// Record: 单次分析历史
type Record struct {
	ID               int64           `json:"id"`
	LocationID       int64           `json:"location_id"`
	DegradationScore float64         `json:"degradation_score"`
	Severity         string          `json:"severity"`
	Confidence       float64         `json:"confidence"`
	AreaHectares     float64         `json:"area_hectares"`
	ObservedAt       time.Time       `json:"observed_at"`
	Polygon          json.RawMessage `json:"polygon"`
	Result           json.RawMessage `json:"result"`
	CreatedAt        time.Time       `json:"created_at"`
}

func locationName(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return DefaultLocationName
	}
	return name
}

// clampLimit：历史条数默认 10，上限 100
func clampLimit(n int) int {
	if n <= 0 {
		return 10
	}
	if n > 100 {
		return 100
	}
	return n
}

// UpsertLocation: 按名称插入或取回地点 ID；已存在时保留首次记录的坐标
func (s *Store) UpsertLocation(ctx context.Context, name string, center geo.Point) (int64, error) {
	name = locationName(name)
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO locations(name, lng, lat, geohash) VALUES($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET name=EXCLUDED.name
		 RETURNING id`,
		name, center.Lng, center.Lat, geo.Geohash(center, 6)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert location %q: %w", name, err)
	}
	return id, nil
}

// 文档注释：保存一次已落定的分析结果
// 背景：地点按标签去重；选区以 GeoJSON Feature 保存，完整快照以 JSON 保存便于回放。
// 返回：新记录 ID
func (s *Store) SaveAnalysis(ctx context.Context, p geo.Polygon, snap analysis.Snapshot) (int64, error) {
	locID, err := s.UpsertLocation(ctx, snap.LocationLabel, p.Centroid())
	if err != nil {
		return 0, err
	}
	poly, err := json.Marshal(p.Feature(nil))
	if err != nil {
		return 0, fmt.Errorf("encode polygon: %w", err)
	}
	result, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO analysis_results(location_id, degradation_score, severity, confidence, area_ha, observed_at, polygon, result)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		locID, snap.DegradationScore, string(snap.Severity), snap.Confidence, snap.AreaHectares, snap.ObservedAt, string(poly), string(result)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert analysis result: %w", err)
	}
	logger.L().Debug("history_saved", "id", id, "location_id", locID, "gen", snap.Generation)
	return id, nil
}

// Record: 实现 analysis.Recorder
func (s *Store) Record(ctx context.Context, p geo.Polygon, snap analysis.Snapshot) error {
	if _, err := s.SaveAnalysis(ctx, p, snap); err != nil {
		metrics.HistoryWritesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.HistoryWritesTotal.WithLabelValues("ok").Inc()
	return nil
}

// Locations: 列出全部地点，按创建时间倒序
func (s *Store) Locations(ctx context.Context) ([]Location, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, lng, lat, geohash, created_at FROM locations ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Location{}
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Center.Lng, &l.Center.Lat, &l.Geohash, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// History: 某地点最近的分析记录，按创建时间倒序
func (s *Store) History(ctx context.Context, locationID int64, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, location_id, degradation_score, severity, confidence, area_ha, observed_at, polygon, result, created_at
		 FROM analysis_results WHERE location_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		locationID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var r Record
		var poly, result []byte
		if err := rows.Scan(&r.ID, &r.LocationID, &r.DegradationScore, &r.Severity, &r.Confidence, &r.AreaHectares, &r.ObservedAt, &poly, &result, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Polygon = json.RawMessage(poly)
		r.Result = json.RawMessage(result)
		out = append(out, r)
	}
	logger.L().Debug("history_query", "location_id", locationID, "rows", len(out))
	return out, rows.Err()
}
