package migrate

import (
	"context"
	"database/sql"

	"soilsense/internal/logger"
)

// 背景：首次运行自动创建历史记录所需表与索引
// 约束：使用 IF NOT EXISTS 避免与既有结构冲突；地点按名称唯一，分析结果按地点与时间倒序查询
var statements = []string{
	`CREATE TABLE IF NOT EXISTS locations (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		lng DOUBLE PRECISION NOT NULL,
		lat DOUBLE PRECISION NOT NULL,
		geohash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uniq_location_name ON locations(name)`,
	`CREATE INDEX IF NOT EXISTS idx_location_geohash ON locations(geohash)`,
	`CREATE TABLE IF NOT EXISTS analysis_results (
		id BIGSERIAL PRIMARY KEY,
		location_id BIGINT NOT NULL REFERENCES locations(id) ON DELETE CASCADE,
		degradation_score DOUBLE PRECISION NOT NULL,
		severity TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		area_ha DOUBLE PRECISION NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL,
		polygon JSONB NOT NULL,
		result JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_results_location_created ON analysis_results(location_id, created_at DESC)`,
}

// EnsureSchema：按顺序执行建表语句，任一失败即返回
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, s := range statements {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done", "statements", len(statements))
	return nil
}
