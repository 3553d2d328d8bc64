package api

import (
	"soilsense/internal/geo"
	"soilsense/internal/geocode"
	"soilsense/internal/mapctl"
)

// 文档注释：请求与响应结构（对外）
// 约束：坐标对统一为 [lng, lat]；日期为 YYYY-MM-DD

type vertexRequest struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

type finishRequest struct {
	Label string `json:"label"`
}

type polygonRequest struct {
	Polygon   [][]float64 `json:"polygon"`
	Label     string      `json:"label"`
	StartDate string      `json:"start_date"`
	EndDate   string      `json:"end_date"`
}

type searchResponse struct {
	Query      string                   `json:"query"`
	Candidates []geocode.PlaceCandidate `json:"candidates"`
	Notice     string                   `json:"notice,omitempty"`
	Superseded bool                     `json:"superseded,omitempty"`
}

type placeRequest struct {
	ID     string     `json:"id"`
	Center *geo.Point `json:"center"`
	Name   string     `json:"name"`
}

type viewResponse struct {
	View   mapctl.View `json:"view"`
	Source string      `json:"source"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}
