// 包 geo：选区几何模型（经纬度顶点环）与校验、包围盒、质心、面积、GeoJSON 输出
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// ErrInvalidGeometry：顶点不足、坐标非法、重合点或退化（零面积）环
var ErrInvalidGeometry = errors.New("invalid geometry")

// minArea：平面面积低于该值（平方度）视为退化
const minArea = 1e-12

// Point：WGS84 坐标，顺序为 (lng, lat)
type Point struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

func (p Point) orb() orb.Point { return orb.Point{p.Lng, p.Lat} }

// Pair：以 [lng, lat] 形式输出
func (p Point) Pair() [2]float64 { return [2]float64{p.Lng, p.Lat} }

func (p Point) valid() bool {
	if math.IsNaN(p.Lng) || math.IsNaN(p.Lat) || math.IsInf(p.Lng, 0) || math.IsInf(p.Lat, 0) {
		return false
	}
	return p.Lng >= -180 && p.Lng <= 180 && p.Lat >= -90 && p.Lat <= 90
}

// Polygon：已定稿的选区外环，隐式闭合；构造后不可变
// 约束：零值 Polygon 表示“无选区”，IsZero 返回 true
type Polygon struct {
	ring []Point
}

// NewPolygon：校验并构造选区
// 约束：末尾与首点相同的闭合点会被去掉；连续重复点（双击提交）合并；
// 非连续的重复点视为重合点拒绝；合并后不足 3 个顶点或面积为零时拒绝
func NewPolygon(vertices []Point) (Polygon, error) {
	pts := make([]Point, 0, len(vertices))
	for i, v := range vertices {
		if !v.valid() {
			return Polygon{}, fmt.Errorf("%w: vertex %d (%v, %v) out of range", ErrInvalidGeometry, i, v.Lng, v.Lat)
		}
		if n := len(pts); n > 0 && pts[n-1] == v {
			continue
		}
		pts = append(pts, v)
	}
	if n := len(pts); n > 1 && pts[0] == pts[n-1] {
		pts = pts[:n-1]
	}
	if len(pts) < 3 {
		return Polygon{}, fmt.Errorf("%w: need at least 3 distinct vertices, got %d", ErrInvalidGeometry, len(pts))
	}
	seen := make(map[Point]int, len(pts))
	for i, p := range pts {
		if j, ok := seen[p]; ok {
			return Polygon{}, fmt.Errorf("%w: vertices %d and %d coincide", ErrInvalidGeometry, j, i)
		}
		seen[p] = i
	}
	poly := Polygon{ring: pts}
	if math.Abs(planar.Area(poly.orbPolygon())) < minArea {
		return Polygon{}, fmt.Errorf("%w: degenerate ring with zero area", ErrInvalidGeometry)
	}
	return poly, nil
}

// FromPairs：从 [[lng,lat],...] 构造
func FromPairs(pairs [][]float64) (Polygon, error) {
	pts := make([]Point, 0, len(pairs))
	for i, p := range pairs {
		if len(p) < 2 {
			return Polygon{}, fmt.Errorf("%w: vertex %d has %d components", ErrInvalidGeometry, i, len(p))
		}
		pts = append(pts, Point{Lng: p[0], Lat: p[1]})
	}
	return NewPolygon(pts)
}

func (p Polygon) IsZero() bool { return len(p.ring) == 0 }

// Vertices：返回顶点副本（不含闭合点）
func (p Polygon) Vertices() []Point {
	out := make([]Point, len(p.ring))
	copy(out, p.ring)
	return out
}

// Ring：闭合环 [[lng,lat],...,[lng0,lat0]]，按 GeoJSON 约定首尾相同
func (p Polygon) Ring() [][2]float64 {
	if p.IsZero() {
		return nil
	}
	out := make([][2]float64, 0, len(p.ring)+1)
	for _, v := range p.ring {
		out = append(out, v.Pair())
	}
	return append(out, p.ring[0].Pair())
}

func (p Polygon) orbPolygon() orb.Polygon {
	r := make(orb.Ring, 0, len(p.ring)+1)
	for _, v := range p.ring {
		r = append(r, v.orb())
	}
	if len(p.ring) > 0 {
		r = append(r, p.ring[0].orb())
	}
	return orb.Polygon{r}
}

// BBox：minLng, minLat, maxLng, maxLat
func (p Polygon) BBox() [4]float64 {
	b := p.orbPolygon().Bound()
	return [4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()}
}

// Centroid：平面质心，用作历史记录定位点
func (p Polygon) Centroid() Point {
	c, _ := planar.CentroidArea(p.orbPolygon())
	return Point{Lng: c.Lon(), Lat: c.Lat()}
}

// AreaHectares：球面面积（公顷）
func (p Polygon) AreaHectares() float64 {
	if p.IsZero() {
		return 0
	}
	return math.Abs(orbgeo.Area(p.orbPolygon())) / 10000
}

// Feature：以 GeoJSON Feature 输出，props 写入 properties
func (p Polygon) Feature(props map[string]any) *geojson.Feature {
	f := geojson.NewFeature(p.orbPolygon())
	for k, v := range props {
		f.Properties[k] = v
	}
	return f
}

// FeatureCollection：选区与可选的中心点组成的集合，供前端直接叠加
func (p Polygon) FeatureCollection(props map[string]any) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if p.IsZero() {
		return fc
	}
	fc.Append(p.Feature(props))
	c := geojson.NewFeature(p.Centroid().orb())
	c.Properties["role"] = "centroid"
	fc.Append(c)
	return fc
}
