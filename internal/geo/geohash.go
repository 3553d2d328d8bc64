package geo

// 文档注释：geohash 编码（base32）
// 约束：仅用于历史记录的位置键与缓存键，精度 6 字符约 1.2km
var base32 = []byte("0123456789bcdefghjkmnpqrstuvwxyz")

// Geohash：按给定精度编码坐标；precision<=0 时按 6 处理
func Geohash(p Point, precision int) string {
	if precision <= 0 {
		precision = 6
	}
	latLo, latHi := -90.0, 90.0
	lngLo, lngHi := -180.0, 180.0
	bit, ch := 0, 0
	even := true
	out := make([]byte, 0, precision)
	for len(out) < precision {
		if even {
			mid := (lngLo + lngHi) / 2
			if p.Lng >= mid {
				ch |= 1 << (4 - bit)
				lngLo = mid
			} else {
				lngHi = mid
			}
		} else {
			mid := (latLo + latHi) / 2
			if p.Lat >= mid {
				ch |= 1 << (4 - bit)
				latLo = mid
			} else {
				latHi = mid
			}
		}
		even = !even
		if bit < 4 {
			bit++
			continue
		}
		out = append(out, base32[ch])
		bit, ch = 0, 0
	}
	return string(out)
}
