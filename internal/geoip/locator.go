// 包 geoip：按访问者 IP 推断地图初始视野（GeoLite2 City），不可用时回退到默认视野
package geoip

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"soilsense/internal/geo"
	"soilsense/internal/logger"
)

// ErrNoLocation：库中无该 IP 的坐标
var ErrNoLocation = errors.New("no location for ip")

// Place：IP 定位结果
type Place struct {
	Center  geo.Point `json:"center"`
	City    string    `json:"city,omitempty"`
	Country string    `json:"country,omitempty"`
}

// Locator：GeoLite2 City 查询器；db 为空时所有查询返回 ErrNoLocation
type Locator struct {
	mu sync.RWMutex
	db *geoip2.Reader
}

// Open：打开 mmdb 文件；文件缺失或损坏时返回可用的空查询器与错误，调用方记录后继续
func Open(path string) (*Locator, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return &Locator{}, err
	}
	return &Locator{db: db}, nil
}

func (l *Locator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// Lookup：查询 IP 的城市坐标；私网、回环与非法地址直接返回 ErrNoLocation
func (l *Locator) Lookup(ip string) (Place, error) {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil || addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() {
		return Place{}, ErrNoLocation
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.db == nil {
		return Place{}, ErrNoLocation
	}
	rec, err := l.db.City(addr)
	if err != nil {
		return Place{}, err
	}
	if rec.Location.Latitude == 0 && rec.Location.Longitude == 0 {
		return Place{}, ErrNoLocation
	}
	p := Place{
		Center:  geo.Point{Lng: rec.Location.Longitude, Lat: rec.Location.Latitude},
		City:    rec.City.Names["en"],
		Country: rec.Country.IsoCode,
	}
	logger.L().Debug("geoip_hit", "ip", ip, "city", p.City, "country", p.Country)
	return p, nil
}

// 文档注释：获取访问者 IP
// 背景：多层代理环境下优先常见反向代理头，最后回退远端地址。
// 约束：头部存在伪造风险，仅用于初始视野这类非安全用途。
func ClientIP(r *http.Request) string {
	h := r.Header
	if x := h.Get("x-forwarded-for"); x != "" {
		return strings.TrimSpace(strings.Split(x, ",")[0])
	}
	for _, k := range []string{"cf-connecting-ip", "x-real-ip", "x-client-ip"} {
		if x := h.Get(k); x != "" {
			return strings.TrimSpace(x)
		}
	}
	if x := h.Get("forwarded"); x != "" {
		if i := strings.Index(strings.ToLower(x), "for="); i >= 0 {
			y := x[i+4:]
			if p := strings.IndexAny(y, ";,"); p >= 0 {
				y = y[:p]
			}
			return strings.Trim(y, "\" []")
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
