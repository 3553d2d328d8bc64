// 包 geocode：地名检索客户端（Mapbox Geocoding REST），以惰性序列返回候选地点
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"soilsense/internal/geo"
	"soilsense/internal/logger"
	"soilsense/internal/metrics"
)

// ErrSearchUnavailable：网络失败、非 200 或响应无法解析
var ErrSearchUnavailable = errors.New("search unavailable")

// PlaceCandidate：检索候选，临时对象，不落库
type PlaceCandidate struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	ShortName   string    `json:"short_name"`
	Center      geo.Point `json:"center"`
	Kind        string    `json:"kind"`
}

// 文档注释：Mapbox 地名检索响应（仅解析所需字段）
type featureCollection struct {
	Features []struct {
		ID        string    `json:"id"`
		PlaceName string    `json:"place_name"`
		Text      string    `json:"text"`
		Center    []float64 `json:"center"`
		PlaceType []string  `json:"place_type"`
	} `json:"features"`
}

// Client：地名检索客户端
// 约束：结果数受 limit 限制（默认 5），country 为空时不做区域过滤
type Client struct {
	baseURL string
	token   string
	limit   int
	country string
	http    *http.Client
	lru     *LRU
	rdb     *redis.Client
	rdbTTL  time.Duration
	log     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.limit = n
		}
	}
}

func WithCountry(cc string) Option { return func(c *Client) { c.country = strings.ToLower(cc) } }

// WithCache：启用进程内 LRU；ttl<=0 时不启用
func WithCache(capacity int, ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.lru = NewLRU(capacity, ttl)
		}
	}
}

// WithRedis：启用二级 Redis 缓存，键为 geocode:<query>
func WithRedis(rdb *redis.Client, ttl time.Duration) Option {
	return func(c *Client) { c.rdb, c.rdbTTL = rdb, ttl }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		limit:   5,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger.Component("geocode"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// 文档注释：检索地名
// 背景：返回惰性序列，range 之前不发生网络请求；每次 range 都重新解析（缓存可直接命中）。
// 约束：空白查询产出空序列；失败时只产出一个包装 ErrSearchUnavailable 的错误；
// ctx 取消或调用方 break 时立即停止。
func (c *Client) Search(ctx context.Context, query string) iter.Seq2[PlaceCandidate, error] {
	return func(yield func(PlaceCandidate, error) bool) {
		q := normalize(query)
		if q == "" {
			return
		}
		cands, err := c.resolve(ctx, q)
		if err != nil {
			yield(PlaceCandidate{}, err)
			return
		}
		for _, pc := range cands {
			if err := ctx.Err(); err != nil {
				yield(PlaceCandidate{}, err)
				return
			}
			if !yield(pc, nil) {
				return
			}
		}
	}
}

// Collect：把序列收集为切片，遇到首个错误即返回
func Collect(seq iter.Seq2[PlaceCandidate, error]) ([]PlaceCandidate, error) {
	var out []PlaceCandidate
	for pc, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, pc)
	}
	return out, nil
}

func normalize(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func (c *Client) cacheKey(q string) string {
	return strings.ToLower(q) + "|" + c.country + "|" + strconv.Itoa(c.limit)
}

func (c *Client) resolve(ctx context.Context, q string) ([]PlaceCandidate, error) {
	key := c.cacheKey(q)
	if c.lru != nil {
		if v, ok := c.lru.Get(key); ok {
			metrics.GeocodeCacheHitsTotal.WithLabelValues("lru").Inc()
			return v, nil
		}
	}
	if v, ok := c.redisGet(ctx, key); ok {
		metrics.GeocodeCacheHitsTotal.WithLabelValues("redis").Inc()
		if c.lru != nil {
			c.lru.Set(key, v)
		}
		return v, nil
	}
	v, err := c.fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	if c.lru != nil {
		c.lru.Set(key, v)
	}
	c.redisSet(ctx, key, v)
	return v, nil
}

func (c *Client) redisGet(ctx context.Context, key string) ([]PlaceCandidate, bool) {
	if c.rdb == nil {
		return nil, false
	}
	s, err := c.rdb.Get(ctx, "geocode:"+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("geocode_redis_get_error", "err", err)
		}
		return nil, false
	}
	var v []PlaceCandidate
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

func (c *Client) redisSet(ctx context.Context, key string, v []PlaceCandidate) {
	if c.rdb == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, "geocode:"+key, b, c.rdbTTL).Err(); err != nil {
		c.log.Warn("geocode_redis_set_error", "err", err)
	}
}

func (c *Client) fetch(ctx context.Context, q string) ([]PlaceCandidate, error) {
	if c.token == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrSearchUnavailable)
	}
	v := url.Values{}
	v.Set("access_token", c.token)
	v.Set("limit", strconv.Itoa(c.limit))
	v.Set("autocomplete", "true")
	if c.country != "" {
		v.Set("country", c.country)
	}
	u := c.baseURL + "/geocoding/v5/mapbox.places/" + url.PathEscape(q) + ".json?" + v.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchUnavailable, err)
	}

	t0 := time.Now()
	metrics.GeocodeRequestsTotal.Inc()
	c.log.Debug("geocode_req", "query", q)
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GeocodeFailTotal.Inc()
		c.log.Warn("geocode_http_error", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrSearchUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.GeocodeFailTotal.Inc()
		c.log.Warn("geocode_status_error", "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d", ErrSearchUnavailable, resp.StatusCode)
	}
	var fc featureCollection
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		metrics.GeocodeFailTotal.Inc()
		c.log.Warn("geocode_decode_error", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrSearchUnavailable, err)
	}
	dur := time.Since(t0).Milliseconds()
	metrics.GeocodeDurationMs.Observe(float64(dur))

	out := make([]PlaceCandidate, 0, len(fc.Features))
	for _, f := range fc.Features {
		if len(out) == c.limit {
			break
		}
		if len(f.Center) < 2 {
			continue
		}
		pc := PlaceCandidate{
			ID:          f.ID,
			DisplayName: f.PlaceName,
			ShortName:   f.Text,
			Center:      geo.Point{Lng: f.Center[0], Lat: f.Center[1]},
		}
		if len(f.PlaceType) > 0 {
			pc.Kind = f.PlaceType[0]
		}
		if pc.ShortName == "" {
			pc.ShortName = pc.DisplayName
		}
		out = append(out, pc)
	}
	c.log.Debug("geocode_resp", "query", q, "count", len(out), "duration_ms", dur)
	return out, nil
}
