// 包 config：集中读取环境变量配置；.env 文件由 godotenv 预先加载
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config：进程级配置快照
type Config struct {
	Addr    string
	APIBase string

	BackendURL       string
	PolygonShape     string // ring | nested
	PrimaryTimeout   time.Duration
	SecondaryTimeout time.Duration
	TimeSeriesMonths int

	GeocodeBaseURL  string
	MapboxToken     string
	GeocodeLimit    int
	GeocodeCountry  string
	GeocodeTimeout  time.Duration
	GeocodeCacheTTL time.Duration
	SearchDebounce  time.Duration

	HealthInterval time.Duration

	RedisEnable   bool
	HistoryEnable bool
	GeoIPPath     string

	TLSEnable    bool
	TLSCertPath  string
	TLSKeyPath   string
	RateLimitQPS int
}

// LoadEnvFiles：加载 .env 与 data/env/.env；文件缺失时静默跳过
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
}

// Load：从环境变量构建配置，缺省值与前端历史行为保持一致
func Load() *Config {
	return &Config{
		Addr:    getEnv("ADDR", ":8080"),
		APIBase: getEnv("API_BASE", "/api"),

		BackendURL:       strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:8000"), "/"),
		PolygonShape:     getEnv("BACKEND_POLYGON_SHAPE", "ring"),
		PrimaryTimeout:   getDuration("ANALYZE_TIMEOUT", 30*time.Second),
		SecondaryTimeout: getDuration("SECONDARY_TIMEOUT", 15*time.Second),
		TimeSeriesMonths: getInt("TIME_SERIES_MONTHS", 6),

		GeocodeBaseURL:  strings.TrimRight(getEnv("GEOCODE_BASE_URL", "https://api.mapbox.com"), "/"),
		MapboxToken:     os.Getenv("MAPBOX_TOKEN"),
		GeocodeLimit:    getInt("GEOCODE_LIMIT", 5),
		GeocodeCountry:  getEnv("GEOCODE_COUNTRY", "ke"),
		GeocodeTimeout:  getDuration("GEOCODE_TIMEOUT", 10*time.Second),
		GeocodeCacheTTL: getDuration("GEOCODE_CACHE_TTL", time.Hour),
		SearchDebounce:  getDuration("SEARCH_DEBOUNCE", 300*time.Millisecond),

		HealthInterval: getDuration("HEALTH_INTERVAL", 10*time.Second),

		RedisEnable:   getBool("REDIS_ENABLE", false),
		HistoryEnable: getBool("HISTORY_ENABLE", false),
		GeoIPPath:     getEnv("GEOIP_CITY_PATH", filepath.Join("data", "geoip", "GeoLite2-City.mmdb")),

		TLSEnable:    getBool("TLS_ENABLE", false),
		TLSCertPath:  getEnv("TLS_CERT_PATH", filepath.Join("data", "certs", "server.crt")),
		TLSKeyPath:   getEnv("TLS_KEY_PATH", filepath.Join("data", "certs", "server.key")),
		RateLimitQPS: getInt("RATE_LIMIT_QPS", 0),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getDuration：支持 time.ParseDuration 文本（300ms、15s）或纯整数毫秒
func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Millisecond
	}
	return def
}
