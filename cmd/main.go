// 程序入口：仅负责读取配置、初始化依赖并启动服务；API 注册在 internal/api 以便扩展
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"soilsense/internal/analysis"
	"soilsense/internal/api"
	"soilsense/internal/config"
	"soilsense/internal/gateway"
	"soilsense/internal/geocode"
	"soilsense/internal/geoip"
	"soilsense/internal/logger"
	"soilsense/internal/middleware"
	"soilsense/internal/migrate"
	"soilsense/internal/store"
	"soilsense/internal/utils"
)

func main() {
	config.LoadEnvFiles()
	l := logger.Setup()
	l.Debug("log_init_ok")
	cfg := config.Load()
	l.Debug("config_loaded", "api_base", cfg.APIBase, "backend", cfg.BackendURL, "shape", cfg.PolygonShape)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(cfg.BackendURL, gateway.WithPolygonShape(gateway.ParseShape(cfg.PolygonShape)))
	hm := gateway.NewHealthMonitor(gw, cfg.HealthInterval)
	hm.Start(ctx)

	geoOpts := []geocode.Option{
		geocode.WithLimit(cfg.GeocodeLimit),
		geocode.WithCountry(cfg.GeocodeCountry),
		geocode.WithHTTPClient(&http.Client{Timeout: cfg.GeocodeTimeout}),
		geocode.WithCache(512, cfg.GeocodeCacheTTL),
	}
	if cfg.RedisEnable {
		if rc := utils.OpenRedisFromEnv(ctx); rc != nil {
			defer rc.Close()
			geoOpts = append(geoOpts, geocode.WithRedis(rc, cfg.GeocodeCacheTTL))
			l.Info("redis_ping_ok")
		}
	} else {
		l.Info("redis_disabled")
	}
	if cfg.MapboxToken == "" {
		l.Warn("geocode_token_missing", "hint", "set MAPBOX_TOKEN to enable place search")
	}
	searcher := geocode.New(cfg.GeocodeBaseURL, cfg.MapboxToken, geoOpts...)

	orchOpts := []analysis.Option{
		analysis.WithTimeouts(cfg.PrimaryTimeout, cfg.SecondaryTimeout),
		analysis.WithSeriesMonths(cfg.TimeSeriesMonths),
	}
	deps := api.Deps{Searcher: searcher, Health: hm, Backend: gw, Debounce: cfg.SearchDebounce}
	if cfg.HistoryEnable {
		if st, err := openHistory(ctx); err != nil {
			l.Error("history_disabled", "err", err)
		} else {
			defer st.Close()
			orchOpts = append(orchOpts, analysis.WithRecorder(st))
			deps.History = st
			l.Info("history_ready")
		}
	}
	deps.Orchestrator = analysis.New(gw, orchOpts...)

	if loc, err := geoip.Open(cfg.GeoIPPath); err != nil {
		l.Info("geoip_disabled", "path", cfg.GeoIPPath, "err", err)
	} else {
		defer loc.Close()
		deps.Locator = loc
		l.Info("geoip_ready", "path", cfg.GeoIPPath)
	}

	sess := api.NewSession(ctx, deps)
	mux := http.NewServeMux()
	mux.Handle(cfg.APIBase+"/", http.StripPrefix(cfg.APIBase, api.BuildRoutes(sess)))

	ui := os.Getenv("UI_DIST")
	if ui == "" {
		ui = filepath.Join("ui", "dist")
	}
	mux.Handle("/", http.FileServer(http.Dir(ui)))
	// 向前端暴露 API 基础路径，避免硬编码
	mux.HandleFunc("/config.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/javascript; charset=utf-8")
		w.Header().Set("cache-control", "no-store")
		_, _ = fmt.Fprintf(w, "window.__API_BASE__='%s'\n", cfg.APIBase)
	})

	handler := logger.AccessMiddleware(l)(mux)
	handler = middleware.CORS(handler)
	handler = middleware.RateLimit(cfg.RateLimitQPS, handler)
	s := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(sctx)
		sess.Wait()
	}()

	var err error
	if cfg.TLSEnable {
		if err := utils.EnsureSelfSignedCert(cfg.TLSCertPath, cfg.TLSKeyPath, "soilsense.local"); err != nil {
			l.Error("tls_cert_error", "err", err)
			os.Exit(1)
		}
		l.Info("listening_tls", "addr", cfg.Addr, "cert", cfg.TLSCertPath)
		err = s.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	} else {
		l.Info("listening", "addr", cfg.Addr)
		err = s.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Error("server_error", "err", err)
		os.Exit(1)
	}
	l.Info("server_stopped")
}

// openHistory：打开 PostgreSQL 并确保表结构
func openHistory(ctx context.Context) (*store.Store, error) {
	db, err := utils.OpenPostgresFromEnv()
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate.EnsureSchema(pctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return store.AttachDB(db), nil
}
