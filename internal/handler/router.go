// Package handler は取り込みパイプラインの管理APIを提供する。
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/archivepipe/internal/metrics"
	"github.com/hitoshi/archivepipe/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger        *slog.Logger
	StatusMetrics middleware.StatusRecorder
	Gatherer      prometheus.Gatherer
	RateLimiter   *middleware.RateLimiter
	HealthChecker HealthChecker

	Jobs      JobServiceInterface
	Dedup     DedupServiceInterface
	MergeRuns MergeRunLister
}

// NewRouter は管理APIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → RateLimit（/api/* のみ）
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusMetrics))

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		if deps.Jobs != nil {
			jobHandler := NewJobHandler(deps.Jobs, logger)
			r.Get("/jobs", jobHandler.ListActiveJobs)
			r.Get("/jobs/{id}", jobHandler.GetJob)
			r.Get("/config", jobHandler.GetConfiguration)
		}

		if deps.Dedup != nil {
			dedupHandler := NewDedupHandler(deps.Dedup)
			r.Get("/dedup/stats", dedupHandler.GetStatistics)
			r.Delete("/dedup/cache", dedupHandler.ClearCache)
		}

		mergeHandler := NewMergeHandler(deps.MergeRuns, logger)
		r.Get("/merges", mergeHandler.ListRuns)
	})

	return r
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
