package handler

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker は依存先の疎通確認インターフェース。*sql.DB が満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// healthResponse はヘルスチェックのレスポンス。
type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

// NewHealthHandler はGET /health のハンドラーを返す。
// checkerがnilの場合はプロセスの生存のみを返す。
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker == nil {
			writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := checker.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Database: "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "ok"})
	}
}
