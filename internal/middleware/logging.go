// Package middleware は管理APIのHTTPミドルウェアを提供する。
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// StatusRecorder はHTTPステータスをメトリクスに記録するインターフェース。
type StatusRecorder interface {
	RecordHTTPStatus(statusCode int)
}

// statusRecorder は最初に書き込まれたステータスコードを保持する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// statusLevel は5xxをError、4xxをWarn、それ以外をInfoにする。
func statusLevel(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// NewLoggingMiddleware は管理APIへのリクエストを1行の構造化ログで出力する。
// chiのルートパターンとジョブIDが分かる場合はそれも含める。
// recorderがnilでなければステータスコードをメトリクスにも記録する。
func NewLoggingMiddleware(logger *slog.Logger, recorder StatusRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					attrs = append(attrs, slog.String("route", pattern))
				}
				if jobID := rctx.URLParam("id"); jobID != "" {
					attrs = append(attrs, slog.String("job_id", jobID))
				}
			}
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				attrs = append(attrs, slog.String("request_id", reqID))
			}

			logger.LogAttrs(r.Context(), statusLevel(rec.statusCode), "http_request", attrs...)

			if recorder != nil {
				recorder.RecordHTTPStatus(rec.statusCode)
			}
		})
	}
}
