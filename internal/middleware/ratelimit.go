package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/archivepipe/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	Rate            rate.Limit    // クライアントごとのレート（req/sec）
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig は1分あたりのリクエスト数からレート制限設定を返す。
// perMinuteが0以下の場合は120 req/minとする。
func DefaultRateLimiterConfig(perMinute int) RateLimiterConfig {
	if perMinute <= 0 {
		perMinute = 120
	}
	return RateLimiterConfig{
		Rate:            rate.Limit(float64(perMinute) / 60.0),
		Burst:           perMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はクライアントIPごとのレート制限を管理する。
type RateLimiter struct {
	config RateLimiterConfig

	mu       sync.RWMutex
	limiters map[string]*clientLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		limiters: make(map[string]*clientLimiter),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware はクライアントIP単位のレート制限ミドルウェアを返す。
func (rl *RateLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientKey(r)

			if !rl.getOrCreateLimiter(client).Allow() {
				writeRateLimitResponse(w, rl.config.Rate)
				slog.Warn("rate limit exceeded",
					slog.String("client", client),
					slog.String("path", r.URL.Path),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// clientKey はリクエスト元のホスト部分を返す。
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getOrCreateLimiter はクライアントのリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateLimiter(client string) *rate.Limiter {
	rl.mu.RLock()
	cl, exists := rl.limiters[client]
	rl.mu.RUnlock()

	if exists {
		rl.mu.Lock()
		cl.lastAccess = time.Now()
		rl.mu.Unlock()
		return cl.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// ダブルチェック
	if cl, exists := rl.limiters[client]; exists {
		cl.lastAccess = time.Now()
		return cl.limiter
	}

	limiter := rate.NewLimiter(rl.config.Rate, rl.config.Burst)
	rl.limiters[client] = &clientLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for client, cl := range rl.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(rl.limiters, client)
		}
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     model.ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Please wait and retry after the specified time.",
	})
}
