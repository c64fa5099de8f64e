package feedsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/archivepipe/internal/merge"
	"github.com/hitoshi/archivepipe/internal/security"
)

const (
	defaultFetchTimeout = 30 * time.Second
	// maxFeedBytes は1回の取得で読み込む本文の上限。
	maxFeedBytes = 10 << 20
	userAgent    = "archivepipe/1.0 (+feed collector)"
	acceptHeader = "application/atom+xml, application/rss+xml, application/xml;q=0.9, text/xml;q=0.9, text/html;q=0.5"
)

// ErrFeedNotFound はURLからフィードを見つけられなかったことを表す。
var ErrFeedNotFound = errors.New("feed not found")

// Fetcher はAPIのフィードURLを取得してAPIBatchに変換する。
// HTMLページが返された場合は告知されたフィードを1回だけ辿る。
// 全リクエストは共有のレートリミッターで間隔を空ける。
type Fetcher struct {
	parser  *Parser
	guard   security.URLGuard
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewFetcher はFetcherを生成する。
// guardがnilの場合はURL検証を行わない。requestsPerMinuteが0以下なら無制限。
func NewFetcher(parser *Parser, guard security.URLGuard, requestsPerMinute int, timeout time.Duration, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Limit(float64(requestsPerMinute) / 60)
	}
	client := &http.Client{Timeout: timeout}
	if guard != nil {
		client = guard.NewSafeClient(timeout)
	}
	return &Fetcher{
		parser:  parser,
		guard:   guard,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Fetch はfeedURLを取得し、フィードとして変換する。
func (f *Fetcher) Fetch(ctx context.Context, feedURL string, opts Options) (*merge.APIBatch, error) {
	body, contentType, err := f.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	source := feedURL
	if !IsFeed(contentType, body) {
		if !IsHTML(contentType) {
			return nil, fmt.Errorf("%w: %s returned %s", ErrFeedNotFound, feedURL, contentType)
		}
		link, ok := SelectFeed(DiscoverFeedLinks(body, feedURL), feedURL)
		if !ok {
			return nil, fmt.Errorf("%w: no alternate feed link on %s", ErrFeedNotFound, feedURL)
		}
		f.logger.Info("HTMLからフィードを検出しました",
			slog.String("page_url", feedURL),
			slog.String("feed_url", link.URL),
		)
		source = link.URL
		if body, _, err = f.get(ctx, link.URL); err != nil {
			return nil, err
		}
	}

	batch, err := f.parser.Parse(bytes.NewReader(body), opts)
	if err != nil {
		return nil, err
	}
	if batch.Endpoint == "" {
		batch.Endpoint = source
	}
	return batch, nil
}

// get はレート制限に従って1回GETし、本文とContent-Typeを返す。
func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	if f.guard != nil {
		if err := f.guard.ValidateURL(rawURL); err != nil {
			return nil, "", err
		}
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Error("フィードの取得に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil, "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.logger.Error("フィードがエラーステータスを返しました",
			slog.String("url", rawURL),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", rawURL, err)
	}
	if len(body) > maxFeedBytes {
		return nil, "", fmt.Errorf("fetch %s: body exceeds %d bytes", rawURL, maxFeedBytes)
	}

	f.logger.Debug("フィードを取得しました",
		slog.String("url", rawURL),
		slog.Int("bytes", len(body)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return body, resp.Header.Get("Content-Type"), nil
}
