package feedsource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/archivepipe/internal/logger"
	"github.com/hitoshi/archivepipe/internal/security"
)

func newTestFetcher(guard security.URLGuard) *Fetcher {
	return NewFetcher(newTestParser(), guard, 0, 5*time.Second, logger.Discard())
}

// TestFetcher_Fetch_DirectFeed はフィードURLを直接取得できることを検証する。
func TestFetcher_Fetch_DirectFeed(t *testing.T) {
	var ua atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Write([]byte(sampleAtom))
	}))
	defer ts.Close()

	batch, err := newTestFetcher(nil).Fetch(context.Background(), ts.URL+"/r/golang/new/.rss", Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(batch.Submissions) != 1 || len(batch.Comments) != 1 {
		t.Errorf("got %d submissions, %d comments", len(batch.Submissions), len(batch.Comments))
	}
	if got, _ := ua.Load().(string); !strings.HasPrefix(got, "archivepipe/") {
		t.Errorf("User-Agent = %q", got)
	}
}

// TestFetcher_Fetch_FollowsHTMLAlternate はHTMLページから告知フィードを辿ることを検証する。
func TestFetcher_Fetch_FollowsHTMLAlternate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/r/golang/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><link rel="alternate" type="application/atom+xml" href="/feed.atom"></head><body></body></html>`))
	})
	mux.HandleFunc("/feed.atom", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(sampleAtom))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	batch, err := newTestFetcher(nil).Fetch(context.Background(), ts.URL+"/r/golang/", Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(batch.Submissions) != 1 {
		t.Errorf("submissions = %d, want 1", len(batch.Submissions))
	}
}

// TestFetcher_Fetch_NotFeed はフィードでもHTMLでもない場合にErrFeedNotFoundを返すことを検証する。
func TestFetcher_Fetch_NotFeed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[]}`))
	}))
	defer ts.Close()

	_, err := newTestFetcher(nil).Fetch(context.Background(), ts.URL, Options{})
	if !errors.Is(err, ErrFeedNotFound) {
		t.Errorf("err = %v, want ErrFeedNotFound", err)
	}
}

// TestFetcher_Fetch_HTTPError はエラーステータスをエラーとして返すことを検証する。
func TestFetcher_Fetch_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := newTestFetcher(nil).Fetch(context.Background(), ts.URL, Options{})
	if err == nil || !strings.Contains(err.Error(), "status 429") {
		t.Errorf("err = %v, want status 429", err)
	}
}

// TestFetcher_Fetch_BlockedByGuard はプライベートアドレスへの取得を拒否することを検証する。
func TestFetcher_Fetch_BlockedByGuard(t *testing.T) {
	var called atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	defer ts.Close()

	_, err := newTestFetcher(security.NewSSRFGuard()).Fetch(context.Background(), ts.URL, Options{})
	if !errors.Is(err, security.ErrBlockedURL) {
		t.Errorf("err = %v, want ErrBlockedURL", err)
	}
	if called.Load() {
		t.Error("blocked url should not be requested")
	}
}

// TestFetcher_RateLimit は取得間隔がレート制限に従うことを検証する。
func TestFetcher_RateLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Write([]byte(sampleAtom))
	}))
	defer ts.Close()

	f := NewFetcher(newTestParser(), nil, 1, time.Second, logger.Discard())
	ctx := context.Background()
	if _, err := f.Fetch(ctx, ts.URL, Options{}); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := f.Fetch(ctx, ts.URL, Options{}); err == nil {
		t.Error("second Fetch within the rate window should fail on context deadline")
	}
}
