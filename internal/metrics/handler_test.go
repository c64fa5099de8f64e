package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/archivepipe/internal/model"
)

// scrape は/metricsを取得し、レスポンス本文を返す。
func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	w := httptest.NewRecorder()
	SetupMetricsRoute(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

// TestSetupMetricsRoute_UnknownPath は/metrics以外のパスが404になることを検証する。
func TestSetupMetricsRoute_UnknownPath(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg)

	w := httptest.NewRecorder()
	SetupMetricsRoute(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// TestSetupMetricsRoute_ServesPipelineSeries はジョブ、バッチ、チェックポイント、マージの
// 記録が/metricsにラベル付きで現れることを検証する。
func TestSetupMetricsRoute_ServesPipelineSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMemoryWarning()
	c.SetActiveJobs(2)
	c.RecordBatchProcessed(&model.BatchResult{ValidItems: 7, InvalidItems: 3}, 40*time.Millisecond)
	c.RecordCheckpointWrite(model.CheckpointRunning, nil)
	c.RecordCheckpointWrite(model.CheckpointFailed, errors.New("connection refused"))
	c.RecordJobFinished("completed", 3*time.Second)
	c.RecordMergeCompleted(120, 4, 1, 87.5)
	c.RecordDuplicateCheck(120, 9)

	body := scrape(t, reg)

	want := []string{
		"archivepipe_memory_warnings_total 1",
		"archivepipe_active_jobs 2",
		"archivepipe_batches_total 1",
		`archivepipe_batch_items_total{result="valid"} 7`,
		`archivepipe_batch_items_total{result="invalid"} 3`,
		`archivepipe_checkpoint_writes_total{result="ok",status="running"} 1`,
		`archivepipe_checkpoint_writes_total{result="error",status="failed"} 1`,
		`archivepipe_jobs_total{status="completed"} 1`,
		"archivepipe_job_duration_seconds_count 1",
		`archivepipe_merges_total{result="completed"} 1`,
		"archivepipe_merged_items_total 120",
		"archivepipe_merge_quality_score 87.5",
		"archivepipe_dedup_duplicates_total 9",
	}
	for _, line := range want {
		if !strings.Contains(body, line) {
			t.Errorf("response should contain %q", line)
		}
	}
}
