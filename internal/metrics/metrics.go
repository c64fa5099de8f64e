// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/archivepipe/internal/model"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 展開ストリーム、バッチコーディネーター、マージ/重複検出から利用する。
// 複数ジョブから同時に呼ばれるため、実装は並行書き込みに安全でなければならない。
type MetricsCollector interface {
	RecordStreamCompleted(m *model.ProcessingMetrics)
	RecordStreamFailed(reason string)
	RecordBatchProcessed(result *model.BatchResult, duration time.Duration)
	RecordBatchSize(size int)
	RecordMemoryWarning()
	RecordCheckpointWrite(status model.CheckpointStatus, err error)
	RecordJobFinished(status string, duration time.Duration)
	SetActiveJobs(n int)
	RecordMergeCompleted(items, duplicates, gaps int, qualityScore float64)
	RecordMergeFailed()
	RecordDuplicateCheck(processed, duplicates int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
// ストリーム単位のProcessingMetricsはAggregatorにも蓄積する。
type Collector struct {
	linesTotal       *prometheus.CounterVec
	handlerErrors    prometheus.Counter
	streamsTotal     *prometheus.CounterVec
	streamDuration   prometheus.Histogram
	peakMemory       prometheus.Gauge
	batchesTotal     prometheus.Counter
	batchItems       *prometheus.CounterVec
	batchLatency     prometheus.Histogram
	batchSize        prometheus.Histogram
	memoryWarnings   prometheus.Counter
	checkpointWrites *prometheus.CounterVec
	jobsTotal        *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	activeJobs       prometheus.Gauge
	mergesTotal      *prometheus.CounterVec
	mergedItems      prometheus.Counter
	mergeDuplicates  prometheus.Counter
	mergeGaps        prometheus.Counter
	mergeQuality     prometheus.Gauge
	dedupProcessed   prometheus.Counter
	dedupDuplicates  prometheus.Counter
	httpStatus       *prometheus.CounterVec

	agg *Aggregator
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		linesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivepipe_lines_total",
			Help: "展開ストリームで処理した行数（結果別）",
		}, []string{"result"}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archivepipe_handler_errors_total",
			Help: "アイテムハンドラーのエラー数",
		}),
		streamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivepipe_streams_total",
			Help: "展開ストリームの実行数（結果別）",
		}, []string{"result"}),
		streamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "archivepipe_stream_duration_seconds",
			Help:    "展開ストリーム1回の処理時間（秒）",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		peakMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archivepipe_stream_peak_memory_bytes",
			Help: "直近の展開ストリームのピークヒープ使用量",
		}),
		batchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archivepipe_batches_total",
			Help: "下流パイプラインに渡したバッチ数",
		}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivepipe_batch_items_total",
			Help: "下流パイプラインの処理結果別アイテム数",
		}, []string{"result"}),
		batchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "archivepipe_batch_latency_seconds",
			Help:    "バッチ1件の下流処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "archivepipe_batch_size",
			Help:    "適用されたバッチサイズ",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10),
		}),
		memoryWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archivepipe_memory_warnings_total",
			Help: "メモリ上限超過の警告数",
		}),
		checkpointWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivepipe_checkpoint_writes_total",
			Help: "チェックポイント書き込み数（状態・結果別）",
		}, []string{"status", "result"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivepipe_jobs_total",
			Help: "終了したアーカイブジョブ数（状態別）",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "archivepipe_job_duration_seconds",
			Help:    "アーカイブジョブの処理時間（秒）",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archivepipe_active_jobs",
			Help: "実行中のアーカイブジョブ数",
		}),
		mergesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivepipe_merges_total",
			Help: "時系列マージの実行数（結果別）",
		}, []string{"result"}),
		mergedItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archivepipe_merged_items_total",
			Help: "マージ済みレコード数",
		}),
		mergeDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archivepipe_merge_duplicates_total",
			Help: "マージ時に検出した重複候補数",
		}),
		mergeGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archivepipe_merge_gaps_total",
			Help: "マージ時に検出したカバレッジギャップ数",
		}),
		mergeQuality: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archivepipe_merge_quality_score",
			Help: "直近のマージの品質スコア（0-100）",
		}),
		dedupProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archivepipe_dedup_items_total",
			Help: "重複検出で評価したアイテム数",
		}),
		dedupDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archivepipe_dedup_duplicates_total",
			Help: "重複として除外したアイテム数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivepipe_http_status_total",
			Help: "管理APIのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		agg: NewAggregator(),
	}

	reg.MustRegister(
		c.linesTotal,
		c.handlerErrors,
		c.streamsTotal,
		c.streamDuration,
		c.peakMemory,
		c.batchesTotal,
		c.batchItems,
		c.batchLatency,
		c.batchSize,
		c.memoryWarnings,
		c.checkpointWrites,
		c.jobsTotal,
		c.jobDuration,
		c.activeJobs,
		c.mergesTotal,
		c.mergedItems,
		c.mergeDuplicates,
		c.mergeGaps,
		c.mergeQuality,
		c.dedupProcessed,
		c.dedupDuplicates,
		c.httpStatus,
	)

	return c
}

// Aggregator はファイル単位・全体のストリーム統計を返す。
func (c *Collector) Aggregator() *Aggregator {
	return c.agg
}

// RecordStreamCompleted は完了した展開ストリームの統計を記録する。
func (c *Collector) RecordStreamCompleted(m *model.ProcessingMetrics) {
	c.streamsTotal.WithLabelValues("completed").Inc()
	c.linesTotal.WithLabelValues("valid").Add(float64(m.ValidLines))
	c.linesTotal.WithLabelValues("error").Add(float64(m.ErrorLines))
	c.handlerErrors.Add(float64(m.HandlerErrors))
	c.streamDuration.Observe(m.ProcessingTime.Seconds())
	c.peakMemory.Set(float64(m.Memory.Peak))
	c.agg.Add(m)
}

// RecordStreamFailed は失敗した展開ストリームを記録する。
func (c *Collector) RecordStreamFailed(reason string) {
	c.streamsTotal.WithLabelValues(reason).Inc()
}

// RecordBatchProcessed は下流パイプラインのバッチ処理結果を記録する。
func (c *Collector) RecordBatchProcessed(result *model.BatchResult, duration time.Duration) {
	c.batchesTotal.Inc()
	c.batchLatency.Observe(duration.Seconds())
	if result == nil {
		return
	}
	c.batchItems.WithLabelValues("valid").Add(float64(result.ValidItems))
	c.batchItems.WithLabelValues("invalid").Add(float64(result.InvalidItems))
}

// RecordBatchSize は適用されたバッチサイズを記録する。
func (c *Collector) RecordBatchSize(size int) {
	c.batchSize.Observe(float64(size))
}

// RecordMemoryWarning はメモリ警告を記録する。
func (c *Collector) RecordMemoryWarning() {
	c.memoryWarnings.Inc()
}

// RecordCheckpointWrite はチェックポイント書き込みの結果を記録する。
func (c *Collector) RecordCheckpointWrite(status model.CheckpointStatus, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.checkpointWrites.WithLabelValues(string(status), result).Inc()
}

// RecordJobFinished は終了したジョブを記録する。
func (c *Collector) RecordJobFinished(status string, duration time.Duration) {
	c.jobsTotal.WithLabelValues(status).Inc()
	c.jobDuration.Observe(duration.Seconds())
}

// SetActiveJobs は実行中のジョブ数を設定する。
func (c *Collector) SetActiveJobs(n int) {
	c.activeJobs.Set(float64(n))
}

// RecordMergeCompleted は成功したマージを記録する。
func (c *Collector) RecordMergeCompleted(items, duplicates, gaps int, qualityScore float64) {
	c.mergesTotal.WithLabelValues("completed").Inc()
	c.mergedItems.Add(float64(items))
	c.mergeDuplicates.Add(float64(duplicates))
	c.mergeGaps.Add(float64(gaps))
	c.mergeQuality.Set(qualityScore)
}

// RecordMergeFailed は検証ゲートで失敗したマージを記録する。
func (c *Collector) RecordMergeFailed() {
	c.mergesTotal.WithLabelValues("failed").Inc()
}

// RecordDuplicateCheck は重複検出の評価件数と重複件数を記録する。
func (c *Collector) RecordDuplicateCheck(processed, duplicates int) {
	c.dedupProcessed.Add(float64(processed))
	c.dedupDuplicates.Add(float64(duplicates))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストや単体利用で使う。
type Nop struct{}

func (Nop) RecordStreamCompleted(*model.ProcessingMetrics)         {}
func (Nop) RecordStreamFailed(string)                              {}
func (Nop) RecordBatchProcessed(*model.BatchResult, time.Duration) {}
func (Nop) RecordBatchSize(int)                                    {}
func (Nop) RecordMemoryWarning()                                   {}
func (Nop) RecordCheckpointWrite(model.CheckpointStatus, error)    {}
func (Nop) RecordJobFinished(string, time.Duration)                {}
func (Nop) SetActiveJobs(int)                                      {}
func (Nop) RecordMergeCompleted(int, int, int, float64)            {}
func (Nop) RecordMergeFailed()                                     {}
func (Nop) RecordDuplicateCheck(int, int)                          {}
func (Nop) RecordHTTPStatus(int)                                   {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
