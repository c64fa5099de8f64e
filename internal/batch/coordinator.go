// Package batch はアーカイブファイルのチェックポイント付きバッチ処理を提供する。
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hitoshi/archivepipe/internal/config"
	"github.com/hitoshi/archivepipe/internal/linestream"
	"github.com/hitoshi/archivepipe/internal/metrics"
	"github.com/hitoshi/archivepipe/internal/model"
	"github.com/hitoshi/archivepipe/internal/repository"
	"github.com/hitoshi/archivepipe/internal/resource"
)

// jobNamespace はファイルパスから決定的なジョブIDを導出するための名前空間。
var jobNamespace = uuid.MustParse("6f1c3a52-8d0e-4b4f-9a57-2c1d7e0b9f43")

// ErrJobAlreadyRunning は同じファイルのジョブが実行中であることを示す。
var ErrJobAlreadyRunning = errors.New("job for this archive is already running")

// JobIDForPath はアーカイブの絶対パスから決定的なジョブIDを返す。
func JobIDForPath(absPath string) string {
	return uuid.NewSHA1(jobNamespace, []byte(absPath)).String()
}

// BatchProcessor は蓄積したバッチを処理する下流コンテンツパイプライン。
// model.ErrFatalをラップしたエラーはジョブ全体を中断する。
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, jobID string, items []map[string]any) (*model.BatchResult, error)
}

// JobStarter は実行開始時に前回の出力を破棄できるBatchProcessor。
// 実装していれば、ストリーム開始前に実行ごとに1回呼ばれる。
type JobStarter interface {
	BeginJob(ctx context.Context, jobID string) error
}

// Streamer はアーカイブを1行ずつ展開する。
type Streamer interface {
	StreamDecompress(ctx context.Context, filePath string, handler linestream.ItemHandler, opts linestream.StreamOptions) (*model.ProcessingMetrics, error)
	Sample(ctx context.Context, filePath string, n int64, validator linestream.Validator, timeout time.Duration) (*linestream.SampleResult, error)
}

// ResourceMonitor はジョブ単位のリソース監視サービス。
type ResourceMonitor interface {
	StartMonitoring(jobID string, opts resource.MonitorOptions) error
	StopMonitoring(jobID string)
	GetCurrentStats(jobID string) (*resource.Stats, bool)
	RecordProgress(jobID string, processedLines int64)
}

// Config はコーディネーターの解決済み設定。
type Config struct {
	BaseBatchSize             int           `json:"base_batch_size"`
	MinBatchSize              int           `json:"min_batch_size"`
	MaxBatchSize              int           `json:"max_batch_size"`
	AdaptiveBatchSizing       bool          `json:"adaptive_batch_sizing"`
	GrowAfterQuietBatches     int           `json:"grow_after_quiet_batches"`
	MaxMemoryBytes            uint64        `json:"max_memory_bytes"`
	EnableCheckpoints         bool          `json:"enable_checkpoints"`
	EnableResourceMonitoring  bool          `json:"enable_resource_monitoring"`
	CheckpointIntervalLines   int64         `json:"checkpoint_interval_lines"`
	ProgressReportingInterval time.Duration `json:"progress_reporting_interval"`
	ProcessingTimeout         time.Duration `json:"processing_timeout"`
	MonitorInterval           time.Duration `json:"monitor_interval"`
	PressurePause             time.Duration `json:"pressure_pause"`
	EstimatedBytesPerLine     int64         `json:"estimated_bytes_per_line"`
	MaxConcurrentJobs         int           `json:"max_concurrent_jobs"`
	ValidationEnabled         bool          `json:"validation_enabled"`
	ValidationSampleLines     int           `json:"validation_sample_lines"`
}

// ConfigFrom はアプリケーション設定からコーディネーター設定を組み立てる。
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		BaseBatchSize:             cfg.BatchSize,
		MinBatchSize:              cfg.MinBatchSize,
		MaxBatchSize:              cfg.MaxBatchSize,
		AdaptiveBatchSizing:       cfg.AdaptiveBatchSizing,
		GrowAfterQuietBatches:     defaultGrowAfterQuietBatches,
		MaxMemoryBytes:            cfg.MaxMemoryBytes(),
		EnableCheckpoints:         cfg.EnableCheckpoints,
		EnableResourceMonitoring:  cfg.EnableResourceMonitoring,
		CheckpointIntervalLines:   cfg.CheckpointIntervalLines,
		ProgressReportingInterval: cfg.ProgressReportingInterval,
		ProcessingTimeout:         cfg.ProcessingTimeout,
		MonitorInterval:           cfg.MonitorInterval,
		PressurePause:             cfg.PressurePause,
		EstimatedBytesPerLine:     cfg.EstimatedBytesPerLine,
		MaxConcurrentJobs:         cfg.MaxConcurrentJobs,
		ValidationEnabled:         cfg.ValidationEnabled,
		ValidationSampleLines:     cfg.ValidationSampleLines,
	}
}

// Deps はコーディネーターの依存サービス。
type Deps struct {
	Streamer    Streamer
	Processor   BatchProcessor
	Checkpoints repository.CheckpointRepository
	Monitor     ResourceMonitor
	Metrics     metrics.MetricsCollector
	// Validator は行を下流に渡す前の検証。nilの場合は全行を受け入れる
	Validator linestream.Validator
	Logger    *slog.Logger
}

// JobMetrics はジョブの集計結果。
type JobMetrics struct {
	TotalProcessedLines int64         `json:"total_processed_lines"`
	ValidItems          int64         `json:"valid_items"`
	InvalidItems        int64         `json:"invalid_items"`
	ErrorCount          int64         `json:"error_count"`
	ParseErrors         int64         `json:"parse_errors"`
	HandlerErrors       int64         `json:"handler_errors"`
	BatchesProcessed    int           `json:"batches_processed"`
	MemoryWarnings      int           `json:"memory_warnings"`
	FinalBatchSize      int           `json:"final_batch_size"`
	Duration            time.Duration `json:"duration"`
	LinesPerSecond      float64       `json:"lines_per_second"`
	PeakMemoryBytes     uint64        `json:"peak_memory_bytes"`
}

// JobResult はProcessArchiveFileの結果。
type JobResult struct {
	JobID            string                   `json:"job_id"`
	FilePath         string                   `json:"file_path"`
	Success          bool                     `json:"success"`
	Resumed          bool                     `json:"resumed"`
	ResumedFromLines int64                    `json:"resumed_from_lines,omitempty"`
	Metrics          JobMetrics               `json:"metrics"`
	Stream           *model.ProcessingMetrics `json:"stream,omitempty"`
}

// Coordinator はアーカイブファイルごとのジョブを実行する。
// ジョブ同士は独立しており、共有するのはチェックポイントリポジトリと
// メトリクスのみ。進捗照会は実行中のジョブと並行して安全に行える。
type Coordinator struct {
	cfg         Config
	streamer    Streamer
	processor   BatchProcessor
	checkpoints repository.CheckpointRepository
	monitor     ResourceMonitor
	metrics     metrics.MetricsCollector
	validator   linestream.Validator
	logger      *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*job
}

// NewCoordinator はCoordinatorの新しいインスタンスを生成する。
func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	if cfg.GrowAfterQuietBatches <= 0 {
		cfg.GrowAfterQuietBatches = defaultGrowAfterQuietBatches
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.EstimatedBytesPerLine <= 0 {
		cfg.EstimatedBytesPerLine = 120
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if !cfg.EnableCheckpoints {
		deps.Checkpoints = nil
	}
	if !cfg.EnableResourceMonitoring {
		deps.Monitor = nil
	}
	return &Coordinator{
		cfg:         cfg,
		streamer:    deps.Streamer,
		processor:   deps.Processor,
		checkpoints: deps.Checkpoints,
		monitor:     deps.Monitor,
		metrics:     deps.Metrics,
		validator:   deps.Validator,
		logger:      deps.Logger,
		jobs:        make(map[string]*job),
	}
}

// GetConfiguration は解決済みのバッチサイズ範囲と機能フラグを返す。
func (c *Coordinator) GetConfiguration() Config {
	return c.cfg
}

// ProcessArchiveFile はアーカイブファイル1件をジョブとして処理する。
//
// 未完了のチェックポイントがある場合は「再開」としてログに記録するが、
// 圧縮ストリームはシークできないため処理はファイル先頭からやり直す。
// そのためBatchProcessorがJobStarterなら、開始前に前回の出力を破棄させる。
// 失敗時は失敗チェックポイントを書き込み、元のエラーをそのまま返す。
func (c *Coordinator) ProcessArchiveFile(ctx context.Context, filePath string) (*JobResult, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, model.NewFileNotFoundError(filePath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, model.NewFileNotFoundError(absPath, err)
	}

	j := newJob(JobIDForPath(absPath), absPath, info.Size(), c.cfg)
	if err := c.register(j); err != nil {
		return nil, err
	}
	defer c.unregister(j.id)

	log := c.logger.With(slog.String("job_id", j.id), slog.String("file_path", absPath))
	result := &JobResult{JobID: j.id, FilePath: absPath}

	c.prepareCheckpoint(ctx, j, result, log)

	if err := c.validateArchive(ctx, j); err != nil {
		return nil, c.fail(ctx, j, err, log)
	}
	if starter, ok := c.processor.(JobStarter); ok {
		if err := starter.BeginJob(ctx, j.id); err != nil {
			return nil, c.fail(ctx, j, err, log)
		}
	}

	if c.monitor != nil {
		err := c.monitor.StartMonitoring(j.id, resource.MonitorOptions{
			Interval: c.cfg.MonitorInterval,
			OnMemoryWarning: func(currentBytes uint64) {
				j.sizer.SignalWarning()
				c.metrics.RecordMemoryWarning()
			},
		})
		if err != nil {
			log.Warn("リソース監視の開始に失敗しました", slog.String("error", err.Error()))
		} else {
			defer c.monitor.StopMonitoring(j.id)
		}
	}

	j.setState(StateRunning)
	log.Info("アーカイブ処理を開始します",
		slog.Int64("file_size", j.fileSize),
		slog.Int64("estimated_total_lines", j.estimatedTotalLines),
		slog.Int("batch_size", j.sizer.Current()),
	)

	progress := &rate.Sometimes{Interval: c.cfg.ProgressReportingInterval}
	handler := func(ctx context.Context, item map[string]any, lineNumber int64) error {
		j.appendItem(item, lineNumber)
		progress.Do(func() { c.logProgress(j, log) })
		if j.bufferLen() < j.sizer.Current() {
			return nil
		}
		return c.flush(ctx, j, log)
	}

	stream, err := c.streamer.StreamDecompress(ctx, absPath, handler, linestream.StreamOptions{
		Validator: c.validator,
		Timeout:   c.cfg.ProcessingTimeout,
	})
	if err == nil && j.bufferLen() > 0 {
		if flushErr := c.flush(ctx, j, log); flushErr != nil {
			if errors.Is(flushErr, model.ErrFatal) {
				// Abortのラップを外して元のエラーを返す
				err = errors.Unwrap(flushErr)
			} else {
				j.addHandlerError()
			}
		}
	}
	if err != nil {
		return nil, c.fail(ctx, j, err, log)
	}

	j.setState(StateCompleted)
	cp := j.completedCheckpoint()
	c.saveCheckpoint(ctx, cp, log)

	result.Success = true
	result.Stream = stream
	result.Metrics = j.summary(stream)
	if c.monitor != nil {
		if stats, ok := c.monitor.GetCurrentStats(j.id); ok && stats.PeakMemoryBytes > result.Metrics.PeakMemoryBytes {
			result.Metrics.PeakMemoryBytes = stats.PeakMemoryBytes
		}
	}
	c.metrics.RecordJobFinished(string(StateCompleted), result.Metrics.Duration)

	log.Info("アーカイブ処理が完了しました",
		slog.Int64("total_processed_lines", result.Metrics.TotalProcessedLines),
		slog.Int64("valid_items", result.Metrics.ValidItems),
		slog.Int64("error_count", result.Metrics.ErrorCount),
		slog.Int("batches", result.Metrics.BatchesProcessed),
		slog.Float64("lines_per_second", result.Metrics.LinesPerSecond),
		slog.Float64("duration_ms", float64(result.Metrics.Duration.Milliseconds())),
	)
	return result, nil
}

// ProcessArchiveFiles は複数のアーカイブを独立したジョブとして並行処理する。
// 同時実行数はMaxConcurrentJobsで制限する。1件の失敗は他のジョブを止めない。
// 結果はpathsと同じ順序で返し、失敗したジョブの要素はnilとなる。
func (c *Coordinator) ProcessArchiveFiles(ctx context.Context, paths []string) ([]*JobResult, error) {
	results := make([]*JobResult, len(paths))
	errs := make([]error, len(paths))

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrentJobs)
	for i, p := range paths {
		g.Go(func() error {
			res, err := c.ProcessArchiveFile(ctx, p)
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", p, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// flush はバッファ内のアイテムを下流に渡し、バッチ境界の処理を行う。
// 致命的な下流エラーはlinestream.Abortでラップして返す。
func (c *Coordinator) flush(ctx context.Context, j *job, log *slog.Logger) error {
	items, lastLine := j.takeBuffer()
	if len(items) == 0 {
		return nil
	}
	batchID := uuid.NewString()

	start := time.Now()
	res, procErr := c.processor.ProcessBatch(ctx, j.id, items)
	c.metrics.RecordBatchProcessed(res, time.Since(start))
	if procErr != nil && errors.Is(procErr, model.ErrFatal) {
		return linestream.Abort(procErr)
	}
	j.recordBatch(res)
	if procErr != nil {
		log.Warn("バッチ処理でエラーが発生しました",
			slog.String("batch_id", batchID),
			slog.Int("batch_size", len(items)),
			slog.String("error", procErr.Error()),
		)
	}

	size, warned := j.sizer.Advance()
	c.metrics.RecordBatchSize(size)
	if c.monitor != nil {
		c.monitor.RecordProgress(j.id, lastLine)
	}
	if warned {
		j.noteWarning()
		c.relievePressure(ctx, j, size, log)
	}

	if c.cfg.CheckpointIntervalLines > 0 && lastLine-j.lastCheckpointLines() >= c.cfg.CheckpointIntervalLines {
		c.saveCheckpoint(ctx, j.progressCheckpoint(lastLine), log)
	}
	return procErr
}

// relievePressure はメモリ警告後にジョブを一時停止し、GCを促してから再開する。
func (c *Coordinator) relievePressure(ctx context.Context, j *job, newSize int, log *slog.Logger) {
	j.setState(StatePaused)
	log.Warn("メモリ逼迫のためバッチサイズを縮小して一時停止します",
		slog.Int("batch_size", newSize),
		slog.Int("consecutive_warnings", j.sizer.ConsecutiveWarnings()),
		slog.Duration("pause", c.cfg.PressurePause),
	)
	runtime.GC()
	if c.cfg.PressurePause > 0 {
		timer := time.NewTimer(c.cfg.PressurePause)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	j.setState(StateRunning)
}

// prepareCheckpoint は既存チェックポイントを確認し、必要なら初期チェックポイントを作成する。
func (c *Coordinator) prepareCheckpoint(ctx context.Context, j *job, result *JobResult, log *slog.Logger) {
	if c.checkpoints == nil {
		j.setCheckpoint(j.initialCheckpoint(uuid.NewString()))
		return
	}

	prev, err := c.checkpoints.Latest(ctx, j.id)
	if err != nil {
		log.Warn("チェックポイントの取得に失敗しました", slog.String("error", err.Error()))
	}

	if prev != nil && !prev.Completed {
		result.Resumed = true
		result.ResumedFromLines = prev.ProcessedLines
		log.Info("前回のチェックポイントから再開します",
			slog.String("checkpoint_id", prev.CheckpointID),
			slog.Int64("processed_lines", prev.ProcessedLines),
			slog.Float64("completion_percentage", prev.CompletionPercentage),
			slog.String("status", string(prev.Status)),
			slog.String("previous_error", prev.ErrorMessage),
			slog.Time("checkpoint_at", prev.Timestamp),
		)
	}

	id := uuid.NewString()
	if prev != nil && prev.Status == model.CheckpointRunning {
		// 中断されたジョブのチェックポイントIDを引き続き使う
		id = prev.CheckpointID
	}
	cp := j.initialCheckpoint(id)
	j.setCheckpoint(cp)
	c.saveCheckpoint(ctx, cp, log)
}

// validateArchive は本処理の前に先頭行をサンプリングし、形式を確認する。
func (c *Coordinator) validateArchive(ctx context.Context, j *job) error {
	if !c.cfg.ValidationEnabled || c.cfg.ValidationSampleLines <= 0 {
		return nil
	}
	res, err := c.streamer.Sample(ctx, j.filePath, int64(c.cfg.ValidationSampleLines), c.validator, c.cfg.ProcessingTimeout)
	if err != nil {
		return err
	}
	if res.LinesRead > 0 && res.ValidLines == 0 {
		return &model.PipelineError{
			Code:     model.ErrCodeArchiveInvalid,
			Phase:    model.PhaseValidation,
			Message:  "サンプル行に有効なレコードがありません",
			FilePath: j.filePath,
			JobID:    j.id,
			Details: map[string]any{
				"sampled_lines": res.LinesRead,
				"error_lines":   res.ErrorLines,
			},
		}
	}
	return nil
}

// fail は失敗チェックポイントを書き込み、元のエラーをそのまま返す。
func (c *Coordinator) fail(ctx context.Context, j *job, err error, log *slog.Logger) error {
	j.setState(StateFailed)
	log.Error("アーカイブ処理に失敗しました",
		slog.Int64("processed_lines", j.processedLines()),
		slog.String("error", err.Error()),
	)
	if c.checkpoints != nil {
		// ジョブのコンテキストが取り消されていても失敗の記録は残す
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		c.saveCheckpoint(saveCtx, j.failureCheckpoint(uuid.NewString(), err), log)
	}
	c.metrics.RecordJobFinished(string(StateFailed), time.Since(j.startedAt))
	return err
}

// saveCheckpoint はチェックポイントをベストエフォートで保存する。失敗はログのみ。
func (c *Coordinator) saveCheckpoint(ctx context.Context, cp model.ProcessingCheckpoint, log *slog.Logger) {
	if c.checkpoints == nil {
		return
	}
	err := c.checkpoints.Upsert(ctx, &cp)
	c.metrics.RecordCheckpointWrite(cp.Status, err)
	if err != nil {
		log.Warn("チェックポイントの保存に失敗しました",
			slog.String("checkpoint_id", cp.CheckpointID),
			slog.String("error", err.Error()),
		)
		return
	}
	log.Debug("チェックポイントを保存しました",
		slog.String("checkpoint_id", cp.CheckpointID),
		slog.Int64("processed_lines", cp.ProcessedLines),
		slog.Float64("completion_percentage", cp.CompletionPercentage),
	)
}

func (c *Coordinator) logProgress(j *job, log *slog.Logger) {
	p := j.progress()
	log.Info("アーカイブ処理の進捗",
		slog.Int64("processed_lines", p.ProcessedLines),
		slog.Float64("completion_percentage", p.CompletionPercentage),
		slog.Int("batch_size", p.CurrentBatchSize),
		slog.Int64("valid_items", p.ValidItems),
	)
}

func (c *Coordinator) register(j *job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[j.id]; ok {
		return fmt.Errorf("%w: %s", ErrJobAlreadyRunning, j.filePath)
	}
	c.jobs[j.id] = j
	c.metrics.SetActiveJobs(len(c.jobs))
	return nil
}

func (c *Coordinator) unregister(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, jobID)
	c.metrics.SetActiveJobs(len(c.jobs))
}
