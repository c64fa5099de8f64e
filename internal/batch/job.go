package batch

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/archivepipe/internal/model"
	"github.com/hitoshi/archivepipe/internal/resource"
)

// JobState はジョブの状態。
type JobState string

const (
	StateInitializing JobState = "initializing"
	StateRunning      JobState = "running"
	StatePaused       JobState = "paused"
	StateCompleted    JobState = "completed"
	StateFailed       JobState = "failed"
)

// JobProgress はジョブの進捗スナップショット。
type JobProgress struct {
	JobID                string          `json:"job_id"`
	FilePath             string          `json:"file_path"`
	State                JobState        `json:"state"`
	Active               bool            `json:"active"`
	ProcessedLines       int64           `json:"processed_lines"`
	ValidItems           int64           `json:"valid_items"`
	CompletionPercentage float64         `json:"completion_percentage"`
	CurrentBatchSize     int             `json:"current_batch_size"`
	BatchesProcessed     int             `json:"batches_processed"`
	StartedAt            time.Time       `json:"started_at,omitzero"`
	LastCheckpointAt     time.Time       `json:"last_checkpoint_at,omitzero"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	Resource             *resource.Stats `json:"resource,omitempty"`
}

// job は実行中ジョブの可変状態。ストリームのゴルーチンが更新し、
// 進捗照会が別のゴルーチンから読むためmuで保護する。
type job struct {
	id                  string
	filePath            string
	fileSize            int64
	estimatedTotalLines int64
	bytesPerLine        int64
	startedAt           time.Time
	sizer               *Sizer

	mu               sync.Mutex
	state            JobState
	buffer           []map[string]any
	bufferLastLine   int64
	processed        int64
	validItems       int64
	invalidItems     int64
	handlerErrors    int64
	batches          int
	warnings         int
	checkpoint       model.ProcessingCheckpoint
	lastCheckpointAt time.Time
}

func newJob(id, filePath string, fileSize int64, cfg Config) *job {
	total := fileSize / cfg.EstimatedBytesPerLine
	if total < 1 {
		total = 1
	}
	return &job{
		id:                  id,
		filePath:            filePath,
		fileSize:            fileSize,
		estimatedTotalLines: total,
		bytesPerLine:        cfg.EstimatedBytesPerLine,
		startedAt:           time.Now(),
		sizer:               NewSizer(cfg.BaseBatchSize, cfg.MinBatchSize, cfg.MaxBatchSize, cfg.AdaptiveBatchSizing, cfg.GrowAfterQuietBatches),
		state:               StateInitializing,
	}
}

func (j *job) setState(s JobState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = s
}

func (j *job) appendItem(item map[string]any, lineNumber int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.buffer = append(j.buffer, item)
	j.bufferLastLine = lineNumber
}

func (j *job) bufferLen() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buffer)
}

// takeBuffer はバッファを取り出し、最後のアイテムの行番号とともに返す。
func (j *job) takeBuffer() ([]map[string]any, int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	items := j.buffer
	j.buffer = nil
	return items, j.bufferLastLine
}

// recordBatch はバッチ確定後の集計を更新する。
func (j *job) recordBatch(res *model.BatchResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.batches++
	if j.bufferLastLine > j.processed {
		j.processed = j.bufferLastLine
	}
	if res != nil {
		j.validItems += int64(res.ValidItems)
		j.invalidItems += int64(res.InvalidItems)
	}
}

func (j *job) noteWarning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.warnings++
}

func (j *job) addHandlerError() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.handlerErrors++
}

func (j *job) processedLines() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.processed
}

func (j *job) lastCheckpointLines() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.checkpoint.ProcessedLines
}

func (j *job) setCheckpoint(cp model.ProcessingCheckpoint) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.checkpoint = cp
	j.lastCheckpointAt = cp.Timestamp
}

func (j *job) percentage(lines int64) float64 {
	p := float64(lines) / float64(j.estimatedTotalLines) * 100
	if p > 100 {
		return 100
	}
	return p
}

func (j *job) bytePosition(lines int64) int64 {
	pos := lines * j.bytesPerLine
	if pos > j.fileSize {
		return j.fileSize
	}
	return pos
}

func (j *job) baseCheckpoint(id string, lines int64) model.ProcessingCheckpoint {
	return model.ProcessingCheckpoint{
		CheckpointID:         id,
		JobID:                j.id,
		FilePath:             j.filePath,
		ProcessedLines:       lines,
		LastBytePosition:     j.bytePosition(lines),
		CompletionPercentage: j.percentage(lines),
		Timestamp:            time.Now().UTC(),
		Status:               model.CheckpointRunning,
		BatchConfig:          j.sizer.Snapshot(),
	}
}

// initialCheckpoint はProcessedLines=0のジョブ開始チェックポイントを返す。
func (j *job) initialCheckpoint(id string) model.ProcessingCheckpoint {
	return j.baseCheckpoint(id, 0)
}

// progressCheckpoint は現在のチェックポイントIDで進捗を更新したものを返す。
func (j *job) progressCheckpoint(lines int64) model.ProcessingCheckpoint {
	j.mu.Lock()
	id := j.checkpoint.CheckpointID
	j.mu.Unlock()

	cp := j.baseCheckpoint(id, lines)
	j.setCheckpoint(cp)
	return cp
}

// completedCheckpoint は完了チェックポイントを返す。
func (j *job) completedCheckpoint() model.ProcessingCheckpoint {
	j.mu.Lock()
	id := j.checkpoint.CheckpointID
	lines := j.processed
	j.mu.Unlock()

	cp := j.baseCheckpoint(id, lines)
	cp.Status = model.CheckpointCompleted
	cp.Completed = true
	cp.CompletionPercentage = 100
	cp.LastBytePosition = j.fileSize
	j.setCheckpoint(cp)
	return cp
}

// failureCheckpoint は新しいIDの失敗チェックポイントを返す。
func (j *job) failureCheckpoint(id string, err error) model.ProcessingCheckpoint {
	cp := j.baseCheckpoint(id, j.processedLines())
	cp.Status = model.CheckpointFailed
	cp.ErrorMessage = err.Error()
	j.setCheckpoint(cp)
	return cp
}

func (j *job) progress() JobProgress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobProgress{
		JobID:                j.id,
		FilePath:             j.filePath,
		State:                j.state,
		Active:               true,
		ProcessedLines:       j.processed,
		ValidItems:           j.validItems,
		CompletionPercentage: j.percentage(j.processed),
		CurrentBatchSize:     j.sizer.Current(),
		BatchesProcessed:     j.batches,
		StartedAt:            j.startedAt,
		LastCheckpointAt:     j.lastCheckpointAt,
	}
}

// summary はストリーム統計とジョブ集計からJobMetricsを組み立てる。
func (j *job) summary(stream *model.ProcessingMetrics) JobMetrics {
	j.mu.Lock()
	defer j.mu.Unlock()

	m := JobMetrics{
		TotalProcessedLines: j.processed,
		ValidItems:          j.validItems,
		InvalidItems:        j.invalidItems,
		HandlerErrors:       j.handlerErrors,
		BatchesProcessed:    j.batches,
		MemoryWarnings:      j.warnings,
		FinalBatchSize:      j.sizer.Current(),
		Duration:            time.Since(j.startedAt),
	}
	if stream != nil {
		m.TotalProcessedLines = stream.TotalLines
		m.ParseErrors = stream.ErrorLines
		m.HandlerErrors += stream.HandlerErrors
		m.PeakMemoryBytes = stream.Memory.Peak
	}
	m.ErrorCount = m.ParseErrors + m.InvalidItems + m.HandlerErrors
	if secs := m.Duration.Seconds(); secs > 0 {
		m.LinesPerSecond = float64(m.TotalProcessedLines) / secs
	}
	return m
}

// GetJobProgress はジョブの進捗を返す。実行中でなければ最新のチェックポイントから
// 組み立てる。未知のジョブIDの場合はnilを返す。
func (c *Coordinator) GetJobProgress(ctx context.Context, jobID string) (*JobProgress, error) {
	c.mu.RLock()
	j, ok := c.jobs[jobID]
	c.mu.RUnlock()

	if ok {
		p := j.progress()
		if c.monitor != nil {
			if stats, ok := c.monitor.GetCurrentStats(jobID); ok {
				p.Resource = stats
			}
		}
		return &p, nil
	}

	if c.checkpoints == nil {
		return nil, nil
	}
	cp, err := c.checkpoints.Latest(ctx, jobID)
	if err != nil || cp == nil {
		return nil, err
	}
	state := StateRunning
	switch cp.Status {
	case model.CheckpointCompleted:
		state = StateCompleted
	case model.CheckpointFailed:
		state = StateFailed
	}
	return &JobProgress{
		JobID:                cp.JobID,
		FilePath:             cp.FilePath,
		State:                state,
		ProcessedLines:       cp.ProcessedLines,
		CompletionPercentage: cp.CompletionPercentage,
		CurrentBatchSize:     cp.BatchConfig.CurrentBatchSize,
		LastCheckpointAt:     cp.Timestamp,
		ErrorMessage:         cp.ErrorMessage,
	}, nil
}

// GetActiveJobs は実行中ジョブの進捗一覧を返す。
func (c *Coordinator) GetActiveJobs() []JobProgress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]JobProgress, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j.progress())
	}
	return out
}
