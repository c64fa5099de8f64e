package model

import "time"

// CheckpointStatus はチェックポイントが表すジョブの状態。
type CheckpointStatus string

const (
	// CheckpointRunning は処理中の進捗スナップショット。
	CheckpointRunning CheckpointStatus = "running"
	// CheckpointCompleted は正常完了したジョブのチェックポイント。
	CheckpointCompleted CheckpointStatus = "completed"
	// CheckpointFailed は致命的エラーで中断したジョブの失敗チェックポイント。
	CheckpointFailed CheckpointStatus = "failed"
)

// BatchConfigSnapshot はチェックポイント作成時点のバッチサイズ設定。
type BatchConfigSnapshot struct {
	CurrentBatchSize int  `json:"current_batch_size"`
	BaseBatchSize    int  `json:"base_batch_size"`
	MinBatchSize     int  `json:"min_batch_size"`
	MaxBatchSize     int  `json:"max_batch_size"`
	Adaptive         bool `json:"adaptive"`
}

// ProcessingCheckpoint はジョブ単位の取り込み進捗スナップショット。
// ジョブ開始時に ProcessedLines=0 で作成され、バッチ確定ごとに更新される。
// 失敗時は Status=failed と ErrorMessage を持つ失敗チェックポイントとなる。
//
// 圧縮ストリームはシークできないため、再開は論理的なもの（進捗の報告）に留まり、
// 実際の処理はファイル先頭から再度行う。
type ProcessingCheckpoint struct {
	CheckpointID         string              `json:"checkpoint_id"`
	JobID                string              `json:"job_id"`
	FilePath             string              `json:"file_path"`
	ProcessedLines       int64               `json:"processed_lines"`
	LastBytePosition     int64               `json:"last_byte_position"`
	CompletionPercentage float64             `json:"completion_percentage"`
	Timestamp            time.Time           `json:"timestamp"`
	Status               CheckpointStatus    `json:"status"`
	Completed            bool                `json:"completed"`
	ErrorMessage         string              `json:"error_message,omitempty"`
	BatchConfig          BatchConfigSnapshot `json:"batch_config"`
}

// IsFailure は失敗チェックポイントかどうかを返す。
func (c *ProcessingCheckpoint) IsFailure() bool {
	return c.Status == CheckpointFailed
}

// BatchResult は下流コンテンツパイプラインがバッチごとに返す処理結果。
type BatchResult struct {
	BatchID        string          `json:"batch_id"`
	Submissions    []ContentRecord `json:"-"`
	Comments       []ContentRecord `json:"-"`
	TotalProcessed int             `json:"total_processed"`
	ValidItems     int             `json:"valid_items"`
	InvalidItems   int             `json:"invalid_items"`
	Errors         []string        `json:"errors,omitempty"`
}

// MergeRun は時系列マージ1回分の要約。マージ履歴として保存する。
type MergeRun struct {
	ID                 string         `json:"id"`
	HistoricalBatchID  string         `json:"historical_batch_id"`
	APIBatchID         string         `json:"api_batch_id"`
	TotalItems         int            `json:"total_items"`
	ValidItems         int            `json:"valid_items"`
	DuplicatesDetected int            `json:"duplicates_detected"`
	GapsDetected       int            `json:"gaps_detected"`
	QualityScore       *float64       `json:"quality_score,omitempty"`
	SourceBreakdown    map[string]int `json:"source_breakdown"`
	EarliestAt         *time.Time     `json:"earliest_at,omitempty"`
	LatestAt           *time.Time     `json:"latest_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}
