// Package merge は複数の取得元のレコードを1つの時系列に統合する。
package merge

import (
	"fmt"
	"slices"
	"time"

	"github.com/hitoshi/archivepipe/internal/config"
	"github.com/hitoshi/archivepipe/internal/model"
)

// HistoricalBatch はアーカイブから抽出したレコード群。
type HistoricalBatch struct {
	BatchID     string                `json:"batch_id"`
	SourcePath  string                `json:"source_path"`
	CollectedAt time.Time             `json:"collected_at"`
	Submissions []model.ContentRecord `json:"submissions"`
	Comments    []model.ContentRecord `json:"comments"`
}

// APIBatch はAPIから取得したレコード群。
// SourceType が空の場合は api-chronological とみなす。
type APIBatch struct {
	BatchID     string                `json:"batch_id"`
	SourceType  model.SourceType      `json:"source_type"`
	Endpoint    string                `json:"endpoint"`
	CollectedAt time.Time             `json:"collected_at"`
	Submissions []model.ContentRecord `json:"submissions"`
	Comments    []model.ContentRecord `json:"comments"`
}

// Config はマージの設定。
type Config struct {
	// TimestampTolerance は重複とみなす同一レコードの時刻差（秒）
	TimestampTolerance int64 `json:"timestamp_tolerance"`
	EnableGapDetection bool  `json:"enable_gap_detection"`
	// GapDetectionThreshold はギャップとみなす間隔（時間）
	GapDetectionThreshold float64            `json:"gap_detection_threshold"`
	PriorityOrder         []model.SourceType `json:"priority_order"`
	ValidateTimestamps    bool               `json:"validate_timestamps"`
	// MinQualityScore を下回る品質スコアは検証エラーとなる。0で無効
	MinQualityScore float64 `json:"min_quality_score"`
}

// DefaultConfig はデフォルトのマージ設定を返す。
func DefaultConfig() Config {
	return Config{
		TimestampTolerance:    1,
		EnableGapDetection:    true,
		GapDetectionThreshold: 4,
		PriorityOrder:         model.AllSourceTypes(),
		ValidateTimestamps:    true,
	}
}

// ConfigFrom はアプリケーション設定からマージ設定を組み立てる。
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.TimestampTolerance = cfg.MergeTimestampTolerance
	c.GapDetectionThreshold = cfg.MergeGapThresholdHours
	if len(cfg.MergePriorityOrder) > 0 {
		c.PriorityOrder = slices.Clone(cfg.MergePriorityOrder)
	}
	return c
}

// validate は設定を検証し、優先順位に含まれない取得元を末尾に補う。
func (c *Config) validate() error {
	if c.TimestampTolerance < 0 {
		return &model.ValidationError{Field: "timestamp_tolerance", Message: fmt.Sprintf("must be >= 0, got %d", c.TimestampTolerance)}
	}
	if c.EnableGapDetection && c.GapDetectionThreshold <= 0 {
		return &model.ValidationError{Field: "gap_detection_threshold", Message: fmt.Sprintf("must be > 0, got %v", c.GapDetectionThreshold)}
	}
	if c.MinQualityScore < 0 || c.MinQualityScore > 100 {
		return &model.ValidationError{Field: "min_quality_score", Message: fmt.Sprintf("must be within [0, 100], got %v", c.MinQualityScore)}
	}
	seen := make(map[model.SourceType]bool, len(c.PriorityOrder))
	order := make([]model.SourceType, 0, len(model.AllSourceTypes()))
	for _, s := range c.PriorityOrder {
		if !s.Valid() {
			return &model.ValidationError{Field: "priority_order", Message: fmt.Sprintf("unknown source type %q", s)}
		}
		if !seen[s] {
			seen[s] = true
			order = append(order, s)
		}
	}
	for _, s := range model.AllSourceTypes() {
		if !seen[s] {
			order = append(order, s)
		}
	}
	c.PriorityOrder = order
	return nil
}

// TemporalRange はマージ結果の時間範囲。
type TemporalRange struct {
	Earliest  int64   `json:"earliest"`
	Latest    int64   `json:"latest"`
	SpanHours float64 `json:"span_hours"`
}

// ProcessingStats はマージ処理の統計。
type ProcessingStats struct {
	StartedAt          time.Time     `json:"started_at"`
	FinishedAt         time.Time     `json:"finished_at"`
	Duration           time.Duration `json:"duration"`
	DuplicatesDetected int           `json:"duplicates_detected"`
	GapsDetected       int           `json:"gaps_detected"`
	DroppedItems       int           `json:"dropped_items"`
}

// QualityReport は検証ゲートの結果。
type QualityReport struct {
	Score              float64                 `json:"score"`
	OutOfOrder         int                     `json:"out_of_order"`
	MissingAttribution int                     `json:"missing_attribution"`
	HighSeverityGaps   int                     `json:"high_severity_gaps"`
	Issues             []model.ValidationIssue `json:"issues,omitempty"`
}

// TemporalMergeBatch はマージ結果。
type TemporalMergeBatch struct {
	BatchID         string                    `json:"batch_id"`
	MergedItems     []model.MergedRecord      `json:"merged_items"`
	TotalItems      int                       `json:"total_items"`
	ValidItems      int                       `json:"valid_items"`
	SourceBreakdown map[model.SourceType]int  `json:"source_breakdown"`
	TemporalRange   TemporalRange             `json:"temporal_range"`
	Gaps            []model.GapAnalysisResult `json:"gaps"`
	ProcessingStats ProcessingStats           `json:"processing_stats"`
	Quality         *QualityReport            `json:"quality,omitempty"`
}

// WithItems はアイテムを差し替えた写しを返す。件数、取得元の内訳、時間範囲は
// itemsから数え直す。itemsはマージ済みの並び順を保っている必要がある。
// ギャップ、処理統計、品質レポートは元のマージ結果のまま引き継ぐ。
func (b *TemporalMergeBatch) WithItems(items []model.MergedRecord) *TemporalMergeBatch {
	out := *b
	out.setItems(items)
	return &out
}

func (b *TemporalMergeBatch) setItems(items []model.MergedRecord) {
	b.MergedItems = items
	b.TotalItems = len(items)
	b.ValidItems = 0
	b.SourceBreakdown = make(map[model.SourceType]int)
	for _, r := range items {
		b.SourceBreakdown[r.Source.SourceType]++
		if r.IsValid {
			b.ValidItems++
		}
	}
	b.TemporalRange = temporalRange(items)
}

// Summary はマージ履歴として保存する要約を返す。
func (b *TemporalMergeBatch) Summary(historicalBatchID, apiBatchID string) *model.MergeRun {
	run := &model.MergeRun{
		ID:                 b.BatchID,
		HistoricalBatchID:  historicalBatchID,
		APIBatchID:         apiBatchID,
		TotalItems:         b.TotalItems,
		ValidItems:         b.ValidItems,
		DuplicatesDetected: b.ProcessingStats.DuplicatesDetected,
		GapsDetected:       b.ProcessingStats.GapsDetected,
		SourceBreakdown:    make(map[string]int, len(b.SourceBreakdown)),
		CreatedAt:          b.ProcessingStats.FinishedAt,
	}
	for s, n := range b.SourceBreakdown {
		run.SourceBreakdown[string(s)] = n
	}
	if b.Quality != nil {
		score := b.Quality.Score
		run.QualityScore = &score
	}
	if b.TotalItems > 0 {
		earliest := time.Unix(b.TemporalRange.Earliest, 0).UTC()
		latest := time.Unix(b.TemporalRange.Latest, 0).UTC()
		run.EarliestAt = &earliest
		run.LatestAt = &latest
	}
	return run
}
