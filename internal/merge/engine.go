package merge

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/archivepipe/internal/model"
)

// 品質スコアの減点
const (
	penaltyPerIssue           = 5
	maxOutOfOrderPenalty      = 50
	maxAttributionPenalty     = 30
	maxHighSeverityGapPenalty = 20
)

// ギャップの重大度の閾値（時間）
const (
	highSeverityHours   = 24
	mediumSeverityHours = 6
)

// Recorder はマージ結果の記録先。
type Recorder interface {
	RecordMergeCompleted(items, duplicates, gaps int, qualityScore float64)
	RecordMergeFailed()
}

// Engine は時系列マージを行う。状態を持たないため並行に使える。
type Engine struct {
	defaults Config
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine はEngineを生成する。cfgはMergeTemporalDataにnilが渡されたときに使う。
func NewEngine(cfg Config, recorder Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		defaults: cfg,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// MergeTemporalData はアーカイブとAPIのレコードを1つの時系列に統合する。
//
// タイムスタンプを正規化できないレコードは警告を出して除外し、残りは処理を続ける。
// 並び順は正規化タイムスタンプの昇順で、同時刻の場合は優先順位、投稿→コメント、
// 元IDの辞書順で決める。優先順位で並べ替えるのはタイムスタンプが完全に一致する
// 場合のみで、TimestampToleranceは並び順に影響せず重複候補の計数にだけ使う。
// 検証ゲートが有効で問題がエラーの場合は *model.MergeValidationError を返し、
// バッチは返さない。
func (e *Engine) MergeTemporalData(historical HistoricalBatch, api APIBatch, cfg *Config) (*TemporalMergeBatch, error) {
	c := e.defaults
	if cfg != nil {
		c = *cfg
	}
	c.PriorityOrder = slices.Clone(c.PriorityOrder)
	if err := c.validate(); err != nil {
		e.recordFailure()
		return nil, err
	}

	started := e.now()
	batch := &TemporalMergeBatch{
		BatchID: uuid.NewString(),
		Gaps:    []model.GapAnalysisResult{},
	}

	histMeta := model.SourceMetadata{
		SourceType:          model.SourceArchive,
		SourcePath:          historical.SourcePath,
		CollectionTimestamp: historical.CollectedAt,
		ProcessingBatchID:   historical.BatchID,
	}
	apiSource := api.SourceType
	if apiSource == "" {
		apiSource = model.SourceAPIChronological
	}
	apiMeta := model.SourceMetadata{
		SourceType:          apiSource,
		SourcePath:          api.Endpoint,
		CollectionTimestamp: api.CollectedAt,
		ProcessingBatchID:   api.BatchID,
	}

	var records []model.MergedRecord
	records = e.appendRecords(records, historical.Submissions, model.KindSubmission, histMeta, &batch.ProcessingStats)
	records = e.appendRecords(records, historical.Comments, model.KindComment, histMeta, &batch.ProcessingStats)
	records = e.appendRecords(records, api.Submissions, model.KindSubmission, apiMeta, &batch.ProcessingStats)
	records = e.appendRecords(records, api.Comments, model.KindComment, apiMeta, &batch.ProcessingStats)

	sortRecords(records, priorityIndex(c.PriorityOrder))
	batch.setItems(records)
	batch.ProcessingStats.DuplicatesDetected = countDuplicates(records, c.TimestampTolerance)

	if c.EnableGapDetection {
		batch.Gaps = detectGaps(records, c.GapDetectionThreshold)
	}
	batch.ProcessingStats.GapsDetected = len(batch.Gaps)

	if c.ValidateTimestamps {
		report := assessQuality(records, batch.Gaps, c.MinQualityScore)
		batch.Quality = report
		if hasErrors(report.Issues) {
			e.recordFailure()
			e.logger.Error("マージ結果の検証に失敗しました",
				slog.Float64("quality_score", report.Score),
				slog.Int("issues", len(report.Issues)),
			)
			return nil, &model.MergeValidationError{Issues: report.Issues, QualityScore: report.Score}
		}
	}

	finished := e.now()
	batch.ProcessingStats.StartedAt = started
	batch.ProcessingStats.FinishedAt = finished
	batch.ProcessingStats.Duration = finished.Sub(started)

	score := 100.0
	if batch.Quality != nil {
		score = batch.Quality.Score
	}
	if e.recorder != nil {
		e.recorder.RecordMergeCompleted(batch.TotalItems, batch.ProcessingStats.DuplicatesDetected, batch.ProcessingStats.GapsDetected, score)
	}
	e.logger.Info("時系列マージが完了しました",
		slog.String("batch_id", batch.BatchID),
		slog.Int("total_items", batch.TotalItems),
		slog.Int("valid_items", batch.ValidItems),
		slog.Int("dropped_items", batch.ProcessingStats.DroppedItems),
		slog.Int("duplicates_detected", batch.ProcessingStats.DuplicatesDetected),
		slog.Int("gaps_detected", batch.ProcessingStats.GapsDetected),
		slog.Float64("quality_score", score),
	)
	return batch, nil
}

func (e *Engine) recordFailure() {
	if e.recorder != nil {
		e.recorder.RecordMergeFailed()
	}
}

// appendRecords はレコードをMergedRecordに変換して追加する。
func (e *Engine) appendRecords(dst []model.MergedRecord, items []model.ContentRecord, kind model.RecordKind, meta model.SourceMetadata, stats *ProcessingStats) []model.MergedRecord {
	for _, item := range items {
		ts, err := model.NormalizeTimestamp(item.CreatedUTC)
		if err != nil {
			stats.DroppedItems++
			e.logger.Warn("タイムスタンプを正規化できないレコードを除外します",
				slog.String("id", item.ID),
				slog.String("source_type", string(meta.SourceType)),
				slog.String("error", err.Error()),
			)
			continue
		}

		item.Kind = kind
		m := meta
		m.OriginalID = item.ID
		m.Permalink = item.Permalink

		rec := model.MergedRecord{
			Kind:                kind,
			Payload:             item,
			Source:              m,
			NormalizedTimestamp: ts,
			IsValid:             true,
		}
		if model.NormalizeID(item.ID) == "" {
			rec.IsValid = false
			rec.ValidationIssues = append(rec.ValidationIssues, model.ValidationIssue{
				Field:    "id",
				Message:  "id is empty",
				Severity: model.SeverityWarning,
			})
		}
		dst = append(dst, rec)
	}
	return dst
}

func priorityIndex(order []model.SourceType) map[model.SourceType]int {
	idx := make(map[model.SourceType]int, len(order))
	for i, s := range order {
		idx[s] = i
	}
	return idx
}

// sortRecords はタイムスタンプ昇順で安定ソートする。
func sortRecords(records []model.MergedRecord, priority map[model.SourceType]int) {
	rank := func(s model.SourceType) int {
		if i, ok := priority[s]; ok {
			return i
		}
		return len(priority)
	}
	kindRank := func(k model.RecordKind) int {
		if k == model.KindSubmission {
			return 0
		}
		return 1
	}
	slices.SortStableFunc(records, func(a, b model.MergedRecord) int {
		return cmp.Or(
			cmp.Compare(a.NormalizedTimestamp, b.NormalizedTimestamp),
			cmp.Compare(rank(a.Source.SourceType), rank(b.Source.SourceType)),
			cmp.Compare(kindRank(a.Kind), kindRank(b.Kind)),
			cmp.Compare(a.Source.OriginalID, b.Source.OriginalID),
		)
	})
}

func temporalRange(records []model.MergedRecord) TemporalRange {
	if len(records) == 0 {
		return TemporalRange{}
	}
	earliest := records[0].NormalizedTimestamp
	latest := records[len(records)-1].NormalizedTimestamp
	return TemporalRange{
		Earliest:  earliest,
		Latest:    latest,
		SpanHours: float64(latest-earliest) / 3600,
	}
}

type fingerprint struct {
	id   string
	kind model.RecordKind
}

// countDuplicates は同じ(ID, 種別)が許容差以内に再出現した回数を数える。
// レコードは除外しない。
func countDuplicates(records []model.MergedRecord, tolerance int64) int {
	lastSeen := make(map[fingerprint]int64, len(records))
	var dups int
	for _, r := range records {
		id := model.NormalizeID(r.Source.OriginalID)
		if id == "" {
			continue
		}
		key := fingerprint{id: id, kind: r.Kind}
		if prev, ok := lastSeen[key]; ok && r.NormalizedTimestamp-prev <= tolerance {
			dups++
		}
		lastSeen[key] = r.NormalizedTimestamp
	}
	return dups
}

// detectGaps は隣接レコード間の閾値を超える間隔をギャップとして返す。
func detectGaps(records []model.MergedRecord, thresholdHours float64) []model.GapAnalysisResult {
	gaps := []model.GapAnalysisResult{}
	thresholdSecs := thresholdHours * 3600
	for i := 1; i < len(records); i++ {
		prev, cur := records[i-1], records[i]
		diff := float64(cur.NormalizedTimestamp - prev.NormalizedTimestamp)
		if diff <= thresholdSecs {
			continue
		}
		hours := diff / 3600

		// 直前と直後の取得元。同じ取得元でも2件とも載せる
		sources := []model.SourceType{prev.Source.SourceType, cur.Source.SourceType}

		gapType := model.GapSparseData
		switch {
		case sources[0] != sources[1]:
			gapType = model.GapSourceTransition
		case diff >= 2*thresholdSecs:
			gapType = model.GapMissingCoverage
		}

		severity := model.GapSeverityLow
		switch {
		case hours > highSeverityHours:
			severity = model.GapSeverityHigh
		case hours > mediumSeverityHours:
			severity = model.GapSeverityMedium
		}

		gaps = append(gaps, model.GapAnalysisResult{
			GapType:         gapType,
			Start:           prev.NormalizedTimestamp,
			End:             cur.NormalizedTimestamp,
			DurationHours:   hours,
			AffectedSources: sources,
			Severity:        severity,
			Description: fmt.Sprintf("%.1f時間のギャップ (%s → %s)",
				hours,
				time.Unix(prev.NormalizedTimestamp, 0).UTC().Format(time.RFC3339),
				time.Unix(cur.NormalizedTimestamp, 0).UTC().Format(time.RFC3339)),
		})
	}
	return gaps
}

// assessQuality は品質スコアと問題一覧を計算する。
func assessQuality(records []model.MergedRecord, gaps []model.GapAnalysisResult, minScore float64) *QualityReport {
	r := &QualityReport{}
	for i, rec := range records {
		if i > 0 && rec.NormalizedTimestamp < records[i-1].NormalizedTimestamp {
			r.OutOfOrder++
		}
		if !rec.Source.SourceType.Valid() || rec.Source.ProcessingBatchID == "" {
			r.MissingAttribution++
		}
	}
	for _, g := range gaps {
		if g.Severity == model.GapSeverityHigh {
			r.HighSeverityGaps++
		}
	}

	r.Score = 100 -
		float64(min(maxOutOfOrderPenalty, penaltyPerIssue*r.OutOfOrder)) -
		float64(min(maxAttributionPenalty, penaltyPerIssue*r.MissingAttribution)) -
		float64(min(maxHighSeverityGapPenalty, penaltyPerIssue*r.HighSeverityGaps))

	if r.OutOfOrder > 0 {
		r.Issues = append(r.Issues, model.ValidationIssue{
			Field:    "normalized_timestamp",
			Message:  fmt.Sprintf("%d records are out of chronological order", r.OutOfOrder),
			Severity: model.SeverityError,
		})
	}
	if r.MissingAttribution > 0 {
		r.Issues = append(r.Issues, model.ValidationIssue{
			Field:    "source_metadata",
			Message:  fmt.Sprintf("%d records lack source attribution", r.MissingAttribution),
			Severity: model.SeverityWarning,
		})
	}
	if r.HighSeverityGaps > 0 {
		r.Issues = append(r.Issues, model.ValidationIssue{
			Field:    "gaps",
			Message:  fmt.Sprintf("%d high severity coverage gaps", r.HighSeverityGaps),
			Severity: model.SeverityWarning,
		})
	}
	if minScore > 0 && r.Score < minScore {
		r.Issues = append(r.Issues, model.ValidationIssue{
			Field:    "quality_score",
			Message:  fmt.Sprintf("quality score %.1f is below %.1f", r.Score, minScore),
			Severity: model.SeverityError,
		})
	}
	return r
}

func hasErrors(issues []model.ValidationIssue) bool {
	for _, is := range issues {
		if is.Severity == model.SeverityError {
			return true
		}
	}
	return false
}
