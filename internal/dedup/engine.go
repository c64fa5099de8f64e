// Package dedup は取得元をまたいだ重複レコードを検出・除外する。
package dedup

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/archivepipe/internal/config"
	"github.com/hitoshi/archivepipe/internal/model"
)

// MalformedStrategy は識別子を導出できないレコードの扱い。
type MalformedStrategy string

const (
	// StrategyPassThrough は判定せずにそのまま出力に残す。
	StrategyPassThrough MalformedStrategy = "pass-through"
	// StrategySkip は出力から除外する。
	StrategySkip MalformedStrategy = "skip"
	// StrategyFail はバッチ全体をエラーにする。
	StrategyFail MalformedStrategy = "fail"
)

// ParseStrategy は文字列から MalformedStrategy を解析する。
func ParseStrategy(s string) (MalformedStrategy, error) {
	switch st := MalformedStrategy(strings.TrimSpace(strings.ToLower(s))); st {
	case StrategyPassThrough, StrategySkip, StrategyFail:
		return st, nil
	case "":
		return StrategyPassThrough, nil
	}
	return "", fmt.Errorf("unknown malformed strategy: %q", s)
}

// Config は重複検出の設定。
type Config struct {
	MaxTimeDifferenceSeconds int64             `json:"max_time_difference_seconds"`
	MaxBatchSize             int               `json:"max_batch_size"`
	MalformedStrategy        MalformedStrategy `json:"malformed_strategy"`
	EnableSourceOverlap      bool              `json:"enable_source_overlap"`
	EnablePerformance        bool              `json:"enable_performance"`
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		MaxTimeDifferenceSeconds: 3600,
		MaxBatchSize:             10000,
		MalformedStrategy:        StrategyPassThrough,
		EnableSourceOverlap:      true,
	}
}

// ConfigFrom はアプリケーション設定から重複検出の設定を組み立てる。
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.MaxTimeDifferenceSeconds = cfg.DedupMaxTimeDifference
	c.MaxBatchSize = cfg.DedupMaxBatchSize
	if st, err := ParseStrategy(cfg.DedupMalformedStrategy); err == nil {
		c.MalformedStrategy = st
	}
	return c
}

func (c Config) validate() error {
	if c.MaxBatchSize <= 0 {
		return &model.ValidationError{Field: "max_batch_size", Message: fmt.Sprintf("must be > 0, got %d", c.MaxBatchSize)}
	}
	if c.MaxTimeDifferenceSeconds < 0 {
		return &model.ValidationError{Field: "max_time_difference_seconds", Message: fmt.Sprintf("must be >= 0, got %d", c.MaxTimeDifferenceSeconds)}
	}
	if _, err := ParseStrategy(string(c.MalformedStrategy)); err != nil {
		return &model.ValidationError{Field: "malformed_strategy", Message: err.Error()}
	}
	return nil
}

// Recorder は重複検出結果の記録先。
type Recorder interface {
	RecordDuplicateCheck(processed, duplicates int)
}

// firstSighting はフィンガープリントの初出情報。
type firstSighting struct {
	source    model.SourceMetadata
	timestamp int64
}

// CheckResult は単一レコードの判定結果。
type CheckResult struct {
	IsDuplicate    bool                  `json:"is_duplicate"`
	Identifier     string                `json:"identifier"`
	OriginalSource *model.SourceMetadata `json:"original_source,omitempty"`
	CurrentSource  model.SourceMetadata  `json:"current_source"`
	TimeDifference int64                 `json:"time_difference_seconds,omitempty"`
}

// DuplicateMatch は検出した重複1件。
type DuplicateMatch struct {
	Identifier     string           `json:"identifier"`
	OriginalSource model.SourceType `json:"original_source"`
	CurrentSource  model.SourceType `json:"current_source"`
	TimeDifference int64            `json:"time_difference_seconds"`
}

// Performance は処理性能の計測値。
type Performance struct {
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	Duration       time.Duration `json:"duration"`
	ItemsPerSecond float64       `json:"items_per_second"`
}

// Analysis はバッチ単位の分析結果。
// TotalItems = len(FilteredItems) + DuplicatesFound が成り立つ。
// SkippedItems はTotalItemsに含めない。
type Analysis struct {
	TotalItems      int              `json:"total_items"`
	UniqueItems     int              `json:"unique_items"`
	DuplicatesFound int              `json:"duplicates_found"`
	MalformedItems  int              `json:"malformed_items"`
	SkippedItems    int              `json:"skipped_items"`
	DuplicateRate   float64          `json:"duplicate_rate"`
	Duplicates      []DuplicateMatch `json:"duplicates"`
	SourceOverlap   map[string]int   `json:"source_overlap,omitempty"`
	Performance     *Performance     `json:"performance,omitempty"`
}

// Result はDetectAndFilterDuplicatesの結果。
type Result struct {
	FilteredItems []model.MergedRecord `json:"filtered_items"`
	Analysis      Analysis             `json:"analysis"`
}

// Statistics はClearCacheまで累積される統計。
type Statistics struct {
	TotalItemsProcessed     int64   `json:"total_items_processed"`
	TotalDuplicatesDetected int64   `json:"total_duplicates_detected"`
	OverallDuplicateRate    float64 `json:"overall_duplicate_rate"`
	SessionsCompleted       int     `json:"sessions_completed"`
	CacheSize               int     `json:"cache_size"`
}

// Engine はフィンガープリント表を持つ重複検出器。
// 表と統計はClearCacheまで保持され、全ての呼び出しはmuで直列化する。
type Engine struct {
	defaults Config
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	seen  map[string]firstSighting
	stats Statistics
}

// NewEngine はEngineを生成する。cfgは呼び出しでnilが渡されたときに使う。
func NewEngine(cfg Config, recorder Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		defaults: cfg,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		seen:     make(map[string]firstSighting),
	}
}

// Identifier はレコードのフィンガープリントを返す。
// 型プレフィックスを除いたIDと種別（post|comment）を組み合わせる。
func Identifier(id string, kind model.RecordKind) (string, error) {
	norm := model.NormalizeID(id)
	if norm == "" {
		return "", &model.DuplicateDetectionError{OriginalID: id, Kind: kind, Message: "重複判定用のIDが空です"}
	}
	switch kind {
	case model.KindSubmission:
		return "post:" + norm, nil
	case model.KindComment:
		return "comment:" + norm, nil
	}
	return "", &model.DuplicateDetectionError{OriginalID: id, Kind: kind, Message: "未知のレコード種別です"}
}

// CheckSingleItem は1件のレコードを判定し、初出であれば表に登録する。
func (e *Engine) CheckSingleItem(item model.MergedRecord) (*CheckResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.check(item, e.defaults.MaxTimeDifferenceSeconds)
	if err != nil {
		return nil, err
	}
	e.stats.TotalItemsProcessed++
	dups := 0
	if res.IsDuplicate {
		e.stats.TotalDuplicatesDetected++
		dups = 1
	}
	e.refreshRate()
	if e.recorder != nil {
		e.recorder.RecordDuplicateCheck(1, dups)
	}
	return res, nil
}

// check はロックを保持した状態で呼ぶ。
func (e *Engine) check(item model.MergedRecord, maxDiff int64) (*CheckResult, error) {
	id, err := Identifier(item.Source.OriginalID, item.Kind)
	if err != nil {
		return nil, err
	}
	res := &CheckResult{Identifier: id, CurrentSource: item.Source}

	first, ok := e.seen[id]
	if !ok {
		e.seen[id] = firstSighting{source: item.Source, timestamp: item.NormalizedTimestamp}
		return res, nil
	}

	diff := item.NormalizedTimestamp - first.timestamp
	if diff < 0 {
		diff = -diff
	}
	src := first.source
	res.OriginalSource = &src
	res.TimeDifference = diff
	res.IsDuplicate = diff <= maxDiff
	return res, nil
}

// DetectAndFilterDuplicates はバッチ内および過去のセッションとの重複を除外する。
//
// 設定は処理前に検証し、不正な場合は何も変更せずにエラーを返す。
// 識別子を導出できないレコードはMalformedStrategyに従って扱う。
func (e *Engine) DetectAndFilterDuplicates(items []model.MergedRecord, cfg *Config) (*Result, error) {
	c := e.defaults
	if cfg != nil {
		c = *cfg
	}
	if c.MalformedStrategy == "" {
		c.MalformedStrategy = StrategyPassThrough
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	malformed := make([]bool, len(items))
	for i, item := range items {
		if _, err := Identifier(item.Source.OriginalID, item.Kind); err != nil {
			if c.MalformedStrategy == StrategyFail {
				return nil, err
			}
			malformed[i] = true
		}
	}

	started := e.now()
	res := &Result{
		FilteredItems: make([]model.MergedRecord, 0, len(items)),
		Analysis: Analysis{
			Duplicates: []DuplicateMatch{},
		},
	}
	if c.EnableSourceOverlap {
		res.Analysis.SourceOverlap = make(map[string]int)
	}

	for start := 0; start < len(items); start += c.MaxBatchSize {
		end := min(start+c.MaxBatchSize, len(items))
		for i := start; i < end; i++ {
			e.process(items[i], malformed[i], c, res)
		}
		if len(items) > c.MaxBatchSize {
			e.logger.Debug("重複検出のチャンクを処理しました",
				slog.Int("start", start),
				slog.Int("end", end),
				slog.Int("total", len(items)),
			)
		}
	}

	a := &res.Analysis
	a.UniqueItems = len(res.FilteredItems) - (a.MalformedItems - a.SkippedItems)
	if a.TotalItems > 0 {
		a.DuplicateRate = float64(a.DuplicatesFound) / float64(a.TotalItems) * 100
	}
	if c.EnablePerformance {
		finished := e.now()
		p := &Performance{StartedAt: started, FinishedAt: finished, Duration: finished.Sub(started)}
		if secs := p.Duration.Seconds(); secs > 0 {
			p.ItemsPerSecond = float64(a.TotalItems) / secs
		}
		a.Performance = p
	}

	e.stats.TotalItemsProcessed += int64(a.TotalItems)
	e.stats.TotalDuplicatesDetected += int64(a.DuplicatesFound)
	e.stats.SessionsCompleted++
	e.refreshRate()
	if e.recorder != nil {
		e.recorder.RecordDuplicateCheck(a.TotalItems, a.DuplicatesFound)
	}

	e.logger.Info("重複検出が完了しました",
		slog.Int("total_items", a.TotalItems),
		slog.Int("duplicates_found", a.DuplicatesFound),
		slog.Int("malformed_items", a.MalformedItems),
		slog.Float64("duplicate_rate", a.DuplicateRate),
	)
	return res, nil
}

// process は1件を判定して結果に反映する。ロックを保持した状態で呼ぶ。
func (e *Engine) process(item model.MergedRecord, malformed bool, c Config, res *Result) {
	a := &res.Analysis
	if malformed {
		a.MalformedItems++
		if c.MalformedStrategy == StrategySkip {
			a.SkippedItems++
			e.logger.Warn("識別子を導出できないレコードを除外します",
				slog.String("original_id", item.Source.OriginalID),
				slog.String("kind", string(item.Kind)),
			)
			return
		}
		e.logger.Info("識別子を導出できないレコードを判定せずに通過させます",
			slog.String("original_id", item.Source.OriginalID),
			slog.String("kind", string(item.Kind)),
		)
		a.TotalItems++
		res.FilteredItems = append(res.FilteredItems, item)
		return
	}

	a.TotalItems++
	// 事前検証済みのためエラーにはならない
	cr, _ := e.check(item, c.MaxTimeDifferenceSeconds)
	if !cr.IsDuplicate {
		res.FilteredItems = append(res.FilteredItems, item)
		return
	}

	a.DuplicatesFound++
	a.Duplicates = append(a.Duplicates, DuplicateMatch{
		Identifier:     cr.Identifier,
		OriginalSource: cr.OriginalSource.SourceType,
		CurrentSource:  cr.CurrentSource.SourceType,
		TimeDifference: cr.TimeDifference,
	})
	if a.SourceOverlap != nil {
		a.SourceOverlap[overlapKey(cr.OriginalSource.SourceType, cr.CurrentSource.SourceType)]++
	}
}

// overlapKey は "ARCHIVE→API_CHRONOLOGICAL" 形式のキーを返す。
func overlapKey(from, to model.SourceType) string {
	norm := func(s model.SourceType) string {
		return strings.ToUpper(strings.ReplaceAll(string(s), "-", "_"))
	}
	return norm(from) + "→" + norm(to)
}

func (e *Engine) refreshRate() {
	e.stats.CacheSize = len(e.seen)
	if e.stats.TotalItemsProcessed > 0 {
		e.stats.OverallDuplicateRate = float64(e.stats.TotalDuplicatesDetected) / float64(e.stats.TotalItemsProcessed) * 100
	} else {
		e.stats.OverallDuplicateRate = 0
	}
}

// Statistics は累積統計を返す。
func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.CacheSize = len(e.seen)
	return s
}

// ClearCache はフィンガープリント表と累積統計を破棄する。
func (e *Engine) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = make(map[string]firstSighting)
	e.stats = Statistics{}
}
